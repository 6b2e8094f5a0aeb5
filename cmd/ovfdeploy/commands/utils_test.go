package commands

import (
	"reflect"
	"testing"
)

func TestParseKeyValues(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]string
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{"single", []string{"VM Network=prod-net"}, map[string]string{"VM Network": "prod-net"}, false},
		{"value with equals", []string{"guestinfo.cmd=a=b"}, map[string]string{"guestinfo.cmd": "a=b"}, false},
		{"last wins", []string{"a=1", "a=2"}, map[string]string{"a": "2"}, false},
		{"empty value", []string{"a="}, map[string]string{"a": ""}, false},
		{"missing separator", []string{"novalue"}, nil, true},
		{"empty key", []string{"=value"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKeyValues(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseKeyValues() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseKeyValues() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeMaps(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2"}
	got := mergeMaps(base, map[string]string{"b": "3", "c": "4"})

	want := map[string]string{"a": "1", "b": "3", "c": "4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeMaps() = %v, want %v", got, want)
	}
	if base["b"] != "2" {
		t.Error("base map was modified")
	}
	if got := mergeMaps(base, nil); !reflect.DeepEqual(got, base) {
		t.Errorf("mergeMaps() without overrides = %v", got)
	}
}

func TestTemplateBaseName(t *testing.T) {
	tests := map[string]string{
		"/templates/photon.ova":           "photon",
		"s3://bucket/images/ubuntu.ovf":   "ubuntu",
		"appliance.ova":                   "appliance",
		"./relative/dir/with.dots/vm.ova": "vm",
	}
	for in, want := range tests {
		if got := templateBaseName(in); got != want {
			t.Errorf("templateBaseName(%q) = %q, want %q", in, got, want)
		}
	}
}
