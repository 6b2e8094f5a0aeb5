package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vmops/ovfdeploy/pkg/db"
	"github.com/vmops/ovfdeploy/pkg/errors"
)

// fakeS3 serves objects from memory, keyed by "bucket/key".
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	gets    map[string]int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, etags: map[string]string{}, gets: map[string]int{}}
}

func (f *fakeS3) put(bucket, key string, body []byte, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = body
	f.etags[bucket+"/"+key] = etag
}

func (f *fakeS3) getCount(bucket, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[bucket+"/"+key]
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	body, ok := f.objects[id]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.gets[id]++
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body)), ETag: aws.String(f.etags[id])}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	body, ok := f.objects[id]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(body))), ETag: aws.String(f.etags[id])}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	prefix := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Prefix)
	for id := range f.objects {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(id[len(aws.ToString(in.Bucket))+1:])})
		}
	}
	return out, nil
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    Location
		wantErr bool
	}{
		{"s3://templates/ubuntu/22.04.ova", Location{"templates", "ubuntu/22.04.ova"}, false},
		{"s3://templates/vm.ovf", Location{"templates", "vm.ovf"}, false},
		{"s3://templates", Location{}, true},
		{"s3://templates/", Location{}, true},
		{"s3:///vm.ova", Location{}, true},
		{"s3://templates/dir/", Location{}, true},
		{"/local/vm.ova", Location{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := ParseURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseURI() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if !tt.wantErr && got.String() != tt.uri {
				t.Errorf("String() = %s, want %s", got.String(), tt.uri)
			}
		})
	}
}

func TestClient_Head(t *testing.T) {
	api := newFakeS3()
	api.put("b", "vm.ova", []byte("abc"), "\"e1\"")
	c := NewClientFromAPI(api)

	info, err := c.Head(context.Background(), Location{"b", "vm.ova"})
	if err != nil || info == nil || info.Size != 3 || info.ETag != "\"e1\"" {
		t.Errorf("unexpected head: %+v, %v", info, err)
	}

	info, err = c.Head(context.Background(), Location{"b", "missing.ova"})
	if err != nil || info != nil {
		t.Errorf("expected nil for missing object, got %+v, %v", info, err)
	}
}

func TestClient_ListTemplates(t *testing.T) {
	api := newFakeS3()
	api.put("b", "linux/vm.ova", nil, "")
	api.put("b", "linux/vm.OVF", nil, "")
	api.put("b", "linux/vm-disk1.vmdk", nil, "")
	api.put("b", "windows/win.ova", nil, "")

	templates, err := NewClientFromAPI(api).ListTemplates(context.Background(), "b", "linux/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(templates) != 2 {
		t.Errorf("expected 2 templates, got %+v", templates)
	}
}

func TestClient_Download(t *testing.T) {
	api := newFakeS3()
	api.put("b", "vm.ova", []byte("hello"), "\"e1\"")
	c := NewClientFromAPI(api)

	local := filepath.Join(t.TempDir(), "vm.ova")
	result, err := c.Download(context.Background(), Location{"b", "vm.ova"}, local)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}

	// sha256("hello")
	if result.SHA256 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected checksum: %s", result.SHA256)
	}
	if result.Size != 5 || result.ETag != "\"e1\"" {
		t.Errorf("unexpected result: %+v", result)
	}
	if _, err := os.Stat(local + ".part"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	if _, err := c.Download(context.Background(), Location{"b", "missing.ova"}, local); !errors.IsKind(err, errors.KindNotReadable) {
		t.Errorf("expected NotReadable, got %v", err)
	}
}

func newTestFetcher(t *testing.T, api API) (*Fetcher, *db.Repository, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := db.NewRepository(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	downloads := filepath.Join(dir, "downloads")
	return NewFetcher(NewClientFromAPI(api), repo, downloads), repo, downloads
}

func TestFetcher_CachesByETag(t *testing.T) {
	api := newFakeS3()
	api.put("b", "linux/vm.ova", []byte("archive-v1"), "\"v1\"")
	fetcher, repo, downloads := newTestFetcher(t, api)
	ctx := context.Background()

	local, err := fetcher.Fetch(ctx, "s3://b/linux/vm.ova")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if local != filepath.Join(downloads, "b", "linux", "vm.ova") {
		t.Errorf("unexpected local path: %s", local)
	}

	if _, err := fetcher.Fetch(ctx, "s3://b/linux/vm.ova"); err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if n := api.getCount("b", "linux/vm.ova"); n != 1 {
		t.Errorf("expected cached download to be reused, got %d downloads", n)
	}

	api.put("b", "linux/vm.ova", []byte("archive-v2!"), "\"v2\"")
	if _, err := fetcher.Fetch(ctx, "s3://b/linux/vm.ova"); err != nil {
		t.Fatalf("third fetch failed: %v", err)
	}
	if n := api.getCount("b", "linux/vm.ova"); n != 2 {
		t.Errorf("expected changed object to be downloaded again, got %d downloads", n)
	}

	cached, _ := repo.GetDownload("s3://b/linux/vm.ova")
	if cached == nil || cached.ETag != "\"v2\"" || cached.Size != 11 {
		t.Errorf("unexpected cache record: %+v", cached)
	}
}

func TestFetcher_DescriptorReferences(t *testing.T) {
	descriptor := `<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://schemas.dmtf.org/ovf/envelope/1" xmlns:ovf="http://schemas.dmtf.org/ovf/envelope/1">
  <References>
    <File ovf:id="file1" ovf:href="vm-disk1.vmdk" ovf:size="4"/>
  </References>
</Envelope>
`
	api := newFakeS3()
	api.put("b", "linux/vm.ovf", []byte(descriptor), "\"d\"")
	api.put("b", "linux/vm-disk1.vmdk", []byte("disk"), "\"k\"")
	fetcher, _, _ := newTestFetcher(t, api)

	local, err := fetcher.Fetch(context.Background(), "s3://b/linux/vm.ovf")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	disk := filepath.Join(filepath.Dir(local), "vm-disk1.vmdk")
	data, err := os.ReadFile(disk)
	if err != nil || string(data) != "disk" {
		t.Errorf("referenced disk not fetched: %q, %v", data, err)
	}
}

func TestFetcher_Errors(t *testing.T) {
	fetcher, _, _ := newTestFetcher(t, newFakeS3())

	tests := []struct {
		uri  string
		kind errors.Kind
	}{
		{"s3://b/missing.ova", errors.KindNotFound},
		{"s3://b/../escape.ova", errors.KindNotReadable},
		{"not-a-uri", errors.KindNotReadable},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			if _, err := fetcher.Fetch(context.Background(), tt.uri); !errors.IsKind(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}
