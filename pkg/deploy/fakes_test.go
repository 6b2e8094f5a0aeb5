package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

const emptyDescriptor = `<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://schemas.dmtf.org/ovf/envelope/1">
  <References/>
</Envelope>
`

var testLease = vsphere.Handle{Type: "HttpNfcLease", Value: "lease-1"}

type fakeResolver struct {
	networks map[string]bool
	err      error
}

func (r *fakeResolver) ResolveNetwork(_ context.Context, name string) (vsphere.Handle, error) {
	if r.err != nil {
		return vsphere.Handle{}, r.err
	}
	if !r.networks[name] {
		return vsphere.Handle{}, fmt.Errorf("network '%s' not found", name)
	}
	return vsphere.Handle{Type: "Network", Value: name}, nil
}

func (r *fakeResolver) ResolveResourcePool(_ context.Context, pool, cluster string) (vsphere.Handle, error) {
	return vsphere.Handle{Type: "ResourcePool", Value: "pool-" + cluster + pool}, nil
}

func (r *fakeResolver) ResolveHost(_ context.Context, name string) (vsphere.Handle, error) {
	if name == "" {
		return vsphere.Handle{}, nil
	}
	return vsphere.Handle{Type: "HostSystem", Value: name}, nil
}

func (r *fakeResolver) ResolveDatastore(_ context.Context, name string) (vsphere.Handle, error) {
	return vsphere.Handle{Type: "Datastore", Value: "ds-" + name}, nil
}

func (r *fakeResolver) ResolveFolder(_ context.Context, name string) (vsphere.Handle, error) {
	return vsphere.Handle{Type: "Folder", Value: "folder-" + name}, nil
}

// fakeEndpoint replays a scripted lease state sequence. The last state repeats.
type fakeEndpoint struct {
	mu sync.Mutex

	result   *vsphere.ImportSpecResult
	specErr  error
	states   []vsphere.LeaseState
	leaseErr string
	urls     []vsphere.DeviceURL

	calls     []string
	params    vsphere.ImportSpecParams
	progress  []int32
	completed bool
}

func (e *fakeEndpoint) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEndpoint) called(call string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (e *fakeEndpoint) CreateImportSpec(_ context.Context, _ string, _, _ vsphere.Handle, params vsphere.ImportSpecParams) (*vsphere.ImportSpecResult, error) {
	e.record("CreateImportSpec")
	e.params = params
	if e.specErr != nil {
		return nil, e.specErr
	}
	if e.result == nil {
		return &vsphere.ImportSpecResult{Spec: "spec"}, nil
	}
	return e.result, nil
}

func (e *fakeEndpoint) AcquireLease(_ context.Context, _ vsphere.ImportSpec, _, _, _ vsphere.Handle) (vsphere.Handle, error) {
	e.record("AcquireLease")
	return testLease, nil
}

func (e *fakeEndpoint) LeaseState(_ context.Context, _ vsphere.Handle) (vsphere.LeaseState, error) {
	e.record("LeaseState")
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.states) == 0 {
		return vsphere.LeaseReady, nil
	}
	state := e.states[0]
	if len(e.states) > 1 {
		e.states = e.states[1:]
	}
	return state, nil
}

func (e *fakeEndpoint) LeaseError(_ context.Context, _ vsphere.Handle) (string, error) {
	e.record("LeaseError")
	return e.leaseErr, nil
}

func (e *fakeEndpoint) LeaseInfo(_ context.Context, _ vsphere.Handle) ([]vsphere.DeviceURL, error) {
	e.record("LeaseInfo")
	return e.urls, nil
}

func (e *fakeEndpoint) UpdateLeaseProgress(_ context.Context, _ vsphere.Handle, percent int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = append(e.progress, percent)
	return nil
}

func (e *fakeEndpoint) CompleteLease(_ context.Context, _ vsphere.Handle) error {
	e.record("CompleteLease")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = true
	return nil
}

// fakeUploader drains bodies and fails uploads to the URLs in fail.
type fakeUploader struct {
	mu       sync.Mutex
	received map[string]int64
	fail     map[string]bool
}

func newFakeUploader(fail ...string) *fakeUploader {
	u := &fakeUploader{received: map[string]int64{}, fail: map[string]bool{}}
	for _, f := range fail {
		u.fail[f] = true
	}
	return u
}

func (u *fakeUploader) Upload(_ context.Context, target string, body io.Reader, _ int64, _ bool) error {
	if u.fail[target] {
		return fmt.Errorf("500 Internal Server Error")
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.received[target] = n
	return nil
}

func writeDescriptor(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vm.ovf")
	if err := os.WriteFile(path, []byte(emptyDescriptor), 0644); err != nil {
		t.Fatalf("failed to write descriptor: %v", err)
	}
	return path
}

// writeArchive creates an OVA holding a descriptor and one disk per size.
func writeArchive(t *testing.T, sizes ...int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vm.ova")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	write := func(name string, body []byte) {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("failed to write header: %v", err)
		}
		if _, err := tw.Write(body); err != nil {
			t.Fatalf("failed to write body: %v", err)
		}
	}
	write("vm.ovf", []byte(emptyDescriptor))
	for i, size := range sizes {
		write(fmt.Sprintf("vm-disk%d.vmdk", i), bytes.Repeat([]byte{'d'}, size))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close archive: %v", err)
	}
	return path
}

// diskTransaction returns matching file items and device URLs for sizes.
func diskTransaction(sizes ...int) ([]vsphere.FileItem, []vsphere.DeviceURL) {
	var (
		items []vsphere.FileItem
		urls  []vsphere.DeviceURL
	)
	for i, size := range sizes {
		device := fmt.Sprintf("/vm/disk%d", i)
		items = append(items, vsphere.FileItem{
			DeviceID: device,
			Path:     fmt.Sprintf("vm-disk%d.vmdk", i),
			Size:     int64(size),
			CimType:  vsphere.CimTypeDiskDrive,
		})
		urls = append(urls, vsphere.DeviceURL{
			Key:       fmt.Sprintf("key-%d", i),
			ImportKey: device,
			URL:       fmt.Sprintf("https://*/nfc/disk%d", i),
		})
	}
	return items, urls
}
