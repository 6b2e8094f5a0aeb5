package fsm

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/superfly/fsm"

	"github.com/vmops/ovfdeploy/pkg/db"
	"github.com/vmops/ovfdeploy/pkg/deploy"
	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

const testDescriptor = `<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://schemas.dmtf.org/ovf/envelope/1">
  <References/>
</Envelope>
`

type stubEndpoint struct {
	faults    []string
	completed bool
}

func (e *stubEndpoint) CreateImportSpec(context.Context, string, vsphere.Handle, vsphere.Handle, vsphere.ImportSpecParams) (*vsphere.ImportSpecResult, error) {
	return &vsphere.ImportSpecResult{Spec: "spec", Errors: e.faults}, nil
}

func (e *stubEndpoint) AcquireLease(context.Context, vsphere.ImportSpec, vsphere.Handle, vsphere.Handle, vsphere.Handle) (vsphere.Handle, error) {
	return vsphere.Handle{Type: "HttpNfcLease", Value: "lease-1"}, nil
}

func (e *stubEndpoint) LeaseState(context.Context, vsphere.Handle) (vsphere.LeaseState, error) {
	return vsphere.LeaseReady, nil
}

func (e *stubEndpoint) LeaseError(context.Context, vsphere.Handle) (string, error) { return "", nil }

func (e *stubEndpoint) LeaseInfo(context.Context, vsphere.Handle) ([]vsphere.DeviceURL, error) {
	return nil, nil
}

func (e *stubEndpoint) UpdateLeaseProgress(context.Context, vsphere.Handle, int32) error { return nil }

func (e *stubEndpoint) CompleteLease(context.Context, vsphere.Handle) error {
	e.completed = true
	return nil
}

type stubResolver struct{}

func (stubResolver) ResolveNetwork(_ context.Context, name string) (vsphere.Handle, error) {
	return vsphere.Handle{Type: "Network", Value: name}, nil
}
func (stubResolver) ResolveResourcePool(context.Context, string, string) (vsphere.Handle, error) {
	return vsphere.Handle{Type: "ResourcePool", Value: "pool"}, nil
}
func (stubResolver) ResolveHost(context.Context, string) (vsphere.Handle, error) {
	return vsphere.Handle{}, nil
}
func (stubResolver) ResolveDatastore(context.Context, string) (vsphere.Handle, error) {
	return vsphere.Handle{Type: "Datastore", Value: "ds"}, nil
}
func (stubResolver) ResolveFolder(context.Context, string) (vsphere.Handle, error) {
	return vsphere.Handle{Type: "Folder", Value: "vm"}, nil
}

type discardUploader struct{}

func (discardUploader) Upload(_ context.Context, _ string, body io.Reader, _ int64, _ bool) error {
	_, err := io.Copy(io.Discard, body)
	return err
}

func newTestMachine(t *testing.T, endpoint *stubEndpoint) (*Machine, *db.Repository, deploy.Request) {
	t.Helper()

	dir := t.TempDir()
	repo, err := db.NewRepository(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	descriptor := filepath.Join(dir, "vm.ovf")
	if err := os.WriteFile(descriptor, []byte(testDescriptor), 0644); err != nil {
		t.Fatalf("failed to write descriptor: %v", err)
	}

	coordinator := deploy.NewCoordinator(endpoint, stubResolver{}, discardUploader{}, deploy.Options{
		Lease: deploy.LeaseOptions{PollInterval: time.Millisecond},
	})
	req := deploy.Request{ID: "dep-1", Template: descriptor, Params: deploy.Params{VMName: "vm"}}
	return NewMachine(repo, coordinator), repo, req
}

func TestMachine_Transitions(t *testing.T) {
	endpoint := &stubEndpoint{}
	m, repo, req := newTestMachine(t, endpoint)
	ctx := context.Background()

	handlers := []struct {
		state   string
		handler func(context.Context, *fsm.Request[deploy.Request, DeploymentResponse]) (*fsm.Response[DeploymentResponse], error)
	}{
		{StateNegotiating, m.handleNegotiate},
		{StateAwaitingLease, m.handleAwaitLease},
		{StateTransferring, m.handleTransfer},
		{StateCompleted, m.handleComplete},
	}

	resp := &DeploymentResponse{}
	for _, h := range handlers {
		out, err := h.handler(ctx, fsm.NewRequest(&req, resp))
		if err != nil {
			t.Fatalf("%s failed: %v", h.state, err)
		}
		resp = out.Msg

		record, err := repo.Get(req.ID)
		if err != nil || record == nil {
			t.Fatalf("%s: record missing: %v", h.state, err)
		}
		if record.Status != h.state {
			t.Errorf("%s: recorded status %s", h.state, record.Status)
		}
	}

	if resp.Status != db.StatusCompleted || resp.Transaction == nil {
		t.Errorf("unexpected final response: %+v", resp)
	}
	if !endpoint.completed {
		t.Error("lease was not completed")
	}

	record, _ := repo.Get(req.ID)
	if record.Lease != "HttpNfcLease:lease-1" || record.VMName != "vm" {
		t.Errorf("unexpected record: %+v", record)
	}
}

func TestMachine_AbortRecordsError(t *testing.T) {
	m, repo, req := newTestMachine(t, &stubEndpoint{faults: []string{"disk too large"}})

	resp := &DeploymentResponse{}
	if _, err := m.handleNegotiate(context.Background(), fsm.NewRequest(&req, resp)); err == nil {
		t.Fatal("expected negotiation to fail")
	}

	record, err := repo.Get(req.ID)
	if err != nil || record == nil {
		t.Fatalf("record missing: %v", err)
	}
	if record.Status != db.StatusAborted || record.ErrorKind != "IMPORT_SPEC_REJECTED" || record.ErrorMessage != "disk too large" {
		t.Errorf("unexpected record: %+v", record)
	}
	if resp.Status != db.StatusAborted || resp.ErrorMessage != "disk too large" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestMachine_RequiresTransaction(t *testing.T) {
	m, _, req := newTestMachine(t, &stubEndpoint{})

	for name, handler := range map[string]func(context.Context, *fsm.Request[deploy.Request, DeploymentResponse]) (*fsm.Response[DeploymentResponse], error){
		StateAwaitingLease: m.handleAwaitLease,
		StateTransferring:  m.handleTransfer,
		StateCompleted:     m.handleComplete,
	} {
		if _, err := handler(context.Background(), fsm.NewRequest(&req, &DeploymentResponse{})); err == nil {
			t.Errorf("%s: expected error without a transaction", name)
		}
	}
}
