package deploy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vmops/ovfdeploy/pkg/errors"
	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (r *stateRecorder) hooks() Hooks {
	return Hooks{OnState: func(_ string, state State, err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, state)
		r.errs = append(r.errs, err)
	}}
}

func (r *stateRecorder) equal(want ...State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) != len(want) {
		return false
	}
	for i := range want {
		if r.states[i] != want[i] {
			return false
		}
	}
	return true
}

func testOptions(hooks Hooks) Options {
	return Options{
		Workers:          2,
		Lease:            LeaseOptions{PollInterval: time.Millisecond},
		ProgressInterval: 10 * time.Millisecond,
		Hooks:            hooks,
	}
}

func TestDeploy_DescriptorWithoutDisks(t *testing.T) {
	endpoint := &fakeEndpoint{states: []vsphere.LeaseState{vsphere.LeaseInitializing, vsphere.LeaseReady}}
	recorder := &stateRecorder{}
	c := NewCoordinator(endpoint, &fakeResolver{}, newFakeUploader(), testOptions(recorder.hooks()))

	res, err := c.Deploy(context.Background(), Request{
		Template: writeDescriptor(t),
		Params:   Params{VMName: "empty-vm"},
	})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	if res.State != StateCompleted || res.ID == "" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.TotalBytes != 0 || res.TransferredBytes != 0 {
		t.Errorf("expected no bytes, got %d/%d", res.TransferredBytes, res.TotalBytes)
	}
	if !endpoint.completed {
		t.Error("lease was not completed")
	}
	if !recorder.equal(StateNegotiating, StateAwaitingLease, StateTransferring, StateCompleted) {
		t.Errorf("unexpected states: %v", recorder.states)
	}
}

func TestDeploy_ImportSpecRejected(t *testing.T) {
	endpoint := &fakeEndpoint{result: &vsphere.ImportSpecResult{Errors: []string{"disk too large"}}}
	recorder := &stateRecorder{}
	c := NewCoordinator(endpoint, &fakeResolver{}, newFakeUploader(), testOptions(recorder.hooks()))

	res, err := c.Deploy(context.Background(), Request{
		ID:       "dep-1",
		Template: writeArchive(t, 10),
		Params:   Params{VMName: "big-vm"},
	})
	if err == nil {
		t.Fatal("expected deploy to fail")
	}

	if res.State != StateAborted || res.ID != "dep-1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Err.Error() != "disk too large" {
		t.Errorf("got message %q, want %q", res.Err.Error(), "disk too large")
	}
	if !recorder.equal(StateNegotiating, StateAborted) {
		t.Errorf("unexpected states: %v", recorder.states)
	}
	if recorder.errs[1] != err {
		t.Errorf("abort hook did not receive the error: %v", recorder.errs[1])
	}
}

func TestDeploy_Archive(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		items, urls := diskTransaction(100, 200, 300)
		endpoint := &fakeEndpoint{
			result: &vsphere.ImportSpecResult{Spec: "spec", FileItems: items},
			urls:   urls,
		}
		uploader := newFakeUploader()
		c := NewCoordinator(endpoint, &fakeResolver{}, uploader, testOptions(Hooks{}))

		res, err := c.Deploy(context.Background(), Request{
			Template: writeArchive(t, 100, 200, 300),
			Params:   Params{VMName: "vm"},
			Parallel: parallel,
		})
		if err != nil {
			t.Fatalf("parallel=%v: deploy failed: %v", parallel, err)
		}

		if res.State != StateCompleted {
			t.Errorf("parallel=%v: unexpected state %s", parallel, res.State)
		}
		if res.TotalBytes != 600 || res.TransferredBytes != 600 {
			t.Errorf("parallel=%v: expected 600/600 bytes, got %d/%d", parallel, res.TransferredBytes, res.TotalBytes)
		}
		for i, du := range urls {
			if uploader.received[du.URL] != items[i].Size {
				t.Errorf("parallel=%v: %s received %d bytes", parallel, du.URL, uploader.received[du.URL])
			}
		}
		if !endpoint.completed {
			t.Errorf("parallel=%v: lease was not completed", parallel)
		}
	}
}

func TestDeploy_SequentialReportsProgressInline(t *testing.T) {
	items, urls := diskTransaction(100, 100)
	endpoint := &fakeEndpoint{result: &vsphere.ImportSpecResult{FileItems: items}, urls: urls}
	c := NewCoordinator(endpoint, &fakeResolver{}, newFakeUploader(), testOptions(Hooks{}))

	if _, err := c.Deploy(context.Background(), Request{Template: writeArchive(t, 100, 100), Params: Params{VMName: "vm"}}); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	if len(endpoint.progress) == 0 || endpoint.progress[len(endpoint.progress)-1] != 100 {
		t.Errorf("expected progress ending at 100, got %v", endpoint.progress)
	}
	for i := 1; i < len(endpoint.progress); i++ {
		if endpoint.progress[i] <= endpoint.progress[i-1] {
			t.Errorf("progress not increasing: %v", endpoint.progress)
		}
	}
}

func TestDeploy_TransferFailed(t *testing.T) {
	items, urls := diskTransaction(100, 200)
	endpoint := &fakeEndpoint{result: &vsphere.ImportSpecResult{FileItems: items}, urls: urls}
	recorder := &stateRecorder{}
	c := NewCoordinator(endpoint, &fakeResolver{}, newFakeUploader(urls[1].URL), testOptions(recorder.hooks()))

	res, err := c.Deploy(context.Background(), Request{Template: writeArchive(t, 100, 200), Params: Params{VMName: "vm"}})
	if !errors.IsKind(err, errors.KindTransferFailed) {
		t.Fatalf("expected TransferFailed, got %v", err)
	}

	if res.State != StateAborted || res.TransferredBytes != 100 || res.TotalBytes != 300 {
		t.Errorf("unexpected result: %+v", res)
	}
	if endpoint.called("CompleteLease") {
		t.Error("lease must not be completed after a failed transfer")
	}
	if !recorder.equal(StateNegotiating, StateAwaitingLease, StateTransferring, StateAborted) {
		t.Errorf("unexpected states: %v", recorder.states)
	}
}

func TestDeploy_LeaseError(t *testing.T) {
	endpoint := &fakeEndpoint{states: []vsphere.LeaseState{vsphere.LeaseError}, leaseErr: "no space left"}
	c := NewCoordinator(endpoint, &fakeResolver{}, newFakeUploader(), testOptions(Hooks{}))

	res, err := c.Deploy(context.Background(), Request{Template: writeDescriptor(t), Params: Params{VMName: "vm"}})
	if !errors.IsKind(err, errors.KindLeaseError) {
		t.Fatalf("expected LeaseError, got %v", err)
	}
	if res.State != StateAborted || res.Transaction == nil {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestDeploy_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		kind errors.Kind
	}{
		{"missing vm name", Request{Template: "vm.ova"}, ""},
		{"missing template", Request{Template: "/nonexistent/vm.ova", Params: Params{VMName: "vm"}}, errors.KindNotReadable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint := &fakeEndpoint{}
			c := NewCoordinator(endpoint, &fakeResolver{}, newFakeUploader(), testOptions(Hooks{}))

			res, err := c.Deploy(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.KindOf(err) != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, errors.KindOf(err))
			}
			if res.State != StateAborted || endpoint.called("CreateImportSpec") {
				t.Errorf("unexpected result: %+v", res)
			}
		})
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateNegotiating, StateAwaitingLease, StateTransferring} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !StateCompleted.Terminal() || !StateAborted.Terminal() {
		t.Error("completed and aborted should be terminal")
	}
}
