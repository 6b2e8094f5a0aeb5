// Package deploy drives a template deployment: it negotiates the import with the
// endpoint, waits for the lease, streams the payloads and completes the lease.
package deploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vmops/ovfdeploy/pkg/errors"
	"github.com/vmops/ovfdeploy/pkg/security"
	"github.com/vmops/ovfdeploy/pkg/template"
	"github.com/vmops/ovfdeploy/pkg/transfer"
	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

// State is a deployment state.
type State string

const (
	StateNegotiating   State = "negotiating"
	StateAwaitingLease State = "awaiting_lease"
	StateTransferring  State = "transferring"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Request describes one deployment.
type Request struct {
	// ID identifies the deployment. Deploy generates one when empty.
	ID        string    `json:"id"`
	Template  string    `json:"template"`
	Placement Placement `json:"placement"`
	Params    Params    `json:"params"`
	// Parallel uploads payloads concurrently and reports progress in the background.
	Parallel bool `json:"parallel"`
}

// Result is the outcome of Deploy.
type Result struct {
	ID               string
	State            State
	Err              error
	Transaction      *Transaction
	TotalBytes       int64
	TransferredBytes int64
}

// Progress is the byte accounting of a finished transfer phase.
type Progress struct {
	Total       int64 `json:"total"`
	Transferred int64 `json:"transferred"`
}

// Hooks observe a deployment.
type Hooks struct {
	// OnState is called on every state entered. err is set when state is StateAborted.
	OnState func(id string, state State, err error)
}

// Options configure a Coordinator.
type Options struct {
	Workers          int
	Lease            LeaseOptions
	ProgressInterval time.Duration
	MaxDiskSize      int64
	MaxTotalSize     int64
	Hooks            Hooks
}

// Coordinator runs deployments against one endpoint.
type Coordinator struct {
	endpoint vsphere.Endpoint
	resolver vsphere.Resolver
	uploader transfer.Uploader
	opts     Options
}

// NewCoordinator creates a coordinator.
func NewCoordinator(endpoint vsphere.Endpoint, resolver vsphere.Resolver, uploader transfer.Uploader, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = transfer.DefaultWorkers
	}
	return &Coordinator{
		endpoint: endpoint,
		resolver: resolver,
		uploader: uploader,
		opts:     opts,
	}
}

func (c *Coordinator) openTemplate(path string) (*template.Package, error) {
	return template.Open(path, template.WithValidator(security.NewValidator(c.opts.MaxDiskSize, c.opts.MaxTotalSize)))
}

// Deploy runs every step of req in order. On failure the returned Result is in
// StateAborted and the error is the step's error, unchanged.
func (c *Coordinator) Deploy(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := &Result{ID: req.ID}
	slog.Info("deploy_start", "id", req.ID, "template", req.Template, "vm_name", req.Params.VMName, "parallel", req.Parallel)

	c.enter(res, StateNegotiating)
	tx, err := c.Negotiate(ctx, req)
	if err != nil {
		return c.abort(res, err)
	}
	res.Transaction = tx

	c.enter(res, StateAwaitingLease)
	urls, err := c.AwaitLease(ctx, tx)
	if err != nil {
		return c.abort(res, err)
	}

	c.enter(res, StateTransferring)
	progress, err := c.Transfer(ctx, req, tx, urls)
	res.TotalBytes = progress.Total
	res.TransferredBytes = progress.Transferred
	if err != nil {
		return c.abort(res, err)
	}
	if err := c.Complete(ctx, tx); err != nil {
		return c.abort(res, err)
	}

	c.enter(res, StateCompleted)
	slog.Info("deploy_complete", "id", res.ID, "total_bytes", res.TotalBytes, "transferred_bytes", res.TransferredBytes)
	return res, nil
}

func (c *Coordinator) enter(res *Result, state State) {
	slog.Info("deploy_state", "id", res.ID, "from", string(res.State), "to", string(state))
	res.State = state
	if c.opts.Hooks.OnState != nil {
		c.opts.Hooks.OnState(res.ID, state, res.Err)
	}
}

func (c *Coordinator) abort(res *Result, err error) (*Result, error) {
	slog.Error("deploy_aborted", "id", res.ID, "state", string(res.State), "kind", string(errors.KindOf(err)), "error", err)
	res.Err = err
	c.enter(res, StateAborted)
	return res, err
}

// Negotiate reads the template descriptor, resolves the placement and negotiates
// the import.
func (c *Coordinator) Negotiate(ctx context.Context, req Request) (*Transaction, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}

	pkg, err := c.openTemplate(req.Template)
	if err != nil {
		return nil, err
	}
	defer pkg.Close()

	descriptor, err := pkg.Descriptor()
	if err != nil {
		return nil, err
	}

	targets, err := ResolveTargets(ctx, c.resolver, req.Placement)
	if err != nil {
		return nil, err
	}

	return Negotiate(ctx, c.endpoint, c.resolver, targets, descriptor, req.Params)
}

// AwaitLease waits for the transaction's lease to become ready.
func (c *Coordinator) AwaitLease(ctx context.Context, tx *Transaction) ([]vsphere.DeviceURL, error) {
	return AwaitReady(ctx, c.endpoint, tx.Lease, c.opts.Lease)
}

// Transfer streams every payload with a matching device URL. Progress is reported to
// the lease from the background in parallel mode and inline otherwise.
func (c *Coordinator) Transfer(ctx context.Context, req Request, tx *Transaction, urls []vsphere.DeviceURL) (Progress, error) {
	mode, progressMode := transfer.Sequential, transfer.ProgressSync
	if req.Parallel {
		mode, progressMode = transfer.Concurrent, transfer.ProgressAsync
	}

	tracker := transfer.NewTracker(tx.FileItems, tx.Lease, c.endpoint, progressMode, c.opts.ProgressInterval)
	progress := func() Progress {
		return Progress{Total: tracker.Total(), Transferred: tracker.Transferred()}
	}

	pkg, err := c.openTemplate(req.Template)
	if err != nil {
		return progress(), err
	}
	defer pkg.Close()

	tracker.Start(ctx)
	defer tracker.Stop()

	tasks, err := transfer.Plan(pkg, tx.FileItems, urls, tracker)
	if err != nil {
		return progress(), err
	}

	err = transfer.NewOrchestrator(c.uploader, mode, c.opts.Workers).Run(ctx, tasks)
	tracker.Stop()
	return progress(), err
}

// Complete signals the endpoint that every payload was uploaded.
func (c *Coordinator) Complete(ctx context.Context, tx *Transaction) error {
	if err := c.endpoint.CompleteLease(ctx, tx.Lease); err != nil {
		slog.Error("lease_complete_failed", "lease", tx.Lease.String(), "error", err)
		return errors.E(errors.KindLeaseError, err, "failed to complete lease")
	}
	slog.Info("lease_completed", "lease", tx.Lease.String())
	return nil
}
