package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/vmops/ovfdeploy/pkg/db"
	"github.com/vmops/ovfdeploy/pkg/deploy"
	"github.com/vmops/ovfdeploy/pkg/errors"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo        *db.Repository
	coordinator *deploy.Coordinator
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(repo *db.Repository, coordinator *deploy.Coordinator) *Machine {
	return &Machine{
		repo:        repo,
		coordinator: coordinator,
	}
}

// abort records the failure and stops the workflow. Deployments are never retried.
func (m *Machine) abort(id string, resp *DeploymentResponse, err error) error {
	resp.Status = db.StatusAborted
	resp.ErrorKind = string(errors.KindOf(err))
	resp.ErrorMessage = err.Error()

	if uerr := m.repo.UpdateStatus(id, db.StatusAborted, resp.ErrorKind, resp.ErrorMessage); uerr != nil {
		slog.Error("status_update_failed", "id", id, "status", db.StatusAborted, "error", uerr)
	}
	slog.Error("fsm_aborted", "id", id, "kind", resp.ErrorKind, "error", err)
	return fsm.Abort(err)
}

func (m *Machine) enter(id, status string) error {
	if err := m.repo.UpdateStatus(id, status, "", ""); err != nil {
		slog.Error("status_update_failed", "id", id, "status", status, "error", err)
		return err
	}
	return nil
}

// handleNegotiate creates the deployment record and negotiates the import
func (m *Machine) handleNegotiate(ctx context.Context, req *fsm.Request[deploy.Request, DeploymentResponse]) (*fsm.Response[DeploymentResponse], error) {
	id := req.Msg.ID
	slog.Info("fsm_state_negotiating", "id", id, "template", req.Msg.Template)

	resp := req.W.Msg
	if resp == nil {
		resp = &DeploymentResponse{}
	}

	existing, err := m.repo.Get(id)
	if err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "database error"))
	}
	if existing == nil {
		if err := m.repo.Create(&db.Deployment{
			ID:       id,
			VMName:   req.Msg.Params.VMName,
			Template: req.Msg.Template,
			Status:   db.StatusNegotiating,
		}); err != nil {
			return nil, fsm.Abort(errors.Wrap(err, "failed to create deployment record"))
		}
	} else if err := m.enter(id, db.StatusNegotiating); err != nil {
		return nil, fsm.Abort(err)
	}

	tx, err := m.coordinator.Negotiate(ctx, *req.Msg)
	if err != nil {
		return nil, m.abort(id, resp, err)
	}

	resp.Transaction = tx
	resp.Status = db.StatusNegotiating
	if err := m.repo.UpdateLease(id, tx.Lease.String()); err != nil {
		return nil, m.abort(id, resp, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleAwaitLease waits for the lease to hand out device URLs
func (m *Machine) handleAwaitLease(ctx context.Context, req *fsm.Request[deploy.Request, DeploymentResponse]) (*fsm.Response[DeploymentResponse], error) {
	id := req.Msg.ID
	slog.Info("fsm_state_awaiting_lease", "id", id)

	resp := req.W.Msg
	if resp == nil || resp.Transaction == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.enter(id, db.StatusAwaitingLease); err != nil {
		return nil, fsm.Abort(err)
	}

	urls, err := m.coordinator.AwaitLease(ctx, resp.Transaction)
	if err != nil {
		return nil, m.abort(id, resp, err)
	}

	resp.DeviceURLs = urls
	resp.Status = db.StatusAwaitingLease
	return fsm.NewResponse(resp), nil
}

// handleTransfer streams the payloads to the device URLs
func (m *Machine) handleTransfer(ctx context.Context, req *fsm.Request[deploy.Request, DeploymentResponse]) (*fsm.Response[DeploymentResponse], error) {
	id := req.Msg.ID
	resp := req.W.Msg
	if resp == nil || resp.Transaction == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	slog.Info("fsm_state_transferring", "id", id, "device_urls", len(resp.DeviceURLs))
	if err := m.enter(id, db.StatusTransferring); err != nil {
		return nil, fsm.Abort(err)
	}

	progress, err := m.coordinator.Transfer(ctx, *req.Msg, resp.Transaction, resp.DeviceURLs)
	resp.TotalBytes = progress.Total
	resp.TransferredBytes = progress.Transferred
	if uerr := m.repo.UpdateProgress(id, progress.Total, progress.Transferred); uerr != nil {
		slog.Error("progress_update_failed", "id", id, "error", uerr)
	}
	if err != nil {
		return nil, m.abort(id, resp, err)
	}

	resp.Status = db.StatusTransferring
	return fsm.NewResponse(resp), nil
}

// handleComplete completes the lease and marks the deployment as complete
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[deploy.Request, DeploymentResponse]) (*fsm.Response[DeploymentResponse], error) {
	id := req.Msg.ID
	slog.Info("fsm_state_completed", "id", id)

	resp := req.W.Msg
	if resp == nil || resp.Transaction == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.coordinator.Complete(ctx, resp.Transaction); err != nil {
		return nil, m.abort(id, resp, err)
	}

	if err := m.enter(id, db.StatusCompleted); err != nil {
		return nil, fsm.Abort(err)
	}
	resp.Status = db.StatusCompleted

	slog.Info("fsm_complete", "id", id, "status", db.StatusCompleted, "transferred_bytes", resp.TransferredBytes)
	return fsm.NewResponse(resp), nil
}
