// Package fsm runs template deployments as persisted superfly/fsm workflows.
// Each deployment step is one transition, and every transition records the
// deployment's status in the database.
package fsm

import (
	"context"

	"github.com/superfly/fsm"

	"github.com/vmops/ovfdeploy/pkg/deploy"
	"github.com/vmops/ovfdeploy/pkg/errors"
)

// Register registers the template deployment FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[deploy.Request, DeploymentResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[deploy.Request, DeploymentResponse](manager, "template-deploy").
		Start(StateNegotiating, m.handleNegotiate).
		To(StateAwaitingLease, m.handleAwaitLease).
		To(StateTransferring, m.handleTransfer).
		To(StateCompleted, m.handleComplete).
		End(StateAborted).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
