package fsm

import (
	"github.com/vmops/ovfdeploy/pkg/deploy"
	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

// DeploymentResponse is the FSM output (accumulated across transitions)
type DeploymentResponse struct {
	// From Negotiating
	Transaction *deploy.Transaction

	// From AwaitingLease
	DeviceURLs []vsphere.DeviceURL

	// From Transferring
	TotalBytes       int64
	TransferredBytes int64

	// From Completed/Aborted
	Status       string
	ErrorKind    string
	ErrorMessage string
}

// State names
const (
	StateNegotiating   = string(deploy.StateNegotiating)
	StateAwaitingLease = string(deploy.StateAwaitingLease)
	StateTransferring  = string(deploy.StateTransferring)
	StateCompleted     = string(deploy.StateCompleted)
	StateAborted       = string(deploy.StateAborted)
)
