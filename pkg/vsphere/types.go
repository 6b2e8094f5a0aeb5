// Package vsphere defines the management-endpoint boundary used by a template
// deployment and implements it on top of govmomi.
//
// The deployment core only sees Handle values and the small Resolver and Endpoint
// interfaces, so it can be exercised against fakes in tests.
package vsphere

import (
	"context"
	"fmt"
)

// CimTypeDiskDrive is the CIM resource type of OVF file items that carry virtual disk content.
const CimTypeDiskDrive int32 = 17

// Handle is an opaque reference to a managed object on the endpoint.
type Handle struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (h Handle) String() string {
	return fmt.Sprintf("%s:%s", h.Type, h.Value)
}

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool {
	return h.Type == "" && h.Value == ""
}

// NetworkMapping maps a network name used inside the descriptor to a target network.
type NetworkMapping struct {
	Name    string `json:"name"`
	Network Handle `json:"network"`
}

// ImportSpecParams carries the deployment settings sent with an import-spec request.
type ImportSpecParams struct {
	Host               Handle
	EntityName         string
	Locale             string
	DeploymentOption   string
	IPAllocationPolicy string
	IPProtocol         string
	DiskProvisioning   string
	NetworkMappings    []NetworkMapping
}

// FileItem is a file the endpoint expects to receive for an import.
type FileItem struct {
	DeviceID string `json:"device_id"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	CimType  int32  `json:"cim_type"`
	Create   bool   `json:"create"`
}

// IsDisk reports whether the item carries virtual disk content.
func (f FileItem) IsDisk() bool {
	return f.CimType == CimTypeDiskDrive
}

// ImportSpec is the endpoint-specific import specification. Only the Endpoint that
// produced it knows its concrete type.
type ImportSpec any

// ImportSpecResult is the endpoint's answer to an import-spec request.
type ImportSpecResult struct {
	Spec      ImportSpec
	FileItems []FileItem
	Errors    []string
	Warnings  []string
}

// LeaseState is the state of a transfer lease.
type LeaseState string

const (
	LeaseInitializing LeaseState = "initializing"
	LeaseReady        LeaseState = "ready"
	LeaseError        LeaseState = "error"
	LeaseDone         LeaseState = "done"
)

// DeviceURL is an upload URL the lease allocated for one device.
type DeviceURL struct {
	Key       string `json:"key"`
	ImportKey string `json:"import_key"`
	URL       string `json:"url"`
}

// Resolver resolves placement and network names to handles.
type Resolver interface {
	ResolveNetwork(ctx context.Context, name string) (Handle, error)
	// ResolveResourcePool resolves pool by name, or the named pool inside cluster
	// when cluster is set. An empty pool selects the cluster's root pool.
	ResolveResourcePool(ctx context.Context, pool, cluster string) (Handle, error)
	ResolveHost(ctx context.Context, name string) (Handle, error)
	ResolveDatastore(ctx context.Context, name string) (Handle, error)
	ResolveFolder(ctx context.Context, name string) (Handle, error)
}

// Endpoint is the set of management-endpoint calls a deployment makes.
type Endpoint interface {
	CreateImportSpec(ctx context.Context, descriptor string, pool, datastore Handle, params ImportSpecParams) (*ImportSpecResult, error)
	AcquireLease(ctx context.Context, spec ImportSpec, pool, host, folder Handle) (Handle, error)
	LeaseState(ctx context.Context, lease Handle) (LeaseState, error)
	LeaseError(ctx context.Context, lease Handle) (string, error)
	LeaseInfo(ctx context.Context, lease Handle) ([]DeviceURL, error)
	UpdateLeaseProgress(ctx context.Context, lease Handle, percent int32) error
	CompleteLease(ctx context.Context, lease Handle) error
}
