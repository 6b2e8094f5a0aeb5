package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/vmops/ovfdeploy/pkg/errors"
	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

// Targets are the resolved placement handles of a deployment.
type Targets struct {
	Pool      vsphere.Handle `json:"pool"`
	Host      vsphere.Handle `json:"host"`
	Datastore vsphere.Handle `json:"datastore"`
	Folder    vsphere.Handle `json:"folder"`
}

// Transaction is an accepted import: the file items the endpoint expects and the
// lease granting upload URLs for them.
type Transaction struct {
	Lease           vsphere.Handle           `json:"lease"`
	FileItems       []vsphere.FileItem       `json:"file_items"`
	NetworkMappings []vsphere.NetworkMapping `json:"network_mappings,omitempty"`
	Warnings        []string                 `json:"warnings,omitempty"`

	// Spec is only meaningful to the endpoint that produced it.
	Spec vsphere.ImportSpec `json:"-"`
}

// ResolveTargets resolves placement names to handles.
func ResolveTargets(ctx context.Context, resolver vsphere.Resolver, p Placement) (Targets, error) {
	var (
		t   Targets
		err error
	)

	if t.Pool, err = resolver.ResolveResourcePool(ctx, p.ResourcePool, p.Cluster); err != nil {
		return t, err
	}
	if t.Host, err = resolver.ResolveHost(ctx, p.Host); err != nil {
		return t, err
	}
	if t.Datastore, err = resolver.ResolveDatastore(ctx, p.Datastore); err != nil {
		return t, err
	}
	if t.Folder, err = resolver.ResolveFolder(ctx, p.Folder); err != nil {
		return t, err
	}

	slog.Info("targets_resolved", "pool", t.Pool.String(), "host", t.Host.String(),
		"datastore", t.Datastore.String(), "folder", t.Folder.String())
	return t, nil
}

// ResolveNetworks resolves every target network of params. Mappings are returned
// ordered by descriptor network name.
func ResolveNetworks(ctx context.Context, resolver vsphere.Resolver, networks map[string]string) ([]vsphere.NetworkMapping, error) {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)

	mappings := make([]vsphere.NetworkMapping, 0, len(names))
	for _, name := range names {
		target := networks[name]
		h, err := resolver.ResolveNetwork(ctx, target)
		if err != nil {
			slog.Error("network_resolve_failed", "name", name, "network", target, "error", err)
			if errors.KindOf(err) != "" {
				return nil, err
			}
			return nil, errors.E(errors.KindNetworkNotFound, err, fmt.Sprintf("network %q not found", target))
		}
		mappings = append(mappings, vsphere.NetworkMapping{Name: name, Network: h})
	}
	return mappings, nil
}

// Negotiate asks the endpoint to validate descriptor against the targets and, if it
// accepts, acquires the import lease.
func Negotiate(ctx context.Context, endpoint vsphere.Endpoint, resolver vsphere.Resolver, targets Targets, descriptor string, params Params) (*Transaction, error) {
	slog.Info("negotiate_start", "vm_name", params.VMName, "networks", len(params.NetworkMap))

	mappings, err := ResolveNetworks(ctx, resolver, params.NetworkMap)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{NetworkMappings: mappings}

	// OVF property overrides are accepted but not applied.
	if len(params.PropertyMap) > 0 {
		keys := make([]string, 0, len(params.PropertyMap))
		for k := range params.PropertyMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		slog.Warn("ovf_property_mapping_unsupported", "vm_name", params.VMName, "properties", keys)
		tx.Warnings = append(tx.Warnings,
			fmt.Sprintf("OVF property overrides are not supported and were not applied: %s", strings.Join(keys, ", ")))
	}

	result, err := endpoint.CreateImportSpec(ctx, descriptor, targets.Pool, targets.Datastore, vsphere.ImportSpecParams{
		Host:               targets.Host,
		EntityName:         params.VMName,
		Locale:             params.Locale,
		DeploymentOption:   params.DeploymentOption,
		IPAllocationPolicy: params.IPAllocationPolicy,
		IPProtocol:         params.IPProtocol,
		DiskProvisioning:   params.DiskProvisioning,
		NetworkMappings:    mappings,
	})
	if err != nil {
		slog.Error("create_import_spec_failed", "vm_name", params.VMName, "error", err)
		return nil, errors.E(errors.KindImportSpecRejected, err, "import spec request failed")
	}

	if len(result.Errors) > 0 {
		slog.Error("import_spec_rejected", "vm_name", params.VMName, "faults", len(result.Errors))
		return nil, errors.New(errors.KindImportSpecRejected, strings.Join(result.Errors, "\n"))
	}
	for _, w := range result.Warnings {
		slog.Warn("import_spec_warning", "vm_name", params.VMName, "warning", w)
	}
	tx.Warnings = append(tx.Warnings, result.Warnings...)
	tx.FileItems = result.FileItems
	tx.Spec = result.Spec

	lease, err := endpoint.AcquireLease(ctx, result.Spec, targets.Pool, targets.Host, targets.Folder)
	if err != nil {
		slog.Error("lease_acquire_failed", "vm_name", params.VMName, "error", err)
		if errors.KindOf(err) != "" {
			return nil, err
		}
		return nil, errors.E(errors.KindLeaseError, err, "failed to acquire lease")
	}
	tx.Lease = lease

	slog.Info("negotiate_complete", "vm_name", params.VMName, "lease", lease.String(), "file_items", len(tx.FileItems))
	return tx, nil
}
