package vsphere

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/vmops/ovfdeploy/pkg/errors"
)

// ConnectOptions holds the endpoint address and credentials.
type ConnectOptions struct {
	URL        string
	Username   string
	Password   string
	Insecure   bool
	Datacenter string
}

// Client implements Resolver and Endpoint against a vCenter or ESXi endpoint.
type Client struct {
	vc      *vim25.Client
	session *govmomi.Client
	finder  *find.Finder
	dc      *object.Datacenter
}

var (
	_ Resolver = (*Client)(nil)
	_ Endpoint = (*Client)(nil)
)

// Connect logs in to the endpoint and selects the datacenter used for name resolution.
func Connect(ctx context.Context, opts ConnectOptions) (*Client, error) {
	slog.Info("vsphere_connect", "url", opts.URL, "insecure", opts.Insecure, "datacenter", opts.Datacenter)

	u, err := soap.ParseURL(opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid endpoint URL")
	}
	if opts.Username != "" {
		u.User = url.UserPassword(opts.Username, opts.Password)
	}

	gc, err := govmomi.NewClient(ctx, u, opts.Insecure)
	if err != nil {
		slog.Error("vsphere_login_failed", "url", opts.URL, "error", err)
		return nil, errors.Wrap(err, "failed to connect to endpoint")
	}

	c, err := NewClient(ctx, gc.Client, opts.Datacenter)
	if err != nil {
		_ = gc.Logout(ctx)
		return nil, err
	}
	c.session = gc

	slog.Info("vsphere_connected", "url", opts.URL, "api_version", gc.Client.ServiceContent.About.ApiVersion)
	return c, nil
}

// NewClient wraps an already authenticated vim25 client.
func NewClient(ctx context.Context, vc *vim25.Client, datacenter string) (*Client, error) {
	finder := find.NewFinder(vc, true)

	var (
		dc  *object.Datacenter
		err error
	)
	if datacenter == "" {
		dc, err = finder.DefaultDatacenter(ctx)
	} else {
		dc, err = finder.Datacenter(ctx, datacenter)
	}
	if err != nil {
		slog.Error("vsphere_datacenter_not_found", "datacenter", datacenter, "error", err)
		return nil, errors.Wrap(err, "failed to find datacenter")
	}
	finder.SetDatacenter(dc)

	return &Client{vc: vc, finder: finder, dc: dc}, nil
}

// SOAPClient returns the session's SOAP client. Disk uploads reuse it so they carry
// the session cookie and TLS settings.
func (c *Client) SOAPClient() *soap.Client {
	return c.vc.Client
}

// Logout ends the session opened by Connect.
func (c *Client) Logout(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	return c.session.Logout(ctx)
}

func toRef(h Handle) types.ManagedObjectReference {
	return types.ManagedObjectReference{Type: h.Type, Value: h.Value}
}

func fromRef(r types.ManagedObjectReference) Handle {
	return Handle{Type: r.Type, Value: r.Value}
}

func faultMessage(f types.LocalizedMethodFault) string {
	if f.LocalizedMessage != "" {
		return f.LocalizedMessage
	}
	if f.Fault != nil {
		return fmt.Sprintf("%T", f.Fault)
	}
	return "unknown fault"
}

func fileItemFromOvf(item types.OvfFileItem) FileItem {
	return FileItem{
		DeviceID: item.DeviceId,
		Path:     item.Path,
		Size:     item.Size,
		CimType:  item.CimType,
		Create:   item.Create,
	}
}

// ResolveNetwork finds a network by name or inventory path.
func (c *Client) ResolveNetwork(ctx context.Context, name string) (Handle, error) {
	n, err := c.finder.Network(ctx, name)
	if err != nil {
		slog.Error("vsphere_network_not_found", "network", name, "error", err)
		return Handle{}, errors.E(errors.KindNetworkNotFound, err, fmt.Sprintf("network %q not found", name))
	}
	return fromRef(n.Reference()), nil
}

// ResolveResourcePool finds the target resource pool.
func (c *Client) ResolveResourcePool(ctx context.Context, pool, cluster string) (Handle, error) {
	if cluster != "" {
		cl, err := c.finder.ClusterComputeResource(ctx, cluster)
		if err != nil {
			return Handle{}, errors.Wrap(err, fmt.Sprintf("cluster %q not found", cluster))
		}
		if pool == "" {
			rp, err := cl.ResourcePool(ctx)
			if err != nil {
				return Handle{}, errors.Wrap(err, fmt.Sprintf("cluster %q has no resource pool", cluster))
			}
			return fromRef(rp.Reference()), nil
		}
		rp, err := c.finder.ResourcePool(ctx, path.Join(cl.InventoryPath, "Resources", pool))
		if err != nil {
			return Handle{}, errors.Wrap(err, fmt.Sprintf("resource pool %q not found in cluster %q", pool, cluster))
		}
		return fromRef(rp.Reference()), nil
	}

	var (
		rp  *object.ResourcePool
		err error
	)
	if pool == "" {
		rp, err = c.finder.DefaultResourcePool(ctx)
	} else {
		rp, err = c.finder.ResourcePool(ctx, pool)
	}
	if err != nil {
		return Handle{}, errors.Wrap(err, fmt.Sprintf("resource pool %q not found", pool))
	}
	return fromRef(rp.Reference()), nil
}

// ResolveHost finds a host. An empty name yields the zero Handle, leaving host
// selection to the endpoint.
func (c *Client) ResolveHost(ctx context.Context, name string) (Handle, error) {
	if name == "" {
		return Handle{}, nil
	}
	h, err := c.finder.HostSystem(ctx, name)
	if err != nil {
		return Handle{}, errors.Wrap(err, fmt.Sprintf("host %q not found", name))
	}
	return fromRef(h.Reference()), nil
}

// ResolveDatastore finds a datastore, or the default one when name is empty.
func (c *Client) ResolveDatastore(ctx context.Context, name string) (Handle, error) {
	var (
		ds  *object.Datastore
		err error
	)
	if name == "" {
		ds, err = c.finder.DefaultDatastore(ctx)
	} else {
		ds, err = c.finder.Datastore(ctx, name)
	}
	if err != nil {
		return Handle{}, errors.Wrap(err, fmt.Sprintf("datastore %q not found", name))
	}
	return fromRef(ds.Reference()), nil
}

// ResolveFolder finds a VM folder, or the datacenter's VM folder when name is empty.
func (c *Client) ResolveFolder(ctx context.Context, name string) (Handle, error) {
	if name == "" {
		folders, err := c.dc.Folders(ctx)
		if err != nil {
			return Handle{}, errors.Wrap(err, "failed to get datacenter folders")
		}
		return fromRef(folders.VmFolder.Reference()), nil
	}
	f, err := c.finder.Folder(ctx, name)
	if err != nil {
		return Handle{}, errors.Wrap(err, fmt.Sprintf("folder %q not found", name))
	}
	return fromRef(f.Reference()), nil
}

// CreateImportSpec asks the OVF manager to validate the descriptor and build an import spec.
func (c *Client) CreateImportSpec(ctx context.Context, descriptor string, pool, datastore Handle, params ImportSpecParams) (*ImportSpecResult, error) {
	if c.vc.ServiceContent.OvfManager == nil {
		return nil, fmt.Errorf("endpoint has no OVF manager")
	}

	cisp := types.OvfCreateImportSpecParams{
		OvfManagerCommonParams: types.OvfManagerCommonParams{
			Locale:           params.Locale,
			DeploymentOption: params.DeploymentOption,
		},
		EntityName:         params.EntityName,
		IpAllocationPolicy: params.IPAllocationPolicy,
		IpProtocol:         params.IPProtocol,
		DiskProvisioning:   params.DiskProvisioning,
	}
	if !params.Host.IsZero() {
		host := toRef(params.Host)
		cisp.HostSystem = &host
	}
	for _, m := range params.NetworkMappings {
		cisp.NetworkMapping = append(cisp.NetworkMapping, types.OvfNetworkMapping{
			Name:    m.Name,
			Network: toRef(m.Network),
		})
	}

	req := types.CreateImportSpec{
		This:          *c.vc.ServiceContent.OvfManager,
		OvfDescriptor: descriptor,
		ResourcePool:  toRef(pool),
		Datastore:     toRef(datastore),
		Cisp:          &cisp,
	}
	res, err := methods.CreateImportSpec(ctx, c.vc, &req)
	if err != nil {
		slog.Error("vsphere_create_import_spec_failed", "entity", params.EntityName, "error", err)
		return nil, errors.Wrap(err, "CreateImportSpec failed")
	}

	r := res.Returnval
	out := &ImportSpecResult{Spec: r.ImportSpec}
	for _, item := range r.FileItem {
		out.FileItems = append(out.FileItems, fileItemFromOvf(item))
	}
	for _, f := range r.Error {
		out.Errors = append(out.Errors, faultMessage(f))
	}
	for _, f := range r.Warning {
		out.Warnings = append(out.Warnings, faultMessage(f))
	}
	return out, nil
}

// AcquireLease imports the spec into the resource pool and returns the resulting lease.
func (c *Client) AcquireLease(ctx context.Context, spec ImportSpec, pool, host, folder Handle) (Handle, error) {
	importSpec, ok := spec.(types.BaseImportSpec)
	if !ok || importSpec == nil {
		return Handle{}, fmt.Errorf("unexpected import spec type %T", spec)
	}

	req := types.ImportVApp{
		This: toRef(pool),
		Spec: importSpec,
	}
	if !folder.IsZero() {
		ref := toRef(folder)
		req.Folder = &ref
	}
	if !host.IsZero() {
		ref := toRef(host)
		req.Host = &ref
	}

	res, err := methods.ImportVApp(ctx, c.vc, &req)
	if err != nil {
		slog.Error("vsphere_import_vapp_failed", "pool", pool.String(), "error", err)
		return Handle{}, errors.Wrap(err, "ImportVApp failed")
	}
	return fromRef(res.Returnval), nil
}

func (c *Client) lease(ctx context.Context, lease Handle, props ...string) (*mo.HttpNfcLease, error) {
	var l mo.HttpNfcLease
	pc := property.DefaultCollector(c.vc)
	if err := pc.RetrieveOne(ctx, toRef(lease), props, &l); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to retrieve lease %s", lease.String()))
	}
	return &l, nil
}

// LeaseState returns the lease's current state.
func (c *Client) LeaseState(ctx context.Context, lease Handle) (LeaseState, error) {
	l, err := c.lease(ctx, lease, "state")
	if err != nil {
		return "", err
	}
	return LeaseState(l.State), nil
}

// LeaseError returns the fault message of a lease in the error state.
func (c *Client) LeaseError(ctx context.Context, lease Handle) (string, error) {
	l, err := c.lease(ctx, lease, "error")
	if err != nil {
		return "", err
	}
	if l.Error == nil {
		return "unknown lease error", nil
	}
	return faultMessage(*l.Error), nil
}

// LeaseInfo returns the device upload URLs of a ready lease.
func (c *Client) LeaseInfo(ctx context.Context, lease Handle) ([]DeviceURL, error) {
	l, err := c.lease(ctx, lease, "info")
	if err != nil {
		return nil, err
	}
	if l.Info == nil {
		return nil, fmt.Errorf("lease %s has no info", lease.String())
	}

	urls := make([]DeviceURL, 0, len(l.Info.DeviceUrl))
	for _, d := range l.Info.DeviceUrl {
		urls = append(urls, DeviceURL{Key: d.Key, ImportKey: d.ImportKey, URL: d.Url})
	}
	return urls, nil
}

// UpdateLeaseProgress reports transfer progress, which also keeps the lease alive.
func (c *Client) UpdateLeaseProgress(ctx context.Context, lease Handle, percent int32) error {
	_, err := methods.HttpNfcLeaseProgress(ctx, c.vc, &types.HttpNfcLeaseProgress{
		This:    toRef(lease),
		Percent: percent,
	})
	return errors.Wrap(err, "HttpNfcLeaseProgress failed")
}

// CompleteLease signals that all uploads finished.
func (c *Client) CompleteLease(ctx context.Context, lease Handle) error {
	_, err := methods.HttpNfcLeaseComplete(ctx, c.vc, &types.HttpNfcLeaseComplete{
		This: toRef(lease),
	})
	return errors.Wrap(err, "HttpNfcLeaseComplete failed")
}
