package deploy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vmops/ovfdeploy/pkg/errors"
)

// Params are the caller-supplied deployment settings sent with the import-spec request.
type Params struct {
	VMName             string            `yaml:"vm_name" json:"vm_name"`
	Locale             string            `yaml:"locale,omitempty" json:"locale,omitempty"`
	IPAllocationPolicy string            `yaml:"ip_allocation_policy,omitempty" json:"ip_allocation_policy,omitempty"`
	IPProtocol         string            `yaml:"ip_protocol,omitempty" json:"ip_protocol,omitempty"`
	DiskProvisioning   string            `yaml:"disk_provisioning,omitempty" json:"disk_provisioning,omitempty"`
	DeploymentOption   string            `yaml:"deployment_option,omitempty" json:"deployment_option,omitempty"`
	NetworkMap         map[string]string `yaml:"network_map,omitempty" json:"network_map,omitempty"`
	PropertyMap        map[string]string `yaml:"property_map,omitempty" json:"property_map,omitempty"`
}

// Validate checks that params can be used for a deployment.
func (p Params) Validate() error {
	if p.VMName == "" {
		return fmt.Errorf("vm name is required")
	}
	for src, dst := range p.NetworkMap {
		if src == "" || dst == "" {
			return fmt.Errorf("network mapping %q -> %q is incomplete", src, dst)
		}
	}
	return nil
}

// Placement names where the deployed VM is placed. Empty names select the
// endpoint defaults.
type Placement struct {
	Datacenter   string `yaml:"datacenter,omitempty" json:"datacenter,omitempty"`
	ResourcePool string `yaml:"resource_pool,omitempty" json:"resource_pool,omitempty"`
	Cluster      string `yaml:"cluster,omitempty" json:"cluster,omitempty"`
	Host         string `yaml:"host,omitempty" json:"host,omitempty"`
	Datastore    string `yaml:"datastore,omitempty" json:"datastore,omitempty"`
	Folder       string `yaml:"folder,omitempty" json:"folder,omitempty"`
}

type paramsFile struct {
	Params    `yaml:",inline"`
	Placement Placement `yaml:"placement"`
}

// LoadParams reads deployment params and placement from a YAML file.
func LoadParams(path string) (Params, Placement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, Placement{}, errors.Wrap(err, "failed to read params file")
	}

	var f paramsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Params{}, Placement{}, errors.Wrap(err, "failed to parse params file")
	}
	return f.Params, f.Placement, nil
}
