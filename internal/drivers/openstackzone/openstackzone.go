// Package openstackzone implements the openstack-zone Cluster Driver (spec
// §4.5): tenant project, one VLAN-provider network and subnet per allocated
// VLAN, one port per (VM, VLAN), and one server per VM pinned to the
// worker's availability zone — all rolled back on first failure. Grounded
// on other_examples' nokia vlanprovider-openstack.go for the gophercloud
// v1 service-client and provider-network usage pattern, generalized from
// a read-only topology sync into full CRUD.
package openstackzone

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/projects"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	secgroups "github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/groups"
	secrules "github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/rules"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/provider"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/ports"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/subnets"
	"github.com/gophercloud/gophercloud/pagination"

	"github.com/sliceforge/orchestrator/internal/config"
	"github.com/sliceforge/orchestrator/internal/drivers"
	"github.com/sliceforge/orchestrator/internal/model"
)

// Driver drives gophercloud compute/network/identity service clients for
// the openstack zone.
type Driver struct {
	compute  *gophercloud.ServiceClient
	network  *gophercloud.ServiceClient
	identity *gophercloud.ServiceClient
	image    *gophercloud.ServiceClient

	internetNetworkID string
	logger            *slog.Logger
}

// New authenticates against Keystone and builds the four service clients
// (compute, network, identity, image) this driver needs.
func New(cfg config.OpenStackConfig, logger *slog.Logger) (*Driver, error) {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.IdentityEndpoint,
		Username:         cfg.Username,
		Password:         cfg.Password,
		DomainName:       cfg.DomainName,
	}
	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("authenticating to openstack: %w", err)
	}
	endpointOpts := gophercloud.EndpointOpts{Region: cfg.Region}

	compute, err := openstack.NewComputeV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("building compute client: %w", err)
	}
	network, err := openstack.NewNetworkV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("building network client: %w", err)
	}
	identity, err := openstack.NewIdentityV3(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("building identity client: %w", err)
	}
	image, err := openstack.NewImageServiceV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("building image client: %w", err)
	}

	return &Driver{
		compute: compute, network: network, identity: identity, image: image,
		internetNetworkID: cfg.InternetNetworkID, logger: logger,
	}, nil
}

func projectName(sliceID int) string { return fmt.Sprintf("id%d_project", sliceID) }

func networkName(sliceID, vlan int) string { return fmt.Sprintf("id%d_net_vlan%d", sliceID, vlan) }

// Deploy creates the tenant project, one provider network+subnet per
// allocated VLAN, one port per (VM, VLAN), and one server per VM pinned to
// its assigned worker's availability zone. On any step's failure every
// resource already created for this slice is torn down before returning.
func (d *Driver) Deploy(ctx context.Context, slice model.Slice) (drivers.DeployResult, error) {
	project, err := projects.Create(d.identity, projects.CreateOpts{Name: projectName(slice.ID)}).Extract()
	if err != nil {
		return drivers.DeployResult{}, fmt.Errorf("creating tenant project: %w", err)
	}

	rollback := func(cause error) (drivers.DeployResult, error) {
		d.logger.Error("openstack deploy failed, rolling back project", "slice_id", slice.ID, "error", cause)
		if derr := d.Delete(ctx, slice.ID); derr != nil {
			d.logger.Error("rollback delete failed", "slice_id", slice.ID, "error", derr)
		}
		return drivers.DeployResult{}, cause
	}

	netIDByVLAN := make(map[int]string)
	for _, vlan := range allVLANs(slice) {
		net, err := networks.Create(d.network, provider.CreateOptsExt{
			CreateOptsBuilder: networks.CreateOpts{Name: networkName(slice.ID, vlan), TenantID: project.ID},
			NetworkType:       "vlan",
			SegmentationID:    vlan,
		}).Extract()
		if err != nil {
			return rollback(fmt.Errorf("creating provider network for vlan %d: %w", vlan, err))
		}
		if _, err := subnets.Create(d.network, subnets.CreateOpts{
			NetworkID: net.ID, IPVersion: gophercloud.IPv4, CIDR: fmt.Sprintf("10.%d.0.0/24", vlan%256),
		}).Extract(); err != nil {
			return rollback(fmt.Errorf("creating subnet for vlan %d: %w", vlan, err))
		}
		netIDByVLAN[vlan] = net.ID
	}

	portIDs := make(map[string][]string) // vm name -> port ids, one per vlan
	for _, vm := range slice.VMs {
		for _, vlan := range vm.VLANs {
			netID := netIDByVLAN[vlan]
			if vlan == model.ZoneOpenStack.InternetVLAN() {
				netID = d.internetNetworkID
			}
			port, err := ports.Create(d.network, ports.CreateOpts{NetworkID: netID, TenantID: project.ID}).Extract()
			if err != nil {
				return rollback(fmt.Errorf("creating port for vm %s vlan %d: %w", vm.Nombre, vlan, err))
			}
			portIDs[vm.Nombre] = append(portIDs[vm.Nombre], port.ID)
		}
	}

	for _, vm := range slice.VMs {
		var nets []servers.Network
		for _, portID := range portIDs[vm.Nombre] {
			nets = append(nets, servers.Network{Port: portID})
		}

		imageRef, err := d.resolveImageRef(ctx, vm.Image)
		if err != nil {
			return rollback(fmt.Errorf("resolving image for vm %s: %w", vm.Nombre, err))
		}
		flavorRef, err := d.ensureFlavor(ctx, vm)
		if err != nil {
			return rollback(fmt.Errorf("resolving flavor for vm %s: %w", vm.Nombre, err))
		}

		_, err = servers.Create(d.compute, servers.CreateOpts{
			Name:             model.ClusterName(slice.ID, vm.Nombre),
			ImageRef:         imageRef,
			FlavorRef:        flavorRef,
			AvailabilityZone: vm.Server,
			Networks:         nets,
		}).Extract()
		if err != nil {
			return rollback(fmt.Errorf("creating server for vm %s: %w", vm.Nombre, err))
		}
	}

	return drivers.DeployResult{}, nil
}

// resolveImageRef looks up the glance image id by name; the catalog image
// name is what model.VM.Image carries until it is propagated into this
// zone by the image sync pipeline.
func (d *Driver) resolveImageRef(ctx context.Context, name string) (string, error) {
	var id string
	err := images.List(d.image, images.ListOpts{Name: name}).EachPage(func(page pagination.Page) (bool, error) {
		list, err := images.ExtractImages(page)
		if err != nil {
			return false, err
		}
		if len(list) > 0 {
			id = list[0].ID
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("image %q not found in catalog", name)
	}
	return id, nil
}

// flavorName derives a deterministic flavor name from the VM's size so
// repeated deploys of identically-sized VMs reuse the same flavor instead
// of piling up one-off flavors per slice.
func flavorName(vm model.VM) string {
	return fmt.Sprintf("sliceforge-%dvcpu-%dmb-%dgb", vm.Cores, vm.RAMMiB, vm.DiskGiB)
}

// ensureFlavor returns the id of a flavor matching vm's sizing, creating
// one if none exists yet.
func (d *Driver) ensureFlavor(ctx context.Context, vm model.VM) (string, error) {
	name := flavorName(vm)
	var id string
	err := flavors.ListDetail(d.compute, flavors.ListOpts{}).EachPage(func(page pagination.Page) (bool, error) {
		list, err := flavors.ExtractFlavors(page)
		if err != nil {
			return false, err
		}
		for _, f := range list {
			if f.Name == name {
				id = f.ID
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	disk := vm.DiskGiB
	f, err := flavors.Create(d.compute, flavors.CreateOpts{
		Name:  name,
		RAM:   vm.RAMMiB,
		VCPUs: vm.Cores,
		Disk:  &disk,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("creating flavor %s: %w", name, err)
	}
	return f.ID, nil
}

func allVLANs(slice model.Slice) []int {
	seen := make(map[int]bool)
	var out []int
	for _, vlan := range slice.VLANs {
		if !seen[vlan] {
			seen[vlan] = true
			out = append(out, vlan)
		}
	}
	return out
}

// Delete removes the tenant project; OpenStack cascades project deletion
// to the networks/subnets/ports/servers within it, making this idempotent.
func (d *Driver) Delete(ctx context.Context, sliceID int) error {
	projectID, err := d.findProjectID(sliceID)
	if err != nil {
		return nil // nothing to delete: idempotent no-op
	}
	if err := projects.Delete(d.identity, projectID).ExtractErr(); err != nil {
		return fmt.Errorf("deleting project for slice %d: %w", sliceID, err)
	}
	return nil
}

func (d *Driver) findProjectID(sliceID int) (string, error) {
	page, err := projects.List(d.identity, projects.ListOpts{Name: projectName(sliceID)}).AllPages()
	if err != nil {
		return "", err
	}
	list, err := projects.ExtractProjects(page)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", fmt.Errorf("project for slice %d not found", sliceID)
	}
	return list[0].ID, nil
}

func (d *Driver) Pause(ctx context.Context, sliceID int) error    { return d.bulkStop(sliceID) }
func (d *Driver) Shutdown(ctx context.Context, sliceID int) error { return d.bulkStop(sliceID) }
func (d *Driver) Resume(ctx context.Context, sliceID int) error   { return d.bulkStart(sliceID) }
func (d *Driver) Start(ctx context.Context, sliceID int) error    { return d.bulkStart(sliceID) }

func (d *Driver) bulkStop(sliceID int) error {
	ids, err := d.serverIDs(sliceID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := servers.Stop(d.compute, id).ExtractErr(); err != nil {
			return fmt.Errorf("stopping server %s: %w", id, err)
		}
	}
	return nil
}

func (d *Driver) bulkStart(sliceID int) error {
	ids, err := d.serverIDs(sliceID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := servers.Start(d.compute, id).ExtractErr(); err != nil {
			return fmt.Errorf("starting server %s: %w", id, err)
		}
	}
	return nil
}

func (d *Driver) serverIDs(sliceID int) ([]string, error) {
	prefix := model.ClusterName(sliceID, "")
	page, err := servers.List(d.compute, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, err
	}
	all, err := servers.ExtractServers(page)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range all {
		if len(s.Name) >= len(prefix) && s.Name[:len(prefix)] == prefix {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (d *Driver) serverID(sliceID int, vmName string) (string, error) {
	name := model.ClusterName(sliceID, vmName)
	page, err := servers.List(d.compute, servers.ListOpts{Name: name}).AllPages()
	if err != nil {
		return "", err
	}
	all, err := servers.ExtractServers(page)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", fmt.Errorf("server %s not found", name)
	}
	return all[0].ID, nil
}

func (d *Driver) PauseVM(ctx context.Context, sliceID int, vmName string) error {
	id, err := d.serverID(sliceID, vmName)
	if err != nil {
		return err
	}
	return servers.Stop(d.compute, id).ExtractErr()
}

func (d *Driver) ResumeVM(ctx context.Context, sliceID int, vmName string) error {
	id, err := d.serverID(sliceID, vmName)
	if err != nil {
		return err
	}
	return servers.Start(d.compute, id).ExtractErr()
}

func (d *Driver) ShutdownVM(ctx context.Context, sliceID int, vmName string) error {
	id, err := d.serverID(sliceID, vmName)
	if err != nil {
		return err
	}
	return servers.Stop(d.compute, id).ExtractErr()
}

func (d *Driver) StartVM(ctx context.Context, sliceID int, vmName string) error {
	id, err := d.serverID(sliceID, vmName)
	if err != nil {
		return err
	}
	return servers.Start(d.compute, id).ExtractErr()
}

// CreateSecurityGroup creates a custom openstack security group and
// returns its foreign (openstack) id for the SecurityGroup row.
func (d *Driver) CreateSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) (string, error) {
	group, err := secgroups.Create(d.network, secgroups.CreateOpts{Name: fmt.Sprintf("id%d_%s", sliceID, sg.Name)}).Extract()
	if err != nil {
		return "", fmt.Errorf("creating security group: %w", err)
	}
	return group.ID, nil
}

func (d *Driver) DeleteSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error {
	if err := secgroups.Delete(d.network, sg.ForeignID).ExtractErr(); err != nil {
		return fmt.Errorf("deleting security group %s: %w", sg.Name, err)
	}
	return nil
}

func (d *Driver) DeleteDefaultSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error {
	return d.DeleteSecurityGroup(ctx, sliceID, sg)
}

// AddSecurityGroupRule creates one openstack security-group rule and
// returns its foreign id for backfill into the rule's id_openstack field
// (spec §4.6).
func (d *Driver) AddSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) (string, error) {
	r, err := secrules.Create(d.network, secrules.CreateOpts{
		Direction:      secrules.RuleDirection(rule.Direction),
		EtherType:      secrules.RuleEtherType(rule.EtherType),
		SecGroupID:     sg.ForeignID,
		PortRangeMin:    rule.PortRangeMin,
		PortRangeMax:    rule.PortRangeMax,
		Protocol:       secrules.RuleProtocol(rule.Protocol),
		RemoteIPPrefix: rule.RemoteCIDR,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("creating security group rule: %w", err)
	}
	return r.ID, nil
}

func (d *Driver) RemoveSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) error {
	if err := secrules.Delete(d.network, rule.IDOpenStack).ExtractErr(); err != nil {
		return fmt.Errorf("removing security group rule: %w", err)
	}
	return nil
}
