// Package drivers defines the Cluster Driver contract (C5) shared by both
// zone backends and the façade that picks an implementation by zone.
// Grounded on the teacher's internal/reconciler.VMManager interface split:
// lifecycle code is written once against this interface, and each zone
// supplies its own implementation underneath.
package drivers

import (
	"context"
	"fmt"

	"github.com/sliceforge/orchestrator/internal/model"
)

// DeployResult carries what the driver learned while materializing a
// slice: the VNC display assigned to each VM, any foreign (cluster-native)
// ids the caller must persist, and the default security group's rules as
// created on the cluster (carrying foreign ids for openstack).
type DeployResult struct {
	VNCByVM     map[string]int
	ForeignVMID map[string]string
	DefaultSG   []model.SecurityGroupRule
}

// Driver is the contract both zone backends implement (spec §4.5). Every
// operation is idempotent or atomic-with-rollback as documented per method.
type Driver interface {
	// Deploy materializes every VM in slice and returns what the caller
	// must persist. On any failure it must undo everything it created for
	// this slice id before returning an error.
	Deploy(ctx context.Context, slice model.Slice) (DeployResult, error)

	// Delete idempotently removes everything tagged with slice's id.
	Delete(ctx context.Context, sliceID int) error

	Pause(ctx context.Context, sliceID int) error
	Resume(ctx context.Context, sliceID int) error
	Shutdown(ctx context.Context, sliceID int) error
	Start(ctx context.Context, sliceID int) error

	PauseVM(ctx context.Context, sliceID int, vmName string) error
	ResumeVM(ctx context.Context, sliceID int, vmName string) error
	ShutdownVM(ctx context.Context, sliceID int, vmName string) error
	StartVM(ctx context.Context, sliceID int, vmName string) error

	// CreateSecurityGroup/DeleteSecurityGroup manage custom, non-template
	// groups. DeleteDefaultSecurityGroup is called only by
	// secgroup.Service.DeleteDefault.
	CreateSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) (foreignID string, err error)
	DeleteSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error
	DeleteDefaultSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error
	AddSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) (foreignID string, err error)
	RemoveSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) error
}

// Facade picks the Driver for a request's zone.
type Facade struct {
	drivers map[model.Zone]Driver
}

// NewFacade builds a Facade over one driver per zone.
func NewFacade(linux, openstack Driver) *Facade {
	return &Facade{drivers: map[model.Zone]Driver{
		model.ZoneLinux:     linux,
		model.ZoneOpenStack: openstack,
	}}
}

// For returns the driver for zone, or an error if the zone is unknown or
// has no driver registered.
func (f *Facade) For(zone model.Zone) (Driver, error) {
	d, ok := f.drivers[zone]
	if !ok {
		return nil, fmt.Errorf("no driver registered for zone %s", zone)
	}
	return d, nil
}
