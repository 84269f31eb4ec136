// Package secgroup manages security group lifecycle (spec §4.6): cloning
// the template into each slice's default group, custom group CRUD, and
// rule add/remove against both the JSON rule list and the cluster driver.
// Shaped like internal/lifecycle.Engine: a thin store-backed service that
// calls the driver, then persists.
package secgroup

import (
	"context"
	"fmt"
	"time"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/drivers"
	"github.com/sliceforge/orchestrator/internal/model"
)

// Store is the persistence surface this package needs from *store.Store.
type Store interface {
	GetSecurityGroupTemplate(ctx context.Context) (*model.SecurityGroup, error)
	GetSecurityGroupByName(ctx context.Context, sliceID int, name string) (*model.SecurityGroup, error)
	ListSecurityGroups(ctx context.Context, sliceID int) ([]*model.SecurityGroup, error)
	InsertSecurityGroup(ctx context.Context, sg *model.SecurityGroup) (int, error)
	UpdateSecurityGroupRules(ctx context.Context, id int, rules []model.SecurityGroupRule, expectedUpdatedAt time.Time) (bool, error)
	UpdateSecurityGroupForeignID(ctx context.Context, id int, foreignID string) error
	DeleteSecurityGroup(ctx context.Context, id int) error
}

// Service wires the store and the cluster driver facade together.
type Service struct {
	store   Store
	drivers *drivers.Facade
}

// New builds a Service.
func New(store Store, facade *drivers.Facade) *Service {
	return &Service{store: store, drivers: facade}
}

// CreateDefault clones the template row (slice id 0) into sliceID's default
// security group. Called the moment VLANs are mapped, before deploy (spec
// §4.2 step 5 / §4.6).
func (s *Service) CreateDefault(ctx context.Context, sliceID int) (*model.SecurityGroup, error) {
	tmpl, err := s.store.GetSecurityGroupTemplate(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, "loading security group template", err)
	}

	rules := make([]model.SecurityGroupRule, len(tmpl.Rules))
	copy(rules, tmpl.Rules)

	sg := &model.SecurityGroup{
		SliceID:     sliceID,
		Name:        "default",
		IsDefault:   true,
		Description: tmpl.Description,
		Rules:       rules,
	}
	id, err := s.store.InsertSecurityGroup(ctx, sg)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, "cloning default security group", err)
	}
	sg.ID = id
	return sg, nil
}

// ApplyDefault asks the driver to materialize the default security group
// on the cluster and, for the openstack zone, backfills the driver's
// foreign rule ids into each rule's IDOpenStack field.
func (s *Service) ApplyDefault(ctx context.Context, zone model.Zone, sliceID int, sg *model.SecurityGroup) error {
	driver, err := s.drivers.For(zone)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "resolving driver", err)
	}

	foreignID, err := driver.CreateSecurityGroup(ctx, sliceID, *sg)
	if err != nil {
		return apierr.Wrap(apierr.DriverFailure, "creating default security group on cluster", err)
	}
	if foreignID != "" {
		if err := s.store.UpdateSecurityGroupForeignID(ctx, sg.ID, foreignID); err != nil {
			return apierr.Wrap(apierr.DependencyUnavailable, "persisting default security group foreign id", err)
		}
		sg.ForeignID = foreignID
	}

	for i := range sg.Rules {
		rule := sg.Rules[i]
		ruleForeignID, err := driver.AddSecurityGroupRule(ctx, sliceID, *sg, rule)
		if err != nil {
			return apierr.Wrap(apierr.DriverFailure, fmt.Sprintf("applying default rule %d", rule.ID), err)
		}
		if ruleForeignID != "" {
			sg.Rules[i].IDOpenStack = ruleForeignID
		}
	}
	if zone == model.ZoneOpenStack {
		if ok, err := s.store.UpdateSecurityGroupRules(ctx, sg.ID, sg.Rules, sg.UpdatedAt); err != nil {
			return apierr.Wrap(apierr.DependencyUnavailable, "backfilling default rule foreign ids", err)
		} else if !ok {
			return apierr.New(apierr.Conflict, "default security group rules changed concurrently")
		}
	}
	return nil
}

// CreateCustom creates a new, empty custom security group for sliceID on
// the cluster and in the store; rules are applied one at a time
// afterwards via AddRule.
func (s *Service) CreateCustom(ctx context.Context, zone model.Zone, sliceID int, name, description string) (*model.SecurityGroup, error) {
	sg := &model.SecurityGroup{SliceID: sliceID, Name: name, Description: description}
	id, err := s.store.InsertSecurityGroup(ctx, sg)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, "creating custom security group", err)
	}
	sg.ID = id

	driver, err := s.drivers.For(zone)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "resolving driver", err)
	}
	foreignID, err := driver.CreateSecurityGroup(ctx, sliceID, *sg)
	if err != nil {
		return nil, apierr.Wrap(apierr.DriverFailure, "creating security group on cluster", err)
	}
	if foreignID != "" {
		if err := s.store.UpdateSecurityGroupForeignID(ctx, sg.ID, foreignID); err != nil {
			return nil, apierr.Wrap(apierr.DependencyUnavailable, "persisting security group foreign id", err)
		}
		sg.ForeignID = foreignID
	}
	return sg, nil
}

// AddRule computes the next sequential rule id (max(id)+1 within the
// group), persists it to the JSON rule list under optimistic concurrency,
// then applies it to the cluster and backfills the foreign id.
func (s *Service) AddRule(ctx context.Context, zone model.Zone, sliceID int, sg *model.SecurityGroup, rule model.SecurityGroupRule) (model.SecurityGroupRule, error) {
	rule.ID = nextRuleID(sg.Rules)
	updated := append(append([]model.SecurityGroupRule{}, sg.Rules...), rule)

	ok, err := s.store.UpdateSecurityGroupRules(ctx, sg.ID, updated, sg.UpdatedAt)
	if err != nil {
		return model.SecurityGroupRule{}, apierr.Wrap(apierr.DependencyUnavailable, "persisting new rule", err)
	}
	if !ok {
		return model.SecurityGroupRule{}, apierr.New(apierr.Conflict, "security group modified concurrently, retry")
	}

	driver, err := s.drivers.For(zone)
	if err != nil {
		return model.SecurityGroupRule{}, apierr.Wrap(apierr.Validation, "resolving driver", err)
	}
	foreignID, err := driver.AddSecurityGroupRule(ctx, sliceID, *sg, rule)
	if err != nil {
		return model.SecurityGroupRule{}, apierr.Wrap(apierr.DriverFailure, "applying rule to cluster", err)
	}
	if foreignID != "" {
		rule.IDOpenStack = foreignID
		for i := range updated {
			if updated[i].ID == rule.ID {
				updated[i].IDOpenStack = foreignID
			}
		}
		if _, err := s.store.UpdateSecurityGroupRules(ctx, sg.ID, updated, time.Time{}); err != nil {
			return model.SecurityGroupRule{}, apierr.Wrap(apierr.DependencyUnavailable, "backfilling rule foreign id", err)
		}
	}

	sg.Rules = updated
	return rule, nil
}

// RemoveRule asks the driver to remove the cluster-side rule, then prunes
// it from the JSON list. The last rule of a group may not be removed
// (spec §4.6).
func (s *Service) RemoveRule(ctx context.Context, zone model.Zone, sliceID int, sg *model.SecurityGroup, ruleID int) error {
	if len(sg.Rules) <= 1 {
		return apierr.New(apierr.Validation, "cannot remove the last rule of a security group")
	}

	var target model.SecurityGroupRule
	found := false
	var remaining []model.SecurityGroupRule
	for _, r := range sg.Rules {
		if r.ID == ruleID {
			target = r
			found = true
			continue
		}
		remaining = append(remaining, r)
	}
	if !found {
		return apierr.New(apierr.NotFound, fmt.Sprintf("rule %d not found in security group %d", ruleID, sg.ID))
	}

	driver, err := s.drivers.For(zone)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "resolving driver", err)
	}
	if err := driver.RemoveSecurityGroupRule(ctx, sliceID, *sg, target); err != nil {
		return apierr.Wrap(apierr.DriverFailure, "removing rule from cluster", err)
	}

	ok, err := s.store.UpdateSecurityGroupRules(ctx, sg.ID, remaining, sg.UpdatedAt)
	if err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "persisting rule removal", err)
	}
	if !ok {
		return apierr.New(apierr.Conflict, "security group modified concurrently, retry")
	}
	sg.Rules = remaining
	return nil
}

// DeleteCustom deletes a non-default security group. The default security
// group cannot be deleted while the slice exists (spec §4.6); DeleteCustom
// itself enforces that by rejecting a group whose IsDefault is set, before
// any driver or store call.
func (s *Service) DeleteCustom(ctx context.Context, zone model.Zone, sliceID int, sg *model.SecurityGroup) error {
	if sg.IsDefault {
		return apierr.New(apierr.Validation, "the default security group cannot be deleted while the slice exists")
	}

	driver, err := s.drivers.For(zone)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "resolving driver", err)
	}
	if err := driver.DeleteSecurityGroup(ctx, sliceID, *sg); err != nil {
		return apierr.Wrap(apierr.DriverFailure, "deleting security group from cluster", err)
	}
	if err := s.store.DeleteSecurityGroup(ctx, sg.ID); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "deleting security group row", err)
	}
	return nil
}

// DeleteDefault asks the zone driver to remove a slice's default security
// group, then calls the store's DeleteSecurityGroup for its row. Nothing in
// this module calls it: lifecycle.Engine.Delete does not touch security
// groups.
func (s *Service) DeleteDefault(ctx context.Context, zone model.Zone, sliceID int, sg *model.SecurityGroup) error {
	driver, err := s.drivers.For(zone)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "resolving driver", err)
	}
	if err := driver.DeleteDefaultSecurityGroup(ctx, sliceID, *sg); err != nil {
		return apierr.Wrap(apierr.DriverFailure, "deleting default security group from cluster", err)
	}
	if err := s.store.DeleteSecurityGroup(ctx, sg.ID); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "deleting default security group row", err)
	}
	return nil
}

func nextRuleID(rules []model.SecurityGroupRule) int {
	highest := 0
	for _, r := range rules {
		if r.ID > highest {
			highest = r.ID
		}
	}
	return highest + 1
}
