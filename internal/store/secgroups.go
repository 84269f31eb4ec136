package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sliceforge/orchestrator/internal/model"
)

type sgRow struct {
	ID          int
	SliceID     int
	Name        string
	Description string
	RulesJSON   []byte
	IsDefault   bool
	ForeignID   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func rowToSG(r sgRow) (*model.SecurityGroup, error) {
	var rules []model.SecurityGroupRule
	if len(r.RulesJSON) > 0 {
		if err := json.Unmarshal(r.RulesJSON, &rules); err != nil {
			return nil, fmt.Errorf("unmarshaling rules json: %w", err)
		}
	}
	return &model.SecurityGroup{
		ID:          r.ID,
		SliceID:     r.SliceID,
		Name:        r.Name,
		IsDefault:   r.IsDefault,
		Description: r.Description,
		Rules:       rules,
		ForeignID:   r.ForeignID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// GetSecurityGroupTemplate fetches the zone-independent template row
// (slice id 0) cloned to create every slice's default security group.
func (s *Store) GetSecurityGroupTemplate(ctx context.Context) (*model.SecurityGroup, error) {
	return s.GetSecurityGroupByName(ctx, 0, "default")
}

// GetSecurityGroupByName fetches one security group by (slice id, name).
func (s *Store) GetSecurityGroupByName(ctx context.Context, sliceID int, name string) (*model.SecurityGroup, error) {
	var r sgRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, slice_id, name, description, rules, is_default, COALESCE(id_openstack, ''), created_at, updated_at
		FROM security_groups WHERE slice_id = $1 AND name = $2`, sliceID, name,
	).Scan(&r.ID, &r.SliceID, &r.Name, &r.Description, &r.RulesJSON, &r.IsDefault, &r.ForeignID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("fetching security group (%d, %s): %w", sliceID, name, err)
	}
	return rowToSG(r)
}

// ListSecurityGroups returns every security group owned by a slice.
func (s *Store) ListSecurityGroups(ctx context.Context, sliceID int) ([]*model.SecurityGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, slice_id, name, description, rules, is_default, COALESCE(id_openstack, ''), created_at, updated_at
		FROM security_groups WHERE slice_id = $1 ORDER BY id`, sliceID)
	if err != nil {
		return nil, fmt.Errorf("listing security groups for slice %d: %w", sliceID, err)
	}
	defer rows.Close()

	var out []*model.SecurityGroup
	for rows.Next() {
		var r sgRow
		if err := rows.Scan(&r.ID, &r.SliceID, &r.Name, &r.Description, &r.RulesJSON, &r.IsDefault, &r.ForeignID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning security group row: %w", err)
		}
		sg, err := rowToSG(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// InsertSecurityGroup creates a new security group row and returns its id.
func (s *Store) InsertSecurityGroup(ctx context.Context, sg *model.SecurityGroup) (int, error) {
	rulesJSON, err := json.Marshal(sg.Rules)
	if err != nil {
		return 0, fmt.Errorf("marshaling rules json: %w", err)
	}
	var id int
	err = s.pool.QueryRow(ctx, `
		INSERT INTO security_groups (slice_id, name, description, rules, is_default, id_openstack, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now(), now())
		RETURNING id`,
		sg.SliceID, sg.Name, sg.Description, rulesJSON, sg.IsDefault, sg.ForeignID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting security group: %w", err)
	}
	return id, nil
}

// UpdateSecurityGroupRules persists a new rule list under optimistic
// concurrency on updated_at: the write only applies if the row's
// updated_at still matches expectedUpdatedAt. Returns false, nil if the
// row was concurrently modified (caller should re-read and retry).
func (s *Store) UpdateSecurityGroupRules(ctx context.Context, id int, rules []model.SecurityGroupRule, expectedUpdatedAt time.Time) (bool, error) {
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return false, fmt.Errorf("marshaling rules json: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE security_groups SET rules = $1, updated_at = now()
		WHERE id = $2 AND updated_at = $3`, rulesJSON, id, expectedUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("updating security group %d rules: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateSecurityGroupForeignID backfills the openstack-issued group id.
func (s *Store) UpdateSecurityGroupForeignID(ctx context.Context, id int, foreignID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE security_groups SET id_openstack = $1, updated_at = now() WHERE id = $2`, foreignID, id)
	if err != nil {
		return fmt.Errorf("updating security group %d foreign id: %w", id, err)
	}
	return nil
}

// DeleteSecurityGroup removes a (non-default) security group row.
func (s *Store) DeleteSecurityGroup(ctx context.Context, id int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM security_groups WHERE id = $1 AND is_default = false`, id)
	if err != nil {
		return fmt.Errorf("deleting security group %d: %w", id, err)
	}
	return nil
}
