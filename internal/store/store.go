// Package store is the postgres-backed persistence layer: one row per
// slice, security group, image, VNC reservation, and placement ledger
// entry. It wraps a pgx pool, the same interface-first shape the teacher
// used for its config store, generalized from a single config-fetch
// interface to typed per-entity repositories.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver registration for sqlx
	"github.com/jmoiron/sqlx"

	"github.com/sliceforge/orchestrator/internal/model"
)

// Store is the orchestrator's relational store.
type Store struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
}

// Open connects to postgres with the given DSN and connection cap.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing store dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening sqlx handle: %w", err)
	}

	return &Store{pool: pool, db: db}, nil
}

// Close releases the underlying connections.
func (s *Store) Close() {
	s.pool.Close()
	_ = s.db.Close()
}

// Pool exposes the raw pgx pool for transactional callers. The VLAN planner
// does not use it: it reads occupancy through OccupiedVLANs outside any
// transaction.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB exposes the database/sql handle goose needs to run migrations.
func (s *Store) DB() *sql.DB { return s.db.DB }

// sliceRow mirrors the `slices` table shape from the persistent state
// layout sketch (spec §6).
type sliceRow struct {
	ID           int
	UserID       int
	NombreSlice  string
	Zone         string
	Kind         string
	RuntimeState string
	VLANs        string
	PeticionJSON []byte
	VMsJSON      []byte
	CreatedAt    time.Time
	DeployedAt   *time.Time
}

// InsertSlice creates a new slice row in kind `validated` and returns its id.
func (s *Store) InsertSlice(ctx context.Context, sl *model.Slice) (int, error) {
	reqJSON, err := json.Marshal(sl.Request)
	if err != nil {
		return 0, fmt.Errorf("marshaling request json: %w", err)
	}
	vmsJSON, err := json.Marshal(sl.VMs)
	if err != nil {
		return 0, fmt.Errorf("marshaling vms json: %w", err)
	}

	var id int
	err = s.pool.QueryRow(ctx, `
		INSERT INTO slices (usuario, nombre_slice, zona_disponibilidad, tipo, estado, vlans, peticion_json, vms, timestamp_creacion)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING id`,
		sl.UserID, sl.NombreSlice, string(sl.Zone), string(sl.Kind), string(sl.RuntimeState), vlansCSV(sl.VLANs), reqJSON, vmsJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting slice: %w", err)
	}
	return id, nil
}

const sliceColumns = `id, usuario, nombre_slice, zona_disponibilidad, tipo, estado, vlans, peticion_json, vms, timestamp_creacion, timestamp_despliegue`

func scanSliceRow(scan func(dest ...any) error) (*model.Slice, error) {
	var row sliceRow
	if err := scan(&row.ID, &row.UserID, &row.NombreSlice, &row.Zone, &row.Kind, &row.RuntimeState, &row.VLANs, &row.PeticionJSON, &row.VMsJSON, &row.CreatedAt, &row.DeployedAt); err != nil {
		return nil, err
	}
	return rowToSlice(row)
}

// GetSlice fetches a slice row by id.
func (s *Store) GetSlice(ctx context.Context, id int) (*model.Slice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sliceColumns+` FROM slices WHERE id = $1`, id)
	sl, err := scanSliceRow(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("fetching slice %d: %w", id, err)
	}
	return sl, nil
}

// ListSlices returns every slice owned by userID, or every slice when admin
// is true.
func (s *Store) ListSlices(ctx context.Context, userID int, admin bool) ([]*model.Slice, error) {
	query := `SELECT ` + sliceColumns + ` FROM slices`
	var rows pgxRows
	var err error
	if admin {
		rows, err = s.pool.Query(ctx, query+` ORDER BY id`)
	} else {
		rows, err = s.pool.Query(ctx, query+` WHERE usuario = $1 ORDER BY id`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("listing slices: %w", err)
	}
	defer rows.Close()

	var out []*model.Slice
	for rows.Next() {
		sl, err := scanSliceRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning slice row: %w", err)
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// pgxRows is the subset of pgx.Rows this package needs, named here only to
// keep the ListSlices signature above free of a direct pgx import alias.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// UpdateSliceVLANs writes the allocated VLAN list back onto the slice row
// (spec §4.2 step 5: updates `slices.vlans`, not the request JSON column)
// and advances the lifecycle kind.
func (s *Store) UpdateSliceVLANs(ctx context.Context, id int, vlans []int, kind model.LifecycleKind) error {
	_, err := s.pool.Exec(ctx, `UPDATE slices SET vlans = $1, tipo = $2 WHERE id = $3`, vlansCSV(vlans), string(kind), id)
	if err != nil {
		return fmt.Errorf("updating slice %d vlans: %w", id, err)
	}
	return nil
}

// UpdateSliceDeployed records a successful deploy: VM array, kind, runtime
// state, and deployment timestamp.
func (s *Store) UpdateSliceDeployed(ctx context.Context, id int, vms []model.VM, state model.RuntimeState) error {
	vmsJSON, err := json.Marshal(vms)
	if err != nil {
		return fmt.Errorf("marshaling vms json: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE slices SET vms = $1, tipo = $2, estado = $3, timestamp_despliegue = now() WHERE id = $4`,
		vmsJSON, string(model.KindDeployed), string(state), id)
	if err != nil {
		return fmt.Errorf("updating slice %d deploy state: %w", id, err)
	}
	return nil
}

// UpdateSliceKind sets the lifecycle kind only (used for `error`/`deleted`
// transitions that don't touch VMs or VLANs).
func (s *Store) UpdateSliceKind(ctx context.Context, id int, kind model.LifecycleKind) error {
	_, err := s.pool.Exec(ctx, `UPDATE slices SET tipo = $1 WHERE id = $2`, string(kind), id)
	if err != nil {
		return fmt.Errorf("updating slice %d kind: %w", id, err)
	}
	return nil
}

// UpdateSliceVMsAndState persists a new VM array and the runtime state
// derived from it (used by the lifecycle package after a transition).
func (s *Store) UpdateSliceVMsAndState(ctx context.Context, id int, vms []model.VM, state model.RuntimeState) error {
	vmsJSON, err := json.Marshal(vms)
	if err != nil {
		return fmt.Errorf("marshaling vms json: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE slices SET vms = $1, estado = $2 WHERE id = $3`, vmsJSON, string(state), id)
	if err != nil {
		return fmt.Errorf("updating slice %d vms/state: %w", id, err)
	}
	return nil
}

// OccupiedVLANs returns the union of allocated VLAN ids across every slice
// in zone whose kind is `validated`, `vlans_mapped`, or `deployed` (spec
// §4.2 step 2).
func (s *Store) OccupiedVLANs(ctx context.Context, zone model.Zone) (map[int]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vlans FROM slices
		WHERE zona_disponibilidad = $1 AND tipo IN ('validated', 'vlans_mapped', 'deployed')`, string(zone))
	if err != nil {
		return nil, fmt.Errorf("reading occupied vlans: %w", err)
	}
	defer rows.Close()

	occupied := make(map[int]bool)
	for rows.Next() {
		var csv string
		if err := rows.Scan(&csv); err != nil {
			return nil, fmt.Errorf("scanning vlans column: %w", err)
		}
		for _, v := range parseVLANCSV(csv) {
			occupied[v] = true
		}
	}
	return occupied, rows.Err()
}

func rowToSlice(row sliceRow) (*model.Slice, error) {
	var req model.SolicitudJSON
	if len(row.PeticionJSON) > 0 {
		if err := json.Unmarshal(row.PeticionJSON, &req); err != nil {
			return nil, fmt.Errorf("unmarshaling request json: %w", err)
		}
	}
	var vms []model.VM
	if len(row.VMsJSON) > 0 {
		if err := json.Unmarshal(row.VMsJSON, &vms); err != nil {
			return nil, fmt.Errorf("unmarshaling vms json: %w", err)
		}
	}
	return &model.Slice{
		ID:           row.ID,
		UserID:       row.UserID,
		NombreSlice:  row.NombreSlice,
		Zone:         model.Zone(row.Zone),
		Kind:         model.LifecycleKind(row.Kind),
		RuntimeState: model.RuntimeState(row.RuntimeState),
		Request:      req,
		VLANs:        parseVLANCSV(row.VLANs),
		VMs:          vms,
		CreatedAt:    row.CreatedAt,
		DeployedAt:   row.DeployedAt,
	}, nil
}

func vlansCSV(vlans []int) string {
	if len(vlans) == 0 {
		return ""
	}
	out := ""
	for i, v := range vlans {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", v)
	}
	return out
}

func parseVLANCSV(csv string) []int {
	if csv == "" {
		return nil
	}
	var out []int
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				var v int
				fmt.Sscanf(csv[start:i], "%d", &v)
				out = append(out, v)
			}
			start = i + 1
		}
	}
	return out
}
