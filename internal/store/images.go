package store

import (
	"context"
	"fmt"

	"github.com/sliceforge/orchestrator/internal/model"
)

// InsertImage creates a pending image row and returns its id.
func (s *Store) InsertImage(ctx context.Context, img *model.Image) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO imagenes (nombre, descripcion, nombre_imagen, formato, tamano_gb, tipo_importacion, id_openstack, estado, fecha_importacion)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, now())
		RETURNING id`,
		img.Nombre, img.Descripcion, img.NombreImagen, img.Formato, img.TamanoGB, img.TipoImportacion, img.IDOpenStack, string(img.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting image: %w", err)
	}
	return id, nil
}

func scanImage(scan func(dest ...any) error) (*model.Image, error) {
	var img model.Image
	var status string
	var foreignID *string
	if err := scan(&img.ID, &img.Nombre, &img.Descripcion, &img.NombreImagen, &img.Formato, &img.TamanoGB, &img.TipoImportacion, &foreignID, &status, &img.FechaImportacion); err != nil {
		return nil, err
	}
	img.Status = model.ImageStatus(status)
	if foreignID != nil {
		img.IDOpenStack = *foreignID
	}
	return &img, nil
}

const imageColumns = `id, nombre, descripcion, nombre_imagen, formato, tamano_gb, tipo_importacion, id_openstack, estado, fecha_importacion`

// GetImage fetches one image row by id.
func (s *Store) GetImage(ctx context.Context, id int) (*model.Image, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM imagenes WHERE id = $1`, id)
	img, err := scanImage(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("fetching image %d: %w", id, err)
	}
	return img, nil
}

// ListImages returns every catalog image.
func (s *Store) ListImages(ctx context.Context) ([]*model.Image, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+imageColumns+` FROM imagenes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	defer rows.Close()

	var out []*model.Image
	for rows.Next() {
		img, err := scanImage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning image row: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// UpdateImageStatus advances an image's admission lifecycle state.
func (s *Store) UpdateImageStatus(ctx context.Context, id int, status model.ImageStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE imagenes SET estado = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating image %d status: %w", id, err)
	}
	return nil
}

// UpdateImageForeignID backfills the OpenStack-issued image id, which may
// arrive asynchronously relative to the row (spec §3).
func (s *Store) UpdateImageForeignID(ctx context.Context, id int, foreignID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE imagenes SET id_openstack = $1 WHERE id = $2`, foreignID, id)
	if err != nil {
		return fmt.Errorf("updating image %d foreign id: %w", id, err)
	}
	return nil
}

// DeleteImage removes a catalog entry.
func (s *Store) DeleteImage(ctx context.Context, id int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM imagenes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting image %d: %w", id, err)
	}
	return nil
}

// vncRow mirrors one (slice, worker) reservation.
type vncRow struct {
	SliceID int
	Worker  string
	Ports   string
}

// ReserveVNC inserts a reservation row for (sliceID, worker) holding ports.
// Must run inside the table-level lock described in §5; callers take that
// lock via WithVNCLock.
func (s *Store) ReserveVNC(ctx context.Context, sliceID int, worker string, ports []int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vnc_reservations (slice_id, worker, ports) VALUES ($1, $2, $3)`,
		sliceID, worker, vlansCSV(ports))
	if err != nil {
		return fmt.Errorf("reserving vnc ports for slice %d worker %s: %w", sliceID, worker, err)
	}
	return nil
}

// UsedVNCPorts returns the set of display numbers already claimed on
// worker across all slices (optionally excluding one slice id, used when
// recomputing a slice's own reservation).
func (s *Store) UsedVNCPorts(ctx context.Context, worker string, excludeSliceID int) (map[int]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ports FROM vnc_reservations WHERE worker = $1 AND slice_id != $2`, worker, excludeSliceID)
	if err != nil {
		return nil, fmt.Errorf("reading used vnc ports for worker %s: %w", worker, err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var csv string
		if err := rows.Scan(&csv); err != nil {
			return nil, fmt.Errorf("scanning vnc ports column: %w", err)
		}
		for _, p := range parseVLANCSV(csv) {
			used[p] = true
		}
	}
	return used, rows.Err()
}

// ReleaseVNC frees every reservation belonging to a slice (on delete).
func (s *Store) ReleaseVNC(ctx context.Context, sliceID int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM vnc_reservations WHERE slice_id = $1`, sliceID)
	if err != nil {
		return fmt.Errorf("releasing vnc reservations for slice %d: %w", sliceID, err)
	}
	return nil
}

// WithVNCLock runs fn while holding a postgres advisory lock scoped to the
// VNC reservation table, implementing the "table-level lock" the
// concurrency model requires for VNC allocation.
func (s *Store) WithVNCLock(ctx context.Context, fn func(ctx context.Context) error) error {
	const vncLockKey = 0x564e43 // "VNC"
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for vnc lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, vncLockKey); err != nil {
		return fmt.Errorf("acquiring vnc advisory lock: %w", err)
	}
	defer conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, vncLockKey)

	return fn(ctx)
}
