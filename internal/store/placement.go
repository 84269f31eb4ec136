package store

import (
	"context"
	"fmt"

	"github.com/sliceforge/orchestrator/internal/model"
)

// LedgerEntries returns every VM currently accounted against worker in zone.
func (s *Store) LedgerEntries(ctx context.Context, zone model.Zone, worker string) ([]model.PlacementEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT zone, worker, slice_id, vm_name, cores, ram_mib, disk_gib
		FROM placement_entries WHERE zone = $1 AND worker = $2`, string(zone), worker)
	if err != nil {
		return nil, fmt.Errorf("reading ledger entries for %s/%s: %w", zone, worker, err)
	}
	defer rows.Close()

	var out []model.PlacementEntry
	for rows.Next() {
		var e model.PlacementEntry
		var zoneStr string
		if err := rows.Scan(&zoneStr, &e.Worker, &e.SliceID, &e.VMName, &e.Cores, &e.RAMMiB, &e.DiskGiB); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.Zone = model.Zone(zoneStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertLedgerEntry accounts one VM against its assigned worker.
func (s *Store) InsertLedgerEntry(ctx context.Context, e model.PlacementEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO placement_entries (zone, worker, slice_id, vm_name, cores, ram_mib, disk_gib)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.Zone), e.Worker, e.SliceID, e.VMName, e.Cores, e.RAMMiB, e.DiskGiB)
	if err != nil {
		return fmt.Errorf("inserting ledger entry for slice %d vm %s: %w", e.SliceID, e.VMName, err)
	}
	return nil
}

// DeleteLedgerEntriesForSlice removes every ledger row belonging to a slice
// (placement rollback, or slice delete).
func (s *Store) DeleteLedgerEntriesForSlice(ctx context.Context, zone model.Zone, sliceID int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM placement_entries WHERE zone = $1 AND slice_id = $2`, string(zone), sliceID)
	if err != nil {
		return fmt.Errorf("deleting ledger entries for slice %d: %w", sliceID, err)
	}
	return nil
}
