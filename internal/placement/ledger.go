package placement

import (
	"context"
	"fmt"

	"github.com/sliceforge/orchestrator/internal/model"
)

// Ledger reads and writes the per-zone, per-worker assigned-resource rows
// that distinguish "assigned" from live telemetry "used" (spec §4.3's
// placement ledger). Implemented by *store.Store; an interface here keeps
// the placement loop testable the same way vlanplan.OccupiedReader does.
type Ledger interface {
	LedgerEntries(ctx context.Context, zone model.Zone, worker string) ([]model.PlacementEntry, error)
	InsertLedgerEntry(ctx context.Context, e model.PlacementEntry) error
	DeleteLedgerEntriesForSlice(ctx context.Context, zone model.Zone, sliceID int) error
}

// AssignedFor sums a worker's ledger rows into an Assigned total.
func AssignedFor(ctx context.Context, ledger Ledger, zone model.Zone, worker string) (Assigned, error) {
	entries, err := ledger.LedgerEntries(ctx, zone, worker)
	if err != nil {
		return Assigned{}, fmt.Errorf("reading ledger for %s/%s: %w", zone, worker, err)
	}
	var a Assigned
	for _, e := range entries {
		a.CPU += float64(e.Cores)
		a.RAM += float64(e.RAMMiB)
		a.Disk += float64(e.DiskGiB)
	}
	return a, nil
}
