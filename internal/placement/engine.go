package placement

import (
	"context"
	"fmt"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/model"
)

// Source supplies one zone's live telemetry: cluster reachability and the
// per-worker totals/usage snapshot. ZoneSource adapts *Telemetry to this
// interface for production use; tests supply a fake.
type Source interface {
	ClusterUp(ctx context.Context) (bool, error)
	WorkerMetrics(ctx context.Context) ([]WorkerTelemetry, error)
}

// ZoneSource scopes a Telemetry client to one zone's headnode/worker probe
// configuration (spec §4.3 step 0/1).
type ZoneSource struct {
	Telemetry        *Telemetry
	HeadnodeJob      string
	HeadnodeInstance string
	WorkerJob        string
	// Instances maps worker name to its node_exporter scrape target
	// ("host:9100"); IPs maps worker name to the bare IP its blackbox
	// probe reports under.
	Instances map[string]string
	IPs       map[string]string
}

func (z ZoneSource) ClusterUp(ctx context.Context) (bool, error) {
	return z.Telemetry.ClusterUp(ctx, ZoneProbeConfig{
		HeadnodeJob:      z.HeadnodeJob,
		HeadnodeInstance: z.HeadnodeInstance,
	})
}

func (z ZoneSource) WorkerMetrics(ctx context.Context) ([]WorkerTelemetry, error) {
	out := make([]WorkerTelemetry, 0, len(z.Instances))
	for worker, instance := range z.Instances {
		m, err := z.Telemetry.WorkerMetrics(ctx, worker, instance, z.IPs[worker], z.WorkerJob)
		if err != nil {
			return nil, fmt.Errorf("fetching metrics for worker %s: %w", worker, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Assignment is the worker chosen for one VM.
type Assignment struct {
	VMName string
	Worker string
}

// Place runs the sequential per-VM placement loop (spec §4.3 steps 0-4):
// verify cluster reachability, snapshot worker telemetry once, then assign
// each VM in order against a ledger that is updated in-loop so later VMs
// see earlier VMs' claims. If any VM cannot be placed, every ledger row
// this call wrote is rolled back and a ResourceExhausted error is
// returned — the slice either fully places or not at all.
func Place(ctx context.Context, ledger Ledger, source Source, zone model.Zone, sliceID int, vms []VMRequirement) ([]Assignment, error) {
	up, err := source.ClusterUp(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, "checking cluster availability", err)
	}
	if !up {
		return nil, apierr.New(apierr.DependencyUnavailable, fmt.Sprintf("zone %s is unreachable", zone))
	}

	workers, err := source.WorkerMetrics(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, "fetching worker metrics", err)
	}

	anyUp := false
	for _, w := range workers {
		if w.Up {
			anyUp = true
			break
		}
	}
	if !anyUp {
		return nil, apierr.New(apierr.DependencyUnavailable, fmt.Sprintf("all workers in zone %s are down", zone))
	}

	current := make(map[string]Assigned, len(workers))
	for _, w := range workers {
		a, err := AssignedFor(ctx, ledger, zone, w.Worker)
		if err != nil {
			return nil, apierr.Wrap(apierr.DependencyUnavailable, "reading placement ledger", err)
		}
		current[w.Worker] = a
	}

	var assignments []Assignment
	for _, vm := range vms {
		worker, ok := PickWorker(workers, current, vm)
		if !ok {
			if rbErr := ledger.DeleteLedgerEntriesForSlice(ctx, zone, sliceID); rbErr != nil {
				return nil, apierr.Wrap(apierr.DependencyUnavailable,
					fmt.Sprintf("rolling back partial placement for slice %d after vm %s failed to place", sliceID, vm.Name), rbErr)
			}
			return nil, apierr.New(apierr.ResourceExhausted,
				fmt.Sprintf("no worker in zone %s has room for vm %s", zone, vm.Name))
		}

		entry := model.PlacementEntry{
			Zone:    zone,
			Worker:  worker,
			SliceID: sliceID,
			VMName:  vm.Name,
			Cores:   vm.Cores,
			RAMMiB:  vm.RAMMiB,
			DiskGiB: vm.DiskGiB,
		}
		if err := ledger.InsertLedgerEntry(ctx, entry); err != nil {
			return nil, apierr.Wrap(apierr.DependencyUnavailable, "writing placement ledger entry", err)
		}

		a := current[worker]
		a.CPU += float64(vm.Cores)
		a.RAM += float64(vm.RAMMiB)
		a.Disk += float64(vm.DiskGiB)
		current[worker] = a

		assignments = append(assignments, Assignment{VMName: vm.Name, Worker: worker})
	}

	return assignments, nil
}
