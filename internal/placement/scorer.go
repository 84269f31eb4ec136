// Package placement implements the Placement Engine (C3): telemetry-driven
// worker scoring, the per-zone assigned-resource ledger, and the
// sequential placement loop. The scorer itself is grounded on the
// teacher's internal/scheduler.bestFit candidate loop, generalized from
// vCPU-only bin-packing to the three-resource weighted score of spec §4.3,
// and on original_source/vm_placement_api/placement_algorithm.py, which
// this package reproduces numerically.
package placement

import (
	"sort"
)

// Overcommit ratios applied to total capacity before subtracting assigned
// resources (spec §4.3).
const (
	CPURatio  = 16.0
	RAMRatio  = 1.5
	DiskRatio = 1.0
)

// Score weights for the capacity component (spec §4.3).
const (
	CapRAMWeight  = 0.5
	CapCPUWeight  = 0.3
	CapDiskWeight = 0.2
)

// Score weights for the stability component (spec §4.3).
const (
	StabRAMWeight  = 0.65
	StabCPUWeight  = 0.15
	StabDiskWeight = 0.2
)

// Final score blend (spec §4.3).
const (
	FinalCapacityWeight  = 0.6
	FinalStabilityWeight = 0.4
)

// WorkerTelemetry is one worker's live resource picture: totals, observed
// 10-minute-average usage, and whether it answered its reachability probe.
type WorkerTelemetry struct {
	Worker  string
	Up      bool
	TotalCPU  float64 // cores
	TotalRAM  float64 // MiB
	TotalDisk float64 // GiB
	UsedCPU   float64 // cores, 10-min avg
	UsedRAM   float64 // MiB, 10-min avg
	UsedDisk  float64 // GiB, 10-min avg
}

// Assigned is the sum of VM requirements currently accounted to a worker in
// the placement ledger (distinct from observed "used").
type Assigned struct {
	CPU  float64
	RAM  float64
	Disk float64
}

// VMRequirement is one VM's resource ask.
type VMRequirement struct {
	Name    string
	Cores   int
	RAMMiB  int
	DiskGiB int
}

// available computes available(R) = total(R)*ratio(R) - assigned(R) for
// every resource.
func available(t WorkerTelemetry, a Assigned) (cpu, ram, disk float64) {
	cpu = t.TotalCPU*CPURatio - a.CPU
	ram = t.TotalRAM*RAMRatio - a.RAM
	disk = t.TotalDisk*DiskRatio - a.Disk
	return
}

// Admissible reports whether worker t (with ledger a) has room for vm.
func Admissible(t WorkerTelemetry, a Assigned, vm VMRequirement) bool {
	cpu, ram, disk := available(t, a)
	return cpu >= float64(vm.Cores) && ram >= float64(vm.RAMMiB) && disk >= float64(vm.DiskGiB)
}

// CapacityScore is the weighted free-ratio score in [0,1].
func CapacityScore(t WorkerTelemetry, a Assigned) float64 {
	cpuAvail, ramAvail, diskAvail := available(t, a)
	ramRatio := safeDiv(ramAvail, t.TotalRAM*RAMRatio)
	cpuRatio := safeDiv(cpuAvail, t.TotalCPU*CPURatio)
	diskRatio := safeDiv(diskAvail, t.TotalDisk*DiskRatio)
	return CapRAMWeight*ramRatio + CapCPUWeight*cpuRatio + CapDiskWeight*diskRatio
}

// StabilityScore is 1 minus the weighted observed-usage ratio, with no
// overcommit factor: it reflects absolute pressure, not headroom.
func StabilityScore(t WorkerTelemetry) float64 {
	ramUsed := safeDiv(t.UsedRAM, t.TotalRAM)
	cpuUsed := safeDiv(t.UsedCPU, t.TotalCPU)
	diskUsed := safeDiv(t.UsedDisk, t.TotalDisk)
	return 1 - (StabRAMWeight*ramUsed + StabCPUWeight*cpuUsed + StabDiskWeight*diskUsed)
}

// FinalScore blends capacity and stability.
func FinalScore(t WorkerTelemetry, a Assigned) float64 {
	return FinalCapacityWeight*CapacityScore(t, a) + FinalStabilityWeight*StabilityScore(t)
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// PickWorker selects the admissible UP worker with the greatest final
// score, breaking ties lexicographically by worker name (spec §4.3: "any
// deterministic rule"). Returns ok=false if no worker is admissible.
func PickWorker(workers []WorkerTelemetry, ledger map[string]Assigned, vm VMRequirement) (string, bool) {
	type candidate struct {
		worker string
		score  float64
	}
	var candidates []candidate
	for _, w := range workers {
		if !w.Up {
			continue
		}
		a := ledger[w.Worker]
		if !Admissible(w, a, vm) {
			continue
		}
		candidates = append(candidates, candidate{worker: w.Worker, score: FinalScore(w, a)})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].worker < candidates[j].worker
	})
	return candidates[0].worker, true
}
