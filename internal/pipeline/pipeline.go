// Package pipeline drives a slice through the two asynchronous stages that
// follow slice creation (spec §4.1 steps 2-5, §4.2, §4.3, §4.5): VLAN
// mapping plus default security group creation, then placement and
// deploy. Each stage is one queue.Handler, registered per zone against the
// vlan_mapping/vm_placement queues by cmd/orchestrator. Shaped like the
// teacher's internal/reconciler.Reconciler: a thin coordinator that calls
// into already-built services (vlanplan, placement, secgroup, drivers)
// and leaves each its own error handling.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/drivers"
	"github.com/sliceforge/orchestrator/internal/model"
	"github.com/sliceforge/orchestrator/internal/placement"
	"github.com/sliceforge/orchestrator/internal/queue"
	"github.com/sliceforge/orchestrator/internal/secgroup"
	"github.com/sliceforge/orchestrator/internal/vlanplan"
)

// Store is the persistence surface the pipeline needs, composed from the
// same small interfaces vlanplan/placement/secgroup already define against
// *store.Store, plus the slice-row accessors those packages don't own.
type Store interface {
	vlanplan.OccupiedReader
	placement.Ledger
	secgroup.Store

	GetSlice(ctx context.Context, id int) (*model.Slice, error)
	UpdateSliceVLANs(ctx context.Context, id int, vlans []int, kind model.LifecycleKind) error
	UpdateSliceDeployed(ctx context.Context, id int, vms []model.VM, state model.RuntimeState) error
	UpdateSliceKind(ctx context.Context, id int, kind model.LifecycleKind) error
}

// Publisher is the subset of *queue.Broker the vlan-mapping stage needs to
// hand its slice off to the placement stage.
type Publisher interface {
	Publish(ctx context.Context, queueName string, body []byte) error
}

// Completer is the subset of *api.Server the placement stage needs to wake
// up the HTTP request that is awaiting this slice's deploy.
type Completer interface {
	CompleteSlice(sliceID int, err error)
}

// Pipeline coordinates the two consumer stages over one set of services.
type Pipeline struct {
	store     Store
	drivers   *drivers.Facade
	secgroups *secgroup.Service
	sources   map[model.Zone]placement.Source
	broker    Publisher
	completer Completer
	logger    *slog.Logger
}

// New builds a Pipeline. sources supplies one placement.Source per zone.
func New(store Store, facade *drivers.Facade, sg *secgroup.Service, sources map[model.Zone]placement.Source, broker Publisher, completer Completer, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: store, drivers: facade, secgroups: sg, sources: sources, broker: broker, completer: completer, logger: logger}
}

type sliceMessage struct {
	SliceID int `json:"slice_id"`
}

type placementMessage struct {
	SliceID int                 `json:"slice_id"`
	VMVLANs map[string][]int    `json:"vm_vlans"`
}

// VLANMappingHandler returns the queue.Handler for zone's vlan_mapping
// stage (spec §4.2 steps 1-5): enumerate links, allocate VLANs, clone the
// default security group, then hand off to the placement stage.
func (p *Pipeline) VLANMappingHandler(zone model.Zone) queue.Handler {
	return func(ctx context.Context, body []byte) queue.Action {
		var msg sliceMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			p.logger.Error("vlan mapping: malformed message", "error", err)
			return queue.NackDrop
		}

		vmVLANs, err := p.mapVLANs(ctx, zone, msg.SliceID)
		if err != nil {
			return p.failStage(ctx, "vlan mapping", msg.SliceID, err)
		}

		out, err := json.Marshal(placementMessage{SliceID: msg.SliceID, VMVLANs: vmVLANs})
		if err != nil {
			return p.failStage(ctx, "vlan mapping", msg.SliceID, fmt.Errorf("encoding placement message: %w", err))
		}
		if err := p.broker.Publish(ctx, queue.QueueName(queue.StagePlacement, zone), out); err != nil {
			return p.failStage(ctx, "vlan mapping", msg.SliceID,
				apierr.Wrap(apierr.DependencyUnavailable, "publishing to placement queue", err))
		}
		return queue.Ack
	}
}

func (p *Pipeline) mapVLANs(ctx context.Context, zone model.Zone, sliceID int) (map[string][]int, error) {
	slice, err := p.store.GetSlice(ctx, sliceID)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, fmt.Sprintf("loading slice %d", sliceID), err)
	}

	_, linkVLANs, vmVLANs, err := vlanplan.Allocate(ctx, p.store, zone, slice.Request)
	if err != nil {
		return nil, err
	}

	if err := p.store.UpdateSliceVLANs(ctx, sliceID, uniqueSorted(linkVLANs), model.KindVLANsMapped); err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, "persisting allocated vlans", err)
	}

	sg, err := p.secgroups.CreateDefault(ctx, sliceID)
	if err != nil {
		return nil, err
	}
	if err := p.secgroups.ApplyDefault(ctx, zone, sliceID, sg); err != nil {
		return nil, err
	}

	return vmVLANs, nil
}

// PlacementHandler returns the queue.Handler for zone's vm_placement stage
// (spec §4.3 + §4.5): assign every VM to a worker, deploy onto the
// cluster, persist the result, and wake the waiting create-slice request.
func (p *Pipeline) PlacementHandler(zone model.Zone) queue.Handler {
	return func(ctx context.Context, body []byte) queue.Action {
		var msg placementMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			p.logger.Error("placement: malformed message", "error", err)
			return queue.NackDrop
		}

		if err := p.placeAndDeploy(ctx, zone, msg.SliceID, msg.VMVLANs); err != nil {
			return p.failStage(ctx, "placement", msg.SliceID, err)
		}
		p.completer.CompleteSlice(msg.SliceID, nil)
		return queue.Ack
	}
}

func (p *Pipeline) placeAndDeploy(ctx context.Context, zone model.Zone, sliceID int, vmVLANs map[string][]int) error {
	slice, err := p.store.GetSlice(ctx, sliceID)
	if err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, fmt.Sprintf("loading slice %d", sliceID), err)
	}

	source, ok := p.sources[zone]
	if !ok {
		return apierr.New(apierr.Validation, fmt.Sprintf("no telemetry source configured for zone %s", zone))
	}

	sizes := make([]model.VMSize, 0, slice.Request.TotalVMs)
	for _, t := range slice.Request.Topologias {
		sizes = append(sizes, t.VMs...)
	}

	reqs := make([]placement.VMRequirement, len(sizes))
	for i, vm := range sizes {
		req, err := vmRequirement(vm)
		if err != nil {
			return apierr.Wrap(apierr.Validation, fmt.Sprintf("parsing vm %s sizing", vm.Nombre), err)
		}
		reqs[i] = req
	}

	assignments, err := placement.Place(ctx, p.store, source, zone, sliceID, reqs)
	if err != nil {
		return err
	}
	workerOf := make(map[string]string, len(assignments))
	for _, a := range assignments {
		workerOf[a.VMName] = a.Worker
	}

	vms := make([]model.VM, len(sizes))
	for i, size := range sizes {
		vm, err := materializeVM(size, workerOf[size.Nombre], vmVLANs[size.Nombre], zone.InternetVLAN())
		if err != nil {
			return apierr.Wrap(apierr.Validation, fmt.Sprintf("materializing vm %s", size.Nombre), err)
		}
		vms[i] = vm
	}
	slice.VMs = vms

	driver, err := p.drivers.For(zone)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "resolving driver", err)
	}
	result, err := driver.Deploy(ctx, *slice)
	if err != nil {
		return apierr.Wrap(apierr.DriverFailure, fmt.Sprintf("deploying slice %d", sliceID), err)
	}
	for i, vm := range vms {
		vnc, ok := result.VNCByVM[vm.Nombre]
		if !ok {
			vnc, ok = result.VNCByVM[model.ClusterName(sliceID, vm.Nombre)]
		}
		if ok {
			vms[i].VNC = vnc
		}
		vms[i].Estado = model.VMCorriendo
	}

	if err := p.store.UpdateSliceDeployed(ctx, sliceID, vms, model.StateCorriendo); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "persisting deploy result", err)
	}
	return nil
}

// failStage marks the slice as errored, wakes up any waiting HTTP request
// with the failure, and reports the requeue/drop decision for the
// delivery that surfaced it.
func (p *Pipeline) failStage(ctx context.Context, stage string, sliceID int, err error) queue.Action {
	p.logger.Error(stage+" failed", "slice_id", sliceID, "error", err)
	if uerr := p.store.UpdateSliceKind(ctx, sliceID, model.KindError); uerr != nil {
		p.logger.Error("marking slice errored failed", "slice_id", sliceID, "error", uerr)
	}
	p.completer.CompleteSlice(sliceID, err)

	if ae, ok := apierr.As(err); ok && apierr.Retryable(ae.Code) {
		return queue.NackRequeue
	}
	return queue.NackDrop
}

func vmRequirement(vm model.VMSize) (placement.VMRequirement, error) {
	cores, err := strconv.Atoi(vm.Cores)
	if err != nil {
		return placement.VMRequirement{}, fmt.Errorf("cores %q: %w", vm.Cores, err)
	}
	ram, err := parseRAMMiB(vm.RAM)
	if err != nil {
		return placement.VMRequirement{}, fmt.Errorf("ram %q: %w", vm.RAM, err)
	}
	disk, err := parseDiskGiB(vm.Almacenamiento)
	if err != nil {
		return placement.VMRequirement{}, fmt.Errorf("almacenamiento %q: %w", vm.Almacenamiento, err)
	}
	return placement.VMRequirement{Name: vm.Nombre, Cores: cores, RAMMiB: ram, DiskGiB: disk}, nil
}

// parseRAMMiB converts a ram string ("512M" or "1.5G") to MiB, mirroring
// the unit stripping the original implementation does in
// vm_placement_api/placement_algorithm.py's parse_vm_requirements.
func parseRAMMiB(s string) (int, error) {
	switch {
	case strings.HasSuffix(s, "M"):
		return strconv.Atoi(strings.TrimSuffix(s, "M"))
	case strings.HasSuffix(s, "G"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "G"), 64)
		if err != nil {
			return 0, err
		}
		return int(v * 1024), nil
	default:
		return 0, fmt.Errorf("unrecognized ram unit")
	}
}

// parseDiskGiB converts an almacenamiento string ("1G"/"2G"/"4G") to GiB.
func parseDiskGiB(s string) (int, error) {
	if !strings.HasSuffix(s, "G") {
		return 0, fmt.Errorf("unrecognized almacenamiento unit")
	}
	return strconv.Atoi(strings.TrimSuffix(s, "G"))
}

func materializeVM(size model.VMSize, worker string, vlans []int, internetVLAN int) (model.VM, error) {
	req, err := vmRequirement(size)
	if err != nil {
		return model.VM{}, err
	}
	internet := false
	for _, v := range vlans {
		if v == internetVLAN {
			internet = true
			break
		}
	}
	return model.VM{
		Nombre:   size.Nombre,
		Cores:    req.Cores,
		RAMMiB:   req.RAMMiB,
		DiskGiB:  req.DiskGiB,
		Image:    size.Image,
		Internet: internet,
		VLANs:    vlans,
		Server:   worker,
	}, nil
}

func uniqueSorted(vlans []int) []int {
	seen := make(map[int]bool, len(vlans))
	out := make([]int, 0, len(vlans))
	for _, v := range vlans {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
