// Package vlanplan implements the VLAN/Network Planner (C2): link
// enumeration (via internal/topology), zone-pool allocation, and the
// per-VM VLAN membership mapping. Grounded on the teacher's
// internal/capacity resource-reader shape (a small function reading
// shared state and returning a typed result) and directly on spec §4.2.
package vlanplan

import (
	"context"
	"fmt"
	"sort"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/model"
	"github.com/sliceforge/orchestrator/internal/topology"
)

// OccupiedReader reads the set of VLAN ids currently occupied in a zone.
// Implemented by *store.Store; an interface here keeps the allocator
// testable without a database, the same way the teacher's capacity.Reader
// interface decouples the scheduler from /proc/meminfo.
type OccupiedReader interface {
	OccupiedVLANs(ctx context.Context, zone model.Zone) (map[int]bool, error)
}

// Allocate runs the full planner algorithm (spec §4.2 steps 1-4) and
// returns the augmented request JSON fields: the ordered link list, the
// VLANs assigned to each link (same order), and each VM's VLAN membership.
func Allocate(ctx context.Context, reader OccupiedReader, zone model.Zone, req model.SolicitudJSON) (links []model.Link, linkVLANs []int, vmVLANs map[string][]int, err error) {
	links, err = topology.AllLinks(req)
	if err != nil {
		return nil, nil, nil, apierr.Wrap(apierr.Validation, "enumerating links", err)
	}
	if !topology.Connected(req.Topologias, links) {
		return nil, nil, nil, apierr.New(apierr.Validation, "inter-topology links must connect every topologia")
	}

	occupied, err := reader.OccupiedVLANs(ctx, zone)
	if err != nil {
		return nil, nil, nil, apierr.Wrap(apierr.DependencyUnavailable, "reading occupied vlans", err)
	}

	min, max := zone.VLANRange()
	free := make([]int, 0, len(links))
	for v := min; v <= max && len(free) < len(links); v++ {
		if !occupied[v] {
			free = append(free, v)
		}
	}
	if len(free) < len(links) {
		return nil, nil, nil, apierr.New(apierr.ResourceExhausted,
			fmt.Sprintf("need %d free vlans in zone %s, only %d available", len(links), zone, len(free)))
	}

	linkVLANs = free

	vmVLANs = make(map[string][]int)
	incident := make(map[string]map[int]bool)
	for i, l := range links {
		vlan := linkVLANs[i]
		addIncident(incident, l.A, vlan)
		addIncident(incident, l.B, vlan)
	}

	internetFlag := vmInternetFlags(req)
	for vm, set := range incident {
		sorted := make([]int, 0, len(set))
		for v := range set {
			sorted = append(sorted, v)
		}
		sort.Ints(sorted)
		if internetFlag[vm] {
			sorted = append([]int{zone.InternetVLAN()}, sorted...)
		}
		vmVLANs[vm] = sorted
	}
	// VMs with no incident links still need an entry (possibly just the
	// internet VLAN, possibly empty — S1's 1vm/no-internet case).
	for _, t := range req.Topologias {
		for _, vm := range t.VMs {
			if _, ok := vmVLANs[vm.Nombre]; !ok {
				if internetFlag[vm.Nombre] {
					vmVLANs[vm.Nombre] = []int{zone.InternetVLAN()}
				} else {
					vmVLANs[vm.Nombre] = nil
				}
			}
		}
	}

	return links, linkVLANs, vmVLANs, nil
}

func addIncident(incident map[string]map[int]bool, vm string, vlan int) {
	if incident[vm] == nil {
		incident[vm] = map[int]bool{}
	}
	incident[vm][vlan] = true
}

func vmInternetFlags(req model.SolicitudJSON) map[string]bool {
	flags := make(map[string]bool)
	for _, t := range req.Topologias {
		for _, vm := range t.VMs {
			flags[vm.Nombre] = t.Internet
		}
	}
	return flags
}
