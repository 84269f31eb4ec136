package vlanplan

import (
	"context"
	"reflect"
	"testing"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/model"
)

type fakeReader struct {
	occupied map[int]bool
	err      error
}

func (f fakeReader) OccupiedVLANs(ctx context.Context, zone model.Zone) (map[int]bool, error) {
	return f.occupied, f.err
}

func vm(name string) model.VMSize { return model.VMSize{Nombre: name} }

// S1: minimal slice — one 1vm topology, internet=no.
func TestAllocate_MinimalSlice(t *testing.T) {
	req := model.SolicitudJSON{
		Topologias: []model.Topology{
			{Nombre: model.Topology1VM, Internet: false, VMs: []model.VMSize{vm("vm1")}},
		},
	}
	links, linkVLANs, vmVLANs, err := Allocate(context.Background(), fakeReader{occupied: map[int]bool{}}, model.ZoneLinux, req)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(links) != 0 || len(linkVLANs) != 0 {
		t.Fatalf("expected 0 links/vlans, got links=%v vlans=%v", links, linkVLANs)
	}
	if got := vmVLANs["vm1"]; got != nil {
		t.Fatalf("expected vm1 to have no vlans, got %v", got)
	}
}

func TestAllocate_SkipsOccupied(t *testing.T) {
	req := model.SolicitudJSON{
		Topologias: []model.Topology{
			{Nombre: model.TopologyLine, VMs: []model.VMSize{vm("vm1"), vm("vm2")}},
		},
	}
	occupied := map[int]bool{5: true, 6: true}
	_, linkVLANs, vmVLANs, err := Allocate(context.Background(), fakeReader{occupied: occupied}, model.ZoneLinux, req)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !reflect.DeepEqual(linkVLANs, []int{7}) {
		t.Fatalf("expected vlan 7 allocated, got %v", linkVLANs)
	}
	if !reflect.DeepEqual(vmVLANs["vm1"], []int{7}) || !reflect.DeepEqual(vmVLANs["vm2"], []int{7}) {
		t.Fatalf("expected both vms to carry vlan 7, got vm1=%v vm2=%v", vmVLANs["vm1"], vmVLANs["vm2"])
	}
}

// S2: pool exhaustion.
func TestAllocate_PoolExhausted(t *testing.T) {
	req := model.SolicitudJSON{
		Topologias: []model.Topology{
			{Nombre: model.TopologyLine, VMs: []model.VMSize{vm("vm1"), vm("vm2")}},
		},
	}
	occupied := map[int]bool{}
	for v := 5; v <= 900; v++ {
		occupied[v] = true
	}
	_, _, _, err := Allocate(context.Background(), fakeReader{occupied: occupied}, model.ZoneLinux, req)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.ResourceExhausted {
		t.Fatalf("expected resource_exhausted error, got %v", err)
	}
}

// S3: multi-topology slice with an inter-topology connection and internet VLAN prepend.
func TestAllocate_MultiTopologyWithInternet(t *testing.T) {
	req := model.SolicitudJSON{
		ConexionesVMs: "vm2-vm5",
		Topologias: []model.Topology{
			{Nombre: model.TopologyLine, Internet: true, VMs: []model.VMSize{vm("vm1"), vm("vm2"), vm("vm3")}},
			{Nombre: model.TopologyRing, Internet: false, VMs: []model.VMSize{vm("vm4"), vm("vm5"), vm("vm6"), vm("vm7")}},
		},
	}
	links, linkVLANs, vmVLANs, err := Allocate(context.Background(), fakeReader{occupied: map[int]bool{}}, model.ZoneLinux, req)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(links) != 7 || len(linkVLANs) != 7 {
		t.Fatalf("expected 7 links/vlans, got links=%d vlans=%d", len(links), len(linkVLANs))
	}
	// vm2 is incident to (vm1,vm2), (vm2,vm3), (vm2,vm5) -- indices 0,1,6 --
	// and carries the internet vlan since its topology has internet=true.
	if len(vmVLANs["vm2"]) != 4 {
		t.Fatalf("expected 4 vlans for vm2 (internet + 3 links), got %v", vmVLANs["vm2"])
	}
	if vmVLANs["vm2"][0] != model.ZoneLinux.InternetVLAN() {
		t.Fatalf("expected internet vlan prepended for vm2, got %v", vmVLANs["vm2"])
	}
	rest := vmVLANs["vm2"][1:]
	if !(rest[0] <= rest[1] && rest[1] <= rest[2]) {
		t.Fatalf("expected incident link vlans sorted, got %v", rest)
	}
}

func TestAllocate_DisconnectedTopologiesRejected(t *testing.T) {
	req := model.SolicitudJSON{
		// no conexiones_vms at all: the two topologies never touch.
		Topologias: []model.Topology{
			{Nombre: model.TopologyLine, VMs: []model.VMSize{vm("vm1"), vm("vm2")}},
			{Nombre: model.Topology1VM, VMs: []model.VMSize{vm("vm3")}},
		},
	}
	_, _, _, err := Allocate(context.Background(), fakeReader{occupied: map[int]bool{}}, model.ZoneLinux, req)
	if err == nil {
		t.Fatal("expected an error for disconnected topologies")
	}
	if ae, ok := apierr.As(err); !ok || ae.Code != apierr.Validation {
		t.Fatalf("expected apierr.Validation, got %v", err)
	}
}
