package openstackzone

import (
	"testing"

	"github.com/sliceforge/orchestrator/internal/model"
)

func TestProjectName(t *testing.T) {
	if got := projectName(42); got != "id42_project" {
		t.Fatalf("got %q", got)
	}
}

func TestNetworkName(t *testing.T) {
	if got := networkName(42, 7); got != "id42_net_vlan7" {
		t.Fatalf("got %q", got)
	}
}

func TestFlavorName_StableForIdenticalSizing(t *testing.T) {
	a := flavorName(model.VM{Cores: 2, RAMMiB: 2048, DiskGiB: 20})
	b := flavorName(model.VM{Cores: 2, RAMMiB: 2048, DiskGiB: 20})
	if a != b {
		t.Fatalf("expected identical sizing to produce the same flavor name, got %q and %q", a, b)
	}
	c := flavorName(model.VM{Cores: 4, RAMMiB: 2048, DiskGiB: 20})
	if a == c {
		t.Fatalf("expected different core counts to produce different flavor names")
	}
}

func TestAllVLANs_Deduplicates(t *testing.T) {
	slice := model.Slice{VLANs: []int{5, 5, 6, 7, 7, 7}}
	got := allVLANs(slice)
	if len(got) != 3 {
		t.Fatalf("expected 3 distinct vlans, got %v", got)
	}
}
