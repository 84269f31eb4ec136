// Package validate checks an incoming slice-creation request against every
// structural and cross-field constraint of spec §3/§6 before anything is
// persisted. It is a pure, I/O-free package, the same "config in, error out"
// shape as the teacher's enricher validation helpers, generalized from a
// field-by-field accumulator to a fail-fast check since the caller (the
// frontend) only ever surfaces the first violation to the client.
package validate

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/model"
	"github.com/sliceforge/orchestrator/internal/topology"
)

const (
	minSliceName  = 3
	maxSliceName  = 200
	minTotalVMs   = 2
	maxTotalVMs   = 12
	maxTopologias = 3
)

var vmNamePattern = regexp.MustCompile(`^vm[0-9]+$`)
var ramMPattern = regexp.MustCompile(`^([0-9]+)M$`)
var ramGPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)G$`)

var almacenamientoValues = map[string]bool{"1G": true, "2G": true, "4G": true}

// topologyVMRange bounds the VM count each topology kind allows.
var topologyVMRange = map[model.TopologyKind][2]int{
	model.Topology1VM:  {1, 1},
	model.TopologyLine: {2, 12},
	model.TopologyRing: {3, 12},
	model.TopologyTree: {5, 12},
}

// CreateSliceRequest validates req in full. It returns the first violation
// found as an *apierr.Error of kind Validation; the caller must not persist
// anything when this returns non-nil (spec §7: validation errors carry no
// side effect).
func CreateSliceRequest(req model.CreateSliceRequest) error {
	if n := len(req.NombreSlice); n < minSliceName || n > maxSliceName {
		return apierr.New(apierr.Validation, fmt.Sprintf("nombre_slice must be %d-%d characters, got %d", minSliceName, maxSliceName, n))
	}
	if !req.ZonaDespliegue.Valid() {
		return apierr.New(apierr.Validation, fmt.Sprintf("unknown zona_despliegue %q", req.ZonaDespliegue))
	}
	return solicitud(req.SolicitudJSON)
}

func solicitud(sol model.SolicitudJSON) error {
	if sol.IDSlice != 0 {
		return apierr.New(apierr.Validation, "id_slice must be empty on input")
	}
	if sol.VLANsUsadas != "" {
		return apierr.New(apierr.Validation, "vlans_usadas must be empty on input")
	}
	if sol.VNCsUsadas != "" {
		return apierr.New(apierr.Validation, "vncs_usadas must be empty on input")
	}
	if sol.TotalVMs < minTotalVMs || sol.TotalVMs > maxTotalVMs {
		return apierr.New(apierr.Validation, fmt.Sprintf("total_vms must be %d-%d, got %d", minTotalVMs, maxTotalVMs, sol.TotalVMs))
	}
	if n := len(sol.Topologias); n == 0 || n > maxTopologias {
		return apierr.New(apierr.Validation, fmt.Sprintf("a slice must declare 1-%d topologias, got %d", maxTopologias, n))
	}

	seenVMs := make(map[string]bool)
	sumVMs := 0
	for i, t := range sol.Topologias {
		if err := oneTopology(i, t, seenVMs); err != nil {
			return err
		}
		sumVMs += len(t.VMs)
	}
	if sumVMs != sol.TotalVMs {
		return apierr.New(apierr.Validation, fmt.Sprintf("total_vms (%d) does not match the sum of topologia vm counts (%d)", sol.TotalVMs, sumVMs))
	}

	links, err := topology.AllLinks(sol)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "parsing links", err)
	}
	if err := noDuplicateLinks(links); err != nil {
		return err
	}
	for _, l := range links {
		if !seenVMs[l.A] || !seenVMs[l.B] {
			return apierr.New(apierr.Validation, fmt.Sprintf("link %s-%s references an unknown vm", l.A, l.B))
		}
	}

	// Connected only constrains cross-topology reachability; it ignores
	// same-topology links on its own, so the full link list is fine here.
	if !topology.Connected(sol.Topologias, links) {
		return apierr.New(apierr.Validation, "inter-topology links must connect every topologia")
	}

	return nil
}

func oneTopology(idx int, t model.Topology, seenVMs map[string]bool) error {
	bounds, ok := topologyVMRange[t.Nombre]
	if !ok {
		return apierr.New(apierr.Validation, fmt.Sprintf("topologia %d: unknown kind %q", idx, t.Nombre))
	}
	count, err := strconv.Atoi(t.CantidadVMs)
	if err != nil {
		return apierr.New(apierr.Validation, fmt.Sprintf("topologia %d: cantidad_vms %q is not a number", idx, t.CantidadVMs))
	}
	if count != len(t.VMs) {
		return apierr.New(apierr.Validation, fmt.Sprintf("topologia %d: cantidad_vms (%d) does not match the vm list length (%d)", idx, count, len(t.VMs)))
	}
	if count < bounds[0] || count > bounds[1] {
		return apierr.New(apierr.Validation, fmt.Sprintf("topologia %d (%s): vm count must be %d-%d, got %d", idx, t.Nombre, bounds[0], bounds[1], count))
	}

	for _, vm := range t.VMs {
		if err := oneVM(vm); err != nil {
			return err
		}
		if seenVMs[vm.Nombre] {
			return apierr.New(apierr.Validation, fmt.Sprintf("duplicate vm name %q", vm.Nombre))
		}
		seenVMs[vm.Nombre] = true
	}
	return nil
}

func oneVM(vm model.VMSize) error {
	if !vmNamePattern.MatchString(vm.Nombre) {
		return apierr.New(apierr.Validation, fmt.Sprintf("vm name %q must match vm[0-9]+", vm.Nombre))
	}
	if vm.Cores != "1" && vm.Cores != "2" {
		return apierr.New(apierr.Validation, fmt.Sprintf("vm %s: cores must be \"1\" or \"2\", got %q", vm.Nombre, vm.Cores))
	}
	if !validRAM(vm.RAM) {
		return apierr.New(apierr.Validation, fmt.Sprintf("vm %s: ram %q must match [256-999]M or [1.0-1.5]G", vm.Nombre, vm.RAM))
	}
	if !almacenamientoValues[vm.Almacenamiento] {
		return apierr.New(apierr.Validation, fmt.Sprintf("vm %s: almacenamiento must be one of 1G/2G/4G, got %q", vm.Nombre, vm.Almacenamiento))
	}
	if vm.Image == "" {
		return apierr.New(apierr.Validation, fmt.Sprintf("vm %s: image is required", vm.Nombre))
	}
	if vm.Internet != "si" && vm.Internet != "no" {
		return apierr.New(apierr.Validation, fmt.Sprintf("vm %s: internet must be \"si\" or \"no\", got %q", vm.Nombre, vm.Internet))
	}
	if vm.PuertoVNC != "" {
		return apierr.New(apierr.Validation, fmt.Sprintf("vm %s: puerto_vnc must be empty on input", vm.Nombre))
	}
	if vm.ConexionesVLANs != "" {
		return apierr.New(apierr.Validation, fmt.Sprintf("vm %s: conexiones_vlans must be empty on input", vm.Nombre))
	}
	if vm.Server != "" {
		return apierr.New(apierr.Validation, fmt.Sprintf("vm %s: server must be empty on input", vm.Nombre))
	}
	return nil
}

// validRAM reports whether s matches [256-999]M or [1.0-1.5]G.
func validRAM(s string) bool {
	if m := ramMPattern.FindStringSubmatch(s); m != nil {
		v, err := strconv.Atoi(m[1])
		return err == nil && v >= 256 && v <= 999
	}
	if m := ramGPattern.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return err == nil && v >= 1.0 && v <= 1.5
	}
	return false
}

// noDuplicateLinks rejects a link list containing the same unordered pair
// twice (spec §4.2 step 1: "duplicates are forbidden").
func noDuplicateLinks(links []model.Link) error {
	seen := make(map[model.Link]bool, len(links))
	for _, l := range links {
		key := l
		if key.A > key.B {
			key.A, key.B = key.B, key.A
		}
		if seen[key] {
			return apierr.New(apierr.Validation, fmt.Sprintf("duplicate link %s-%s", l.A, l.B))
		}
		seen[key] = true
	}
	return nil
}
