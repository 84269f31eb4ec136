// Package topology enumerates the links of a slice's sub-topologies and
// parses the inter-topology connection string. It is a pure, I/O-free
// package — the same "pure function over a config slice" shape as the
// teacher's scheduler package — so it is exhaustively table-tested.
package topology

import (
	"fmt"
	"strings"

	"github.com/sliceforge/orchestrator/internal/model"
)

// Links returns the canonical intra-topology link list for kind over the
// ordered VM name list vms.
func Links(kind model.TopologyKind, vms []string) ([]model.Link, error) {
	switch kind {
	case model.Topology1VM:
		return nil, nil
	case model.TopologyLine:
		return chainLinks(vms), nil
	case model.TopologyRing:
		links := chainLinks(vms)
		if len(vms) >= 2 {
			links = append(links, model.Link{A: vms[len(vms)-1], B: vms[0]})
		}
		return links, nil
	case model.TopologyTree:
		return treeLinks(vms), nil
	default:
		return nil, fmt.Errorf("unknown topology kind %q", kind)
	}
}

func chainLinks(vms []string) []model.Link {
	if len(vms) < 2 {
		return nil
	}
	links := make([]model.Link, 0, len(vms)-1)
	for i := 0; i < len(vms)-1; i++ {
		links = append(links, model.Link{A: vms[i], B: vms[i+1]})
	}
	return links
}

// treeLinks assigns parent/child edges breadth-first: vm1 is the root, its
// first two remaining VMs become its children, then each of those gets up
// to two children in turn, and so on.
func treeLinks(vms []string) []model.Link {
	if len(vms) < 2 {
		return nil
	}
	var links []model.Link
	queue := []string{vms[0]}
	remaining := vms[1:]
	for len(remaining) > 0 && len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for i := 0; i < 2 && len(remaining) > 0; i++ {
			child := remaining[0]
			remaining = remaining[1:]
			links = append(links, model.Link{A: parent, B: child})
			queue = append(queue, child)
		}
	}
	return links
}

// ParseConexiones parses a `vmA-vmB;vmC-vmD` inter-topology connection
// string into its constituent links. Empty segments are skipped so a
// trailing or doubled separator doesn't produce a spurious link.
func ParseConexiones(s string) ([]model.Link, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var links []model.Link
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "-", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed connection %q", pair)
		}
		links = append(links, model.Link{A: parts[0], B: parts[1]})
	}
	return links, nil
}

// VMNames returns the declared VM names of a topology in declaration order.
func VMNames(t model.Topology) []string {
	names := make([]string, len(t.VMs))
	for i, vm := range t.VMs {
		names[i] = vm.Nombre
	}
	return names
}

// AllLinks produces the full ordered link list for a slice request: first
// every topology's canonical intra-topology links in declared order, then
// the inter-topology links from conexiones_vms.
func AllLinks(req model.SolicitudJSON) ([]model.Link, error) {
	var links []model.Link
	for _, t := range req.Topologias {
		tl, err := Links(t.Nombre, VMNames(t))
		if err != nil {
			return nil, fmt.Errorf("topology %s: %w", t.Nombre, err)
		}
		links = append(links, tl...)
	}
	extra, err := ParseConexiones(req.ConexionesVMs)
	if err != nil {
		return nil, fmt.Errorf("conexiones_vms: %w", err)
	}
	links = append(links, extra...)
	return links, nil
}

// Connected reports whether the undirected graph formed by the
// inter-topology links touches every topology, i.e. the topologies — each
// treated as a single node — form a connected graph. Only meaningful when
// len(topologies) >= 2; callers should skip the check otherwise.
func Connected(topologies []model.Topology, interLinks []model.Link) bool {
	if len(topologies) < 2 {
		return true
	}
	vmTopology := make(map[string]int, len(topologies))
	for i, t := range topologies {
		for _, name := range VMNames(t) {
			vmTopology[name] = i
		}
	}

	adj := make(map[int]map[int]bool)
	for _, l := range interLinks {
		ta, oka := vmTopology[l.A]
		tb, okb := vmTopology[l.B]
		if !oka || !okb || ta == tb {
			continue
		}
		if adj[ta] == nil {
			adj[ta] = map[int]bool{}
		}
		if adj[tb] == nil {
			adj[tb] = map[int]bool{}
		}
		adj[ta][tb] = true
		adj[tb][ta] = true
	}

	seen := map[int]bool{0: true}
	queue := []int{0}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return len(seen) == len(topologies)
}
