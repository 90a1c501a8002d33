package core

import (
	"sort"

	"github.com/signalsfoundry/mesh-emulator/model"
)

// ManagementNode is the virtual node ID of the management switch. Real node
// IDs start at 1.
const ManagementNode = 0

// Topology describes the nodes a StepEngine drives and where they live.
type Topology struct {
	Nodes []int
	// Interfaces lists per-node interfaces; nodes without an entry use
	// DefaultInterfaces.
	Interfaces        map[int][]model.Interface
	DefaultInterfaces []model.Interface
	// Hubs are central-hub nodes, connected to every ordinary node.
	Hubs []int
	// Management attaches every node to the virtual management switch.
	Management bool

	// LocalServer is this server's ID; NodeServer maps nodes to servers.
	// An empty NodeServer means every node is local.
	LocalServer int
	NodeServer  map[int]int
	// Tunnels maps server IDs to the tunnel address peers reach them on.
	Tunnels map[int]string
}

// IsLocal reports whether node is emulated by this server.
func (t *Topology) IsLocal(node int) bool {
	if node == ManagementNode || len(t.NodeServer) == 0 {
		return true
	}
	return t.NodeServer[node] == t.LocalServer
}

// InterfacesOf returns the interfaces of node.
func (t *Topology) InterfacesOf(node int) []model.Interface {
	if ifs, ok := t.Interfaces[node]; ok {
		return ifs
	}
	return t.DefaultInterfaces
}

// LocalNodes returns the sorted local node IDs.
func (t *Topology) LocalNodes() []int {
	var out []int
	for _, n := range t.Nodes {
		if t.IsLocal(n) {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// remoteOf returns whichever endpoint node of the pair is not local with
// its server and tunnel address, or zero values when both are local.
func (t *Topology) remoteOf(a, b int) (node, server int, addr string) {
	for _, n := range []int{a, b} {
		if !t.IsLocal(n) {
			sid := t.NodeServer[n]
			return n, sid, t.Tunnels[sid]
		}
	}
	return 0, 0, ""
}

// matchInterfaces pairs the mesh-like interfaces of x and y that share kind
// and index.
func (t *Topology) matchInterfaces(x, y int) [][2]model.Interface {
	ys := make(map[model.Interface]bool)
	for _, i := range t.InterfacesOf(y) {
		if i.Kind.Matched() {
			ys[i] = true
		}
	}
	var out [][2]model.Interface
	for _, i := range t.InterfacesOf(x) {
		if i.Kind.Matched() && ys[i] {
			out = append(out, [2]model.Interface{i, i})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a][0].Less(out[b][0]) })
	return out
}
