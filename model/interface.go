package model

import "fmt"

// InterfaceKind classifies a node's virtual network interface.
type InterfaceKind string

const (
	// InterfaceMesh interfaces are matched pairwise by index between nodes.
	InterfaceMesh InterfaceKind = "mesh"
	// InterfaceAdHoc interfaces behave like mesh interfaces on a separate medium.
	InterfaceAdHoc InterfaceKind = "adhoc"
	// InterfaceHub interfaces attach ordinary nodes to a central hub node.
	InterfaceHub InterfaceKind = "hub"
	// InterfaceManagement interfaces attach nodes to the management switch.
	InterfaceManagement InterfaceKind = "management"
)

// Matched reports whether interfaces of this kind take part in the
// distance-driven interface matching loop.
func (k InterfaceKind) Matched() bool {
	return k == InterfaceMesh || k == InterfaceAdHoc
}

// Interface identifies one virtual interface of a node.
type Interface struct {
	Kind  InterfaceKind `json:"kind" yaml:"kind" codec:"kind"`
	Index int           `json:"index" yaml:"index" codec:"index"`
}

func (i Interface) String() string {
	return fmt.Sprintf("%s%d", i.Kind, i.Index)
}

// Less orders interfaces by kind, then index.
func (i Interface) Less(o Interface) bool {
	if i.Kind != o.Kind {
		return i.Kind < o.Kind
	}
	return i.Index < o.Index
}

// Endpoint is one side of a connection.
type Endpoint struct {
	Node      int       `json:"node" codec:"node"`
	Interface Interface `json:"interface" codec:"interface"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d/%s", e.Node, e.Interface)
}

// Less orders endpoints by node, then interface.
func (e Endpoint) Less(o Endpoint) bool {
	if e.Node != o.Node {
		return e.Node < o.Node
	}
	return e.Interface.Less(o.Interface)
}
