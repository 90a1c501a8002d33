package model

import "fmt"

// ConnectionKind distinguishes ordinary links from infrastructure links.
type ConnectionKind string

const (
	ConnectionUser       ConnectionKind = "user"
	ConnectionManagement ConnectionKind = "management"
	ConnectionCentralHub ConnectionKind = "central-hub"
)

// ConnectionKey identifies a connection between two interface endpoints. It
// is always canonical: (NodeX, IfaceX) < (NodeY, IfaceY).
type ConnectionKey struct {
	NodeX  int       `json:"node_x" codec:"node_x"`
	NodeY  int       `json:"node_y" codec:"node_y"`
	IfaceX Interface `json:"iface_x" codec:"iface_x"`
	IfaceY Interface `json:"iface_y" codec:"iface_y"`
}

// NewConnectionKey builds the canonical key for the endpoints a and b, in
// either order.
func NewConnectionKey(a, b Endpoint) ConnectionKey {
	if b.Less(a) {
		a, b = b, a
	}
	return ConnectionKey{NodeX: a.Node, NodeY: b.Node, IfaceX: a.Interface, IfaceY: b.Interface}
}

// Left returns the lower endpoint.
func (k ConnectionKey) Left() Endpoint { return Endpoint{Node: k.NodeX, Interface: k.IfaceX} }

// Right returns the higher endpoint.
func (k ConnectionKey) Right() Endpoint { return Endpoint{Node: k.NodeY, Interface: k.IfaceY} }

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s<->%s", k.Left(), k.Right())
}

// Connection is the durable record of one link kept by the connection ledger.
// Records are created once per key and then only toggled between connected
// and disconnected.
type Connection struct {
	ID         uint64         `json:"id" codec:"id"`
	Key        ConnectionKey  `json:"key" codec:"key"`
	Kind       ConnectionKind `json:"kind" codec:"kind"`
	StepAdded  int            `json:"step_added" codec:"step_added"`
	Connected  bool           `json:"connected" codec:"connected"`
	Impairment Settings       `json:"impairment,omitempty" codec:"impairment"`
	Distance   float64        `json:"distance" codec:"distance"`
}

// Clone returns a deep copy so callers never alias ledger-owned state.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Impairment = c.Impairment.Clone()
	return &cp
}
