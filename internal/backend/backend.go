// Package backend executes link lifecycle notifications on the host.
//
// The bridged backend gives every node interface its own Linux bridge with
// the node's tap attached. A connection is a veth pair between two such
// bridges, or a gretap tunnel when the peer lives on another server. All
// connection ports are bridge-isolated so frames never transit a third
// node's bridge.
package backend

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/mesh-emulator/core"
	"github.com/signalsfoundry/mesh-emulator/internal/execx"
	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/model"
)

// Backend kinds and execution modes accepted by Resolve.
const (
	KindNull    = "null"
	KindBridged = "bridged"

	ExecNetlink  = "netlink"
	ExecIproute2 = "iproute2"
)

// Descriptor selects a backend once per scenario.
type Descriptor struct {
	Kind string
	Exec string
	// BridgePrefix starts every bridge name; at most eight characters.
	BridgePrefix string
	// TunnelAddress is the local gretap endpoint for cross-server links.
	TunnelAddress string
	// DryRun logs iproute2 batches instead of executing them.
	DryRun bool
}

type options struct {
	log    logging.Logger
	runner execx.Runner
}

// Option customises Resolve.
type Option func(*options)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRunner replaces the command runner of the iproute2 mode.
func WithRunner(r execx.Runner) Option {
	return func(o *options) {
		if r != nil {
			o.runner = r
		}
	}
}

// Resolve builds the backend named by d.
func Resolve(d Descriptor, opts ...Option) (core.Backend, error) {
	o := options{log: logging.Noop(), runner: execx.OSRunner{}}
	for _, opt := range opts {
		opt(&o)
	}
	switch d.Kind {
	case KindNull, "":
		return NewNull(o.log), nil
	case KindBridged:
	default:
		return nil, fmt.Errorf("unknown backend %q", d.Kind)
	}
	if len(d.BridgePrefix) > 8 {
		return nil, fmt.Errorf("bridge prefix %q longer than 8 characters", d.BridgePrefix)
	}

	var ops linkOps
	switch {
	case d.DryRun:
		ops = newBatchOps(dryRunner{log: o.log})
	case d.Exec == ExecIproute2:
		ops = newBatchOps(o.runner)
	case d.Exec == ExecNetlink || d.Exec == "":
		nl, err := newNetlinkOps()
		if err != nil {
			return nil, err
		}
		ops = nl
	default:
		return nil, fmt.Errorf("unknown backend execution mode %q", d.Exec)
	}
	return NewBridged(ops, d.BridgePrefix, d.TunnelAddress, o.log), nil
}

// Null accepts every notification and only logs it.
type Null struct {
	log logging.Logger
}

// NewNull returns a backend with no host side effects.
func NewNull(log logging.Logger) *Null {
	if log == nil {
		log = logging.Noop()
	}
	return &Null{log: log}
}

func (n *Null) note(ctx context.Context, name string, ev core.LinkEvent) (core.Handle, error) {
	n.log.Debug(ctx, "link notification",
		logging.String("notification", name),
		logging.String("link", ev.Key.String()),
		logging.Int("step", ev.Step),
		logging.String("settings", ev.Settings.String()),
	)
	return nil, nil
}

func (n *Null) BeforeLinkEstablished(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	return n.note(ctx, core.NotifyBeforeLinkEstablished, ev)
}
func (n *Null) AfterLinkEstablished(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	return n.note(ctx, core.NotifyAfterLinkEstablished, ev)
}
func (n *Null) BeforeImpair(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	return n.note(ctx, core.NotifyBeforeImpair, ev)
}
func (n *Null) AfterImpair(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	return n.note(ctx, core.NotifyAfterImpair, ev)
}
func (n *Null) LinkUp(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	return n.note(ctx, core.NotifyLinkUp, ev)
}
func (n *Null) LinkDown(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	return n.note(ctx, core.NotifyLinkDown, ev)
}
func (n *Null) ConnectionAcrossServers(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	return n.note(ctx, core.NotifyConnectionAcrossServers, ev)
}

var kindLetters = map[model.InterfaceKind]byte{
	model.InterfaceMesh:       'm',
	model.InterfaceAdHoc:      'a',
	model.InterfaceHub:        'h',
	model.InterfaceManagement: 'g',
}

func kindLetter(k model.InterfaceKind) byte {
	if c, ok := kindLetters[k]; ok {
		return c
	}
	return 'x'
}

// TapName is the host tap device of a node interface, e.g. "tap3m0".
func TapName(ep model.Endpoint) string {
	return fmt.Sprintf("tap%d%c%d", ep.Node, kindLetter(ep.Interface.Kind), ep.Interface.Index)
}

// NodeBridge is the bridge a node interface's tap is attached to. The
// management node maps to the shared management switch.
func NodeBridge(prefix string, ep model.Endpoint) string {
	if ep.Node == core.ManagementNode {
		return prefix + "mgmt"
	}
	return fmt.Sprintf("%s%d%c%d", prefix, ep.Node, kindLetter(ep.Interface.Kind), ep.Interface.Index)
}

// VethNames are the two ends of a connection's veth pair.
func VethNames(id uint64) (string, string) {
	return fmt.Sprintf("v%xa", id), fmt.Sprintf("v%xb", id)
}

// TunnelName is the gretap device of a cross-server connection.
func TunnelName(id uint64) string { return fmt.Sprintf("g%x", id) }
