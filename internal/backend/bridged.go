package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/signalsfoundry/mesh-emulator/core"
	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/model"
)

// Netem is the impairment applied to one connection port. Zero fields are
// left unset.
type Netem struct {
	DelayMs  float64
	JitterMs float64
	LossPct  float64
	RateKbit float64
}

// NetemFromSettings extracts the well-known impairment keys.
func NetemFromSettings(s model.Settings) Netem {
	return Netem{
		DelayMs:  s[model.SettingDelay],
		JitterMs: s[model.SettingJitter],
		LossPct:  s[model.SettingLoss],
		RateKbit: s[model.SettingBandwidth],
	}
}

// errNoDevice is returned by linkOps when a named device does not exist.
var errNoDevice = errors.New("no such device")

// linkOps is the host primitive set the bridged backend is built from.
type linkOps interface {
	AddBridge(ctx context.Context, name string) error
	AddVeth(ctx context.Context, name, peer string) error
	AddGretap(ctx context.Context, name, local, remote string, key uint32) error
	SetMaster(ctx context.Context, dev, bridge string) error
	SetIsolated(ctx context.Context, dev string) error
	SetUp(ctx context.Context, dev string, up bool) error
	Impair(ctx context.Context, dev string, n Netem) error
}

// Link is the handle the bridged backend threads through notifications.
type Link struct {
	// Ports are the host devices carrying the connection: both veth ends,
	// or the local end and the gretap tunnel.
	Ports []string
	// Bridges are the local node bridges the ports are attached to.
	Bridges []string
}

// Bridged implements core.Backend over linkOps.
type Bridged struct {
	ops    linkOps
	prefix string
	local  string
	log    logging.Logger

	mu      sync.Mutex
	bridges map[string]*bridgeInit
}

type bridgeInit struct {
	once sync.Once
	err  error
}

// NewBridged builds a bridged backend. local is this server's tunnel
// address and may be empty on single-server runs.
func NewBridged(ops linkOps, prefix, local string, log logging.Logger) *Bridged {
	if log == nil {
		log = logging.Noop()
	}
	return &Bridged{
		ops:     ops,
		prefix:  prefix,
		local:   local,
		log:     log.With(logging.String("component", "bridged-backend")),
		bridges: make(map[string]*bridgeInit),
	}
}

// CommitTick flushes batched commands when the host primitives batch.
func (b *Bridged) CommitTick(ctx context.Context, step int) error {
	if c, ok := b.ops.(core.TickCommitter); ok {
		return c.CommitTick(ctx, step)
	}
	return nil
}

func localEnds(ev core.LinkEvent) []model.Endpoint {
	var out []model.Endpoint
	for _, ep := range []model.Endpoint{ev.Left, ev.Right} {
		if ev.RemoteServer != 0 && ep.Node == ev.RemoteNode {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func (b *Bridged) link(ev core.LinkEvent) *Link {
	if l, ok := ev.Handle.(*Link); ok && l != nil {
		return l
	}
	l := &Link{}
	for _, ep := range localEnds(ev) {
		l.Bridges = append(l.Bridges, NodeBridge(b.prefix, ep))
	}
	if ev.RemoteServer != 0 {
		l.Ports = []string{TunnelName(ev.ConnectionID)}
	} else {
		a, z := VethNames(ev.ConnectionID)
		l.Ports = []string{a, z}
	}
	return l
}

// ensureNodeBridge creates the bridge of ep once and attaches its tap.
// Concurrent callers for the same bridge wait for the first one.
func (b *Bridged) ensureNodeBridge(ctx context.Context, ep model.Endpoint) error {
	name := NodeBridge(b.prefix, ep)
	b.mu.Lock()
	bi, ok := b.bridges[name]
	if !ok {
		bi = &bridgeInit{}
		b.bridges[name] = bi
	}
	b.mu.Unlock()
	bi.once.Do(func() { bi.err = b.createNodeBridge(ctx, name, ep) })
	return bi.err
}

func (b *Bridged) createNodeBridge(ctx context.Context, name string, ep model.Endpoint) error {
	if err := b.ops.AddBridge(ctx, name); err != nil {
		return err
	}
	if ep.Node != core.ManagementNode {
		if err := b.ops.SetMaster(ctx, TapName(ep), name); err != nil {
			if !errors.Is(err, errNoDevice) {
				return err
			}
			b.log.Warn(ctx, "node tap missing, bridge left empty",
				logging.String("tap", TapName(ep)),
				logging.String("bridge", name),
			)
		}
	}
	return b.ops.SetUp(ctx, name, true)
}

func (b *Bridged) BeforeLinkEstablished(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	l := b.link(ev)
	for _, ep := range localEnds(ev) {
		if err := b.ensureNodeBridge(ctx, ep); err != nil {
			return nil, err
		}
	}
	if ev.RemoteServer == 0 {
		if err := b.ops.AddVeth(ctx, l.Ports[0], l.Ports[1]); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (b *Bridged) AfterLinkEstablished(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	l := b.link(ev)
	if ev.RemoteServer != 0 {
		// The tunnel port is attached by ConnectionAcrossServers.
		return l, nil
	}
	for i, port := range l.Ports {
		if err := b.attach(ctx, port, l.Bridges[i]); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (b *Bridged) attach(ctx context.Context, port, bridge string) error {
	if err := b.ops.SetMaster(ctx, port, bridge); err != nil {
		return err
	}
	return b.ops.SetIsolated(ctx, port)
}

func (b *Bridged) ConnectionAcrossServers(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	if b.local == "" {
		return nil, fmt.Errorf("link %s crosses to server %d but no local tunnel address is configured", ev.Key, ev.RemoteServer)
	}
	if ev.RemoteAddress == "" {
		return nil, fmt.Errorf("link %s: server %d has no tunnel address", ev.Key, ev.RemoteServer)
	}
	l := b.link(ev)
	// Both servers derive the same key from the connection key.
	key := uint32(xxhash.Sum64String(ev.Key.String()))
	if err := b.ops.AddGretap(ctx, l.Ports[0], b.local, ev.RemoteAddress, key); err != nil {
		return nil, err
	}
	if err := b.attach(ctx, l.Ports[0], l.Bridges[0]); err != nil {
		return nil, err
	}
	return l, nil
}

func (b *Bridged) setPorts(ctx context.Context, ev core.LinkEvent, up bool) (core.Handle, error) {
	l := b.link(ev)
	for _, port := range l.Ports {
		if err := b.ops.SetUp(ctx, port, up); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (b *Bridged) LinkUp(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	return b.setPorts(ctx, ev, true)
}

func (b *Bridged) LinkDown(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	return b.setPorts(ctx, ev, false)
}

func (b *Bridged) BeforeImpair(_ context.Context, ev core.LinkEvent) (core.Handle, error) {
	return b.link(ev), nil
}

func (b *Bridged) AfterImpair(ctx context.Context, ev core.LinkEvent) (core.Handle, error) {
	l := b.link(ev)
	n := NetemFromSettings(ev.Settings)
	if n == (Netem{}) {
		return l, nil
	}
	for _, port := range l.Ports {
		if err := b.ops.Impair(ctx, port, n); err != nil {
			return nil, err
		}
	}
	return l, nil
}
