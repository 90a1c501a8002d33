//go:build linux

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// netlinkOps talks to the kernel directly. Every call takes effect
// immediately, so it needs no tick commit.
type netlinkOps struct{}

func newNetlinkOps() (linkOps, error) { return netlinkOps{}, nil }

func byName(name string) (netlink.Link, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", errNoDevice, name)
		}
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	return l, nil
}

func addLink(l netlink.Link) error {
	err := netlink.LinkAdd(l)
	if errors.Is(err, unix.EEXIST) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("add %s %s: %w", l.Type(), l.Attrs().Name, err)
	}
	return nil
}

func (netlinkOps) AddBridge(_ context.Context, name string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	return addLink(&netlink.Bridge{LinkAttrs: la})
}

func (netlinkOps) AddVeth(_ context.Context, name, peer string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	return addLink(&netlink.Veth{LinkAttrs: la, PeerName: peer})
}

func (netlinkOps) AddGretap(_ context.Context, name, local, remote string, key uint32) error {
	lip, rip := net.ParseIP(local), net.ParseIP(remote)
	if lip == nil || rip == nil {
		return fmt.Errorf("gretap %s: bad endpoints %q -> %q", name, local, remote)
	}
	la := netlink.NewLinkAttrs()
	la.Name = name
	return addLink(&netlink.Gretap{LinkAttrs: la, Local: lip, Remote: rip, IKey: key, OKey: key})
}

func (netlinkOps) SetMaster(_ context.Context, dev, bridge string) error {
	d, err := byName(dev)
	if err != nil {
		return err
	}
	br, err := byName(bridge)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetMaster(d, br); err != nil {
		return fmt.Errorf("attach %s to %s: %w", dev, bridge, err)
	}
	return nil
}

func (netlinkOps) SetIsolated(_ context.Context, dev string) error {
	d, err := byName(dev)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetIsolated(d, true); err != nil {
		return fmt.Errorf("isolate %s: %w", dev, err)
	}
	return nil
}

func (netlinkOps) SetUp(_ context.Context, dev string, up bool) error {
	d, err := byName(dev)
	if err != nil {
		return err
	}
	if up {
		err = netlink.LinkSetUp(d)
	} else {
		err = netlink.LinkSetDown(d)
	}
	if err != nil {
		return fmt.Errorf("set %s up=%v: %w", dev, up, err)
	}
	return nil
}

// tbfBurst is the token bucket size in bytes.
const tbfBurst = 4096

func (netlinkOps) Impair(_ context.Context, dev string, n Netem) error {
	d, err := byName(dev)
	if err != nil {
		return err
	}
	idx := d.Attrs().Index
	netem := netlink.NewNetem(
		netlink.QdiscAttrs{LinkIndex: idx, Handle: netlink.MakeHandle(1, 0), Parent: netlink.HANDLE_ROOT},
		netlink.NetemQdiscAttrs{
			Latency: uint32(n.DelayMs * 1000),
			Jitter:  uint32(n.JitterMs * 1000),
			Loss:    float32(n.LossPct),
		},
	)
	if err := netlink.QdiscReplace(netem); err != nil {
		return fmt.Errorf("netem on %s: %w", dev, err)
	}
	if n.RateKbit <= 0 {
		return nil
	}
	rate := uint64(n.RateKbit * 1000 / 8)
	tbf := &netlink.Tbf{
		QdiscAttrs: netlink.QdiscAttrs{LinkIndex: idx, Handle: netlink.MakeHandle(10, 0), Parent: netlink.MakeHandle(1, 1)},
		Rate:       rate,
		Limit:      tbfBurst * 16,
		// Buffer is in scheduler ticks; modern kernels use one per
		// microsecond.
		Buffer: uint32(float64(tbfBurst) / float64(rate) * 1e6),
	}
	if err := netlink.QdiscReplace(tbf); err != nil {
		return fmt.Errorf("tbf on %s: %w", dev, err)
	}
	return nil
}
