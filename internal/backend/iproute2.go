package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/signalsfoundry/mesh-emulator/internal/execx"
	"github.com/signalsfoundry/mesh-emulator/internal/logging"
)

// batchOps collects iproute2 commands during a tick and runs them as three
// batches on CommitTick: ip, then bridge, then tc.
type batchOps struct {
	runner execx.Runner

	mu     sync.Mutex
	ip     []string
	bridge []string
	tc     []string
}

func newBatchOps(r execx.Runner) *batchOps { return &batchOps{runner: r} }

func (o *batchOps) add(dst *[]string, format string, args ...any) error {
	o.mu.Lock()
	*dst = append(*dst, fmt.Sprintf(format, args...))
	o.mu.Unlock()
	return nil
}

func (o *batchOps) AddBridge(_ context.Context, name string) error {
	return o.add(&o.ip, "link add name %s type bridge", name)
}

func (o *batchOps) AddVeth(_ context.Context, name, peer string) error {
	return o.add(&o.ip, "link add name %s type veth peer name %s", name, peer)
}

func (o *batchOps) AddGretap(_ context.Context, name, local, remote string, key uint32) error {
	return o.add(&o.ip, "link add name %s type gretap local %s remote %s key %d", name, local, remote, key)
}

func (o *batchOps) SetMaster(_ context.Context, dev, bridge string) error {
	return o.add(&o.ip, "link set dev %s master %s", dev, bridge)
}

func (o *batchOps) SetIsolated(_ context.Context, dev string) error {
	return o.add(&o.bridge, "link set dev %s isolated on", dev)
}

func (o *batchOps) SetUp(_ context.Context, dev string, up bool) error {
	state := "down"
	if up {
		state = "up"
	}
	return o.add(&o.ip, "link set dev %s %s", dev, state)
}

func (o *batchOps) Impair(_ context.Context, dev string, n Netem) error {
	var b strings.Builder
	fmt.Fprintf(&b, "qdisc replace dev %s root handle 1: netem", dev)
	if n.DelayMs > 0 {
		fmt.Fprintf(&b, " delay %sms", num(n.DelayMs))
		if n.JitterMs > 0 {
			fmt.Fprintf(&b, " %sms", num(n.JitterMs))
		}
	}
	if n.LossPct > 0 {
		fmt.Fprintf(&b, " loss %s%%", num(n.LossPct))
	}
	if err := o.add(&o.tc, "%s", b.String()); err != nil {
		return err
	}
	if n.RateKbit > 0 {
		return o.add(&o.tc, "qdisc replace dev %s parent 1:1 handle 10: tbf rate %skbit burst 32kbit latency 400ms", dev, num(n.RateKbit))
	}
	return nil
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// CommitTick runs and clears the collected batches.
func (o *batchOps) CommitTick(ctx context.Context, _ int) error {
	o.mu.Lock()
	ip, bridge, tc := o.ip, o.bridge, o.tc
	o.ip, o.bridge, o.tc = nil, nil, nil
	o.mu.Unlock()

	for _, batch := range []struct {
		tool  string
		lines []string
	}{{"ip", ip}, {"bridge", bridge}, {"tc", tc}} {
		if len(batch.lines) == 0 {
			continue
		}
		stdin := strings.Join(batch.lines, "\n") + "\n"
		if err := o.runner.Run(ctx, stdin, batch.tool, "-batch", "-"); err != nil {
			return fmt.Errorf("%s batch of %d commands: %w", batch.tool, len(batch.lines), err)
		}
	}
	return nil
}

// dryRunner logs batches instead of executing them.
type dryRunner struct {
	log logging.Logger
}

func (d dryRunner) Run(ctx context.Context, stdin string, name string, args ...string) error {
	d.log.Info(ctx, "dry run",
		logging.String("command", strings.TrimSpace(name+" "+strings.Join(args, " "))),
		logging.Int("lines", strings.Count(stdin, "\n")),
		logging.String("input", stdin),
	)
	return nil
}
