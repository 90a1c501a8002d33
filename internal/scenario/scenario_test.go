package scenario

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/mesh-emulator/core"
	"github.com/signalsfoundry/mesh-emulator/internal/backend"
	"github.com/signalsfoundry/mesh-emulator/internal/config"
	"github.com/signalsfoundry/mesh-emulator/internal/coord"
	"github.com/signalsfoundry/mesh-emulator/ledger"
)

func mustParse(t *testing.T, doc string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func newEnv(t *testing.T, cfg config.Config, rec *backend.Recorder, opts ...Option) *Env {
	t.Helper()
	opts = append([]Option{WithBackend(rec), WithRegisterer(prometheus.NewRegistry())}, opts...)
	env, err := NewEnv(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	return env
}

const localDoc = `
scenario: {name: local, run_id: run-1}
nodes: {count: 3}
mobility:
  kind: static
  static:
    - {a: 1, b: 2, distance: 10}
    - {a: 2, b: 3, distance: 500}
step: {max_steps: 4}
`

func TestRunLocal(t *testing.T) {
	rec := &backend.Recorder{}
	env := newEnv(t, mustParse(t, localDoc), rec)
	if env.RunID != "run-1" {
		t.Fatalf("RunID = %q", env.RunID)
	}

	sum, err := RunLocal(context.Background(), env)
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
	if sum.Steps != 4 || sum.Skipped != 3 || sum.Created != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if rec.Count(core.NotifyLinkUp) != 1 || rec.Count(core.NotifyConnectionAcrossServers) != 0 {
		t.Fatalf("calls = %+v", rec.Calls())
	}
	if c := rec.Commits(); len(c) != 1 || c[0] != 0 {
		t.Fatalf("commits = %v", c)
	}
	ev := rec.Calls()[0].Event
	if ev.Descriptor.RunID != "run-1" || ev.Descriptor.Scenario != "local" {
		t.Fatalf("descriptor = %+v", ev.Descriptor)
	}
}

func TestRunLocalGeneratesRunID(t *testing.T) {
	cfg := mustParse(t, "scenario: {name: anon}\nnodes: {count: 2}\n")
	env := newEnv(t, cfg, &backend.Recorder{})
	if len(env.RunID) != 36 {
		t.Fatalf("RunID = %q, want a UUID", env.RunID)
	}
}

func TestSnapshotBootReconciles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	first := fmt.Sprintf(`
scenario: {name: boot}
nodes: {count: 2}
mobility: {kind: static, static: [{a: 1, b: 2, distance: 10}]}
step: {max_steps: 2}
storage: {path: %s}
`, path)
	env := newEnv(t, mustParse(t, first), &backend.Recorder{})
	if _, err := RunLocal(context.Background(), env); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Same ledger, nodes now out of range: the first tick tears the link down.
	second := fmt.Sprintf(`
scenario: {name: boot}
nodes: {count: 2}
step: {max_steps: 1}
storage: {path: %s}
`, path)
	rec := &backend.Recorder{}
	env = newEnv(t, mustParse(t, second), rec)
	sum, err := RunLocal(context.Background(), env)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Down != 1 || rec.Count(core.NotifyLinkDown) != 1 {
		t.Fatalf("summary = %+v calls = %+v", sum, rec.Calls())
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reset := fmt.Sprintf(`
scenario: {name: boot}
nodes: {count: 2}
step: {max_steps: 1}
storage: {path: %s, reset: true}
`, path)
	rec = &backend.Recorder{}
	env = newEnv(t, mustParse(t, reset), rec)
	recs, err := env.Ledger.All(ledger.Filter{})
	if err != nil || len(recs) != 0 {
		t.Fatalf("reset ledger still holds %d records (%v)", len(recs), err)
	}
	if _, err := RunLocal(context.Background(), env); err != nil {
		t.Fatalf("reset run: %v", err)
	}
	if len(rec.Calls()) != 0 {
		t.Fatalf("reset run issued %+v", rec.Calls())
	}
}

func TestNewProviderKinds(t *testing.T) {
	if _, err := NewProvider(config.MobilitySection{Kind: "replay"}); err == nil {
		t.Fatalf("replay without file should fail")
	}
	if _, err := NewProvider(config.MobilitySection{Kind: "teleport"}); err == nil {
		t.Fatalf("unknown kind should fail")
	}
	p, err := NewProvider(config.MobilitySection{Kind: "static", Static: []config.PairDistance{{A: 1, B: 2, Distance: 3}}})
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	m, _ := p.Distances(context.Background(), 0)
	if m.Get(1, 2) != 3 {
		t.Fatalf("static matrix = %v", m)
	}
}

const clusterDoc = `
scenario: {name: cluster, run_id: run-c}
nodes: {count: 4}
mobility:
  kind: static
  static:
    - {a: 1, b: 2, distance: 10}
    - {a: 2, b: 3, distance: 5}
    - {a: 3, b: 4, distance: 1}
step: {max_steps: 3}
distributed: {enabled: true, peers: 2, mode: %s}
`

func TestDistributedRun(t *testing.T) {
	for _, mode := range []string{"push", "broadcast"} {
		t.Run(mode, func(t *testing.T) {
			cfg := mustParse(t, fmt.Sprintf(clusterDoc, mode))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			hub := coord.NewMemoryHub()
			defer hub.Close()

			cenv := newEnv(t, cfg, &backend.Recorder{})
			recs := []*backend.Recorder{{}, {}}
			errs := make([]error, len(recs))
			var wg sync.WaitGroup
			for i, rec := range recs {
				penv := newEnv(t, cfg, rec, WithoutMobility())
				sub := hub.Subscriber()
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = RunPeer(ctx, penv, coord.PeerConfig{}, hub.RequestTransport(), sub)
				}(i)
			}

			if err := RunCoordinator(ctx, cenv, hub.ReplyTransport(), hub.Publisher(), nil); err != nil {
				t.Fatalf("RunCoordinator: %v", err)
			}
			wg.Wait()
			for i, err := range errs {
				if err != nil {
					t.Fatalf("peer %d: %v", i, err)
				}
			}

			total := 0
			for i, rec := range recs {
				if n := rec.Count(core.NotifyConnectionAcrossServers); n != 1 {
					t.Fatalf("peer %d crossed %d links, calls %+v", i, n, rec.Calls())
				}
				if n := rec.Count(core.NotifyBeforeLinkEstablished); n != 2 {
					t.Fatalf("peer %d established %d links", i, n)
				}
				for _, c := range rec.Calls() {
					if c.Event.Descriptor.RunID != "run-c" {
						t.Fatalf("descriptor = %+v", c.Event.Descriptor)
					}
				}
				total += rec.Count(core.NotifyLinkUp)
			}
			if total != 4 {
				t.Fatalf("link ups = %d, want 4", total)
			}
		})
	}
}
