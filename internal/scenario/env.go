// Package scenario assembles the collaborators of one emulation run from a
// loaded configuration and drives it locally or as part of a cluster.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/mesh-emulator/core"
	"github.com/signalsfoundry/mesh-emulator/internal/backend"
	"github.com/signalsfoundry/mesh-emulator/internal/config"
	"github.com/signalsfoundry/mesh-emulator/internal/coord"
	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/internal/mobility"
	"github.com/signalsfoundry/mesh-emulator/internal/observability"
	"github.com/signalsfoundry/mesh-emulator/ledger"
)

// Env is the dependency-injection context of one scenario. It is built
// once by NewEnv and shared by everything the run starts.
type Env struct {
	Config  config.Config
	RunID   string
	Log     logging.Logger
	Model   core.ImpairmentModel
	Backend core.Backend
	Ledger  *ledger.Ledger
	// Provider is nil for pure peers, which receive matrices from the
	// coordinator.
	Provider core.DistanceProvider
	Metrics  *observability.EngineCollector
	Registry prometheus.Registerer
	Codec    coord.Codec
}

type envOptions struct {
	log      logging.Logger
	backend  core.Backend
	provider core.DistanceProvider
	noMob    bool
	reg      prometheus.Registerer
	resolve  []backend.Option
}

// Option customises NewEnv.
type Option func(*envOptions)

// WithLogger sets the base logger.
func WithLogger(l logging.Logger) Option {
	return func(o *envOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithBackend replaces the configured backend.
func WithBackend(b core.Backend) Option {
	return func(o *envOptions) { o.backend = b }
}

// WithProvider replaces the configured mobility provider.
func WithProvider(p core.DistanceProvider) Option {
	return func(o *envOptions) { o.provider = p }
}

// WithoutMobility skips building a provider. Peers use it.
func WithoutMobility() Option {
	return func(o *envOptions) { o.noMob = true }
}

// WithRegisterer selects the Prometheus registerer for run metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *envOptions) { o.reg = r }
}

// WithBackendOptions forwards options to backend.Resolve.
func WithBackendOptions(opts ...backend.Option) Option {
	return func(o *envOptions) { o.resolve = append(o.resolve, opts...) }
}

// NewEnv builds every collaborator cfg describes. cfg must already be
// defaulted and validated. The caller closes the Env.
func NewEnv(ctx context.Context, cfg config.Config, opts ...Option) (*Env, error) {
	o := envOptions{log: logging.Noop()}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Scenario.RunID != "" {
		ctx = logging.ContextWithRunID(ctx, cfg.Scenario.RunID)
	}
	ctx, log := logging.WithRunLogger(ctx, o.log.With(logging.String("scenario", cfg.Scenario.Name)))
	runID := logging.RunIDFromContext(ctx)

	model, err := core.NewImpairmentModel(cfg.ImpairmentConfig())
	if err != nil {
		return nil, err
	}

	be := o.backend
	if be == nil {
		be, err = backend.Resolve(backend.Descriptor{
			Kind:          cfg.Network.Backend,
			Exec:          cfg.Network.Exec,
			BridgePrefix:  cfg.Network.BridgePrefix,
			TunnelAddress: cfg.Network.TunnelAddress,
			DryRun:        cfg.Network.DryRun,
		}, append([]backend.Option{backend.WithLogger(log)}, o.resolve...)...)
		if err != nil {
			return nil, fmt.Errorf("resolve backend: %w", err)
		}
	}

	provider := o.provider
	if provider == nil && !o.noMob {
		provider, err = NewProvider(cfg.Mobility)
		if err != nil {
			return nil, fmt.Errorf("mobility: %w", err)
		}
	}

	codec, err := coord.CodecByName(cfg.Distributed.Codec)
	if err != nil {
		return nil, err
	}

	metrics, err := observability.NewEngineCollector(o.reg)
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}

	l, err := OpenLedger(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	log.Info(ctx, "scenario environment ready",
		logging.String("impairment_model", model.Name()),
		logging.Int("max_connected_distance", model.MaxConnectedDistance()),
		logging.String("backend", cfg.Network.Backend),
		logging.String("mobility", cfg.Mobility.Kind),
		logging.Int("nodes", cfg.Nodes.Count),
	)
	return &Env{
		Config:   cfg,
		RunID:    runID,
		Log:      log,
		Model:    model,
		Backend:  be,
		Ledger:   l,
		Provider: provider,
		Metrics:  metrics,
		Registry: o.reg,
		Codec:    codec,
	}, nil
}

// Close releases the ledger.
func (e *Env) Close() error {
	if e == nil || e.Ledger == nil {
		return nil
	}
	return e.Ledger.Close()
}

// OpenLedger opens the ledger storage selects. An existing bolt file is
// reused so the first tick reconciles against its records, unless Reset
// asks for a clean slate.
func OpenLedger(ctx context.Context, s config.StorageSection, log logging.Logger) (*ledger.Ledger, error) {
	if s.Path == "" {
		return ledger.New(ledger.NewMemoryStore(), ledger.WithLogger(log)), nil
	}
	store, err := ledger.OpenBoltStore(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", s.Path, err)
	}
	l := ledger.New(store, ledger.WithLogger(log))
	existing, err := l.All(ledger.Filter{})
	if err != nil {
		return nil, errors.Join(err, l.Close())
	}
	if s.Reset {
		n, err := l.Reset()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("reset ledger: %w", err), l.Close())
		}
		log.Info(ctx, "ledger cleared", logging.String("path", s.Path), logging.Int("records", n))
		return l, nil
	}
	if len(existing) > 0 {
		log.Info(ctx, "reusing persisted ledger", logging.String("path", s.Path), logging.Int("records", len(existing)))
	}
	return l, nil
}

// NewProvider builds the distance provider m selects.
func NewProvider(m config.MobilitySection) (core.DistanceProvider, error) {
	switch m.Kind {
	case "static", "":
		return mobility.NewStatic(pairs(m.Static))
	case "replay":
		if m.ReplayFile == "" {
			return nil, errors.New("replay mobility needs replay_file")
		}
		return mobility.LoadReplay(m.ReplayFile)
	case "orbital":
		tles := make(map[int]mobility.TLE, len(m.TLEs))
		for node, t := range m.TLEs {
			tles[node] = mobility.TLE{Line1: t.Line1, Line2: t.Line2}
		}
		start := m.Start
		if start.IsZero() {
			start = time.Now().UTC()
		}
		return mobility.NewOrbital(tles, start, m.StepLength)
	default:
		return nil, fmt.Errorf("unknown mobility kind %q", m.Kind)
	}
}

func pairs(in []config.PairDistance) []mobility.PairDistance {
	out := make([]mobility.PairDistance, len(in))
	for i, p := range in {
		out[i] = mobility.PairDistance{A: p.A, B: p.B, Distance: p.Distance}
	}
	return out
}

// Engine builds a step engine over topo for server serverID.
func (e *Env) Engine(topo core.Topology, serverID int) (*core.StepEngine, error) {
	return core.NewStepEngine(core.StepEngineConfig{
		Topology: topo,
		Descriptor: core.ConnectionDescriptor{
			RunID:    e.RunID,
			Scenario: e.Config.Scenario.Name,
			ServerID: serverID,
		},
		Workers:    e.Config.Step.Workers,
		Sequential: e.Config.Step.Sequential,
	}, e.Ledger, e.Backend, e.Model,
		core.WithStepLogger(e.Log),
		core.WithStepMetrics(e.Metrics),
	)
}
