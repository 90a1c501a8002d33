package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/mesh-emulator/core"
	"github.com/signalsfoundry/mesh-emulator/internal/capacity"
	"github.com/signalsfoundry/mesh-emulator/internal/coord"
	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/internal/observability"
	"github.com/signalsfoundry/mesh-emulator/timectrl"
)

// Summary totals the step results of a run.
type Summary struct {
	Steps      int
	Skipped    int
	Created    int
	Up         int
	Down       int
	Reimpaired int
}

func (s *Summary) add(r core.StepResult) {
	s.Steps++
	if r.Skipped {
		s.Skipped++
	}
	s.Created += r.Created
	s.Up += r.Up
	s.Down += r.Down
	s.Reimpaired += r.Reimpaired
}

func (e *Env) loopMode() timectrl.Mode {
	if e.Config.Step.Mode == "realtime" {
		return timectrl.RealTime
	}
	return timectrl.Accelerated
}

// stepOnce applies m with the configured per-tick timeout.
func (e *Env) stepOnce(ctx context.Context, engine *core.StepEngine, m core.DistanceMatrix) (core.StepResult, error) {
	if t := e.Config.Step.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return engine.Step(ctx, m)
}

// RunLocal emulates every node on this server, pulling one matrix per tick
// from the provider until MaxSteps or cancellation.
func RunLocal(ctx context.Context, env *Env) (Summary, error) {
	if env.Provider == nil {
		return Summary{}, errors.New("local run needs a distance provider")
	}
	engine, err := env.Engine(env.Config.Topology(), 0)
	if err != nil {
		return Summary{}, err
	}
	ctx = logging.ContextWithRunID(ctx, env.RunID)
	log := env.Log

	loop := timectrl.NewRunLoop(time.Now().UTC(), env.Config.Step.Interval, env.loopMode(),
		timectrl.WithLogger(log),
		timectrl.WithOverrunCounter(env.Metrics),
		timectrl.WithMaxSteps(env.Config.Step.MaxSteps),
	)

	var sum Summary
	err = loop.Run(ctx, func(ctx context.Context, step int, _ time.Time) error {
		m, err := env.Provider.Distances(ctx, step)
		if err != nil {
			return fmt.Errorf("distances for step %d: %w", step, err)
		}
		res, err := env.stepOnce(ctx, engine, m)
		if err != nil {
			return err
		}
		sum.add(res)
		return nil
	})
	log.Info(ctx, "local run finished",
		logging.Int("steps", sum.Steps),
		logging.Int("skipped", sum.Skipped),
		logging.Int("created", sum.Created),
		logging.Int("up", sum.Up),
		logging.Int("down", sum.Down),
	)
	return sum, err
}

// CoordinatorConfig derives the coordinator settings from the scenario.
func (e *Env) CoordinatorConfig() coord.CoordinatorConfig {
	d := e.Config.Distributed
	cc := coord.CoordinatorConfig{
		Peers:          d.Peers,
		Scenario:       e.Config.Scenario.Name,
		RunID:          e.RunID,
		Nodes:          e.Config.NodeIDs(),
		Mode:           coord.Mode(d.Mode),
		Policy:         d.Policy,
		PerNodeMemory:  d.PerNodeMemory,
		PublishOnlyNew: d.PublishOnlyNew,
		Compress:       d.Compress,
		MaxSteps:       e.Config.Step.MaxSteps,
	}
	if e.loopMode() == timectrl.RealTime {
		cc.Interval = e.Config.Step.Interval
	}
	return cc
}

// RunCoordinator drives the cluster over the given transports. pub carries
// reset in both modes and is required in broadcast mode. health may be nil.
func RunCoordinator(ctx context.Context, env *Env, rep coord.ReplyTransport, pub coord.Publisher, health *coord.Health) error {
	if env.Provider == nil {
		return errors.New("coordinator needs a distance provider")
	}
	metrics, err := observability.NewCoordinatorCollector(env.Registry)
	if err != nil {
		return fmt.Errorf("coordinator metrics: %w", err)
	}
	c, err := coord.NewCoordinator(env.CoordinatorConfig(), rep, pub, env.Provider,
		coord.WithCoordinatorLogger(env.Log),
		coord.WithCoordinatorMetrics(metrics),
		coord.WithHealth(health),
		coord.WithCodec(env.Codec),
	)
	if err != nil {
		return err
	}
	return c.Run(logging.ContextWithRunID(ctx, env.RunID))
}

// PeerConfig is what this server announces during EXCHANGE. The score
// comes from the capacity probe.
func (e *Env) PeerConfig() (coord.PeerConfig, error) {
	score, err := capacity.Probe()
	if err != nil {
		return coord.PeerConfig{}, fmt.Errorf("probe capacity: %w", err)
	}
	return coord.PeerConfig{TunnelAddress: e.Config.Network.TunnelAddress, Score: score}, nil
}

// resetBackoff spaces re-registration after a coordinator reset.
const resetBackoff = 200 * time.Millisecond

// RunPeer takes part in a cluster run. A coordinator reset discards the
// engine and registers again; the ledger survives, so the next scenario
// reconciles against it on its first tick.
func RunPeer(ctx context.Context, env *Env, pc coord.PeerConfig, req coord.RequestTransport, sub coord.Subscriber) error {
	p, err := coord.NewPeer(pc, req, sub,
		coord.WithPeerLogger(env.Log),
		coord.WithPeerCodec(env.Codec),
	)
	if err != nil {
		return err
	}
	for {
		err := p.Run(ctx, env.setupPeer)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, coord.ErrReset):
			env.Log.Warn(ctx, "coordinator reset, registering again")
		default:
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resetBackoff):
		}
	}
}

// setupPeer builds a fresh engine for the slice the coordinator assigned.
func (e *Env) setupPeer(ctx context.Context, sc coord.ScenarioConfig) (coord.StepFunc, error) {
	topo := e.Config.Topology()
	topo.LocalServer = sc.ServerID
	topo.NodeServer = sc.NodeServer()
	topo.Tunnels = sc.Tunnels
	if sc.RunID != "" {
		e.RunID = sc.RunID
	}
	engine, err := e.Engine(topo, sc.ServerID)
	if err != nil {
		return nil, err
	}
	e.Log.Info(ctx, "peer engine ready",
		logging.Int("server_id", sc.ServerID),
		logging.Int("local_nodes", len(topo.LocalNodes())),
	)
	return func(ctx context.Context, _ int, m core.DistanceMatrix) error {
		_, err := e.stepOnce(ctx, engine, m)
		return err
	}, nil
}
