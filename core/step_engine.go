package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/ledger"
	"github.com/signalsfoundry/mesh-emulator/model"
)

const tracerName = "github.com/signalsfoundry/mesh-emulator/core"

// ErrEngineAborted is returned by Step once a previous tick failed. A failed
// tick leaves no topology that is safe to keep driving.
var ErrEngineAborted = errors.New("step engine aborted")

// Notification names, used for metrics and errors.
const (
	NotifyBeforeLinkEstablished   = "before_link_established"
	NotifyAfterLinkEstablished    = "after_link_established"
	NotifyBeforeImpair            = "before_impair"
	NotifyAfterImpair             = "after_impair"
	NotifyLinkUp                  = "link_up"
	NotifyLinkDown                = "link_down"
	NotifyConnectionAcrossServers = "connection_across_servers"
	NotifyCommit                  = "commit"
)

// LinkState is the lifecycle state of one interface pairing.
type LinkState int

const (
	LinkUnknown LinkState = iota
	LinkDisconnected
	LinkConnectedInactive
	LinkConnectedActive
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnectedInactive:
		return "connected-inactive"
	case LinkConnectedActive:
		return "connected-active"
	default:
		return "unknown"
	}
}

// StepResult summarizes one processed tick.
type StepResult struct {
	Step       int
	Changed    int
	Skipped    bool
	Created    int
	Up         int
	Down       int
	Reimpaired int
	Duration   time.Duration
}

// StepEngineConfig carries the scenario-level inputs of a StepEngine.
type StepEngineConfig struct {
	Topology   Topology
	Descriptor ConnectionDescriptor
	// Workers bounds concurrent pair processing. Zero uses the CPU count;
	// set Sequential to force a single worker.
	Workers    int
	Sequential bool
}

// StepEngine turns successive distance matrices into link lifecycle
// notifications. It keeps only the previous matrix; every connection record
// lives in the Ledger.
//
// Step must not be called concurrently.
type StepEngine struct {
	topo       Topology
	descriptor ConnectionDescriptor
	workers    int

	ledger  *ledger.Ledger
	backend Backend
	model   ImpairmentModel

	log     logging.Logger
	metrics StepMetrics
	tracer  trace.Tracer

	hubs map[int]bool

	mu      sync.Mutex
	prev    DistanceMatrix
	step    int
	aborted error

	handles sync.Map // connection ID -> Handle
}

// StepEngineOption customises StepEngine construction.
type StepEngineOption func(*StepEngine)

// WithStepLogger attaches a structured logger.
func WithStepLogger(l logging.Logger) StepEngineOption {
	return func(e *StepEngine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithStepMetrics attaches a metrics recorder.
func WithStepMetrics(m StepMetrics) StepEngineOption {
	return func(e *StepEngine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer overrides the tracer used for tick spans.
func WithTracer(t trace.Tracer) StepEngineOption {
	return func(e *StepEngine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewStepEngine wires an engine for one scenario.
func NewStepEngine(cfg StepEngineConfig, l *ledger.Ledger, backend Backend, m ImpairmentModel, opts ...StepEngineOption) (*StepEngine, error) {
	if l == nil || backend == nil || m == nil {
		return nil, fmt.Errorf("step engine requires a ledger, a backend and an impairment model")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if cfg.Sequential {
		workers = 1
	}
	e := &StepEngine{
		topo:       cfg.Topology,
		descriptor: cfg.Descriptor,
		workers:    workers,
		ledger:     l,
		backend:    backend,
		model:      m,
		log:        logging.Noop(),
		metrics:    noopMetrics{},
		tracer:     otel.Tracer(tracerName),
		hubs:       make(map[int]bool),
		prev:       NewDistanceMatrix(),
	}
	for _, h := range cfg.Topology.Hubs {
		e.hubs[h] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CurrentStep returns the number of ticks processed so far.
func (e *StepEngine) CurrentStep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step
}

// Previous returns a copy of the last applied matrix.
func (e *StepEngine) Previous() DistanceMatrix {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prev.Clone()
}

// Reset forgets the previous matrix and the step counter. Ledger records
// survive; the next tick behaves like step 0 and reconciles against them.
func (e *StepEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prev = NewDistanceMatrix()
	e.step = 0
	e.aborted = nil
	e.handles.Range(func(k, _ any) bool {
		e.handles.Delete(k)
		return true
	})
}

// Step applies next. An empty change set after the first tick issues no
// backend calls at all.
func (e *StepEngine) Step(ctx context.Context, next DistanceMatrix) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.aborted != nil {
		return StepResult{}, fmt.Errorf("%w: %v", ErrEngineAborted, e.aborted)
	}
	if next == nil {
		next = NewDistanceMatrix()
	}

	start := time.Now()
	step := e.step
	res := StepResult{Step: step}

	delta := e.prev.Diff(next)
	if step == 0 {
		if err := e.addReconcilePairs(delta, next); err != nil {
			return res, err
		}
	}
	pairs := e.relevantPairs(delta)
	res.Changed = len(pairs)

	if len(pairs) == 0 && step > 0 {
		res.Skipped = true
		e.prev = next
		e.step++
		res.Duration = time.Since(start)
		e.metrics.ObserveTick(0, res.Duration.Seconds(), true)
		return res, nil
	}

	ctx, span := e.tracer.Start(ctx, "StepEngine.Step", trace.WithAttributes(
		attribute.Int("step", step),
		attribute.Int("changed_pairs", len(pairs)),
	))
	defer span.End()

	var counts tickCounts
	if step == 0 {
		if err := e.connectHubs(ctx, step, &counts); err != nil {
			return e.fail(span, res, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, p := range pairs {
		d := delta.Get(p.X, p.Y)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.processPair(gctx, step, p, d, &counts)
		})
	}
	if err := g.Wait(); err != nil {
		return e.fail(span, res, err)
	}

	if c, ok := e.backend.(TickCommitter); ok {
		if err := c.CommitTick(ctx, step); err != nil {
			return e.fail(span, res, &BackendNotificationError{Notification: NotifyCommit, Key: "tick", Step: step, Err: err})
		}
		e.metrics.CountNotification(NotifyCommit)
	}

	e.prev = next
	e.step++

	res.Created = int(counts.created.Load())
	res.Up = int(counts.up.Load())
	res.Down = int(counts.down.Load())
	res.Reimpaired = int(counts.reimpaired.Load())
	res.Duration = time.Since(start)
	e.metrics.ObserveTick(res.Changed, res.Duration.Seconds(), false)
	e.refreshConnectionGauge()

	e.log.Debug(ctx, "tick applied",
		logging.Int("step", step),
		logging.Int("changed", res.Changed),
		logging.Int("created", res.Created),
		logging.Int("up", res.Up),
		logging.Int("down", res.Down),
		logging.Int("reimpaired", res.Reimpaired),
	)
	return res, nil
}

func (e *StepEngine) fail(span trace.Span, res StepResult, err error) (StepResult, error) {
	e.aborted = err
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.log.Error(context.Background(), "tick aborted", logging.Int("step", res.Step), logging.Err(err))
	return res, err
}

// addReconcilePairs folds links the ledger still considers connected into
// the first tick's change set, so a snapshot boot tears down links that are
// no longer in range.
func (e *StepEngine) addReconcilePairs(delta, next DistanceMatrix) error {
	recs, err := e.ledger.All(ledger.Filter{
		Connected: ledger.Ptr(true),
		Kind:      ledger.Ptr(model.ConnectionUser),
	})
	if err != nil {
		return err
	}
	for _, r := range recs {
		p := NewPair(r.Key.NodeX, r.Key.NodeY)
		if _, ok := delta[p]; !ok {
			delta[p] = next.Get(p.X, p.Y)
		}
	}
	return nil
}

// relevantPairs returns the changed ordinary pairs with a local endpoint, in
// ascending order. Pairs involving a hub are handled by connectHubs.
func (e *StepEngine) relevantPairs(delta DistanceMatrix) []Pair {
	var out []Pair
	for _, p := range delta.Pairs() {
		if e.hubs[p.X] || e.hubs[p.Y] || p.X == ManagementNode {
			continue
		}
		if !e.topo.IsLocal(p.X) && !e.topo.IsLocal(p.Y) {
			continue
		}
		out = append(out, p)
	}
	return out
}

type tickCounts struct {
	created, up, down, reimpaired atomic.Int64
}

// connectHubs attaches every ordinary node to each hub and, when enabled,
// local nodes to the management switch. A hub link is handled on each
// server that hosts one of its ends. Hub distance is always zero.
func (e *StepEngine) connectHubs(ctx context.Context, step int, counts *tickCounts) error {
	_, settings := e.model.Decide(0)
	hubIface := model.Interface{Kind: model.InterfaceHub}
	mgmtIface := model.Interface{Kind: model.InterfaceManagement}
	nodes := append([]int(nil), e.topo.Nodes...)
	sort.Ints(nodes)
	for _, n := range nodes {
		if e.hubs[n] {
			continue
		}
		local := e.topo.IsLocal(n)
		for _, h := range e.topo.Hubs {
			if !local && !e.topo.IsLocal(h) {
				continue
			}
			key := model.NewConnectionKey(
				model.Endpoint{Node: h, Interface: hubIface},
				model.Endpoint{Node: n, Interface: hubIface},
			)
			if err := e.transition(ctx, step, key, model.ConnectionCentralHub, true, settings, 0, counts); err != nil {
				return err
			}
		}
		if local && e.topo.Management {
			key := model.NewConnectionKey(
				model.Endpoint{Node: ManagementNode, Interface: mgmtIface},
				model.Endpoint{Node: n, Interface: mgmtIface},
			)
			if err := e.transition(ctx, step, key, model.ConnectionManagement, true, nil, 0, counts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *StepEngine) processPair(ctx context.Context, step int, p Pair, distance float64, counts *tickCounts) error {
	connected, settings := e.model.Decide(distance)
	for _, ifs := range e.topo.matchInterfaces(p.X, p.Y) {
		key := model.NewConnectionKey(
			model.Endpoint{Node: p.X, Interface: ifs[0]},
			model.Endpoint{Node: p.Y, Interface: ifs[1]},
		)
		if err := e.transition(ctx, step, key, model.ConnectionUser, connected, settings, distance, counts); err != nil {
			return err
		}
	}
	return nil
}

// transition moves one interface pairing towards the desired state.
func (e *StepEngine) transition(ctx context.Context, step int, key model.ConnectionKey, kind model.ConnectionKind, want bool, settings model.Settings, distance float64, counts *tickCounts) error {
	rec, err := e.ledger.Get(key)
	if err != nil && !errors.Is(err, ledger.ErrUnknownConnection) {
		return err
	}
	if rec == nil {
		if !want {
			return nil
		}
		return e.establish(ctx, step, key, kind, settings, distance, counts)
	}

	if rec.Distance != distance {
		if err := e.ledger.SetDistance(rec.ID, distance); err != nil {
			return err
		}
	}
	ev := e.event(rec, settings, distance, step)

	switch {
	case want && !rec.Connected:
		if err := e.notify(ctx, NotifyLinkUp, e.backend.LinkUp, &ev); err != nil {
			return err
		}
		if err := e.ledger.SetConnected(rec.ID, true); err != nil {
			return err
		}
		counts.up.Add(1)
		if !settings.Equal(rec.Impairment) {
			return e.impair(ctx, rec.ID, &ev, counts)
		}
	case want && rec.Connected:
		if !settings.Equal(rec.Impairment) {
			return e.impair(ctx, rec.ID, &ev, counts)
		}
	case !want && rec.Connected:
		if err := e.notify(ctx, NotifyLinkDown, e.backend.LinkDown, &ev); err != nil {
			return err
		}
		if err := e.ledger.SetConnected(rec.ID, false); err != nil {
			return err
		}
		counts.down.Add(1)
	}
	return nil
}

func (e *StepEngine) establish(ctx context.Context, step int, key model.ConnectionKey, kind model.ConnectionKind, settings model.Settings, distance float64, counts *tickCounts) error {
	rec, err := e.ledger.Create(&model.Connection{
		Key:        key,
		Kind:       kind,
		StepAdded:  step,
		Connected:  true,
		Impairment: settings,
		Distance:   distance,
	})
	if err != nil {
		return err
	}
	ev := e.event(rec, model.MergeSettings(e.model.InitialSettings(), settings), distance, step)
	if err := e.notify(ctx, NotifyBeforeLinkEstablished, e.backend.BeforeLinkEstablished, &ev); err != nil {
		return err
	}
	if err := e.notify(ctx, NotifyAfterLinkEstablished, e.backend.AfterLinkEstablished, &ev); err != nil {
		return err
	}
	if ev.RemoteServer != 0 {
		if err := e.notify(ctx, NotifyConnectionAcrossServers, e.backend.ConnectionAcrossServers, &ev); err != nil {
			return err
		}
	}
	if err := e.notify(ctx, NotifyLinkUp, e.backend.LinkUp, &ev); err != nil {
		return err
	}
	if err := e.notify(ctx, NotifyBeforeImpair, e.backend.BeforeImpair, &ev); err != nil {
		return err
	}
	if err := e.notify(ctx, NotifyAfterImpair, e.backend.AfterImpair, &ev); err != nil {
		return err
	}
	counts.created.Add(1)
	return nil
}

func (e *StepEngine) impair(ctx context.Context, id uint64, ev *LinkEvent, counts *tickCounts) error {
	if err := e.notify(ctx, NotifyBeforeImpair, e.backend.BeforeImpair, ev); err != nil {
		return err
	}
	if err := e.notify(ctx, NotifyAfterImpair, e.backend.AfterImpair, ev); err != nil {
		return err
	}
	if err := e.ledger.SetImpairment(id, ev.Settings); err != nil {
		return err
	}
	counts.reimpaired.Add(1)
	return nil
}

func (e *StepEngine) event(rec *model.Connection, settings model.Settings, distance float64, step int) LinkEvent {
	ev := LinkEvent{
		ConnectionID: rec.ID,
		Key:          rec.Key,
		Kind:         rec.Kind,
		Left:         rec.Key.Left(),
		Right:        rec.Key.Right(),
		Settings:     settings,
		Distance:     distance,
		Step:         step,
		Descriptor:   e.descriptor,
	}
	if h, ok := e.handles.Load(rec.ID); ok {
		ev.Handle = h
	}
	// The management switch is local on every server, so its links never
	// resolve remote.
	ev.RemoteNode, ev.RemoteServer, ev.RemoteAddress = e.topo.remoteOf(rec.Key.NodeX, rec.Key.NodeY)
	return ev
}

func (e *StepEngine) notify(ctx context.Context, name string, fn func(context.Context, LinkEvent) (Handle, error), ev *LinkEvent) error {
	h, err := fn(ctx, *ev)
	e.metrics.CountNotification(name)
	if err != nil {
		return &BackendNotificationError{Notification: name, Key: ev.Key.String(), Step: ev.Step, Err: err}
	}
	if h != nil {
		ev.Handle = h
		e.handles.Store(ev.ConnectionID, h)
	}
	return nil
}

// LinkState reports the lifecycle state of key.
func (e *StepEngine) LinkState(key model.ConnectionKey) (LinkState, error) {
	rec, err := e.ledger.Get(key)
	if errors.Is(err, ledger.ErrUnknownConnection) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.step == 0 {
			return LinkUnknown, nil
		}
		return LinkDisconnected, nil
	}
	if err != nil {
		return LinkUnknown, err
	}
	if rec.Connected {
		return LinkConnectedActive, nil
	}
	return LinkConnectedInactive, nil
}

func (e *StepEngine) refreshConnectionGauge() {
	if _, ok := e.metrics.(noopMetrics); ok {
		return
	}
	recs, err := e.ledger.All(ledger.Filter{})
	if err != nil {
		return
	}
	active := 0
	for _, r := range recs {
		if r.Connected {
			active++
		}
	}
	e.metrics.SetConnections(active, len(recs)-active)
}
