package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mesh-emulator/core"
	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/scheduler"
)

const tracerName = "github.com/signalsfoundry/mesh-emulator/internal/coord"

// Phase is the coordinator's protocol state.
type Phase int

const (
	PhaseRegister Phase = iota
	PhaseExchange
	PhaseStart
	PhaseStep
)

func (p Phase) String() string {
	switch p {
	case PhaseRegister:
		return "REGISTER"
	case PhaseExchange:
		return "EXCHANGE"
	case PhaseStart:
		return "START"
	case PhaseStep:
		return "STEP"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Expects returns the request token accepted in p.
func (p Phase) Expects() State {
	switch p {
	case PhaseExchange:
		return StateExchange
	case PhaseStart:
		return StateStart
	case PhaseStep:
		return StateStep
	default:
		return StateRegister
	}
}

// ProtocolViolation describes a request that did not fit the current
// phase. Violations are logged and counted, never returned to callers.
type ProtocolViolation struct {
	Phase    Phase
	Got      State
	ServerID int
	Reason   string
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %s: %q from server %d: %s", v.Phase, v.Got, v.ServerID, v.Reason)
}

// PeerFailure is a peer's report that it could not apply a tick. It
// aborts the scenario on every server.
type PeerFailure struct {
	ServerID int
	Step     int
	Reason   string
}

func (f *PeerFailure) Error() string {
	return fmt.Sprintf("server %d failed step %d: %s", f.ServerID, f.Step, f.Reason)
}

// CoordinatorMetrics receives protocol measurements.
// observability.CoordinatorCollector implements it.
type CoordinatorMetrics interface {
	CountMessage(state string)
	CountViolation(state string)
	SetStep(step int)
	AddBroadcastBytes(n int)
}

type noopCoordMetrics struct{}

func (noopCoordMetrics) CountMessage(string)   {}
func (noopCoordMetrics) CountViolation(string) {}
func (noopCoordMetrics) SetStep(int)           {}
func (noopCoordMetrics) AddBroadcastBytes(int) {}

// CoordinatorConfig describes the cluster a Coordinator drives.
type CoordinatorConfig struct {
	Peers    int
	Scenario string
	RunID    string
	Nodes    []int
	Mode     Mode

	// Policy and PerNodeMemory select the node scheduler.
	Policy        string
	PerNodeMemory uint64

	// PublishOnlyNew broadcasts Unchanged instead of an identical matrix.
	PublishOnlyNew bool
	Compress       bool

	// MaxSteps ends the scenario after that many ticks; zero runs until
	// the context ends.
	MaxSteps int
	// Interval paces tick releases; zero releases as fast as peers ack.
	Interval time.Duration
}

type heldRequest struct {
	env      *Envelope
	serverID int
}

// Coordinator is the single authority on the cluster clock and topology.
// Run serves requests from one goroutine; Reset may be called from another.
type Coordinator struct {
	cfg      CoordinatorConfig
	rep      ReplyTransport
	pub      Publisher
	provider core.DistanceProvider
	codec    Codec
	bc       BroadcastCodec

	log     logging.Logger
	metrics CoordinatorMetrics
	tracer  trace.Tracer
	health  *Health

	mu         sync.Mutex
	phase      Phase
	held       []heldRequest
	tunnels    map[int]string
	nextID     int
	step       int
	assignment scheduler.Assignment
	lastHash   uint64
	published  bool
	lastTick   time.Time
	// resetCh is closed and replaced by every Reset, waking a tick that
	// is paced outside the lock.
	resetCh chan struct{}
}

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger attaches a structured logger.
func WithCoordinatorLogger(l logging.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCoordinatorMetrics attaches protocol metrics.
func WithCoordinatorMetrics(m CoordinatorMetrics) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHealth lets the coordinator drive a gRPC health service.
func WithHealth(h *Health) CoordinatorOption {
	return func(c *Coordinator) { c.health = h }
}

// WithCodec overrides the JSON payload codec.
func WithCodec(codec Codec) CoordinatorOption {
	return func(c *Coordinator) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// NewCoordinator validates cfg and wires the transports. pub may be nil in
// push mode, in which case peers never hear a reset.
func NewCoordinator(cfg CoordinatorConfig, rep ReplyTransport, pub Publisher, provider core.DistanceProvider, opts ...CoordinatorOption) (*Coordinator, error) {
	if cfg.Peers < 1 {
		return nil, fmt.Errorf("coordinator needs at least one peer, got %d", cfg.Peers)
	}
	if rep == nil || provider == nil {
		return nil, errors.New("coordinator requires a reply transport and a distance provider")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePush
	}
	if cfg.Mode != ModePush && cfg.Mode != ModeBroadcast {
		return nil, fmt.Errorf("unknown distribution mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeBroadcast && pub == nil {
		return nil, errors.New("broadcast mode requires a publisher")
	}
	c := &Coordinator{
		cfg:      cfg,
		rep:      rep,
		pub:      pub,
		provider: provider,
		codec:    JSONCodec{},
		log:      logging.Noop(),
		metrics:  noopCoordMetrics{},
		tracer:   otel.Tracer(tracerName),
		tunnels:  make(map[int]string),
		resetCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bc = BroadcastCodec{Codec: c.codec, Compress: cfg.Compress}
	c.log = c.log.With(logging.String("component", "coordinator"))
	return c, nil
}

// Phase returns the current protocol state.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Step returns the next tick to be released.
func (c *Coordinator) Step() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Assignment returns the node placement decided in EXCHANGE.
func (c *Coordinator) Assignment() scheduler.Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment
}

// Run serves the protocol until the scenario completes or ctx ends. Both
// a failure and the end of ctx publish reset, so every peer returns to
// REGISTER; only the failure is returned.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info(ctx, "coordinator waiting for peers",
		logging.Int("peers", c.cfg.Peers),
		logging.String("mode", string(c.cfg.Mode)),
	)
	for {
		env, err := c.rep.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.abort(ctx)
				return nil
			}
			if errors.Is(err, ErrMalformed) {
				continue
			}
			c.abort(ctx)
			return fmt.Errorf("receive: %w", err)
		}
		done, err := c.handle(ctx, env)
		if err != nil {
			if ctx.Err() != nil {
				c.abort(ctx)
				return nil
			}
			c.log.Error(ctx, "scenario aborted", logging.Err(err))
			c.abort(ctx)
			return err
		}
		if done {
			c.log.Info(ctx, "scenario complete", logging.Int("steps", c.Step()))
			return nil
		}
	}
}

// resetTimeout bounds the reset broadcast sent while aborting.
const resetTimeout = 2 * time.Second

// abort resets the cluster. The broadcast outlives a cancelled ctx.
func (c *Coordinator) abort(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()
	if err := c.Reset(ctx); err != nil {
		c.log.Warn(ctx, "reset after abort failed", logging.Err(err))
	}
}

// Reset drops every held request, publishes the reset token and returns to
// REGISTER.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.resetCh)
	c.resetCh = make(chan struct{})
	for _, h := range c.held {
		h.env.Drop()
	}
	c.held = nil
	c.phase = PhaseRegister
	c.tunnels = make(map[int]string)
	c.nextID = 0
	c.step = 0
	c.assignment = nil
	c.published = false
	c.lastTick = time.Time{}
	c.health.SetServing(false)
	c.metrics.SetStep(0)
	c.log.Warn(ctx, "coordinator reset")
	if c.pub == nil {
		return nil
	}
	return c.pub.Publish(ctx, []byte(ResetToken))
}

func (c *Coordinator) handle(ctx context.Context, env *Envelope) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := env.Message
	if v := c.check(m); v != nil {
		c.log.Warn(ctx, "dropping message", logging.Err(v))
		c.metrics.CountViolation(string(m.State))
		env.Drop()
		return false, nil
	}
	c.metrics.CountMessage(string(m.State))
	if f := c.failure(m); f != nil {
		if err := c.reply(heldRequest{env: env, serverID: m.ServerID}, StateStep, StepReply{Step: c.step, Aborted: true}); err != nil {
			c.log.Warn(ctx, "acknowledging peer failure", logging.Err(err))
		}
		return false, f
	}

	id := m.ServerID
	if c.phase == PhaseRegister {
		c.nextID++
		id = c.nextID
	}
	c.held = append(c.held, heldRequest{env: env, serverID: id})
	if len(c.held) < c.cfg.Peers {
		return false, nil
	}

	ctx, span := c.tracer.Start(ctx, "Coordinator."+c.phase.String(), trace.WithAttributes(
		attribute.Int("peers", len(c.held)),
		attribute.Int("step", c.step),
	))
	defer span.End()

	held := c.held
	c.held = nil
	var (
		done bool
		err  error
	)
	switch c.phase {
	case PhaseRegister:
		err = c.releaseRegister(held)
	case PhaseExchange:
		err = c.releaseExchange(ctx, held)
	case PhaseStart:
		err = c.releaseStart(ctx, held)
	default:
		done, err = c.releaseStep(ctx, held)
	}
	if err != nil {
		// Envelopes already answered ignore the drop.
		for _, h := range held {
			h.env.Drop()
		}
		if errors.Is(err, errTickAbandoned) {
			c.log.Info(ctx, "tick abandoned after reset")
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return done, err
}

// failure returns the failure a step request reports, if any.
func (c *Coordinator) failure(m Message) *PeerFailure {
	if c.phase != PhaseStep || m.State != StateStep {
		return nil
	}
	var req StepRequest
	if len(m.Args) == 0 || c.codec.Unmarshal(m.Args[0], &req) != nil || req.Failed == "" {
		return nil
	}
	return &PeerFailure{ServerID: m.ServerID, Step: req.Step, Reason: req.Failed}
}

// check validates m against the current phase.
func (c *Coordinator) check(m Message) *ProtocolViolation {
	violation := func(reason string) *ProtocolViolation {
		return &ProtocolViolation{Phase: c.phase, Got: m.State, ServerID: m.ServerID, Reason: reason}
	}
	if m.State != c.phase.Expects() {
		return violation(fmt.Sprintf("expected %q", c.phase.Expects()))
	}
	if c.phase == PhaseRegister {
		return nil
	}
	if m.ServerID < 1 || m.ServerID > c.nextID {
		return violation("unknown server id")
	}
	for _, h := range c.held {
		if h.serverID == m.ServerID {
			return violation("duplicate request in barrier")
		}
	}
	if c.phase == PhaseStep {
		var req StepRequest
		if len(m.Args) == 0 || c.codec.Unmarshal(m.Args[0], &req) != nil {
			return violation("missing step argument")
		}
		if req.Failed == "" && req.Step != c.step {
			return violation(fmt.Sprintf("step %d, cluster is at %d", req.Step, c.step))
		}
	}
	return nil
}

func (c *Coordinator) reply(h heldRequest, state State, payload any) error {
	arg, err := c.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s reply: %w", state, err)
	}
	if err := h.env.Reply(Message{State: state, ServerID: h.serverID, Args: [][]byte{arg}}); err != nil {
		return fmt.Errorf("reply %s to server %d: %w", state, h.serverID, err)
	}
	return nil
}

func (c *Coordinator) releaseRegister(held []heldRequest) error {
	for _, h := range held {
		if err := c.reply(h, StateRegister, RegisterReply{ServerID: h.serverID}); err != nil {
			return err
		}
	}
	c.phase = PhaseExchange
	c.log.Info(context.Background(), "all peers registered", logging.Int("peers", len(held)))
	return nil
}

func (c *Coordinator) releaseExchange(ctx context.Context, held []heldRequest) error {
	scores := make(map[scheduler.ServerID]scheduler.Score, len(held))
	for _, h := range held {
		var req ExchangeRequest
		if len(h.env.Message.Args) > 0 {
			if err := c.codec.Unmarshal(h.env.Message.Args[0], &req); err != nil {
				return fmt.Errorf("decode exchange from server %d: %w", h.serverID, err)
			}
		}
		scores[scheduler.ServerID(h.serverID)] = req.Score
		c.tunnels[h.serverID] = req.TunnelAddress
	}

	sched, err := scheduler.New(c.cfg.Policy, scores, c.cfg.PerNodeMemory)
	if err == nil {
		c.assignment, err = sched.Distribute(c.cfg.Nodes, c.cfg.Peers)
	}
	if err != nil {
		for _, h := range held {
			_ = c.reply(h, StateExchange, ScenarioConfig{Error: err.Error()})
		}
		return fmt.Errorf("schedule nodes: %w", err)
	}

	assignment := make(map[int][]int, len(c.assignment))
	for sid, nodes := range c.assignment {
		assignment[int(sid)] = nodes
	}
	tunnels := make(map[int]string, len(c.tunnels))
	for k, v := range c.tunnels {
		tunnels[k] = v
	}
	for _, h := range held {
		cfg := ScenarioConfig{
			Scenario:   c.cfg.Scenario,
			RunID:      c.cfg.RunID,
			ServerID:   h.serverID,
			Mode:       c.cfg.Mode,
			Nodes:      c.assignment.Nodes(scheduler.ServerID(h.serverID)),
			Assignment: assignment,
			Tunnels:    tunnels,
		}
		if err := c.reply(h, StateExchange, cfg); err != nil {
			return err
		}
	}
	c.phase = PhaseStart
	c.log.Info(ctx, "nodes scheduled", logging.String("assignment", c.assignment.Format()))
	return nil
}

func (c *Coordinator) releaseStart(ctx context.Context, held []heldRequest) error {
	for _, h := range held {
		if err := c.reply(h, StateStart, StepRequest{Step: 0}); err != nil {
			return err
		}
	}
	c.phase = PhaseStep
	c.health.SetServing(true)
	c.log.Info(ctx, "cluster started")
	if c.cfg.Mode == ModeBroadcast {
		return c.publishTick(ctx)
	}
	return nil
}

func (c *Coordinator) releaseStep(ctx context.Context, held []heldRequest) (bool, error) {
	if c.cfg.Mode == ModeBroadcast {
		// held are acknowledgements of the published tick.
		c.step++
		c.metrics.SetStep(c.step)
		done := c.finished()
		for _, h := range held {
			if err := c.reply(h, StateStep, StepReply{Step: c.step, Done: done}); err != nil {
				return false, err
			}
		}
		if done {
			return true, nil
		}
		return false, c.publishTick(ctx)
	}

	if c.finished() {
		for _, h := range held {
			if err := c.reply(h, StateStep, StepReply{Step: c.step, Done: true}); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	m, err := c.nextMatrix(ctx)
	if err != nil {
		return false, err
	}
	for _, h := range held {
		slice := m.Restrict(c.assignment.NodeSet(scheduler.ServerID(h.serverID)))
		if err := c.reply(h, StateStep, StepReply{Step: c.step, Adjacency: slice.Adjacency()}); err != nil {
			return false, err
		}
	}
	c.step++
	c.metrics.SetStep(c.step)
	return false, nil
}

func (c *Coordinator) finished() bool {
	return c.cfg.MaxSteps > 0 && c.step >= c.cfg.MaxSteps
}

// publishTick broadcasts the matrix of the current step.
func (c *Coordinator) publishTick(ctx context.Context) error {
	m, err := c.nextMatrix(ctx)
	if err != nil {
		return err
	}
	b := MatrixBroadcast{Step: c.step}
	hash := m.Hash()
	if c.cfg.PublishOnlyNew && c.published && hash == c.lastHash {
		b.Unchanged = true
	} else {
		b.Adjacency = m.Adjacency()
	}
	data, err := c.bc.Encode(b)
	if err != nil {
		return err
	}
	if err := c.pub.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish step %d: %w", c.step, err)
	}
	c.lastHash = hash
	c.published = true
	c.metrics.AddBroadcastBytes(len(data))
	c.log.Debug(ctx, "tick published",
		logging.Int("step", c.step),
		logging.Bool("unchanged", b.Unchanged),
		logging.Int("bytes", len(data)),
	)
	return nil
}

// nextMatrix paces the cluster and asks the provider for the current step.
func (c *Coordinator) nextMatrix(ctx context.Context) (core.DistanceMatrix, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	m, err := c.provider.Distances(ctx, c.step)
	if err != nil {
		return nil, fmt.Errorf("distances for step %d: %w", c.step, err)
	}
	return m, nil
}

func (c *Coordinator) pace(ctx context.Context) error {
	if c.cfg.Interval <= 0 {
		return nil
	}
	now := time.Now()
	if !c.lastTick.IsZero() {
		wait := c.cfg.Interval - now.Sub(c.lastTick)
		if wait < 0 {
			c.log.Warn(ctx, "cluster tick overran interval",
				logging.Int("step", c.step),
				logging.String("late", (-wait).String()),
			)
		} else {
			// c.mu is held by handle; Reset must not wait out the interval.
			reset := c.resetCh
			c.mu.Unlock()
			err := sleepCtx(ctx, reset, wait)
			c.mu.Lock()
			if err != nil {
				return err
			}
			now = time.Now()
		}
	}
	c.lastTick = now
	return nil
}

// errTickAbandoned ends a release that a concurrent Reset overtook.
var errTickAbandoned = errors.New("tick abandoned by reset")

func sleepCtx(ctx context.Context, reset <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-reset:
		return errTickAbandoned
	case <-timer.C:
		return nil
	}
}
