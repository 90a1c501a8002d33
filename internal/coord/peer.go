package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/mesh-emulator/core"
	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/scheduler"
)

// ErrReset is returned by Peer operations when the coordinator publishes
// the reset token. The caller tears down and registers again.
var ErrReset = errors.New("coordinator reset the scenario")

// ErrScenarioRejected is returned when the coordinator cannot schedule the
// cluster.
var ErrScenarioRejected = errors.New("scenario rejected by coordinator")

// StepFunc applies one tick on the peer.
type StepFunc func(ctx context.Context, step int, m core.DistanceMatrix) error

// SetupFunc prepares the local emulation once the peer knows its nodes.
type SetupFunc func(ctx context.Context, cfg ScenarioConfig) (StepFunc, error)

// PeerConfig is what a peer announces during EXCHANGE.
type PeerConfig struct {
	TunnelAddress string
	Score         scheduler.Score
}

// Peer drives one emulation server through the protocol.
type Peer struct {
	cfg   PeerConfig
	req   RequestTransport
	sub   Subscriber
	codec Codec
	bc    BroadcastCodec
	log   logging.Logger

	serverID int
	pending  [][]byte
	last     core.DistanceMatrix
}

// PeerOption customises a Peer.
type PeerOption func(*Peer)

// WithPeerLogger attaches a structured logger.
func WithPeerLogger(l logging.Logger) PeerOption {
	return func(p *Peer) {
		if l != nil {
			p.log = l
		}
	}
}

// WithPeerCodec overrides the JSON payload codec. It must match the
// coordinator's.
func WithPeerCodec(c Codec) PeerOption {
	return func(p *Peer) {
		if c != nil {
			p.codec = c
		}
	}
}

// NewPeer wires a peer. sub carries reset in both modes and the tick
// matrices in broadcast mode; without it a push-mode peer misses resets.
func NewPeer(cfg PeerConfig, req RequestTransport, sub Subscriber, opts ...PeerOption) (*Peer, error) {
	if req == nil {
		return nil, errors.New("peer requires a request transport")
	}
	p := &Peer{cfg: cfg, req: req, sub: sub, codec: JSONCodec{}, log: logging.Noop()}
	for _, opt := range opts {
		opt(p)
	}
	p.bc = BroadcastCodec{Codec: p.codec}
	return p, nil
}

// ServerID returns the ID assigned at registration, zero before.
func (p *Peer) ServerID() int { return p.serverID }

// Run performs the whole protocol: register, exchange, setup, start and
// the step loop.
func (p *Peer) Run(ctx context.Context, setup SetupFunc) error {
	if _, err := p.Register(ctx); err != nil {
		return err
	}
	cfg, err := p.Exchange(ctx)
	if err != nil {
		return err
	}
	fn, err := setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("set up server %d: %w", p.serverID, err)
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Steps(ctx, cfg.Mode, fn)
}

// Register asks the coordinator for a server ID.
func (p *Peer) Register(ctx context.Context) (int, error) {
	var r RegisterReply
	if err := p.call(ctx, StateRegister, nil, &r); err != nil {
		return 0, err
	}
	p.serverID = r.ServerID
	p.log = p.log.With(logging.Int("server_id", r.ServerID))
	p.log.Info(ctx, "registered with coordinator")
	return r.ServerID, nil
}

// Exchange reports the tunnel address and capacity score and receives the
// scenario slice for this server.
func (p *Peer) Exchange(ctx context.Context) (ScenarioConfig, error) {
	var cfg ScenarioConfig
	req := ExchangeRequest{TunnelAddress: p.cfg.TunnelAddress, Score: p.cfg.Score}
	if err := p.call(ctx, StateExchange, req, &cfg); err != nil {
		return ScenarioConfig{}, err
	}
	if cfg.Error != "" {
		return cfg, fmt.Errorf("%w: %s", ErrScenarioRejected, cfg.Error)
	}
	p.log.Info(ctx, "scenario received",
		logging.String("scenario", cfg.Scenario),
		logging.Int("nodes", len(cfg.Nodes)),
		logging.String("mode", string(cfg.Mode)),
	)
	return cfg, nil
}

// Start waits at the start barrier.
func (p *Peer) Start(ctx context.Context) error {
	var ack StepRequest
	return p.call(ctx, StateStart, nil, &ack)
}

// Steps runs the tick loop until the coordinator reports the scenario
// done.
func (p *Peer) Steps(ctx context.Context, mode Mode, fn StepFunc) error {
	if mode == ModeBroadcast {
		return p.broadcastSteps(ctx, fn)
	}
	for step := 0; ; step++ {
		var r StepReply
		if err := p.call(ctx, StateStep, StepRequest{Step: step}, &r); err != nil {
			return err
		}
		if r.Done {
			p.log.Info(ctx, "scenario complete", logging.Int("steps", step))
			return nil
		}
		if err := fn(ctx, r.Step, core.FromAdjacency(r.Adjacency)); err != nil {
			return p.fail(ctx, r.Step, err)
		}
	}
}

func (p *Peer) broadcastSteps(ctx context.Context, fn StepFunc) error {
	if p.sub == nil {
		return errors.New("broadcast mode requires a subscriber")
	}
	for {
		frame, err := p.nextBroadcast(ctx)
		if err != nil {
			return err
		}
		b, reset, err := p.bc.Decode(frame)
		if reset {
			return ErrReset
		}
		if err != nil {
			p.log.Warn(ctx, "ignoring broadcast", logging.Err(err))
			continue
		}
		m := p.last
		if !b.Unchanged || m == nil {
			m = core.FromAdjacency(b.Adjacency)
		}
		if err := fn(ctx, b.Step, m.Clone()); err != nil {
			return p.fail(ctx, b.Step, err)
		}
		p.last = m

		var r StepReply
		if err := p.call(ctx, StateStep, StepRequest{Step: b.Step}, &r); err != nil {
			return err
		}
		if r.Done {
			p.log.Info(ctx, "scenario complete", logging.Int("steps", r.Step))
			return nil
		}
	}
}

// failureNoticeTimeout bounds the report a failing peer sends before it
// leaves.
const failureNoticeTimeout = 2 * time.Second

// fail tells the coordinator that step could not be applied, so it resets
// the cluster, and returns the wrapped cause.
func (p *Peer) fail(ctx context.Context, step int, cause error) error {
	err := fmt.Errorf("apply step %d: %w", step, cause)
	p.log.Error(ctx, "tick failed, aborting scenario", logging.Err(err))

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureNoticeTimeout)
	defer cancel()
	var ack StepReply
	if nerr := p.call(nctx, StateStep, StepRequest{Step: step, Failed: err.Error()}, &ack); nerr != nil && !errors.Is(nerr, ErrReset) {
		p.log.Warn(ctx, "could not report failure to coordinator", logging.Err(nerr))
	}
	return err
}

// call sends one request and decodes the first reply argument into out.
func (p *Peer) call(ctx context.Context, state State, payload any, out any) error {
	m := Message{State: state, ServerID: p.serverID}
	if payload != nil {
		arg, err := p.codec.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", state, err)
		}
		m.Args = [][]byte{arg}
	}
	reply, err := p.request(ctx, m)
	if err != nil {
		return err
	}
	if reply.State != state {
		return fmt.Errorf("%s request answered with %q", state, reply.State)
	}
	if out == nil || len(reply.Args) == 0 {
		return nil
	}
	if err := p.codec.Unmarshal(reply.Args[0], out); err != nil {
		return fmt.Errorf("decode %s reply: %w", state, err)
	}
	return nil
}

// request drains the subscriber, then waits for the reply while still
// watching the broadcast channel for reset.
func (p *Peer) request(ctx context.Context, m Message) (Message, error) {
	if err := p.drain(); err != nil {
		return Message{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		m   Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := p.req.Request(ctx, m)
		done <- result{r, err}
	}()

	frames := p.frames()
	for {
		select {
		case r := <-done:
			return r.m, r.err
		case frame := <-frames:
			if IsReset(frame) {
				cancel()
				<-done
				p.pending = nil
				return Message{}, ErrReset
			}
			p.pending = append(p.pending, frame)
		}
	}
}

func (p *Peer) frames() <-chan []byte {
	if p.sub == nil {
		return nil
	}
	return p.sub.C()
}

// drain moves queued broadcasts to pending and reports a queued reset.
func (p *Peer) drain() error {
	frames := p.frames()
	for {
		select {
		case frame := <-frames:
			if IsReset(frame) {
				p.pending = nil
				return ErrReset
			}
			p.pending = append(p.pending, frame)
		default:
			return nil
		}
	}
}

func (p *Peer) nextBroadcast(ctx context.Context) ([]byte, error) {
	if len(p.pending) > 0 {
		frame := p.pending[0]
		p.pending = p.pending[1:]
		return frame, nil
	}
	return p.sub.Next(ctx)
}
