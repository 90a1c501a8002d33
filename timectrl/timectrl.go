package timectrl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/mesh-emulator/internal/logging"
)

// ErrStopTimeout is returned by Stop when the current tick does not finish
// within the allowed time.
var ErrStopTimeout = errors.New("run loop did not stop in time")

// ErrRunning is returned when Start is called on a loop that is active.
var ErrRunning = errors.New("run loop already running")

// SimClock gives components read access to simulated time.
type SimClock interface {
	Now() time.Time
	Step() int
}

// Mode describes how the RunLoop paces ticks.
type Mode int

const (
	// RealTime waits for the interval between tick starts.
	RealTime Mode = iota
	// Accelerated runs the next tick as soon as the previous one returns.
	Accelerated
)

// TickFunc processes one tick. Returning an error stops the loop.
type TickFunc func(ctx context.Context, step int, simTime time.Time) error

// OverrunCounter is notified each time a tick outlasts the interval.
type OverrunCounter interface {
	CountOverrun()
}

var _ SimClock = (*RunLoop)(nil)

// RunLoop drives ticks from a single goroutine at a fixed interval. Ticks
// never overlap: when one takes longer than the interval a warning is
// logged and the next tick starts immediately.
type RunLoop struct {
	mu        sync.RWMutex
	StartTime time.Time
	Interval  time.Duration
	Mode      Mode
	// MaxSteps stops the loop after that many ticks. Zero runs until
	// cancelled.
	MaxSteps int

	log      logging.Logger
	overruns OverrunCounter

	currentTime time.Time
	step        int

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Option customises a RunLoop.
type Option func(*RunLoop)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(r *RunLoop) {
		if l != nil {
			r.log = l
		}
	}
}

// WithOverrunCounter attaches an overrun metric.
func WithOverrunCounter(c OverrunCounter) Option {
	return func(r *RunLoop) { r.overruns = c }
}

// WithMaxSteps bounds the number of ticks.
func WithMaxSteps(n int) Option {
	return func(r *RunLoop) { r.MaxSteps = n }
}

// NewRunLoop constructs a loop whose simulated clock starts at start.
func NewRunLoop(start time.Time, interval time.Duration, mode Mode, opts ...Option) *RunLoop {
	r := &RunLoop{
		StartTime:   start,
		Interval:    interval,
		Mode:        mode,
		currentTime: start,
		log:         logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the simulated time of the last started tick.
func (r *RunLoop) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTime
}

// Step returns the number of ticks started so far.
func (r *RunLoop) Step() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.step
}

// Run blocks, invoking fn once per tick until ctx is cancelled, MaxSteps is
// reached, or fn fails. Cancellation is not an error.
func (r *RunLoop) Run(ctx context.Context, fn TickFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		r.mu.Lock()
		if r.MaxSteps > 0 && r.step >= r.MaxSteps {
			r.mu.Unlock()
			return nil
		}
		step := r.step
		simTime := r.StartTime.Add(time.Duration(step) * r.Interval)
		r.currentTime = simTime
		r.step++
		r.mu.Unlock()

		began := time.Now()
		if err := fn(ctx, step, simTime); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			r.log.Error(ctx, "tick failed, stopping run loop", logging.Int("step", step), logging.Err(err))
			return err
		}
		if r.Mode == Accelerated {
			continue
		}

		elapsed := time.Since(began)
		if elapsed >= r.Interval {
			r.log.Warn(ctx, "tick overran interval",
				logging.Int("step", step),
				logging.String("elapsed", elapsed.String()),
				logging.String("interval", r.Interval.String()),
			)
			if r.overruns != nil {
				r.overruns.CountOverrun()
			}
			continue
		}

		timer := time.NewTimer(r.Interval - elapsed)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Start runs the loop in its own goroutine. Use Wait or Stop to collect the
// result.
func (r *RunLoop) Start(ctx context.Context, fn TickFunc) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		err := r.Run(ctx, fn)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(done)
	}()
	return nil
}

// Done is closed when a started loop exits.
func (r *RunLoop) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// Wait blocks until a started loop exits and returns its error.
func (r *RunLoop) Wait() error {
	done := r.Done()
	if done == nil {
		return nil
	}
	<-done
	return r.result()
}

// Stop cancels a started loop and waits up to timeout for the running tick
// to return.
func (r *RunLoop) Stop(timeout time.Duration) error {
	r.mu.RLock()
	cancel, done := r.cancel, r.done
	r.mu.RUnlock()
	if done == nil {
		return nil
	}
	cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return r.result()
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (r *RunLoop) result() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}
