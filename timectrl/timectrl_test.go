package timectrl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var start = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

type countingOverruns struct{ n atomic.Int64 }

func (c *countingOverruns) CountOverrun() { c.n.Add(1) }

func TestRunLoopMaxStepsAdvancesClock(t *testing.T) {
	loop := NewRunLoop(start, 5*time.Millisecond, Accelerated, WithMaxSteps(3))

	var steps []int
	err := loop.Run(context.Background(), func(_ context.Context, step int, now time.Time) error {
		steps = append(steps, step)
		if want := start.Add(time.Duration(step) * 5 * time.Millisecond); !now.Equal(want) {
			t.Fatalf("tick %d sim time = %v, want %v", step, now, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(steps) != 3 || steps[2] != 2 {
		t.Fatalf("steps = %v, want [0 1 2]", steps)
	}
	if loop.Step() != 3 {
		t.Fatalf("Step() = %d, want 3", loop.Step())
	}
	if got, want := loop.Now(), start.Add(10*time.Millisecond); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestRunLoopStopsOnTickError(t *testing.T) {
	boom := errors.New("boom")
	loop := NewRunLoop(start, time.Millisecond, Accelerated)
	calls := 0
	err := loop.Run(context.Background(), func(context.Context, int, time.Time) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want boom", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRunLoopCountsOverruns(t *testing.T) {
	overruns := &countingOverruns{}
	loop := NewRunLoop(start, 2*time.Millisecond, RealTime, WithMaxSteps(2), WithOverrunCounter(overruns))
	err := loop.Run(context.Background(), func(context.Context, int, time.Time) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := overruns.n.Load(); got != 2 {
		t.Fatalf("overruns = %d, want 2", got)
	}
}

func TestRunLoopTicksNeverOverlap(t *testing.T) {
	loop := NewRunLoop(start, time.Millisecond, RealTime, WithMaxSteps(10))
	var active, maxActive atomic.Int64
	err := loop.Run(context.Background(), func(context.Context, int, time.Time) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if maxActive.Load() != 1 {
		t.Fatalf("concurrent ticks observed: %d", maxActive.Load())
	}
}

func TestRunLoopStartStop(t *testing.T) {
	loop := NewRunLoop(start, time.Millisecond, RealTime)
	var once sync.Once
	started := make(chan struct{})
	if err := loop.Start(context.Background(), func(context.Context, int, time.Time) error {
		once.Do(func() { close(started) })
		return nil
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := loop.Start(context.Background(), nil); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start = %v, want ErrRunning", err)
	}
	<-started
	if err := loop.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-loop.Done():
	default:
		t.Fatalf("loop still running after Stop")
	}
}

func TestRunLoopStopTimesOut(t *testing.T) {
	loop := NewRunLoop(start, time.Millisecond, Accelerated)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	if err := loop.Start(context.Background(), func(context.Context, int, time.Time) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered
	if err := loop.Stop(5 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop = %v, want ErrStopTimeout", err)
	}
	close(release)
	if err := loop.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
