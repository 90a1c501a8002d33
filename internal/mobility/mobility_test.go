package mobility

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/mesh-emulator/core"
)

func TestStaticRepeatsAndCopies(t *testing.T) {
	s, err := NewStatic([]PairDistance{{A: 2, B: 1, Distance: 10}, {A: 1, B: 3, Distance: -1}})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	m0, _ := s.Distances(context.Background(), 0)
	if m0.Get(1, 2) != 10 || m0.Get(1, 3) != core.Unlimited {
		t.Fatalf("matrix = %v", m0)
	}
	m0.Set(1, 2, 99)
	m5, _ := s.Distances(context.Background(), 5)
	if m5.Get(1, 2) != 10 {
		t.Fatalf("static matrix was aliased: %v", m5)
	}
	if _, err := NewStatic([]PairDistance{{A: 4, B: 4}}); err == nil {
		t.Fatalf("self pair should be rejected")
	}
}

func TestReplayLastStepRepeats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay.yaml")
	body := `steps:
  - - {a: 1, b: 2, distance: 5}
  - - {a: 1, b: 2, distance: 50}
    - {a: 2, b: 3, distance: 1}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := LoadReplay(path)
	if err != nil {
		t.Fatalf("LoadReplay: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d", r.Len())
	}
	ctx := context.Background()
	m0, _ := r.Distances(ctx, 0)
	if m0.Get(1, 2) != 5 || m0.Get(2, 3) != core.Unlimited {
		t.Fatalf("step 0 = %v", m0)
	}
	m9, _ := r.Distances(ctx, 9)
	if m9.Get(1, 2) != 50 || m9.Get(2, 3) != 1 {
		t.Fatalf("step 9 = %v", m9)
	}
	if _, err := r.Distances(ctx, -1); err == nil {
		t.Fatalf("negative step should fail")
	}
}

func TestReplayRejectsEmpty(t *testing.T) {
	if _, err := NewReplay(nil); err == nil {
		t.Fatalf("empty replay should fail")
	}
	if _, err := LoadReplay(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file should fail")
	}
}

func TestProviderHonoursCancel(t *testing.T) {
	s, _ := NewStatic(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Distances(ctx, 0); err == nil {
		t.Fatalf("cancelled context should fail")
	}
}

const (
	issLine1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issLine2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
	// Same orbit, 60 degrees further along.
	trailLine2 = "2 25544  51.6459 115.9059 0001817  61.3028  95.9198 15.49370953257760"
)

func TestOrbitalDistances(t *testing.T) {
	start := time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC)
	o, err := NewOrbital(map[int]TLE{
		1: {Line1: issLine1, Line2: issLine2},
		2: {Line1: issLine1, Line2: issLine2},
		3: {Line1: issLine1, Line2: trailLine2},
	}, start, time.Minute)
	if err != nil {
		t.Fatalf("NewOrbital: %v", err)
	}
	m, err := o.Distances(context.Background(), 0)
	if err != nil {
		t.Fatalf("Distances: %v", err)
	}
	if m.Len() != 3 {
		t.Fatalf("pairs = %d", m.Len())
	}
	if d := m.Get(1, 2); d > 0.001 {
		t.Fatalf("identical orbits should coincide, got %f km", d)
	}
	// Chord of a 60 degree arc on a ~6800 km orbit.
	if d := m.Get(1, 3); d < 5500 || d > 8000 {
		t.Fatalf("distance 1-3 = %f km", d)
	}
	if !o.At(10).Equal(start.Add(10 * time.Minute)) {
		t.Fatalf("At(10) = %s", o.At(10))
	}
}

func TestOrbitalRejectsBadInput(t *testing.T) {
	start := time.Now()
	good := TLE{Line1: issLine1, Line2: issLine2}
	cases := map[string]struct {
		tles map[int]TLE
		step time.Duration
	}{
		"one node":    {map[int]TLE{1: good}, time.Second},
		"no step":     {map[int]TLE{1: good, 2: good}, 0},
		"short line":  {map[int]TLE{1: good, 2: {Line1: "1 25544U", Line2: issLine2}}, time.Second},
		"swapped set": {map[int]TLE{1: good, 2: {Line1: issLine2, Line2: issLine1}}, time.Second},
	}
	for name, tc := range cases {
		if _, err := NewOrbital(tc.tles, start, tc.step); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
