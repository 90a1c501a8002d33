package mobility

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/mesh-emulator/core"
)

// TLE is a two-line element set.
type TLE struct {
	Line1 string
	Line2 string
}

func (t TLE) check() error {
	l1, l2 := strings.TrimSpace(t.Line1), strings.TrimSpace(t.Line2)
	if len(l1) < 69 || !strings.HasPrefix(l1, "1 ") {
		return fmt.Errorf("line 1 is not a TLE line")
	}
	if len(l2) < 69 || !strings.HasPrefix(l2, "2 ") {
		return fmt.Errorf("line 2 is not a TLE line")
	}
	return nil
}

// Orbital propagates one TLE per node with SGP4 and reports straight-line
// distances in kilometres. Step s is evaluated at start + s*stepLength.
type Orbital struct {
	nodes      []int
	sats       map[int]satellite.Satellite
	start      time.Time
	stepLength time.Duration
}

// NewOrbital builds an orbital provider. Every node needs a TLE.
func NewOrbital(tles map[int]TLE, start time.Time, stepLength time.Duration) (*Orbital, error) {
	if len(tles) < 2 {
		return nil, fmt.Errorf("orbital mobility needs at least two nodes, got %d", len(tles))
	}
	if stepLength <= 0 {
		return nil, fmt.Errorf("orbital step length must be positive, got %s", stepLength)
	}
	o := &Orbital{
		sats:       make(map[int]satellite.Satellite, len(tles)),
		start:      start.UTC(),
		stepLength: stepLength,
	}
	for node, tle := range tles {
		if err := tle.check(); err != nil {
			return nil, fmt.Errorf("node %d: %w", node, err)
		}
		o.sats[node] = satellite.TLEToSat(strings.TrimSpace(tle.Line1), strings.TrimSpace(tle.Line2), satellite.GravityWGS72)
		o.nodes = append(o.nodes, node)
	}
	sort.Ints(o.nodes)
	return o, nil
}

// At returns the time step is evaluated at.
func (o *Orbital) At(step int) time.Time {
	return o.start.Add(time.Duration(step) * o.stepLength)
}

func (o *Orbital) position(node int, at time.Time) satellite.Vector3 {
	year, month, day := at.Date()
	hour, min, sec := at.Clock()
	pos, _ := satellite.Propagate(o.sats[node], year, int(month), day, hour, min, sec)
	return pos
}

func (o *Orbital) Distances(ctx context.Context, step int) (core.DistanceMatrix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	at := o.At(step)
	pos := make(map[int]satellite.Vector3, len(o.nodes))
	for _, n := range o.nodes {
		pos[n] = o.position(n, at)
	}
	m := core.NewDistanceMatrix()
	for i, a := range o.nodes {
		for _, b := range o.nodes[i+1:] {
			pa, pb := pos[a], pos[b]
			d := math.Sqrt(sq(pa.X-pb.X) + sq(pa.Y-pb.Y) + sq(pa.Z-pb.Z))
			m.Set(a, b, d)
		}
	}
	return m, nil
}

func sq(v float64) float64 { return v * v }
