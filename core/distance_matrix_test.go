package core

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDistanceMatrixNormalizesPairs(t *testing.T) {
	m := NewDistanceMatrix()
	m.Set(5, 2, 10)
	if got := m.Get(2, 5); got != 10 {
		t.Fatalf("Get(2,5) = %v, want 10", got)
	}
	if _, ok := m[Pair{X: 2, Y: 5}]; !ok {
		t.Fatalf("expected normalized key (2,5), got %v", m)
	}
	m.Set(3, 3, 1)
	if m.Len() != 1 {
		t.Fatalf("self pair stored: %v", m)
	}
	if got := m.Get(1, 9); got != Unlimited {
		t.Fatalf("absent pair = %v, want Unlimited", got)
	}
}

func TestDistanceMatrixDiff(t *testing.T) {
	prev := NewDistanceMatrix()
	prev.Set(1, 2, 5)
	prev.Set(1, 3, 7)
	prev.Set(2, 3, 9)

	next := NewDistanceMatrix()
	next.Set(1, 2, 5)  // unchanged
	next.Set(1, 3, 40) // moved
	next.Set(3, 4, 1)  // new

	d := prev.Diff(next)
	if d.Len() != 3 {
		t.Fatalf("diff = %v, want 3 entries", d)
	}
	if _, ok := d[NewPair(1, 2)]; ok {
		t.Fatalf("unchanged pair reported: %v", d)
	}
	if got := d.Get(1, 3); got != 40 {
		t.Fatalf("moved pair = %v, want 40", got)
	}
	if got, ok := d[NewPair(2, 3)]; !ok || got != Unlimited {
		t.Fatalf("vanished pair = %v (present=%v), want Unlimited", got, ok)
	}
	if got := d.Get(3, 4); got != 1 {
		t.Fatalf("new pair = %v, want 1", got)
	}
}

func TestDistanceMatrixDiffIgnoresExplicitUnlimited(t *testing.T) {
	prev := NewDistanceMatrix()
	next := NewDistanceMatrix()
	next.SetUnlimited(1, 2)
	if d := prev.Diff(next); d.Len() != 0 {
		t.Fatalf("explicit Unlimited vs absent should not differ: %v", d)
	}
	if d := next.Diff(prev); d.Len() != 0 {
		t.Fatalf("absent vs explicit Unlimited should not differ: %v", d)
	}
}

func TestDistanceMatrixRestrict(t *testing.T) {
	m := NewDistanceMatrix()
	m.Set(1, 2, 1)
	m.Set(3, 4, 1)
	m.Set(2, 5, 1)
	r := m.Restrict(map[int]bool{2: true})
	if r.Len() != 2 {
		t.Fatalf("restrict = %v, want pairs (1,2) and (2,5)", r)
	}
	if _, ok := r[NewPair(3, 4)]; ok {
		t.Fatalf("unrelated pair kept: %v", r)
	}
}

func TestDistanceMatrixAdjacencyRoundTrip(t *testing.T) {
	m := NewDistanceMatrix()
	m.Set(1, 2, 3)
	m.Set(1, 4, 8)
	m.Set(2, 4, 2.5)
	adj := m.Adjacency()
	if len(adj[1]) != 2 || len(adj[2]) != 1 || len(adj[4]) != 0 {
		t.Fatalf("unexpected adjacency %v", adj)
	}
	back := FromAdjacency(adj)
	if back.Diff(m).Len() != 0 || back.Hash() != m.Hash() {
		t.Fatalf("round trip mismatch: %v vs %v", back, m)
	}
}

func TestDistanceMatrixHashStable(t *testing.T) {
	a := NewDistanceMatrix()
	b := NewDistanceMatrix()
	a.Set(1, 2, 3)
	a.Set(4, 5, 6)
	b.Set(5, 4, 6)
	b.Set(2, 1, 3)
	if a.Hash() != b.Hash() {
		t.Fatalf("equal matrices hash differently")
	}
	b.Set(1, 2, 3.5)
	if a.Hash() == b.Hash() {
		t.Fatalf("different matrices hash equal")
	}
}

// matrixFrom lays values over the pairs of nodes 1..6; -2 leaves a pair out.
func matrixFrom(values []int) DistanceMatrix {
	m := NewDistanceMatrix()
	i := 0
	for x := 1; x <= 6; x++ {
		for y := x + 1; y <= 6; y++ {
			if i >= len(values) {
				return m
			}
			if v := values[i]; v != -2 {
				m.Set(x, y, float64(v))
			}
			i++
		}
	}
	return m
}

func sameEffective(a, b DistanceMatrix) bool {
	for x := 1; x <= 6; x++ {
		for y := x + 1; y <= 6; y++ {
			if a.Get(x, y) != b.Get(x, y) {
				return false
			}
		}
	}
	return true
}

func TestDistanceMatrixProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	values := gen.SliceOfN(15, gen.IntRange(-2, 40))

	properties.Property("diff with itself is empty", prop.ForAll(
		func(a []int) bool {
			m := matrixFrom(a)
			return m.Diff(m.Clone()).Len() == 0
		},
		values,
	))

	properties.Property("merge of diff converges on target", prop.ForAll(
		func(a, b []int) bool {
			ma, mb := matrixFrom(a), matrixFrom(b)
			merged := ma.Clone()
			merged.Merge(ma.Diff(mb))
			return sameEffective(merged, mb)
		},
		values, values,
	))

	properties.Property("diff never reports an identical pair", prop.ForAll(
		func(a, b []int) bool {
			ma, mb := matrixFrom(a), matrixFrom(b)
			for p := range ma.Diff(mb) {
				if ma.Get(p.X, p.Y) == mb.Get(p.X, p.Y) {
					return false
				}
			}
			return true
		},
		values, values,
	))

	properties.Property("diff does not modify its inputs", prop.ForAll(
		func(a, b []int) bool {
			ma, mb := matrixFrom(a), matrixFrom(b)
			ha, hb := ma.Hash(), mb.Hash()
			_ = ma.Diff(mb)
			return ma.Hash() == ha && mb.Hash() == hb
		},
		values, values,
	))

	properties.TestingRun(t)
}
