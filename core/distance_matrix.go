package core

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Unlimited is the distance sentinel meaning "out of range / disconnected".
// Pairs missing from a DistanceMatrix carry this value implicitly.
const Unlimited = -1.0

// Pair is an unordered pair of logical node IDs, normalized so X < Y.
type Pair struct {
	X, Y int
}

// NewPair normalizes (a, b) into a Pair.
func NewPair(a, b int) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{X: a, Y: b}
}

// Contains reports whether node is one of the pair's endpoints.
func (p Pair) Contains(node int) bool { return p.X == node || p.Y == node }

// Other returns the opposite endpoint of node.
func (p Pair) Other(node int) int {
	if p.X == node {
		return p.Y
	}
	return p.X
}

// DistanceMatrix is a sparse snapshot of pairwise node distances for one tick.
//
// Once handed to Diff a matrix must be treated as immutable.
type DistanceMatrix map[Pair]float64

// NewDistanceMatrix returns an empty matrix.
func NewDistanceMatrix() DistanceMatrix { return make(DistanceMatrix) }

// Set records the distance between x and y. Negative distances are stored
// as Unlimited. Setting x == y is ignored.
func (m DistanceMatrix) Set(x, y int, distance float64) {
	if x == y {
		return
	}
	if distance < 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
		distance = Unlimited
	}
	m[NewPair(x, y)] = distance
}

// SetUnlimited marks x and y as out of range.
func (m DistanceMatrix) SetUnlimited(x, y int) {
	m.Set(x, y, Unlimited)
}

// Get returns the distance between x and y, or Unlimited when absent.
func (m DistanceMatrix) Get(x, y int) float64 {
	if d, ok := m[NewPair(x, y)]; ok {
		return d
	}
	return Unlimited
}

// Len returns the number of explicit entries.
func (m DistanceMatrix) Len() int { return len(m) }

// Pairs returns the explicit pairs in ascending order.
func (m DistanceMatrix) Pairs() []Pair {
	out := make([]Pair, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}

// Clone returns an independent copy.
func (m DistanceMatrix) Clone() DistanceMatrix {
	out := make(DistanceMatrix, len(m))
	for p, d := range m {
		out[p] = d
	}
	return out
}

// Diff returns, for every pair whose effective value differs between m and
// other, the value held by other. Pairs explicit only in m come back as
// Unlimited, unless m already stored Unlimited for them. Neither matrix is
// modified.
func (m DistanceMatrix) Diff(other DistanceMatrix) DistanceMatrix {
	out := make(DistanceMatrix)
	for p, d := range other {
		if m.Get(p.X, p.Y) != d {
			out[p] = d
		}
	}
	for p, d := range m {
		if _, ok := other[p]; ok {
			continue
		}
		if d != Unlimited {
			out[p] = Unlimited
		}
	}
	return out
}

// Merge copies every entry of other into m; other wins on collisions.
func (m DistanceMatrix) Merge(other DistanceMatrix) {
	for p, d := range other {
		m[p] = d
	}
}

// Restrict returns the entries that touch at least one node of the set.
func (m DistanceMatrix) Restrict(nodes map[int]bool) DistanceMatrix {
	out := make(DistanceMatrix)
	for p, d := range m {
		if nodes[p.X] || nodes[p.Y] {
			out[p] = d
		}
	}
	return out
}

// Neighbor is one adjacency entry of the compact wire form.
type Neighbor struct {
	Node     int     `json:"n" codec:"n"`
	Distance float64 `json:"d" codec:"d"`
}

// Adjacency converts the matrix into node -> [(neighbor, distance)] form.
// Each pair is listed once, under its lower node ID.
func (m DistanceMatrix) Adjacency() map[int][]Neighbor {
	out := make(map[int][]Neighbor)
	for _, p := range m.Pairs() {
		out[p.X] = append(out[p.X], Neighbor{Node: p.Y, Distance: m[p]})
	}
	return out
}

// FromAdjacency rebuilds a matrix from its adjacency form.
func FromAdjacency(adj map[int][]Neighbor) DistanceMatrix {
	m := NewDistanceMatrix()
	for node, neighbors := range adj {
		for _, n := range neighbors {
			m.Set(node, n.Node, n.Distance)
		}
	}
	return m
}

// Hash returns a stable digest of the matrix contents.
func (m DistanceMatrix) Hash() uint64 {
	h := xxhash.New()
	var buf [24]byte
	for _, p := range m.Pairs() {
		binary.LittleEndian.PutUint64(buf[0:8], uint64(p.X))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(p.Y))
		binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(m[p]))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
