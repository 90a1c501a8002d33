// Package mobility supplies the per-step distance matrices that drive the
// step engine. Every provider implements core.DistanceProvider.
package mobility

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/mesh-emulator/core"
)

// PairDistance is one entry of a static or replayed matrix. A negative
// distance means unlimited.
type PairDistance struct {
	A        int     `yaml:"a"`
	B        int     `yaml:"b"`
	Distance float64 `yaml:"distance"`
}

func matrixOf(pairs []PairDistance) (core.DistanceMatrix, error) {
	m := core.NewDistanceMatrix()
	for _, p := range pairs {
		if p.A == p.B {
			return nil, fmt.Errorf("pair %d-%d: a node has no distance to itself", p.A, p.B)
		}
		m.Set(p.A, p.B, p.Distance)
	}
	return m, nil
}

// Static returns the same matrix on every step.
type Static struct {
	m core.DistanceMatrix
}

// NewStatic builds a static provider from pairs.
func NewStatic(pairs []PairDistance) (*Static, error) {
	m, err := matrixOf(pairs)
	if err != nil {
		return nil, err
	}
	return &Static{m: m}, nil
}

func (s *Static) Distances(ctx context.Context, _ int) (core.DistanceMatrix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.m.Clone(), nil
}

// ReplayFile is the on-disk form of a replay: one matrix per step.
type ReplayFile struct {
	Steps [][]PairDistance `yaml:"steps"`
}

// Replay plays back recorded matrices. Steps past the end repeat the last
// matrix.
type Replay struct {
	steps []core.DistanceMatrix
}

// NewReplay builds a replay provider from in-memory steps.
func NewReplay(steps [][]PairDistance) (*Replay, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("replay has no steps")
	}
	r := &Replay{steps: make([]core.DistanceMatrix, len(steps))}
	for i, pairs := range steps {
		m, err := matrixOf(pairs)
		if err != nil {
			return nil, fmt.Errorf("replay step %d: %w", i, err)
		}
		r.steps[i] = m
	}
	return r, nil
}

// LoadReplay reads a YAML replay file.
func LoadReplay(path string) (*Replay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay: %w", err)
	}
	var f ReplayFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse replay %s: %w", path, err)
	}
	return NewReplay(f.Steps)
}

// Len is the number of recorded steps.
func (r *Replay) Len() int { return len(r.steps) }

func (r *Replay) Distances(ctx context.Context, step int) (core.DistanceMatrix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step < 0 {
		return nil, fmt.Errorf("negative step %d", step)
	}
	if step >= len(r.steps) {
		step = len(r.steps) - 1
	}
	return r.steps[step].Clone(), nil
}
