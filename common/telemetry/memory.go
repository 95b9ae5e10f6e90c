package telemetry

import (
	"context"
	"sync"
)

// MemoryRecorder keeps rows in process. Tests and DB-less hosts use it in
// place of the Postgres writer.
type MemoryRecorder struct {
	mu          sync.Mutex
	transitions []Transition
	genealogy   []Genealogy
	joins       []JoinArrival
	timings     []Timing
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) RecordTransition(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
	return nil
}

func (m *MemoryRecorder) RecordGenealogy(_ context.Context, g Genealogy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.genealogy = append(m.genealogy, g)
	return nil
}

func (m *MemoryRecorder) RecordJoin(_ context.Context, j JoinArrival) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, j)
	return nil
}

func (m *MemoryRecorder) RecordTiming(_ context.Context, tm Timing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = append(m.timings, tm)
	return nil
}

// Transitions returns the firings matching kind and place; empty strings
// match everything.
func (m *MemoryRecorder) Transitions(kind, place string) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transition
	for _, t := range m.transitions {
		if (kind == "" || t.Kind == kind) && (place == "" || t.Place == place) {
			out = append(out, t)
		}
	}
	return out
}

// GenealogyOf returns the fork children recorded for a parent token.
func (m *MemoryRecorder) GenealogyOf(parent int64) []Genealogy {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Genealogy
	for _, g := range m.genealogy {
		if g.Parent == parent {
			out = append(out, g)
		}
	}
	return out
}

// Joins returns the arrivals recorded for a workflow base.
func (m *MemoryRecorder) Joins(base int64) []JoinArrival {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JoinArrival
	for _, j := range m.joins {
		if j.Base == base {
			out = append(out, j)
		}
	}
	return out
}

// Timings returns every timing row recorded so far.
func (m *MemoryRecorder) Timings() []Timing {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Timing, len(m.timings))
	copy(out, m.timings)
	return out
}
