package facts

import (
	"context"
	"sync"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Store answers pattern queries over asserted atoms. The deployer asserts
// topology facts (activeService, boundChannel, canonicalBinding, publishes)
// and hosts query them at runtime.
type Store interface {
	// Assert adds ground atoms. Asserting an atom that is already present
	// is a no-op, so redeploys stay idempotent.
	Assert(ctx context.Context, atoms ...Atom) error

	// Retract removes every atom matching the pattern and returns the
	// removed count.
	Retract(ctx context.Context, pattern Atom) (int, error)

	// Query returns all solutions of the pattern.
	Query(ctx context.Context, pattern Atom) (Result, error)

	Close() error
}

// MemoryStore is the in-process Store used by tests and single-host runs.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string][]Atom // functor/arity -> atoms in assertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]Atom)}
}

// Assert adds atoms, skipping exact duplicates.
func (s *MemoryStore) Assert(_ context.Context, atoms ...Atom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range atoms {
		key := a.Key()
		if containsAtom(s.keys[key], a) {
			continue
		}
		s.keys[key] = append(s.keys[key], a)
	}
	return nil
}

// Retract removes all atoms matching the pattern.
func (s *MemoryStore) Retract(_ context.Context, pattern Atom) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pattern.Key()
	kept := s.keys[key][:0]
	removed := 0
	for _, a := range s.keys[key] {
		if _, ok := Match(pattern, a); ok {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	if removed > 0 {
		s.keys[key] = kept
	}
	return removed, nil
}

// Query solves the pattern against the stored atoms of its functor/arity.
func (s *MemoryStore) Query(_ context.Context, pattern Atom) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Solve(pattern, s.keys[pattern.Key()]), nil
}

// Close releases nothing; it exists to satisfy Store.
func (s *MemoryStore) Close() error { return nil }

func containsAtom(fs []Atom, a Atom) bool {
	for _, f := range fs {
		if equalAtoms(f, a) {
			return true
		}
	}
	return false
}

func equalAtoms(a, b Atom) bool {
	if a.Functor != b.Functor || len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	return true
}
