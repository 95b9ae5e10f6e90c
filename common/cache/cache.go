// Package cache holds the rule bases a service host has installed, keyed
// by version and place. The rule handler writes; orchestrators read on
// every event, so lookups stay lock-cheap.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petrel-io/petrel/common/rulebase"
)

// RuleStore is the per-host registry of installed rule bases and the
// versions considered valid for incoming tokens.
type RuleStore struct {
	mu       sync.RWMutex
	bases    map[string]*rulebase.RuleBase // version|service|operation
	versions map[string]time.Time          // version -> installed at
}

// NewRuleStore creates an empty registry.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		bases:    make(map[string]*rulebase.RuleBase),
		versions: make(map[string]time.Time),
	}
}

func key(version, service, operation string) string {
	return fmt.Sprintf("%s|%s|%s", version, service, operation)
}

// Install registers a rule base and marks its version valid. Reinstalling
// the same place replaces the previous rule set; the parser only re-runs
// when the deployer actually pushes a new payload.
func (s *RuleStore) Install(rb *rulebase.RuleBase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bases[key(rb.Version, rb.Service, rb.Operation)] = rb
	if _, ok := s.versions[rb.Version]; !ok {
		s.versions[rb.Version] = time.Now()
	}
}

// Get returns the installed rule base for a place at a version.
func (s *RuleStore) Get(version, service, operation string) (*rulebase.RuleBase, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.bases[key(version, service, operation)]
	return rb, ok
}

// VersionValid reports whether tokens of this rule-base version are
// accepted by the host.
func (s *RuleStore) VersionValid(version string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.versions[version]
	return ok
}

// Versions lists the registered versions in sorted order.
func (s *RuleStore) Versions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.versions))
	for v := range s.versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// DropVersion forgets a version and all its rule bases.
func (s *RuleStore) DropVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, version)
	for k, rb := range s.bases {
		if rb.Version == version {
			delete(s.bases, k)
		}
	}
}

// Size returns the number of installed rule bases.
func (s *RuleStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bases)
}
