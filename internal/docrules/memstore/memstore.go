// Package memstore provides in-memory field rule and compliance summary
// stores. Suitable for dev/testing.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/coverwatch/internal/docrules"
)

type vendorKey struct{ org, vendor string }

// Store holds field rules and summaries in memory.
type Store struct {
	mu        sync.RWMutex
	rules     map[string][]docrules.FieldRule // org ID -> rules
	summaries map[vendorKey]*docrules.Summary
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		rules:     make(map[string][]docrules.FieldRule),
		summaries: make(map[vendorKey]*docrules.Summary),
	}
}

// SetFieldRules replaces the org's field rules.
func (s *Store) SetFieldRules(orgID string, rs []docrules.FieldRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[orgID] = slices.Clone(rs)
}

// FieldRules returns a copy of the org's field rules.
func (s *Store) FieldRules(_ context.Context, orgID string) ([]docrules.FieldRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rules[orgID]), nil
}

// PutSummary replaces the vendor's summary with a copy of sum.
func (s *Store) PutSummary(_ context.Context, sum *docrules.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sum
	cp.Failures = slices.Clone(sum.Failures)
	s.summaries[vendorKey{sum.OrgID, sum.VendorID}] = &cp
	return nil
}

// Summary returns a copy of the vendor's summary.
func (s *Store) Summary(_ context.Context, orgID, vendorID string) (*docrules.Summary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[vendorKey{orgID, vendorID}]
	if !ok {
		return nil, false, nil
	}
	cp := *sum
	cp.Failures = slices.Clone(sum.Failures)
	return &cp, true, nil
}
