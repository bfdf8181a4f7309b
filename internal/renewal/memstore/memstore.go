// Package memstore provides an in-memory implementation of renewal.Store and
// renewal.FactSource.
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/coverwatch/internal/renewal"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

// Store holds renewal records and policy facts in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*renewal.Record // record ID -> record
	byPolicy map[string]string          // policy ID -> record ID
	policies map[string]*renewal.Policy
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records:  make(map[string]*renewal.Record),
		byPolicy: make(map[string]string),
		policies: make(map[string]*renewal.Policy),
	}
}

// Watch stores a copy of rec unless its policy is already watched.
func (s *Store) Watch(_ context.Context, rec *renewal.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPolicy[rec.PolicyID]; ok {
		return false, nil
	}
	s.records[rec.ID] = cloneRecord(rec)
	s.byPolicy[rec.PolicyID] = rec.ID
	return true, nil
}

// Get retrieves a record by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*renewal.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return cloneRecord(r), true, nil
}

// Due returns copies of the org's active records due at now, oldest first.
func (s *Store) Due(_ context.Context, orgID string, now time.Time) ([]*renewal.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*renewal.Record, 0)
	for _, r := range s.records {
		if r.OrgID == orgID && r.Status == renewal.StatusActive && !r.NextCheckAt.After(now) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextCheckAt.Equal(out[j].NextCheckAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextCheckAt.Before(out[j].NextCheckAt)
	})
	return out, nil
}

// Reschedule records a completed cycle.
func (s *Store) Reschedule(_ context.Context, id string, checkedAt, next time.Time, last stage.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return renewal.ErrNotFound
	}
	r.LastCheckedAt = &checkedAt
	r.NextCheckAt = next
	r.LastStage = last
	return nil
}

// SetStatus changes a record's lifecycle status.
func (s *Store) SetStatus(_ context.Context, id string, st renewal.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return renewal.ErrNotFound
	}
	r.Status = st
	return nil
}

// OrgIDs lists orgs with at least one record, sorted.
func (s *Store) OrgIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, r := range s.records {
		seen[r.OrgID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for org := range seen {
		out = append(out, org)
	}
	sort.Strings(out)
	return out, nil
}

// PutPolicy stores a copy of p as the current policy facts.
func (s *Store) PutPolicy(_ context.Context, p *renewal.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = clonePolicy(p)
	return nil
}

// PolicyFacts returns a copy of the stored policy.
func (s *Store) PolicyFacts(_ context.Context, policyID string) (*renewal.Policy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID]
	if !ok {
		return nil, false, nil
	}
	return clonePolicy(p), true, nil
}

func cloneRecord(r *renewal.Record) *renewal.Record {
	cp := *r
	if r.ExpirationDate != nil {
		t := *r.ExpirationDate
		cp.ExpirationDate = &t
	}
	if r.LastCheckedAt != nil {
		t := *r.LastCheckedAt
		cp.LastCheckedAt = &t
	}
	return &cp
}

func clonePolicy(p *renewal.Policy) *renewal.Policy {
	cp := *p
	cp.Limits = maps.Clone(p.Limits)
	if p.ExpirationDate != nil {
		t := *p.ExpirationDate
		cp.ExpirationDate = &t
	}
	if p.EffectiveDate != nil {
		t := *p.EffectiveDate
		cp.EffectiveDate = &t
	}
	return &cp
}
