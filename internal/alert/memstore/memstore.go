// Package memstore provides an in-memory implementation of alert.Store.
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/coverwatch/internal/alert"
)

// Store holds alerts in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*alert.Alert // alert ID -> alert
	open   map[alert.Key]string    // key -> ID of its unresolved alert (dedup)
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts: make(map[string]*alert.Alert),
		open:   make(map[alert.Key]string),
	}
}

// Upsert refreshes the open alert for key or inserts a new one.
func (s *Store) Upsert(_ context.Context, key alert.Key, d alert.Details, newID string, at time.Time) (alert.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.Metadata = maps.Clone(d.Metadata)

	if id, ok := s.open[key]; ok {
		a := s.alerts[id]
		a.Details = d
		a.CreatedAt = at
		return alert.UpsertResult{ID: id}, nil
	}

	s.alerts[newID] = &alert.Alert{ID: newID, Key: key, Details: d, CreatedAt: at}
	s.open[key] = newID
	return alert.UpsertResult{ID: newID, Created: true}, nil
}

// Get retrieves an alert by ID. Returns a copy.
func (s *Store) Get(_ context.Context, orgID, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok || a.OrgID != orgID {
		return nil, false, nil
	}
	return clone(a), true, nil
}

// Resolve marks an alert resolved. The first resolution time is kept.
func (s *Store) Resolve(_ context.Context, orgID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.OrgID != orgID {
		return alert.ErrNotFound
	}
	if a.ResolvedAt != nil {
		return nil
	}
	a.ResolvedAt = &at
	delete(s.open, a.Key)
	return nil
}

// List returns copies of matching alerts, newest first.
func (s *Store) List(_ context.Context, f alert.Filter) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*alert.Alert, 0)
	for _, a := range s.alerts {
		if f.Matches(a) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Stats counts the org's unresolved alerts by severity.
func (s *Store) Stats(_ context.Context, orgID string) (*alert.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &alert.Stats{BySeverity: make(map[alert.Severity]int)}
	for key, id := range s.open {
		if key.OrgID != orgID {
			continue
		}
		st.Open++
		st.BySeverity[s.alerts[id].Severity]++
	}
	return st, nil
}

func clone(a *alert.Alert) *alert.Alert {
	cp := *a
	cp.Metadata = maps.Clone(a.Metadata)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
