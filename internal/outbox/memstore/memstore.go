// Package memstore provides an in-memory implementation of outbox.Queue.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/coverwatch/internal/outbox"
)

// Queue holds messages in memory. Suitable for dev/testing.
type Queue struct {
	mu   sync.Mutex
	msgs map[string]*outbox.Message
}

// New initializes an empty Queue.
func New() *Queue {
	return &Queue{msgs: make(map[string]*outbox.Message)}
}

// Enqueue stores a copy of m as queued.
func (q *Queue) Enqueue(_ context.Context, m *outbox.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *m
	cp.Status = outbox.StatusQueued
	q.msgs[m.ID] = &cp
	return nil
}

// Pending returns copies of up to limit queued messages, oldest first.
func (q *Queue) Pending(_ context.Context, limit int) ([]*outbox.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*outbox.Message, 0)
	for _, m := range q.msgs {
		if m.Status == outbox.StatusQueued {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSent implements outbox.Queue.
func (q *Queue) MarkSent(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return outbox.ErrNotFound
	}
	m.Status = outbox.StatusSent
	m.Attempts++
	m.LastError = ""
	m.SentAt = &at
	return nil
}

// MarkFailed implements outbox.Queue.
func (q *Queue) MarkFailed(_ context.Context, id, lastError string, final bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return outbox.ErrNotFound
	}
	m.Attempts++
	m.LastError = lastError
	if final {
		m.Status = outbox.StatusFailed
	}
	return nil
}

// All returns copies of every message regardless of status, oldest first.
func (q *Queue) All() []*outbox.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*outbox.Message, 0, len(q.msgs))
	for _, m := range q.msgs {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
