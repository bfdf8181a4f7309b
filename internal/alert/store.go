package alert

import (
	"context"
	"time"
)

// UpsertResult reports what an Upsert did.
type UpsertResult struct {
	ID      string
	Created bool
}

// Store is the persistence interface for alerts.
//
// Upsert must be atomic per key: when an unresolved alert with the same key
// exists it is refreshed (details overwritten, CreatedAt set to at) and its id
// returned; otherwise a new alert with newID is inserted.
type Store interface {
	Upsert(ctx context.Context, key Key, d Details, newID string, at time.Time) (UpsertResult, error)
	Get(ctx context.Context, orgID, id string) (*Alert, bool, error)
	Resolve(ctx context.Context, orgID, id string, at time.Time) error
	List(ctx context.Context, f Filter) ([]*Alert, error)
	Stats(ctx context.Context, orgID string) (*Stats, error)
}
