package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Service is the business boundary for alert operations.
type Service struct {
	store  Store
	logger log.Logger
	now    func() time.Time
}

// NewService creates a new alert service.
func NewService(store Store, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Upsert raises the alert for key. An existing unresolved alert is refreshed
// in place; otherwise a new one is created.
func (s *Service) Upsert(ctx context.Context, key Key, d Details) (id string, created bool, err error) {
	if err := key.Validate(); err != nil {
		return "", false, fmt.Errorf("alert key %s: %w", key, err)
	}
	if _, err := ParseSeverity(string(d.Severity)); err != nil {
		return "", false, fmt.Errorf("alert key %s: %w", key, err)
	}

	res, err := s.store.Upsert(ctx, key, d, ulid.Make().String(), s.now().UTC())
	if err != nil {
		return "", false, fmt.Errorf("upsert alert %s: %w", key, err)
	}

	if res.Created {
		s.logger.Info(ctx, "alert raised",
			"alert_id", res.ID,
			"alert_type", string(key.Type),
			"vendor_id", key.VendorID,
			"severity", string(d.Severity),
		)
	}
	return res.ID, res.Created, nil
}

// Resolve closes an alert. Resolving an already resolved alert is a no-op.
func (s *Service) Resolve(ctx context.Context, orgID, id string) error {
	if err := s.store.Resolve(ctx, orgID, id, s.now().UTC()); err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	return nil
}

// Get retrieves an alert by id within an org.
func (s *Service) Get(ctx context.Context, orgID, id string) (*Alert, bool, error) {
	return s.store.Get(ctx, orgID, id)
}

// List returns alerts matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Alert, error) {
	return s.store.List(ctx, f)
}

// Stats returns counts of the org's unresolved alerts.
func (s *Service) Stats(ctx context.Context, orgID string) (*Stats, error) {
	return s.store.Stats(ctx, orgID)
}
