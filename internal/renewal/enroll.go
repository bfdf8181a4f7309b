package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNoExpiration is returned when enrolling a policy without an expiration date.
var ErrNoExpiration = errors.New("policy has no expiration date")

// Enroll starts a renewal watch for p. The new record is due immediately.
// A policy that is already watched is left alone and (nil, false, nil) is
// returned.
func Enroll(ctx context.Context, store Store, p *Policy, now time.Time) (*Record, bool, error) {
	if p.ExpirationDate == nil {
		return nil, false, ErrNoExpiration
	}
	exp := *p.ExpirationDate
	rec := &Record{
		ID:             ulid.Make().String(),
		PolicyID:       p.ID,
		OrgID:          p.OrgID,
		VendorID:       p.VendorID,
		CoverageType:   p.CoverageType,
		ExpirationDate: &exp,
		NextCheckAt:    now,
		Status:         StatusActive,
	}
	created, err := store.Watch(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("watch policy %s: %w", p.ID, err)
	}
	if !created {
		return nil, false, nil
	}
	return rec, true, nil
}
