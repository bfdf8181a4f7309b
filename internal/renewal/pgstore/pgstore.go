// Package pgstore provides a PostgreSQL implementation of renewal.Store and
// renewal.FactSource.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/coverwatch/internal/renewal"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/coverwatch/internal/renewal/pgstore")

// Store persists renewal_records and reads policies.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const recordColumns = `id, policy_id, org_id, vendor_id, coverage_type, expiration_date,
	next_check_at, last_checked_at, last_stage, status`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Watch inserts rec unless its policy already has a record.
func (s *Store) Watch(ctx context.Context, rec *renewal.Record) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.WatchRenewal", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO renewal_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (policy_id) DO NOTHING`,
		rec.ID, rec.PolicyID, rec.OrgID, rec.VendorID, rec.CoverageType, rec.ExpirationDate,
		rec.NextCheckAt, rec.LastCheckedAt, stageName(rec.LastStage), string(rec.Status),
	)
	if err != nil {
		err = fmt.Errorf("insert renewal record: %w", err)
		fail(span, err)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*renewal.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRenewal", "SELECT")
	defer span.End()

	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM renewal_records WHERE id = $1`, id))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// Due returns the org's active records due at now, oldest first.
func (s *Store) Due(ctx context.Context, orgID string, now time.Time) ([]*renewal.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.DueRenewals", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM renewal_records
		 WHERE org_id = $1 AND status = 'active' AND next_check_at <= $2
		 ORDER BY next_check_at, id`, orgID, now)
	if err != nil {
		err = fmt.Errorf("query due renewals: %w", err)
		fail(span, err)
		return nil, err
	}
	defer rows.Close()

	out := make([]*renewal.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate due renewals: %w", err)
		fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("renewal.due", len(out)))
	return out, nil
}

// Reschedule records a completed cycle.
func (s *Store) Reschedule(ctx context.Context, id string, checkedAt, next time.Time, last stage.Stage) error {
	ctx, span := startSpan(ctx, "pgstore.RescheduleRenewal", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE renewal_records SET last_checked_at = $2, next_check_at = $3, last_stage = $4 WHERE id = $1`,
		id, checkedAt, next, stageName(last))
	if err != nil {
		err = fmt.Errorf("reschedule renewal: %w", err)
		fail(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return renewal.ErrNotFound
	}
	return nil
}

// SetStatus changes a record's lifecycle status.
func (s *Store) SetStatus(ctx context.Context, id string, st renewal.Status) error {
	ctx, span := startSpan(ctx, "pgstore.SetRenewalStatus", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE renewal_records SET status = $2 WHERE id = $1`, id, string(st))
	if err != nil {
		err = fmt.Errorf("set renewal status: %w", err)
		fail(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return renewal.ErrNotFound
	}
	return nil
}

// OrgIDs lists orgs with at least one record.
func (s *Store) OrgIDs(ctx context.Context) ([]string, error) {
	ctx, span := startSpan(ctx, "pgstore.RenewalOrgIDs", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT org_id FROM renewal_records ORDER BY org_id`)
	if err != nil {
		err = fmt.Errorf("query renewal orgs: %w", err)
		fail(span, err)
		return nil, err
	}
	orgs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		err = fmt.Errorf("collect renewal orgs: %w", err)
		fail(span, err)
		return nil, err
	}
	return orgs, nil
}

// PutPolicy upserts the current facts for a policy.
func (s *Store) PutPolicy(ctx context.Context, p *renewal.Policy) error {
	ctx, span := startSpan(ctx, "pgstore.PutPolicy", "UPSERT")
	defer span.End()

	limits, err := json.Marshal(p.Limits)
	if err != nil {
		err = fmt.Errorf("marshal limits: %w", err)
		fail(span, err)
		return err
	}
	if p.Limits == nil {
		limits = []byte("{}")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO policies (id, org_id, vendor_id, coverage_type, effective_date, expiration_date, limits, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (id) DO UPDATE SET
			coverage_type   = EXCLUDED.coverage_type,
			effective_date  = EXCLUDED.effective_date,
			expiration_date = EXCLUDED.expiration_date,
			limits          = EXCLUDED.limits,
			updated_at      = now()`,
		p.ID, p.OrgID, p.VendorID, p.CoverageType, p.EffectiveDate, p.ExpirationDate, limits,
	)
	if err != nil {
		err = fmt.Errorf("upsert policy: %w", err)
		fail(span, err)
		return err
	}
	return nil
}

// PolicyFacts returns the stored policy.
func (s *Store) PolicyFacts(ctx context.Context, policyID string) (*renewal.Policy, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.PolicyFacts", "SELECT")
	defer span.End()

	var (
		p      renewal.Policy
		limits []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, vendor_id, coverage_type, effective_date, expiration_date, limits
		 FROM policies WHERE id = $1`, policyID,
	).Scan(&p.ID, &p.OrgID, &p.VendorID, &p.CoverageType, &p.EffectiveDate, &p.ExpirationDate, &limits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		err = fmt.Errorf("query policy: %w", err)
		fail(span, err)
		return nil, false, err
	}
	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &p.Limits); err != nil {
			err = fmt.Errorf("unmarshal limits: %w", err)
			fail(span, err)
			return nil, false, err
		}
	}
	return &p, true, nil
}

// stageName stores None as the empty string.
func stageName(s stage.Stage) string {
	if s == stage.None {
		return ""
	}
	return s.String()
}

// scanRecord scans one row. Returns (nil, nil) when no row is found.
func scanRecord(row pgx.Row) (*renewal.Record, error) {
	var (
		r         renewal.Record
		lastStage string
		status    string
	)
	err := row.Scan(&r.ID, &r.PolicyID, &r.OrgID, &r.VendorID, &r.CoverageType, &r.ExpirationDate,
		&r.NextCheckAt, &r.LastCheckedAt, &lastStage, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan renewal record: %w", err)
	}
	st, err := stage.Parse(lastStage)
	if err != nil {
		return nil, fmt.Errorf("renewal record %s: %w", r.ID, err)
	}
	r.LastStage = st
	r.Status = renewal.Status(status)
	return &r, nil
}
