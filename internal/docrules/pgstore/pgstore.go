// Package pgstore provides PostgreSQL-backed field rules and compliance
// summaries.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/docrules"
)

var tracer = otel.Tracer("github.com/linnemanlabs/coverwatch/internal/docrules/pgstore")

// Store reads field_rules and maintains compliance_summaries.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New returns a Store backed by pool.
func New(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{pool: pool, logger: logger}
}

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

// FieldRules loads the org's active rules in position order. Rows that do not
// validate (for example an unknown operator) are skipped and logged.
func (s *Store) FieldRules(ctx context.Context, orgID string) ([]docrules.FieldRule, error) {
	ctx, span := startSpan(ctx, "pgstore.FieldRules", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, field_path, operator, expected, severity, category, requirement, active
		 FROM field_rules
		 WHERE org_id = $1 AND active
		 ORDER BY position, id`, orgID)
	if err != nil {
		err = fmt.Errorf("query field rules: %w", err)
		fail(span, err)
		return nil, err
	}
	defer rows.Close()

	out := make([]docrules.FieldRule, 0)
	for rows.Next() {
		var (
			r            docrules.FieldRule
			op, severity string
			expectedJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &r.FieldPath, &op, &expectedJSON, &severity, &r.Category, &r.Requirement, &r.Active); err != nil {
			err = fmt.Errorf("scan field rule: %w", err)
			fail(span, err)
			return nil, err
		}
		r.Operator = docrules.Operator(op)
		r.Severity = alert.Severity(severity)
		if len(expectedJSON) > 0 {
			if err := json.Unmarshal(expectedJSON, &r.Expected); err != nil {
				s.logger.Error(ctx, err, "skipping field rule with malformed expected value", "rule_id", r.ID)
				continue
			}
		}
		if err := docrules.Validate(r); err != nil {
			s.logger.Error(ctx, err, "skipping invalid field rule", "rule_id", r.ID, "operator", op)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate field rules: %w", err)
		fail(span, err)
		return nil, err
	}
	return out, nil
}

// PutSummary replaces the vendor's summary row.
func (s *Store) PutSummary(ctx context.Context, sum *docrules.Summary) error {
	ctx, span := startSpan(ctx, "pgstore.PutSummary", "UPSERT")
	defer span.End()

	body, err := json.Marshal(sum)
	if err != nil {
		err = fmt.Errorf("marshal summary: %w", err)
		fail(span, err)
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO compliance_summaries (org_id, vendor_id, policy_id, status, passing, failing, missing, summary, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (org_id, vendor_id) DO UPDATE SET
			policy_id  = EXCLUDED.policy_id,
			status     = EXCLUDED.status,
			passing    = EXCLUDED.passing,
			failing    = EXCLUDED.failing,
			missing    = EXCLUDED.missing,
			summary    = EXCLUDED.summary,
			updated_at = EXCLUDED.updated_at`,
		sum.OrgID, sum.VendorID, sum.PolicyID, string(sum.Status),
		sum.Passing, sum.Failing, sum.Missing, body, sum.UpdatedAt,
	)
	if err != nil {
		err = fmt.Errorf("upsert summary: %w", err)
		fail(span, err)
		return err
	}
	return nil
}

// Summary returns the vendor's latest summary.
func (s *Store) Summary(ctx context.Context, orgID, vendorID string) (*docrules.Summary, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Summary", "SELECT")
	defer span.End()

	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT summary FROM compliance_summaries WHERE org_id = $1 AND vendor_id = $2`,
		orgID, vendorID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		err = fmt.Errorf("query summary: %w", err)
		fail(span, err)
		return nil, false, err
	}

	var sum docrules.Summary
	if err := json.Unmarshal(body, &sum); err != nil {
		err = fmt.Errorf("unmarshal summary: %w", err)
		fail(span, err)
		return nil, false, err
	}
	return &sum, true, nil
}
