// Package pgstore provides a PostgreSQL implementation of alert.Store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/coverwatch/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/coverwatch/internal/alert/pgstore")

// Store persists alerts in PostgreSQL. The schema is owned by the postgres
// package migrations.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const alertColumns = `id, org_id, vendor_id, type, rule_id, severity, category, message,
	metadata, created_at, resolved_at`

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

// Upsert relies on the partial unique index over open alert keys so that
// concurrent writers converge on a single open row.
func (s *Store) Upsert(ctx context.Context, key alert.Key, d alert.Details, newID string, at time.Time) (alert.UpsertResult, error) {
	ctx, span := startSpan(ctx, "pgstore.UpsertAlert", "UPSERT")
	defer span.End()
	span.SetAttributes(attribute.String("alert.type", string(key.Type)))

	metaJSON, err := marshalMetadata(d.Metadata)
	if err != nil {
		fail(span, err)
		return alert.UpsertResult{}, err
	}

	var res alert.UpsertResult
	err = s.pool.QueryRow(ctx,
		`INSERT INTO alerts (id, org_id, vendor_id, type, rule_id, severity, category, message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (org_id, vendor_id, type, rule_id) WHERE resolved_at IS NULL DO UPDATE SET
			severity   = EXCLUDED.severity,
			category   = EXCLUDED.category,
			message    = EXCLUDED.message,
			metadata   = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at
		 RETURNING id, (xmax = 0) AS inserted`,
		newID, key.OrgID, key.VendorID, string(key.Type), key.RuleID,
		string(d.Severity), d.Category, d.Message, metaJSON, at,
	).Scan(&res.ID, &res.Created)
	if err != nil {
		err = fmt.Errorf("upsert alert: %w", err)
		fail(span, err)
		return alert.UpsertResult{}, err
	}
	return res, nil
}

// Get retrieves an alert by ID within an org.
func (s *Store) Get(ctx context.Context, orgID, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAlert", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1 AND org_id = $2`, id, orgID))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// Resolve sets resolved_at once; later calls leave the first time in place.
func (s *Store) Resolve(ctx context.Context, orgID, id string, at time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.ResolveAlert", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET resolved_at = COALESCE(resolved_at, $3) WHERE id = $1 AND org_id = $2`,
		id, orgID, at)
	if err != nil {
		err = fmt.Errorf("resolve alert: %w", err)
		fail(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return alert.ErrNotFound
	}
	return nil
}

// List returns matching alerts, newest first.
func (s *Store) List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAlerts", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OrgID != "" {
		add("org_id = $%d", f.OrgID)
	}
	if f.VendorID != "" {
		add("vendor_id = $%d", f.VendorID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.IncludeResolved {
		where = append(where, "resolved_at IS NULL")
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		err = fmt.Errorf("query alerts: %w", err)
		fail(span, err)
		return nil, err
	}
	defer rows.Close()

	out := make([]*alert.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate alerts: %w", err)
		fail(span, err)
		return nil, err
	}
	return out, nil
}

// Stats counts the org's unresolved alerts by severity.
func (s *Store) Stats(ctx context.Context, orgID string) (*alert.Stats, error) {
	ctx, span := startSpan(ctx, "pgstore.AlertStats", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT severity, count(*) FROM alerts
		 WHERE org_id = $1 AND resolved_at IS NULL
		 GROUP BY severity`, orgID)
	if err != nil {
		err = fmt.Errorf("query alert stats: %w", err)
		fail(span, err)
		return nil, err
	}
	defer rows.Close()

	st := &alert.Stats{BySeverity: make(map[alert.Severity]int)}
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			err = fmt.Errorf("scan alert stats: %w", err)
			fail(span, err)
			return nil, err
		}
		st.BySeverity[alert.Severity(sev)] = n
		st.Open += n
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate alert stats: %w", err)
		fail(span, err)
		return nil, err
	}
	return st, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

// scanAlert scans one row. Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a        alert.Alert
		typ      string
		severity string
		metaJSON []byte
	)
	err := row.Scan(
		&a.ID, &a.OrgID, &a.VendorID, &typ, &a.RuleID, &severity, &a.Category, &a.Message,
		&metaJSON, &a.CreatedAt, &a.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Type = alert.Type(typ)
	a.Severity = alert.Severity(severity)

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		if len(a.Metadata) == 0 {
			a.Metadata = nil
		}
	}
	return &a, nil
}
