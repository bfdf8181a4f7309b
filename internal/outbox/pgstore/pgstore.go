// Package pgstore provides a PostgreSQL implementation of outbox.Queue.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/coverwatch/internal/outbox"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/coverwatch/internal/outbox/pgstore")

// Queue persists outbound messages in PostgreSQL.
type Queue struct {
	pool *pgxpool.Pool
}

// New returns a Queue backed by pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

const messageColumns = `id, org_id, vendor_id, policy_id, recipient, role, subject, body,
	stage, status, attempts, last_error, created_at, sent_at`

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

// Enqueue inserts m as queued. Re-enqueueing an existing id is a no-op.
func (q *Queue) Enqueue(ctx context.Context, m *outbox.Message) error {
	ctx, span := startSpan(ctx, "pgstore.EnqueueMessage", "INSERT")
	defer span.End()

	st := ""
	if m.Stage != stage.None {
		st = m.Stage.String()
	}
	_, err := q.pool.Exec(ctx,
		`INSERT INTO outbox_messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'queued', 0, '', $10, NULL)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.OrgID, m.VendorID, m.PolicyID, m.Recipient, string(m.Role), m.Subject, m.Body, st, m.CreatedAt,
	)
	if err != nil {
		err = fmt.Errorf("insert outbox message: %w", err)
		fail(span, err)
		return err
	}
	return nil
}

// Pending returns up to limit queued messages, oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]*outbox.Message, error) {
	ctx, span := startSpan(ctx, "pgstore.PendingMessages", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM outbox_messages
		 WHERE status = 'queued' ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		err = fmt.Errorf("query pending messages: %w", err)
		fail(span, err)
		return nil, err
	}
	defer rows.Close()

	out := make([]*outbox.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate pending messages: %w", err)
		fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("outbox.pending", len(out)))
	return out, nil
}

// MarkSent implements outbox.Queue.
func (q *Queue) MarkSent(ctx context.Context, id string, at time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.MarkMessageSent", "UPDATE")
	defer span.End()

	tag, err := q.pool.Exec(ctx,
		`UPDATE outbox_messages
		 SET status = 'sent', attempts = attempts + 1, last_error = '', sent_at = $2
		 WHERE id = $1`, id, at)
	if err != nil {
		err = fmt.Errorf("mark message sent: %w", err)
		fail(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

// MarkFailed implements outbox.Queue.
func (q *Queue) MarkFailed(ctx context.Context, id, lastError string, final bool) error {
	ctx, span := startSpan(ctx, "pgstore.MarkMessageFailed", "UPDATE")
	defer span.End()

	tag, err := q.pool.Exec(ctx,
		`UPDATE outbox_messages
		 SET attempts = attempts + 1,
		     last_error = $2,
		     status = CASE WHEN $3 THEN 'failed' ELSE status END
		 WHERE id = $1`, id, lastError, final)
	if err != nil {
		err = fmt.Errorf("mark message failed: %w", err)
		fail(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

func scanMessage(row pgx.Row) (*outbox.Message, error) {
	var (
		m            outbox.Message
		role, status string
		stageName    string
	)
	err := row.Scan(&m.ID, &m.OrgID, &m.VendorID, &m.PolicyID, &m.Recipient, &role, &m.Subject, &m.Body,
		&stageName, &status, &m.Attempts, &m.LastError, &m.CreatedAt, &m.SentAt)
	if err != nil {
		return nil, fmt.Errorf("scan outbox message: %w", err)
	}
	st, err := stage.Parse(stageName)
	if err != nil {
		return nil, fmt.Errorf("outbox message %s: %w", m.ID, err)
	}
	m.Stage = st
	m.Role = outbox.Role(role)
	m.Status = outbox.Status(status)
	return &m, nil
}
