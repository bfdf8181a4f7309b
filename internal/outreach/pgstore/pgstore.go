// Package pgstore provides a PostgreSQL outreach.Directory over the
// vendor_contacts table.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/coverwatch/internal/outreach"
)

var tracer = otel.Tracer("github.com/linnemanlabs/coverwatch/internal/outreach/pgstore")

// Directory reads vendor contacts from PostgreSQL.
type Directory struct {
	pool *pgxpool.Pool
}

// New returns a Directory backed by pool.
func New(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
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

// PutContact upserts the vendor's contacts.
func (d *Directory) PutContact(ctx context.Context, c *outreach.Contact) error {
	ctx, span := startSpan(ctx, "pgstore.PutContact", "UPSERT")
	defer span.End()

	_, err := d.pool.Exec(ctx,
		`INSERT INTO vendor_contacts (org_id, vendor_id, vendor_name, vendor_email, broker_name, broker_email)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (org_id, vendor_id) DO UPDATE SET
			vendor_name  = EXCLUDED.vendor_name,
			vendor_email = EXCLUDED.vendor_email,
			broker_name  = EXCLUDED.broker_name,
			broker_email = EXCLUDED.broker_email`,
		c.OrgID, c.VendorID, c.VendorName, c.VendorEmail, c.BrokerName, c.BrokerEmail,
	)
	if err != nil {
		err = fmt.Errorf("upsert vendor contact: %w", err)
		fail(span, err)
		return err
	}
	return nil
}

// Contact implements outreach.Directory.
func (d *Directory) Contact(ctx context.Context, orgID, vendorID string) (*outreach.Contact, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Contact", "SELECT")
	defer span.End()

	c := outreach.Contact{OrgID: orgID, VendorID: vendorID}
	err := d.pool.QueryRow(ctx,
		`SELECT vendor_name, vendor_email, broker_name, broker_email
		 FROM vendor_contacts WHERE org_id = $1 AND vendor_id = $2`, orgID, vendorID,
	).Scan(&c.VendorName, &c.VendorEmail, &c.BrokerName, &c.BrokerEmail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		err = fmt.Errorf("query vendor contact: %w", err)
		fail(span, err)
		return nil, false, err
	}
	return &c, true, nil
}
