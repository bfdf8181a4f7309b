// Package outreach turns escalation events into emails for vendors and their
// brokers.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/coverwatch/internal/docrules"
	"github.com/linnemanlabs/coverwatch/internal/outbox"
	"github.com/linnemanlabs/coverwatch/internal/renewal"
)

// BrokerStageDays is the widest stage window at which brokers are copied in.
const BrokerStageDays = 7

// Contact holds who to write to about a vendor.
type Contact struct {
	OrgID       string `json:"org_id"`
	VendorID    string `json:"vendor_id"`
	VendorName  string `json:"vendor_name"`
	VendorEmail string `json:"vendor_email,omitempty"`
	BrokerName  string `json:"broker_name,omitempty"`
	BrokerEmail string `json:"broker_email,omitempty"`
}

// Directory looks up vendor contacts.
type Directory interface {
	Contact(ctx context.Context, orgID, vendorID string) (*Contact, bool, error)
}

// Request is everything a Composer gets to write one email.
type Request struct {
	Event   *renewal.EscalationEvent
	Contact *Contact
	Role    outbox.Role
	// Summary is the vendor's latest compliance summary, nil when none exists.
	Summary *docrules.Summary
}

// RecipientName returns the display name of the addressee.
func (r *Request) RecipientName() string {
	if r.Role == outbox.RoleBroker {
		return r.Contact.BrokerName
	}
	return r.Contact.VendorName
}

// Email is a composed subject and body.
type Email struct {
	Subject string
	Body    string
}

// Composer writes the email for one request.
type Composer interface {
	Compose(ctx context.Context, r *Request) (Email, error)
}

// Enqueuer accepts outbound messages. outbox.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *outbox.Message) error
}

// Planner implements renewal.Notifier by queueing vendor and broker emails.
type Planner struct {
	directory Directory
	summaries docrules.SummaryReader
	composer  Composer
	queue     Enqueuer
	logger    log.Logger
	now       func() time.Time
}

// NewPlanner creates a Planner. summaries may be nil.
func NewPlanner(directory Directory, summaries docrules.SummaryReader, composer Composer, queue Enqueuer, logger log.Logger) *Planner {
	if directory == nil {
		panic(xerrors.New("contact directory is required"))
	}
	if composer == nil {
		panic(xerrors.New("composer is required"))
	}
	if queue == nil {
		panic(xerrors.New("outbox queue is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Planner{
		directory: directory,
		summaries: summaries,
		composer:  composer,
		queue:     queue,
		logger:    logger,
		now:       time.Now,
	}
}

// Recipients returns the roles that should be written to for an event. The
// vendor is written to whenever it has an address; the broker only once the
// stage is within BrokerStageDays.
func Recipients(ev *renewal.EscalationEvent, c *Contact) []outbox.Role {
	var roles []outbox.Role
	if c.VendorEmail != "" {
		roles = append(roles, outbox.RoleVendor)
	}
	if c.BrokerEmail != "" && ev.Stage.AtMost(BrokerStageDays) {
		roles = append(roles, outbox.RoleBroker)
	}
	return roles
}

// Notify implements renewal.Notifier. A vendor without contacts is not an
// error; every role is attempted and the failures are joined.
func (p *Planner) Notify(ctx context.Context, ev *renewal.EscalationEvent) error {
	L := p.logger.With("org_id", ev.OrgID, "vendor_id", ev.VendorID, "policy_id", ev.PolicyID)

	c, ok, err := p.directory.Contact(ctx, ev.OrgID, ev.VendorID)
	if err != nil {
		return fmt.Errorf("lookup contacts: %w", err)
	}
	if !ok {
		L.Warn(ctx, "no contacts for vendor, skipping outreach")
		return nil
	}

	roles := Recipients(ev, c)
	if len(roles) == 0 {
		L.Info(ctx, "no reachable recipients for stage", "stage", ev.Stage.String())
		return nil
	}

	var summary *docrules.Summary
	if p.summaries != nil {
		s, ok, err := p.summaries.Summary(ctx, ev.OrgID, ev.VendorID)
		if err != nil {
			L.Warn(ctx, "compliance summary unavailable, composing without it", "error", err.Error())
		} else if ok {
			summary = s
		}
	}

	var errs []error
	for _, role := range roles {
		req := &Request{Event: ev, Contact: c, Role: role, Summary: summary}
		email, err := p.composer.Compose(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("compose %s email: %w", role, err))
			continue
		}
		m := &outbox.Message{
			ID:        ulid.Make().String(),
			OrgID:     ev.OrgID,
			VendorID:  ev.VendorID,
			PolicyID:  ev.PolicyID,
			Recipient: address(c, role),
			Role:      role,
			Subject:   email.Subject,
			Body:      email.Body,
			Stage:     ev.Stage,
			Status:    outbox.StatusQueued,
			CreatedAt: p.now(),
		}
		if err := p.queue.Enqueue(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s email: %w", role, err))
			continue
		}
		L.Info(ctx, "outreach queued", "role", string(role), "message_id", m.ID, "stage", ev.Stage.String())
	}
	return errors.Join(errs...)
}

func address(c *Contact, role outbox.Role) string {
	if role == outbox.RoleBroker {
		return c.BrokerEmail
	}
	return c.VendorEmail
}
