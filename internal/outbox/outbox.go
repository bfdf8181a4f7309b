// Package outbox queues outbound email and delivers it in batches.
//
// Planners enqueue messages inside the escalation cycle; a Processor drains
// the queue independently so a slow or unavailable mail relay never holds up
// renewal evaluation.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/coverwatch/internal/stage"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("outbox message not found")

// Status is the delivery state of a message.
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Role says who a message is addressed to.
type Role string

const (
	RoleVendor Role = "vendor"
	RoleBroker Role = "broker"
)

// Message is one queued email.
type Message struct {
	ID        string      `json:"id"`
	OrgID     string      `json:"org_id"`
	VendorID  string      `json:"vendor_id"`
	PolicyID  string      `json:"policy_id,omitempty"`
	Recipient string      `json:"recipient"`
	Role      Role        `json:"role"`
	Subject   string      `json:"subject"`
	Body      string      `json:"body"`
	Stage     stage.Stage `json:"stage"`
	Status    Status      `json:"status"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	SentAt    *time.Time  `json:"sent_at,omitempty"`
}

// Validate checks the fields a sender needs.
func (m *Message) Validate() error {
	var errs []error
	if m.ID == "" {
		errs = append(errs, errors.New("message id is required"))
	}
	if m.Recipient == "" {
		errs = append(errs, errors.New("recipient is required"))
	}
	if m.Subject == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	switch m.Role {
	case RoleVendor, RoleBroker:
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", m.Role))
	}
	return errors.Join(errs...)
}

// Queue persists messages awaiting delivery.
type Queue interface {
	Enqueue(ctx context.Context, m *Message) error
	// Pending returns up to limit queued messages, oldest first.
	Pending(ctx context.Context, limit int) ([]*Message, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt. When final is set the message
	// leaves the queue with StatusFailed; otherwise it stays queued.
	MarkFailed(ctx context.Context, id, lastError string, final bool) error
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, m *Message) error
}
