package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

// EscalationEvent is emitted once per escalating evaluation, after the
// stage's alert has been committed.
type EscalationEvent struct {
	OrgID          string         `json:"org_id"`
	VendorID       string         `json:"vendor_id"`
	PolicyID       string         `json:"policy_id"`
	RecordID       string         `json:"record_id"`
	CoverageType   string         `json:"coverage_type"`
	Stage          stage.Stage    `json:"stage"`
	PreviousStage  stage.Stage    `json:"previous_stage"`
	DaysLeft       int            `json:"days_left"`
	ExpirationDate time.Time      `json:"expiration_date"`
	AlertID        string         `json:"alert_id"`
	AlertType      alert.Type     `json:"alert_type"`
	Severity       alert.Severity `json:"severity"`
	Policy         *Policy        `json:"policy,omitempty"`
	At             time.Time      `json:"at"`
}

// Transition reports whether the event moved the record into a new stage.
func (e *EscalationEvent) Transition() bool { return e.Stage != e.PreviousStage }

// Notifier consumes escalation events. Failures are reported but never undo
// the alert that preceded the event.
type Notifier interface {
	Notify(ctx context.Context, ev *EscalationEvent) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, ev *EscalationEvent) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, ev *EscalationEvent) error { return f(ctx, ev) }

// NamedNotifier labels a notifier for logs and metrics.
type NamedNotifier struct {
	Name string
	Notifier
}

// Notifiers fans an event out to every notifier. Each one is called even when
// an earlier one fails; the failures are joined.
type Notifiers []NamedNotifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, ev *EscalationEvent) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
		}
	}
	return errors.Join(errs...)
}
