package renewal

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/coverwatch/internal/renewal")

// NotifyMode decides when an escalating record notifies.
type NotifyMode string

const (
	// NotifyEveryCycle notifies on every cycle the record is escalating.
	NotifyEveryCycle NotifyMode = "every_cycle"
	// NotifyOnTransition notifies only when the stage differs from the one
	// recorded by the previous cycle.
	NotifyOnTransition NotifyMode = "on_transition"
)

// ParseNotifyMode rejects unknown modes.
func ParseNotifyMode(s string) (NotifyMode, error) {
	switch m := NotifyMode(s); m {
	case NotifyEveryCycle, NotifyOnTransition:
		return m, nil
	}
	return "", fmt.Errorf("unknown notify mode %q", s)
}

// Outcome is what one evaluation did.
type Outcome string

const (
	OutcomeEscalated Outcome = "escalated"
	OutcomeDormant   Outcome = "dormant"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// DefaultCheckInterval is how far each cycle pushes NextCheckAt.
const DefaultCheckInterval = stage.Day

// Scheduler evaluates single renewal records.
type Scheduler struct {
	store    Store
	alerts   AlertRaiser
	notifier Notifier
	facts    FactSource
	mode     NotifyMode
	interval time.Duration
	now      func() time.Time
	logger   log.Logger
	hooks    Hooks
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithNotifyMode selects when escalations notify.
func WithNotifyMode(m NotifyMode) SchedulerOption {
	return func(s *Scheduler) { s.mode = m }
}

// WithFactSource refreshes expiration dates from current policy facts. Without
// one the record's own copy is used.
func WithFactSource(f FactSource) SchedulerOption {
	return func(s *Scheduler) { s.facts = f }
}

// WithCheckInterval overrides DefaultCheckInterval.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithHooks installs metric callbacks.
func WithHooks(h Hooks) SchedulerOption {
	return func(s *Scheduler) { s.hooks = h }
}

// NewScheduler creates a Scheduler. A nil notifier disables notification.
func NewScheduler(store Store, alerts AlertRaiser, notifier Notifier, logger log.Logger, opts ...SchedulerOption) *Scheduler {
	if store == nil {
		panic(xerrors.New("renewal store is required"))
	}
	if alerts == nil {
		panic(xerrors.New("alert raiser is required"))
	}
	if notifier == nil {
		notifier = Notifiers(nil)
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Scheduler{
		store:    store,
		alerts:   alerts,
		notifier: notifier,
		mode:     NotifyEveryCycle,
		interval: DefaultCheckInterval,
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Evaluate runs one cycle for rec. A returned error means the cycle aborted
// before NextCheckAt was advanced, so the record stays due.
func (s *Scheduler) Evaluate(ctx context.Context, rec *Record) (Outcome, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "renewal.Evaluate", trace.WithAttributes(
		attribute.String("renewal.record_id", rec.ID),
		attribute.String("renewal.policy_id", rec.PolicyID),
		attribute.String("renewal.org_id", rec.OrgID),
	))
	defer span.End()

	outcome, st, err := s.evaluate(ctx, rec)
	span.SetAttributes(
		attribute.String("renewal.outcome", string(outcome)),
		attribute.String("renewal.stage", st.String()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.hooks.evaluate(outcome, st, time.Since(start))
	return outcome, err
}

func (s *Scheduler) evaluate(ctx context.Context, rec *Record) (Outcome, stage.Stage, error) {
	L := s.logger.With("record_id", rec.ID, "policy_id", rec.PolicyID, "vendor_id", rec.VendorID)
	now := s.now()

	exp := rec.ExpirationDate
	var pol *Policy
	if s.facts != nil {
		p, ok, err := s.facts.PolicyFacts(ctx, rec.PolicyID)
		if err != nil {
			return OutcomeFailed, stage.None, fmt.Errorf("policy facts %s: %w", rec.PolicyID, err)
		}
		if !ok {
			L.Warn(ctx, "policy not found, skipping renewal check")
			return s.finish(ctx, rec, now, stage.None, OutcomeSkipped)
		}
		pol = p
		if p.ExpirationDate != nil {
			exp = p.ExpirationDate
		}
	}
	if exp == nil {
		L.Info(ctx, "policy has no expiration date, skipping renewal check")
		return s.finish(ctx, rec, now, stage.None, OutcomeSkipped)
	}

	st := stage.Classify(*exp, now)
	action, ok := ActionFor(st)
	if !ok {
		return s.finish(ctx, rec, now, st, OutcomeDormant)
	}

	daysLeft := stage.DaysLeft(*exp, now)
	alertID, created, err := s.alerts.Upsert(ctx,
		alert.RenewalKey(rec.OrgID, rec.VendorID, action.Type),
		alert.Details{
			Severity: action.Severity,
			Category: "renewal",
			Message:  alertMessage(rec, st, daysLeft),
			Metadata: map[string]any{
				"policy_id":       rec.PolicyID,
				"coverage_type":   rec.CoverageType,
				"stage":           st.String(),
				"days_left":       daysLeft,
				"expiration_date": exp.UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return OutcomeFailed, st, fmt.Errorf("raise %s alert: %w", action.Type, err)
	}

	if s.mode == NotifyEveryCycle || st != rec.LastStage {
		ev := &EscalationEvent{
			OrgID:          rec.OrgID,
			VendorID:       rec.VendorID,
			PolicyID:       rec.PolicyID,
			RecordID:       rec.ID,
			CoverageType:   rec.CoverageType,
			Stage:          st,
			PreviousStage:  rec.LastStage,
			DaysLeft:       daysLeft,
			ExpirationDate: *exp,
			AlertID:        alertID,
			AlertType:      action.Type,
			Severity:       action.Severity,
			Policy:         pol,
			At:             now,
		}
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.hooks.notifyError(st)
			L.Error(ctx, err, "escalation notification failed", "stage", st.String())
		}
	}

	L.Info(ctx, "renewal escalated",
		"stage", st.String(),
		"days_left", daysLeft,
		"alert_id", alertID,
		"alert_created", created,
	)
	return s.finish(ctx, rec, now, st, OutcomeEscalated)
}

func (s *Scheduler) finish(ctx context.Context, rec *Record, now time.Time, st stage.Stage, o Outcome) (Outcome, stage.Stage, error) {
	if err := s.store.Reschedule(ctx, rec.ID, now, now.Add(s.interval), st); err != nil {
		return OutcomeFailed, st, fmt.Errorf("reschedule record %s: %w", rec.ID, err)
	}
	return o, st, nil
}
