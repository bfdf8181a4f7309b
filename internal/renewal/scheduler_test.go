package renewal_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	alertmem "github.com/linnemanlabs/coverwatch/internal/alert/memstore"
	"github.com/linnemanlabs/coverwatch/internal/renewal"
	"github.com/linnemanlabs/coverwatch/internal/renewal/memstore"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

var now = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type recordingNotifier struct {
	mu     sync.Mutex
	events []*renewal.EscalationEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev *renewal.EscalationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fixture struct {
	store    *memstore.Store
	alerts   *alert.Service
	notifier *recordingNotifier
}

func newFixture() *fixture {
	return &fixture{
		store:    memstore.New(),
		alerts:   alert.NewService(alertmem.New(), log.Nop()),
		notifier: &recordingNotifier{},
	}
}

func (f *fixture) scheduler(opts ...renewal.SchedulerOption) *renewal.Scheduler {
	opts = append([]renewal.SchedulerOption{renewal.WithClock(clock)}, opts...)
	return renewal.NewScheduler(f.store, f.alerts, f.notifier, log.Nop(), opts...)
}

func (f *fixture) watch(t *testing.T, id string, exp *time.Time) *renewal.Record {
	t.Helper()
	rec := &renewal.Record{
		ID:             id,
		PolicyID:       "policy-" + id,
		OrgID:          "org-1",
		VendorID:       "vendor-" + id,
		CoverageType:   "General Liability",
		ExpirationDate: exp,
		NextCheckAt:    now.Add(-time.Hour),
		Status:         renewal.StatusActive,
	}
	if _, err := f.store.Watch(context.Background(), rec); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	return rec
}

func daysFromNow(d int) *time.Time {
	t := now.Add(time.Duration(d) * stage.Day)
	return &t
}

func (f *fixture) openAlerts(t *testing.T) []*alert.Alert {
	t.Helper()
	as, err := f.alerts.List(context.Background(), alert.Filter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return as
}

func TestEvaluate_Stage30RaisesHighAlert(t *testing.T) {
	t.Parallel()

	f := newFixture()
	rec := f.watch(t, "r1", daysFromNow(25))

	outcome, err := f.scheduler().Evaluate(context.Background(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != renewal.OutcomeEscalated {
		t.Errorf("outcome = %q, want escalated", outcome)
	}

	as := f.openAlerts(t)
	if len(as) != 1 {
		t.Fatalf("alerts = %d, want 1", len(as))
	}
	if as[0].Type != alert.TypeRenew30d || as[0].Severity != alert.SeverityHigh {
		t.Errorf("alert = %s/%s, want renew_30d/high", as[0].Type, as[0].Severity)
	}
	if as[0].RuleID != "" {
		t.Errorf("RuleID = %q, want empty", as[0].RuleID)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", f.notifier.count())
	}
	ev := f.notifier.events[0]
	if ev.Stage != stage.Days30 || ev.DaysLeft != 25 || ev.AlertID != as[0].ID {
		t.Errorf("event = %+v", ev)
	}
}

func TestEvaluate_FortyFiveDaysIsStage90(t *testing.T) {
	t.Parallel()

	f := newFixture()
	rec := f.watch(t, "r1", daysFromNow(45))

	if _, err := f.scheduler().Evaluate(context.Background(), rec); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	as := f.openAlerts(t)
	if len(as) != 1 || as[0].Type != alert.TypeRenew90d || as[0].Severity != alert.SeverityMedium {
		t.Fatalf("alerts = %+v, want one renew_90d/medium", as)
	}
}

func TestEvaluate_ExpiredRaisesCritical(t *testing.T) {
	t.Parallel()

	f := newFixture()
	rec := f.watch(t, "r1", daysFromNow(-1))

	if _, err := f.scheduler().Evaluate(context.Background(), rec); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	as := f.openAlerts(t)
	if len(as) != 1 {
		t.Fatalf("alerts = %d, want 1", len(as))
	}
	if as[0].Type != alert.TypeRenewExpired || as[0].Severity != alert.SeverityCritical {
		t.Errorf("alert = %s/%s, want renew_expired/critical", as[0].Type, as[0].Severity)
	}
	if !strings.Contains(as[0].Message, "EXPIRED") {
		t.Errorf("Message = %q, want it to mention EXPIRED", as[0].Message)
	}
}

func TestEvaluate_DormantReschedulesOnly(t *testing.T) {
	t.Parallel()

	f := newFixture()
	rec := f.watch(t, "r1", daysFromNow(120))

	outcome, err := f.scheduler().Evaluate(context.Background(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != renewal.OutcomeDormant {
		t.Errorf("outcome = %q, want dormant", outcome)
	}
	if len(f.openAlerts(t)) != 0 {
		t.Error("dormant record raised an alert")
	}
	if f.notifier.count() != 0 {
		t.Error("dormant record notified")
	}

	got, _, _ := f.store.Get(context.Background(), "r1")
	if !got.NextCheckAt.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("NextCheckAt = %v, want now+1d", got.NextCheckAt)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(now) {
		t.Errorf("LastCheckedAt = %v, want now", got.LastCheckedAt)
	}
}

func TestEvaluate_NoExpirationSkips(t *testing.T) {
	t.Parallel()

	f := newFixture()
	rec := f.watch(t, "r1", nil)

	outcome, err := f.scheduler().Evaluate(context.Background(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != renewal.OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", outcome)
	}
	got, _, _ := f.store.Get(context.Background(), "r1")
	if !got.NextCheckAt.After(now) {
		t.Error("skipped record was not rescheduled")
	}
}

func TestEvaluate_RepeatCycleRefreshesSameAlert(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.watch(t, "r1", daysFromNow(5))
	s := f.scheduler()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cur, _, _ := f.store.Get(ctx, "r1")
		if _, err := s.Evaluate(ctx, cur); err != nil {
			t.Fatalf("Evaluate #%d: %v", i, err)
		}
	}

	if n := len(f.openAlerts(t)); n != 1 {
		t.Errorf("open alerts = %d, want 1", n)
	}
	if f.notifier.count() != 3 {
		t.Errorf("notifications = %d, want 3 in every-cycle mode", f.notifier.count())
	}
}

func TestEvaluate_OnTransitionSuppressesRepeats(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.watch(t, "r1", daysFromNow(5))
	s := f.scheduler(renewal.WithNotifyMode(renewal.NotifyOnTransition))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cur, _, _ := f.store.Get(ctx, "r1")
		if _, err := s.Evaluate(ctx, cur); err != nil {
			t.Fatalf("Evaluate #%d: %v", i, err)
		}
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1 in on-transition mode", f.notifier.count())
	}
	if !f.notifier.events[0].Transition() {
		t.Error("first event should be a transition")
	}

	cur, _, _ := f.store.Get(ctx, "r1")
	if cur.LastStage != stage.Days7 {
		t.Errorf("LastStage = %v, want 7", cur.LastStage)
	}
}

func TestEvaluate_NotifierFailureStillReschedules(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.notifier.err = errors.New("smtp down")
	rec := f.watch(t, "r1", daysFromNow(2))

	var notifyErrors int
	s := f.scheduler(renewal.WithHooks(renewal.Hooks{
		OnNotifyError: func(stage.Stage) { notifyErrors++ },
	}))

	outcome, err := s.Evaluate(context.Background(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != renewal.OutcomeEscalated {
		t.Errorf("outcome = %q, want escalated", outcome)
	}
	if notifyErrors != 1 {
		t.Errorf("notify errors = %d, want 1", notifyErrors)
	}
	got, _, _ := f.store.Get(context.Background(), "r1")
	if !got.NextCheckAt.After(now) {
		t.Error("record not rescheduled after notifier failure")
	}
	if len(f.openAlerts(t)) != 1 {
		t.Error("alert missing after notifier failure")
	}
}

type failingAlerts struct{}

func (failingAlerts) Upsert(context.Context, alert.Key, alert.Details) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func TestEvaluate_AlertFailureLeavesRecordDue(t *testing.T) {
	t.Parallel()

	f := newFixture()
	rec := f.watch(t, "r1", daysFromNow(2))
	s := renewal.NewScheduler(f.store, failingAlerts{}, f.notifier, log.Nop(), renewal.WithClock(clock))

	outcome, err := s.Evaluate(context.Background(), rec)
	if err == nil {
		t.Fatal("expected error")
	}
	if outcome != renewal.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", outcome)
	}
	if f.notifier.count() != 0 {
		t.Error("notified despite failed alert")
	}
	got, _, _ := f.store.Get(context.Background(), "r1")
	if got.NextCheckAt.After(now) || got.LastCheckedAt != nil {
		t.Errorf("record advanced after failed cycle: %+v", got)
	}
}

func TestEvaluate_FactSourceOverridesExpiration(t *testing.T) {
	t.Parallel()

	f := newFixture()
	rec := f.watch(t, "r1", daysFromNow(200))
	if err := f.store.PutPolicy(context.Background(), &renewal.Policy{
		ID:             rec.PolicyID,
		OrgID:          "org-1",
		VendorID:       rec.VendorID,
		CoverageType:   "Auto",
		ExpirationDate: daysFromNow(3),
	}); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}

	s := f.scheduler(renewal.WithFactSource(f.store))
	if _, err := s.Evaluate(context.Background(), rec); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	as := f.openAlerts(t)
	if len(as) != 1 || as[0].Type != alert.TypeRenew3d {
		t.Fatalf("alerts = %+v, want renew_3d from current policy facts", as)
	}
	if f.notifier.events[0].Policy == nil || f.notifier.events[0].Policy.CoverageType != "Auto" {
		t.Error("event missing policy facts")
	}

	// a record whose policy vanished is skipped, not failed
	other := f.watch(t, "r2", daysFromNow(3))
	outcome, err := s.Evaluate(context.Background(), other)
	if err != nil || outcome != renewal.OutcomeSkipped {
		t.Errorf("missing policy = (%q, %v), want skipped", outcome, err)
	}
}

func TestEvaluate_RecordsSpan(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	f := newFixture()
	r := f.watch(t, "r1", daysFromNow(2))
	s := renewal.NewScheduler(f.store, failingAlerts{}, nil, log.Nop(), renewal.WithClock(clock))
	_, _ = s.Evaluate(context.Background(), r)

	var found bool
	for _, sp := range exporter.GetSpans() {
		if sp.Name != "renewal.Evaluate" {
			continue
		}
		found = true
		if sp.Status.Code != codes.Error {
			t.Errorf("span status = %v, want error", sp.Status.Code)
		}
		attrs := make(map[string]string)
		for _, kv := range sp.Attributes {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		if attrs["renewal.outcome"] != "failed" || attrs["renewal.stage"] != "3" {
			t.Errorf("span attrs = %v", attrs)
		}
	}
	if !found {
		t.Fatal("no renewal.Evaluate span recorded")
	}
}

func TestActionFor(t *testing.T) {
	t.Parallel()

	want := map[stage.Stage]renewal.Action{
		stage.Days90:  {Type: alert.TypeRenew90d, Severity: alert.SeverityMedium},
		stage.Days30:  {Type: alert.TypeRenew30d, Severity: alert.SeverityHigh},
		stage.Days7:   {Type: alert.TypeRenew7d, Severity: alert.SeverityHigh},
		stage.Days3:   {Type: alert.TypeRenew3d, Severity: alert.SeverityHigh},
		stage.Days1:   {Type: alert.TypeRenew1d, Severity: alert.SeverityCritical},
		stage.Expired: {Type: alert.TypeRenewExpired, Severity: alert.SeverityCritical},
	}
	for _, st := range stage.All {
		got, ok := renewal.ActionFor(st)
		if st == stage.None {
			if ok {
				t.Error("ActionFor(None) should not be actionable")
			}
			continue
		}
		if !ok || got != want[st] {
			t.Errorf("ActionFor(%v) = (%+v, %v), want %+v", st, got, ok, want[st])
		}
	}
}
