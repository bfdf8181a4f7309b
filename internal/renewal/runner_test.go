package renewal_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/renewal"
	"github.com/linnemanlabs/coverwatch/internal/rules"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

// flakyAlerts fails upserts for one vendor.
type flakyAlerts struct {
	next      renewal.AlertRaiser
	badVendor string
}

func (f flakyAlerts) Upsert(ctx context.Context, key alert.Key, d alert.Details) (string, bool, error) {
	if key.VendorID == f.badVendor {
		return "", false, errors.New("deadlock detected")
	}
	return f.next.Upsert(ctx, key, d)
}

func TestRunForOrg_ContinuesPastFailures(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.watch(t, "a", daysFromNow(20))
	f.watch(t, "b", daysFromNow(2))
	f.watch(t, "c", daysFromNow(200))
	f.watch(t, "d", nil)

	s := renewal.NewScheduler(f.store, flakyAlerts{next: f.alerts, badVendor: "vendor-b"}, f.notifier, log.Nop(),
		renewal.WithClock(clock))
	r := renewal.NewRunner(f.store, s, log.Nop(), renewal.Hooks{})

	stats, err := r.RunForOrg(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("RunForOrg: %v", err)
	}
	want := renewal.RunStats{Due: 4, Escalated: 1, Dormant: 1, Skipped: 1, Failed: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	// Only the failed record is still due.
	due, err := f.store.Due(context.Background(), "org-1", now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "b" {
		t.Errorf("still due = %v, want [b]", ids(due))
	}
}

func TestRunForOrg_SecondRunFindsNothingDue(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.watch(t, "a", daysFromNow(20))
	r := renewal.NewRunner(f.store, f.scheduler(), log.Nop(), renewal.Hooks{})

	if _, err := r.RunForOrg(context.Background(), "org-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	stats, err := r.RunForOrg(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Due != 0 {
		t.Errorf("second run due = %d, want 0", stats.Due)
	}
}

func TestRunForOrg_SkipsInactive(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.watch(t, "a", daysFromNow(20))
	f.watch(t, "b", daysFromNow(20))
	if err := f.store.SetStatus(context.Background(), "b", renewal.StatusPaused); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	r := renewal.NewRunner(f.store, f.scheduler(), log.Nop(), renewal.Hooks{})
	stats, err := r.RunForOrg(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("RunForOrg: %v", err)
	}
	if stats.Due != 1 {
		t.Errorf("due = %d, want 1", stats.Due)
	}
}

func TestRunForOrg_CancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.watch(t, "a", daysFromNow(20))
	r := renewal.NewRunner(f.store, f.scheduler(), log.Nop(), renewal.Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RunForOrg(ctx, "org-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if f.notifier.count() != 0 {
		t.Error("cancelled run evaluated records")
	}
}

func TestRunForAllOrgs(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	for _, org := range []string{"org-1", "org-2"} {
		rec := &renewal.Record{
			ID:             org + "-rec",
			PolicyID:       org + "-pol",
			OrgID:          org,
			VendorID:       "v",
			ExpirationDate: daysFromNow(6),
			NextCheckAt:    now,
			Status:         renewal.StatusActive,
		}
		if _, err := f.store.Watch(ctx, rec); err != nil {
			t.Fatalf("Watch: %v", err)
		}
	}

	var runs atomic.Int32
	r := renewal.NewRunner(f.store, f.scheduler(), log.Nop(), renewal.Hooks{
		OnRun: func(renewal.RunStats, time.Duration, error) { runs.Add(1) },
	})
	stats, err := r.RunForAllOrgs(ctx)
	if err != nil {
		t.Fatalf("RunForAllOrgs: %v", err)
	}
	if stats.Due != 2 || stats.Escalated != 2 {
		t.Errorf("stats = %+v, want 2 due, 2 escalated", stats)
	}
	if runs.Load() != 2 {
		t.Errorf("OnRun calls = %d, want 2", runs.Load())
	}

	for _, org := range []string{"org-1", "org-2"} {
		as, _ := f.alerts.List(ctx, alert.Filter{OrgID: org})
		if len(as) != 1 || as[0].Type != alert.TypeRenew7d {
			t.Errorf("org %s alerts = %+v, want one renew_7d", org, as)
		}
	}
}

func TestLoop_StopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.watch(t, "a", daysFromNow(20))
	r := renewal.NewRunner(f.store, f.scheduler(), log.Nop(), renewal.Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Loop(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for f.notifier.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("loop did not run immediately")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestNewRunner_PanicsWithoutScheduler(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	renewal.NewRunner(newFixture().store, nil, log.Nop(), renewal.Hooks{})
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := renewal.NewMetrics(reg)

	f := newFixture()
	f.notifier.err = errors.New("down")
	f.watch(t, "a", daysFromNow(0))
	f.watch(t, "b", daysFromNow(150))

	s := f.scheduler(renewal.WithHooks(m.Hooks()))
	r := renewal.NewRunner(f.store, s, log.Nop(), m.Hooks())
	if _, err := r.RunForOrg(context.Background(), "org-1"); err != nil {
		t.Fatalf("RunForOrg: %v", err)
	}

	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("escalated", "1")); got != 1 {
		t.Errorf("escalated/1 = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("dormant", "none")); got != 1 {
		t.Errorf("dormant/none = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NotifyFailures.WithLabelValues("1")); got != 1 {
		t.Errorf("notify failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("runs ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RecordFailures); got != 0 {
		t.Errorf("record failures = %v, want 0", got)
	}
}

func TestEnroll(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	p := &renewal.Policy{
		ID:             "pol-1",
		OrgID:          "org-1",
		VendorID:       "vendor-1",
		CoverageType:   "Auto",
		ExpirationDate: daysFromNow(40),
	}

	rec, created, err := renewal.Enroll(ctx, f.store, p, now)
	if err != nil || !created {
		t.Fatalf("Enroll = (%v, %v), want created", created, err)
	}
	if rec.Status != renewal.StatusActive || !rec.NextCheckAt.Equal(now) || rec.LastStage != stage.None {
		t.Errorf("record = %+v", rec)
	}

	again, created, err := renewal.Enroll(ctx, f.store, p, now)
	if err != nil || created || again != nil {
		t.Errorf("second Enroll = (%v, %v, %v), want (nil, false, nil)", again, created, err)
	}

	_, _, err = renewal.Enroll(ctx, f.store, &renewal.Policy{ID: "pol-2", OrgID: "org-1"}, now)
	if !errors.Is(err, renewal.ErrNoExpiration) {
		t.Errorf("err = %v, want ErrNoExpiration", err)
	}
}

func TestNotifiers_FanOut(t *testing.T) {
	t.Parallel()

	var calls []string
	mk := func(name string, err error) renewal.NamedNotifier {
		return renewal.NamedNotifier{Name: name, Notifier: renewal.NotifierFunc(
			func(context.Context, *renewal.EscalationEvent) error {
				calls = append(calls, name)
				return err
			})}
	}
	boom := errors.New("boom")
	ns := renewal.Notifiers{mk("email", boom), mk("slack", nil), mk("kafka", nil)}

	err := ns.Notify(context.Background(), &renewal.EscalationEvent{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want to wrap boom", err)
	}
	if len(calls) != 3 {
		t.Errorf("calls = %v, want all three", calls)
	}
}

func TestPolicyFacts(t *testing.T) {
	t.Parallel()

	p := &renewal.Policy{
		CoverageType: renewal.LimitAuto,
		Limits: map[string]float64{
			renewal.LimitAuto:             1_000_000,
			renewal.LimitGeneralLiability: 2_000_000,
		},
		ExpirationDate: daysFromNow(10),
	}
	facts := p.Facts()
	if facts[rules.FactLimit] != 1_000_000.0 {
		t.Errorf("limit = %v", facts[rules.FactLimit])
	}
	if facts[rules.FactGeneralLiabilityLimit] != 2_000_000.0 {
		t.Errorf("general liability limit = %v", facts[rules.FactGeneralLiabilityLimit])
	}
	if _, ok := facts[rules.FactExpirationDate].(time.Time); !ok {
		t.Errorf("expiration date = %#v, want time.Time", facts[rules.FactExpirationDate])
	}
}

func TestParseNotifyMode(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"every_cycle", "on_transition"} {
		if _, err := renewal.ParseNotifyMode(s); err != nil {
			t.Errorf("ParseNotifyMode(%q): %v", s, err)
		}
	}
	if _, err := renewal.ParseNotifyMode("sometimes"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func ids(rs []*renewal.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
