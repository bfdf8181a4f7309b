package alert_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/alert/memstore"
)

func newService() (*alert.Service, *memstore.Store) {
	st := memstore.New()
	return alert.NewService(st, log.Nop()), st
}

func details(sev alert.Severity, msg string) alert.Details {
	return alert.Details{Severity: sev, Category: "renewal", Message: msg}
}

func TestUpsert_CreatesThenRefreshes(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	ctx := context.Background()
	key := alert.RenewalKey("org-1", "vendor-1", alert.TypeRenew30d)

	id1, created, err := svc.Upsert(ctx, key, details(alert.SeverityHigh, "first"))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !created {
		t.Fatal("first upsert should create")
	}

	id2, created, err := svc.Upsert(ctx, key, alert.Details{
		Severity: alert.SeverityCritical,
		Category: "renewal",
		Message:  "second",
		Metadata: map[string]any{"days_left": 25},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if created {
		t.Fatal("second upsert should refresh, not create")
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %q vs %q", id1, id2)
	}

	got, ok, err := svc.Get(ctx, "org-1", id1)
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v)", ok, err)
	}
	if got.Message != "second" || got.Severity != alert.SeverityCritical {
		t.Errorf("details not overwritten: %+v", got.Details)
	}
	if got.Metadata["days_left"] != 25 {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	open, err := svc.List(ctx, alert.Filter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(open))
	}
}

func TestUpsert_DistinctKeysDoNotCollide(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	ctx := context.Background()

	keys := []alert.Key{
		alert.RenewalKey("org-1", "vendor-1", alert.TypeRenew30d),
		alert.RenewalKey("org-1", "vendor-1", alert.TypeRenew7d),
		alert.RenewalKey("org-1", "vendor-2", alert.TypeRenew30d),
		alert.DocumentRuleKey("org-1", "vendor-1", "rule-a"),
		alert.DocumentRuleKey("org-1", "vendor-1", "rule-b"),
		alert.RenewalKey("org-2", "vendor-1", alert.TypeRenew30d),
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		id, created, err := svc.Upsert(ctx, k, details(alert.SeverityHigh, "x"))
		if err != nil {
			t.Fatalf("Upsert(%s): %v", k, err)
		}
		if !created || seen[id] {
			t.Fatalf("Upsert(%s) = (%q, %v), want a fresh alert", k, id, created)
		}
		seen[id] = true
	}
}

func TestResolveThenUpsert_CreatesNewAlert(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	ctx := context.Background()
	key := alert.DocumentRuleKey("org-1", "vendor-1", "rule-a")

	id1, _, err := svc.Upsert(ctx, key, details(alert.SeverityMedium, "x"))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := svc.Resolve(ctx, "org-1", id1); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	id2, created, err := svc.Upsert(ctx, key, details(alert.SeverityMedium, "x"))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !created || id2 == id1 {
		t.Fatalf("Upsert after resolve = (%q, %v), want new alert", id2, created)
	}

	old, _, _ := svc.Get(ctx, "org-1", id1)
	if old.Open() {
		t.Error("resolved alert reopened")
	}
}

func TestResolve_IdempotentAndNotFound(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	ctx := context.Background()
	id, _, err := svc.Upsert(ctx, alert.RenewalKey("org-1", "v", alert.TypeRenew1d), details(alert.SeverityCritical, "x"))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := svc.Resolve(ctx, "org-1", id); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	first, _, _ := svc.Get(ctx, "org-1", id)

	time.Sleep(time.Millisecond)
	if err := svc.Resolve(ctx, "org-1", id); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	second, _, _ := svc.Get(ctx, "org-1", id)
	if !first.ResolvedAt.Equal(*second.ResolvedAt) {
		t.Errorf("ResolvedAt moved: %v -> %v", first.ResolvedAt, second.ResolvedAt)
	}

	if err := svc.Resolve(ctx, "org-1", "missing"); !errors.Is(err, alert.ErrNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrNotFound", err)
	}
	if err := svc.Resolve(ctx, "org-other", id); !errors.Is(err, alert.ErrNotFound) {
		t.Errorf("Resolve(other org) = %v, want ErrNotFound", err)
	}
}

func TestUpsert_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	ctx := context.Background()

	tests := []struct {
		name string
		key  alert.Key
		d    alert.Details
	}{
		{"missing org", alert.RenewalKey("", "v", alert.TypeRenew7d), details(alert.SeverityHigh, "x")},
		{"missing vendor", alert.RenewalKey("o", "", alert.TypeRenew7d), details(alert.SeverityHigh, "x")},
		{"rule alert without rule", alert.Key{OrgID: "o", VendorID: "v", Type: alert.TypeRuleFailDoc}, details(alert.SeverityHigh, "x")},
		{"unknown severity", alert.RenewalKey("o", "v", alert.TypeRenew7d), details("urgent", "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.Upsert(ctx, tt.key, tt.d); err == nil {
				t.Error("expected error")
			}
		})
	}
}

type failingStore struct {
	alert.Store
	err error
}

func (f failingStore) Upsert(context.Context, alert.Key, alert.Details, string, time.Time) (alert.UpsertResult, error) {
	return alert.UpsertResult{}, f.err
}

func TestUpsert_PropagatesStoreError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	svc := alert.NewService(failingStore{err: boom}, log.Nop())
	_, _, err := svc.Upsert(context.Background(), alert.RenewalKey("o", "v", alert.TypeRenew7d), details(alert.SeverityHigh, "x"))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestUpsert_ConcurrentSameKeyYieldsOneOpenAlert(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	ctx := context.Background()
	key := alert.RenewalKey("org-1", "vendor-1", alert.TypeRenew3d)

	var wg sync.WaitGroup
	ids := make([]string, 32)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := svc.Upsert(ctx, key, details(alert.SeverityHigh, "x"))
			if err != nil {
				t.Errorf("Upsert: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent upserts produced distinct ids %q and %q", ids[0], id)
		}
	}
	st, err := svc.Stats(ctx, "org-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Open != 1 {
		t.Errorf("Open = %d, want 1", st.Open)
	}
}

func TestStats_CountsOpenBySeverity(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	ctx := context.Background()

	mustUpsert := func(k alert.Key, sev alert.Severity) string {
		t.Helper()
		id, _, err := svc.Upsert(ctx, k, details(sev, "x"))
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		return id
	}
	mustUpsert(alert.RenewalKey("org-1", "v1", alert.TypeRenew1d), alert.SeverityCritical)
	mustUpsert(alert.RenewalKey("org-1", "v2", alert.TypeRenew7d), alert.SeverityHigh)
	resolved := mustUpsert(alert.RenewalKey("org-1", "v3", alert.TypeRenew7d), alert.SeverityHigh)
	mustUpsert(alert.RenewalKey("org-2", "v1", alert.TypeRenew7d), alert.SeverityHigh)
	if err := svc.Resolve(ctx, "org-1", resolved); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	st, err := svc.Stats(ctx, "org-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Open != 2 {
		t.Errorf("Open = %d, want 2", st.Open)
	}
	if st.BySeverity[alert.SeverityCritical] != 1 || st.BySeverity[alert.SeverityHigh] != 1 {
		t.Errorf("BySeverity = %v", st.BySeverity)
	}

	all, _ := svc.List(ctx, alert.Filter{OrgID: "org-1", IncludeResolved: true})
	if len(all) != 3 {
		t.Errorf("List(include resolved) = %d, want 3", len(all))
	}
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	for _, s := range alert.Severities {
		if got, err := alert.ParseSeverity(string(s)); err != nil || got != s {
			t.Errorf("ParseSeverity(%q) = (%q, %v)", s, got, err)
		}
	}
	if _, err := alert.ParseSeverity("info"); err == nil {
		t.Error("ParseSeverity(info) should fail")
	}
}
