package outreach_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/docrules"
	docmem "github.com/linnemanlabs/coverwatch/internal/docrules/memstore"
	"github.com/linnemanlabs/coverwatch/internal/outbox"
	outboxmem "github.com/linnemanlabs/coverwatch/internal/outbox/memstore"
	"github.com/linnemanlabs/coverwatch/internal/outreach"
	"github.com/linnemanlabs/coverwatch/internal/outreach/memstore"
	"github.com/linnemanlabs/coverwatch/internal/renewal"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

var exp = time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)

func event(st stage.Stage, daysLeft int) *renewal.EscalationEvent {
	return &renewal.EscalationEvent{
		OrgID:          "org-1",
		VendorID:       "vendor-1",
		PolicyID:       "pol-1",
		CoverageType:   "General Liability",
		Stage:          st,
		DaysLeft:       daysLeft,
		ExpirationDate: exp,
	}
}

type harness struct {
	dir       *memstore.Directory
	summaries *docmem.Store
	queue     *outboxmem.Queue
	planner   *outreach.Planner
}

func newHarness(t *testing.T, composer outreach.Composer) *harness {
	t.Helper()
	h := &harness{
		dir:       memstore.New(),
		summaries: docmem.New(),
		queue:     outboxmem.New(),
	}
	if composer == nil {
		composer = outreach.TemplateComposer{Sender: "Coverwatch"}
	}
	h.planner = outreach.NewPlanner(h.dir, h.summaries, composer, h.queue, log.Nop())
	if err := h.dir.PutContact(context.Background(), &outreach.Contact{
		OrgID:       "org-1",
		VendorID:    "vendor-1",
		VendorName:  "Acme Roofing",
		VendorEmail: "ops@acme.test",
		BrokerName:  "Pat Broker",
		BrokerEmail: "pat@agency.test",
	}); err != nil {
		t.Fatalf("PutContact: %v", err)
	}
	return h
}

func roles(ms []*outbox.Message) map[outbox.Role]*outbox.Message {
	out := make(map[outbox.Role]*outbox.Message)
	for _, m := range ms {
		out[m.Role] = m
	}
	return out
}

func TestPlanner_BrokerOnlyWithinSevenDays(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stage      stage.Stage
		daysLeft   int
		wantBroker bool
	}{
		{stage.Days90, 60, false},
		{stage.Days30, 20, false},
		{stage.Days7, 6, true},
		{stage.Days3, 2, true},
		{stage.Days1, 0, true},
		{stage.Expired, -4, true},
	}

	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			if err := h.planner.Notify(context.Background(), event(tt.stage, tt.daysLeft)); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			got := roles(h.queue.All())
			if got[outbox.RoleVendor] == nil {
				t.Error("vendor email not queued")
			}
			if (got[outbox.RoleBroker] != nil) != tt.wantBroker {
				t.Errorf("broker queued = %v, want %v", got[outbox.RoleBroker] != nil, tt.wantBroker)
			}
			if b := got[outbox.RoleBroker]; b != nil && b.Recipient != "pat@agency.test" {
				t.Errorf("broker recipient = %q", b.Recipient)
			}
		})
	}
}

func TestPlanner_NoVendorAddress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_ = h.dir.PutContact(context.Background(), &outreach.Contact{
		OrgID: "org-1", VendorID: "vendor-1", BrokerEmail: "pat@agency.test",
	})

	if err := h.planner.Notify(context.Background(), event(stage.Days30, 20)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if n := len(h.queue.All()); n != 0 {
		t.Errorf("queued = %d, want 0", n)
	}

	if err := h.planner.Notify(context.Background(), event(stage.Days3, 2)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	ms := h.queue.All()
	if len(ms) != 1 || ms[0].Role != outbox.RoleBroker {
		t.Errorf("queued = %+v, want broker only", ms)
	}
}

func TestPlanner_UnknownVendorIsNotAnError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ev := event(stage.Days7, 5)
	ev.VendorID = "vendor-unknown"
	if err := h.planner.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if n := len(h.queue.All()); n != 0 {
		t.Errorf("queued = %d, want 0", n)
	}
}

func TestPlanner_MessageFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.planner.Notify(context.Background(), event(stage.Expired, -3)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	m := roles(h.queue.All())[outbox.RoleVendor]
	if m == nil {
		t.Fatal("vendor email not queued")
	}
	if m.ID == "" || m.Status != outbox.StatusQueued || m.Stage != stage.Expired || m.PolicyID != "pol-1" {
		t.Errorf("message = %+v", m)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("queued message invalid: %v", err)
	}
	if !strings.Contains(m.Subject, "EXPIRED") {
		t.Errorf("subject = %q, want EXPIRED", m.Subject)
	}
}

func TestPlanner_IncludesComplianceFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_ = h.summaries.PutSummary(context.Background(), &docrules.Summary{
		OrgID:    "org-1",
		VendorID: "vendor-1",
		Status:   docrules.StatusFail,
		Failing:  1,
		Failures: []docrules.FailureNote{{
			RuleID:      "gl-min",
			Severity:    alert.SeverityHigh,
			Requirement: "general liability limit gte 1000000",
		}},
	})

	if err := h.planner.Notify(context.Background(), event(stage.Days30, 25)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	m := roles(h.queue.All())[outbox.RoleVendor]
	if !strings.Contains(m.Body, "general liability limit gte 1000000") {
		t.Errorf("body missing compliance failure:\n%s", m.Body)
	}
}

type stubComposer struct {
	email outreach.Email
	err   error
	calls int
}

func (s *stubComposer) Compose(context.Context, *outreach.Request) (outreach.Email, error) {
	s.calls++
	return s.email, s.err
}

func TestPlanner_ComposerFailureJoined(t *testing.T) {
	t.Parallel()

	boom := errors.New("model overloaded")
	h := newHarness(t, &stubComposer{err: boom})
	err := h.planner.Notify(context.Background(), event(stage.Days3, 2))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want to wrap composer error", err)
	}
	if n := len(h.queue.All()); n != 0 {
		t.Errorf("queued = %d, want 0", n)
	}
}

func TestFallbackComposer(t *testing.T) {
	t.Parallel()

	req := &outreach.Request{
		Event:   event(stage.Days7, 6),
		Contact: &outreach.Contact{VendorName: "Acme"},
		Role:    outbox.RoleVendor,
	}
	secondary := outreach.TemplateComposer{}

	t.Run("primary ok", func(t *testing.T) {
		t.Parallel()
		p := &stubComposer{email: outreach.Email{Subject: "s", Body: "b"}}
		got, err := outreach.FallbackComposer{Primary: p, Secondary: secondary}.Compose(context.Background(), req)
		if err != nil || got.Subject != "s" {
			t.Errorf("Compose = (%+v, %v), want primary output", got, err)
		}
	})

	t.Run("primary error", func(t *testing.T) {
		t.Parallel()
		p := &stubComposer{err: errors.New("timeout")}
		got, err := outreach.FallbackComposer{Primary: p, Secondary: secondary, Logger: log.Nop()}.Compose(context.Background(), req)
		if err != nil {
			t.Fatalf("Compose: %v", err)
		}
		if got.Subject != outreach.Subject(req) {
			t.Errorf("subject = %q, want template subject", got.Subject)
		}
	})

	t.Run("primary empty", func(t *testing.T) {
		t.Parallel()
		p := &stubComposer{email: outreach.Email{Subject: "s"}}
		got, _ := outreach.FallbackComposer{Primary: p, Secondary: secondary}.Compose(context.Background(), req)
		if got.Body == "" {
			t.Error("empty body not replaced by fallback")
		}
	})
}

func TestTemplateComposer_Subjects(t *testing.T) {
	t.Parallel()

	c := &outreach.Contact{VendorName: "Acme"}
	tests := []struct {
		stage    stage.Stage
		daysLeft int
		role     outbox.Role
		want     string
	}{
		{stage.Days90, 80, outbox.RoleVendor, "General Liability coverage for Acme expires in 80 days"},
		{stage.Days1, 0, outbox.RoleVendor, "URGENT: General Liability coverage for Acme expires tomorrow"},
		{stage.Expired, -2, outbox.RoleBroker, "Renewal status request: ACTION REQUIRED: General Liability coverage for Acme has EXPIRED"},
	}
	for _, tt := range tests {
		r := &outreach.Request{Event: event(tt.stage, tt.daysLeft), Contact: c, Role: tt.role}
		if got := outreach.Subject(r); got != tt.want {
			t.Errorf("Subject(%v, %s) = %q, want %q", tt.stage, tt.role, got, tt.want)
		}
	}
}
