// Package complianceapi serves the admin HTTP API for alerts, document
// evaluation and renewal runs.
package complianceapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/authmw"
	"github.com/linnemanlabs/coverwatch/internal/docrules"
	"github.com/linnemanlabs/coverwatch/internal/outreach"
	"github.com/linnemanlabs/coverwatch/internal/renewal"
	"github.com/linnemanlabs/coverwatch/internal/rules"
)

// maxBodyBytes bounds request bodies; extracted documents are small.
const maxBodyBytes = 1 << 20

// AlertService is the alert operations the API exposes.
type AlertService interface {
	Get(ctx context.Context, orgID, id string) (*alert.Alert, bool, error)
	List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error)
	Stats(ctx context.Context, orgID string) (*alert.Stats, error)
	Resolve(ctx context.Context, orgID, id string) error
}

// DocumentEvaluator runs field rules over an extracted document.
type DocumentEvaluator interface {
	Evaluate(ctx context.Context, orgID, vendorID, policyID string, facts map[string]any) (*docrules.Evaluation, error)
}

// RenewalRunner runs one org's due renewals.
type RenewalRunner interface {
	RunForOrg(ctx context.Context, orgID string) (renewal.RunStats, error)
}

// PolicyStore holds policy facts and renewal records.
type PolicyStore interface {
	renewal.Store
	renewal.FactSource
	PutPolicy(ctx context.Context, p *renewal.Policy) error
}

// RuleChecker evaluates an org's generic rules.
type RuleChecker interface {
	Check(ctx context.Context, orgID, subject string, facts rules.Facts) (*rules.Report, error)
}

// ContactStore saves vendor contacts.
type ContactStore interface {
	PutContact(ctx context.Context, c *outreach.Contact) error
}

// Deps are the API's collaborators. Alerts, Documents, Runner and Policies
// are required.
type Deps struct {
	Alerts    AlertService
	Documents DocumentEvaluator
	Summaries docrules.SummaryReader
	Runner    RenewalRunner
	Policies  PolicyStore
	Rules     RuleChecker
	Contacts  ContactStore
	// Tokens enables bearer auth on every route when non-empty.
	Tokens authmw.Tokens
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	deps   Deps
	now    func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, deps Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	switch {
	case deps.Alerts == nil:
		panic(xerrors.New("alert service is required"))
	case deps.Documents == nil:
		panic(xerrors.New("document evaluator is required"))
	case deps.Runner == nil:
		panic(xerrors.New("renewal runner is required"))
	case deps.Policies == nil:
		panic(xerrors.New("policy store is required"))
	}
	return &API{
		logger: logger,
		deps:   deps,
		now:    time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/orgs/{orgID}", func(r chi.Router) {
		if len(a.deps.Tokens) > 0 {
			r.Use(authmw.BearerToken(a.deps.Tokens))
			r.Use(authmw.RequireOrg(func(r *http.Request) string { return chi.URLParam(r, "orgID") }))
		}
		r.Use(a.tagOrg)

		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/stats", a.handleAlertStats)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Post("/alerts/{id}/resolve", a.handleResolveAlert)

		r.Post("/runs", a.handleRun)
		r.Put("/renewals/{id}/status", a.handleSetRenewalStatus)

		r.Post("/vendors/{vendorID}/policies/{policyID}/documents", a.handleSubmitDocument)
		r.Get("/vendors/{vendorID}/summary", a.handleGetSummary)
		r.Put("/vendors/{vendorID}/contact", a.handlePutContact)

		r.Post("/policies/{policyID}/check", a.handleCheckPolicy)
	})
}

func (a *API) tagOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("coverwatch.org_id", chi.URLParam(r, "orgID")),
		)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	a.logger.Error(r.Context(), err, msg, kv...)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}
