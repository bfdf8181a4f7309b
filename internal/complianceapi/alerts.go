package complianceapi

import (
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/coverwatch/internal/alert"
)

const maxListLimit = 500

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filter{
		OrgID:    chi.URLParam(r, "orgID"),
		VendorID: q.Get("vendor_id"),
		Type:     alert.Type(q.Get("type")),
		Limit:    100,
	}
	if s := q.Get("severity"); s != "" {
		sev, err := alert.ParseSeverity(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Severity = sev
	}
	if s := q.Get("include_resolved"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_resolved must be a boolean")
			return
		}
		f.IncludeResolved = v
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	alerts, err := a.deps.Alerts.List(r.Context(), f)
	if err != nil {
		a.internalError(w, r, err, "failed to list alerts", "org_id", f.OrgID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	stats, err := a.deps.Alerts.Stats(r.Context(), orgID)
	if err != nil {
		a.internalError(w, r, err, "failed to get alert stats", "org_id", orgID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("coverwatch.alert.id", id))

	al, ok, err := a.deps.Alerts.Get(r.Context(), orgID, id)
	if err != nil {
		a.internalError(w, r, err, "failed to get alert", "id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("coverwatch.alert.id", id))

	err := a.deps.Alerts.Resolve(r.Context(), orgID, id)
	switch {
	case errors.Is(err, alert.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		a.internalError(w, r, err, "failed to resolve alert", "id", id)
		return
	}
	a.logger.Info(r.Context(), "alert resolved", "org_id", orgID, "id", id)
	w.WriteHeader(http.StatusNoContent)
}
