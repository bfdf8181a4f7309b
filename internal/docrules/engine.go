package docrules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/coerce"
)

// Engine evaluates extracted document fields against field rules.
type Engine struct {
	rules     RuleSource
	alerts    AlertRaiser
	summaries SummaryStore
	logger    log.Logger
	now       func() time.Time
}

// NewEngine creates an engine. All collaborators are required.
func NewEngine(rules RuleSource, alerts AlertRaiser, summaries SummaryStore, logger log.Logger) *Engine {
	if rules == nil {
		panic(xerrors.New("field rule source is required"))
	}
	if alerts == nil {
		panic(xerrors.New("alert raiser is required"))
	}
	if summaries == nil {
		panic(xerrors.New("summary store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		rules:     rules,
		alerts:    alerts,
		summaries: summaries,
		logger:    logger,
		now:       time.Now,
	}
}

// Evaluate applies the org's active field rules to facts. Each failing rule
// raises exactly one rule_fail_doc alert; a field that is absent from the
// document makes its rule not applicable. The vendor's summary is replaced
// once all rules have been applied.
func (e *Engine) Evaluate(ctx context.Context, orgID, vendorID, policyID string, facts map[string]any) (*Evaluation, error) {
	L := e.logger.With("org_id", orgID, "vendor_id", vendorID, "policy_id", policyID)

	rs, err := e.rules.FieldRules(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load field rules for org %s: %w", orgID, err)
	}

	ev := &Evaluation{
		Passing: []Check{},
		Failing: []Finding{},
		Missing: []Check{},
	}

	for _, r := range rs {
		if !r.Active {
			continue
		}

		actual, found := coerce.Lookup(facts, r.FieldPath)
		if !found || actual == nil {
			ev.Missing = append(ev.Missing, Check{RuleID: r.ID, FieldPath: r.FieldPath, Requirement: r.Requirement})
			continue
		}

		ok, err := Apply(r.Operator, actual, r.Expected)
		if errors.Is(err, ErrUnknownOperator) {
			L.Error(ctx, err, "field rule has unknown operator, treating as failed",
				"rule_id", r.ID,
				"operator", string(r.Operator),
			)
		}
		if ok {
			ev.Passing = append(ev.Passing, Check{RuleID: r.ID, FieldPath: r.FieldPath, Requirement: r.Requirement, Actual: actual})
			continue
		}

		f := findingFor(r, policyID, actual)
		id, _, err := e.alerts.Upsert(ctx, alert.DocumentRuleKey(orgID, vendorID, r.ID), alert.Details{
			Severity: f.Severity,
			Category: f.Category,
			Message:  f.Message,
			Metadata: f.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("raise alert for field rule %s: %w", r.ID, err)
		}
		f.AlertID = id
		ev.Failing = append(ev.Failing, f)
	}

	ev.Status = statusOf(len(ev.Passing), len(ev.Failing))
	ev.Summary = summarize(orgID, vendorID, policyID, ev, e.now().UTC())

	if err := e.summaries.PutSummary(ctx, ev.Summary); err != nil {
		return nil, fmt.Errorf("store compliance summary: %w", err)
	}

	L.Info(ctx, "document evaluated",
		"status", string(ev.Status),
		"passing", len(ev.Passing),
		"failing", len(ev.Failing),
		"missing", len(ev.Missing),
	)
	return ev, nil
}

func statusOf(passing, failing int) Status {
	switch {
	case failing > 0:
		return StatusFail
	case passing > 0:
		return StatusPass
	}
	return StatusUnknown
}

func findingFor(r FieldRule, policyID string, actual any) Finding {
	severity := r.Severity
	if severity == "" {
		severity = alert.SeverityMedium
	}
	category := r.Category
	if category == "" {
		category = "document"
	}
	requirement := r.Requirement
	if requirement == "" {
		requirement = r.FieldPath
	}
	return Finding{
		ID:        r.ID,
		Type:      alert.TypeRuleFailDoc,
		Category:  category,
		Severity:  severity,
		FieldPath: r.FieldPath,
		Message: fmt.Sprintf("%s: expected %s %s, found %s",
			requirement, r.Operator, coerce.String(r.Expected), coerce.String(actual)),
		Metadata: map[string]any{
			"policy_id":   policyID,
			"field_path":  r.FieldPath,
			"operator":    string(r.Operator),
			"expected":    r.Expected,
			"actual":      actual,
			"requirement": r.Requirement,
		},
	}
}

func summarize(orgID, vendorID, policyID string, ev *Evaluation, at time.Time) *Summary {
	s := &Summary{
		OrgID:     orgID,
		VendorID:  vendorID,
		PolicyID:  policyID,
		Status:    ev.Status,
		Passing:   len(ev.Passing),
		Failing:   len(ev.Failing),
		Missing:   len(ev.Missing),
		UpdatedAt: at,
	}
	for _, f := range ev.Failing {
		req, _ := f.Metadata["requirement"].(string)
		s.Failures = append(s.Failures, FailureNote{RuleID: f.ID, Severity: f.Severity, Requirement: req})
	}
	return s
}
