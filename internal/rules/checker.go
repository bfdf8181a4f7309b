package rules

import (
	"context"
	"fmt"
)

// Report is the outcome of checking one subject against an org's rule set.
type Report struct {
	OrgID   string   `json:"org_id"`
	Subject string   `json:"subject"`
	Results []Result `json:"results"`
	Verdict Verdict  `json:"verdict"`
}

// Checker evaluates an organization's configured rules against a fact record.
type Checker struct {
	source Source
	eval   *Evaluator
}

// NewChecker creates a Checker over the given rule source.
func NewChecker(source Source, eval *Evaluator) *Checker {
	return &Checker{source: source, eval: eval}
}

// Check loads the org's rules and evaluates all of them. No rules means pass.
func (c *Checker) Check(ctx context.Context, orgID, subject string, facts Facts) (*Report, error) {
	rs, err := c.source.Rules(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load rules for org %s: %w", orgID, err)
	}
	results, verdict := c.eval.EvaluateAll(rs, facts)
	return &Report{
		OrgID:   orgID,
		Subject: subject,
		Results: results,
		Verdict: verdict,
	}, nil
}
