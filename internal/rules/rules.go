// Package rules evaluates condition/action rules against a flat fact record
// describing a vendor's policy.
package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/coverwatch/internal/coerce"
)

// Verdict is the outcome of a single rule or of a whole rule set.
type Verdict string

const (
	Pass Verdict = "pass"
	Warn Verdict = "warn"
	Fail Verdict = "fail"
	// NotApplicable is only produced when the evaluator runs with UnmetNotApplicable.
	NotApplicable Verdict = "not_applicable"
)

// ConditionType names a primitive predicate.
type ConditionType string

const (
	ExpiresInDays ConditionType = "expires_in_days"
	LimitsMissing ConditionType = "limits_missing"
	PolicyType    ConditionType = "policy_type"
	LimitBelow    ConditionType = "limit_below"
	AnyFieldEmpty ConditionType = "any_field_empty"
)

// Fact keys read by the predicates.
const (
	FactExpirationDate        = "expirationDate"
	FactPolicyType            = "policyType"
	FactLimit                 = "limit"
	FactGeneralLiabilityLimit = "generalLiabilityLimit"
	FactAutoLimit             = "autoLimit"
	FactWorkCompLimit         = "workCompLimit"
)

var (
	ErrUnknownCondition = errors.New("unknown condition type")
	ErrUnknownVerdict   = errors.New("unknown action verdict")
	ErrInvalidValue     = errors.New("invalid condition value")
)

// Facts is the flat record a rule is evaluated against.
type Facts map[string]any

// Condition is one primitive predicate with its parameter.
type Condition struct {
	Type  ConditionType `json:"type" yaml:"type"`
	Value any           `json:"value,omitempty" yaml:"value,omitempty"`
}

// Action is what a rule reports when all its conditions hold.
type Action struct {
	Type  Verdict `json:"type" yaml:"type"`
	Label string  `json:"label" yaml:"label"`
}

// Rule is an ordered AND of conditions with a single action.
type Rule struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Action     Action      `json:"action" yaml:"action"`
}

// Result is the verdict for one rule.
type Result struct {
	RuleID   string  `json:"rule_id"`
	RuleName string  `json:"rule_name"`
	Result   Verdict `json:"result"`
	Label    string  `json:"label"`
}

// Source loads the rule set configured for an organization.
type Source interface {
	Rules(ctx context.Context, orgID string) ([]Rule, error)
}

// ParseConditionType rejects condition types outside the supported set.
func ParseConditionType(s string) (ConditionType, error) {
	switch ct := ConditionType(s); ct {
	case ExpiresInDays, LimitsMissing, PolicyType, LimitBelow, AnyFieldEmpty:
		return ct, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCondition, s)
}

// ParseVerdict accepts the verdicts a rule action may carry.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(s); v {
	case Pass, Warn, Fail:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVerdict, s)
}

// Validate checks a rule at construction time so that evaluation never meets
// an unknown condition or a malformed parameter.
func Validate(r Rule) error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	if _, err := ParseVerdict(string(r.Action.Type)); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	for i, c := range r.Conditions {
		if _, err := ParseConditionType(string(c.Type)); err != nil {
			return fmt.Errorf("rule %s condition %d: %w", r.ID, i, err)
		}
		switch c.Type {
		case ExpiresInDays, LimitBelow:
			if _, ok := coerce.Number(c.Value); !ok {
				return fmt.Errorf("rule %s condition %d: %w: %s needs a number, got %v", r.ID, i, ErrInvalidValue, c.Type, c.Value)
			}
		case PolicyType:
			if c.Value == nil {
				return fmt.Errorf("rule %s condition %d: %w: policy_type needs a value", r.ID, i, ErrInvalidValue)
			}
		}
	}
	return nil
}

// Aggregate folds rule results into one verdict: fail beats warn beats pass.
// Results that were not applicable do not contribute.
func Aggregate(results []Result) Verdict {
	out := Pass
	for _, r := range results {
		switch r.Result {
		case Fail:
			return Fail
		case Warn:
			out = Warn
		}
	}
	return out
}
