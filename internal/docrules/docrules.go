// Package docrules checks the fields extracted from an uploaded policy
// document against an organization's field rules, raising an alert for
// every failing rule and keeping one compliance summary per vendor.
package docrules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/coerce"
)

// ErrUnknownOperator is returned for operators outside the supported set.
var ErrUnknownOperator = errors.New("unknown field rule operator")

// Operator compares the value found at a field path with the expected value.
type Operator string

const (
	Equals    Operator = "equals"
	NotEquals Operator = "not_equals"
	Gte       Operator = "gte"
	Lte       Operator = "lte"
	Contains  Operator = "contains"
)

// ParseOperator rejects operators outside the supported set.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case Equals, NotEquals, Gte, Lte, Contains:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
}

// Apply reports whether actual satisfies op against expected. Unknown
// operators return ErrUnknownOperator.
func Apply(op Operator, actual, expected any) (bool, error) {
	switch op {
	case Equals:
		return coerce.Equal(actual, expected), nil
	case NotEquals:
		return !coerce.Equal(actual, expected), nil
	case Gte, Lte:
		a, okA := coerce.Number(actual)
		e, okE := coerce.Number(expected)
		if !okA || !okE {
			return false, nil
		}
		if op == Gte {
			return a >= e, nil
		}
		return a <= e, nil
	case Contains:
		return contains(actual, expected), nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

func contains(actual, expected any) bool {
	switch x := actual.(type) {
	case []any:
		for _, el := range x {
			if coerce.Equal(el, expected) {
				return true
			}
		}
		return false
	case []string:
		for _, el := range x {
			if coerce.Equal(el, expected) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(strings.ToLower(x), strings.ToLower(coerce.String(expected)))
	}
	return false
}

// FieldRule is one organization-configured check on an extracted field.
type FieldRule struct {
	ID          string         `json:"id" yaml:"id"`
	OrgID       string         `json:"org_id" yaml:"-"`
	FieldPath   string         `json:"field_path" yaml:"field_path"`
	Operator    Operator       `json:"operator" yaml:"operator"`
	Expected    any            `json:"expected" yaml:"expected"`
	Severity    alert.Severity `json:"severity" yaml:"severity"`
	Category    string         `json:"category" yaml:"category"`
	Requirement string         `json:"requirement" yaml:"requirement"`
	Active      bool           `json:"active" yaml:"active"`
}

// Validate checks a field rule at load time.
func Validate(r FieldRule) error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("field rule id is required"))
	}
	if r.FieldPath == "" {
		errs = append(errs, fmt.Errorf("field rule %s: field path is required", r.ID))
	}
	if _, err := ParseOperator(string(r.Operator)); err != nil {
		errs = append(errs, fmt.Errorf("field rule %s: %w", r.ID, err))
	}
	if _, err := alert.ParseSeverity(string(r.Severity)); err != nil {
		errs = append(errs, fmt.Errorf("field rule %s: %w", r.ID, err))
	}
	return errors.Join(errs...)
}

// Check is the outcome of one rule that passed or could not be applied.
type Check struct {
	RuleID      string `json:"rule_id"`
	FieldPath   string `json:"field_path"`
	Requirement string `json:"requirement"`
	Actual      any    `json:"actual,omitempty"`
}

// Finding is a failing rule, shaped as the alert it raises.
type Finding struct {
	ID        string         `json:"id"`
	Type      alert.Type     `json:"type"`
	Category  string         `json:"category"`
	Severity  alert.Severity `json:"severity"`
	FieldPath string         `json:"field_path"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	AlertID   string         `json:"alert_id,omitempty"`
}

// Status is the aggregate outcome of a document evaluation.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusUnknown Status = "unknown"
)

// Summary is the materialized compliance state of one vendor. It is replaced
// on every evaluation.
type Summary struct {
	OrgID     string        `json:"org_id"`
	VendorID  string        `json:"vendor_id"`
	PolicyID  string        `json:"policy_id"`
	Status    Status        `json:"status"`
	Passing   int           `json:"passing"`
	Failing   int           `json:"failing"`
	Missing   int           `json:"missing"`
	Failures  []FailureNote `json:"failures,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FailureNote is the short form of a failing rule kept on the summary.
type FailureNote struct {
	RuleID      string         `json:"rule_id"`
	Severity    alert.Severity `json:"severity"`
	Requirement string         `json:"requirement"`
}

// Evaluation is the full result of checking one document.
type Evaluation struct {
	Passing []Check   `json:"passing"`
	Failing []Finding `json:"failing"`
	Missing []Check   `json:"missing"`
	Status  Status    `json:"status"`
	Summary *Summary  `json:"summary"`
}

// RuleSource loads an organization's field rules.
type RuleSource interface {
	FieldRules(ctx context.Context, orgID string) ([]FieldRule, error)
}

// SummaryStore replaces the compliance summary for a vendor.
type SummaryStore interface {
	PutSummary(ctx context.Context, s *Summary) error
}

// SummaryReader returns the latest compliance summary for a vendor.
type SummaryReader interface {
	Summary(ctx context.Context, orgID, vendorID string) (*Summary, bool, error)
}

// AlertRaiser upserts alerts by key. alert.Service satisfies it.
type AlertRaiser interface {
	Upsert(ctx context.Context, key alert.Key, d alert.Details) (id string, created bool, err error)
}
