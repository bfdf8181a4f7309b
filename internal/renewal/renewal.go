// Package renewal drives escalation for policies approaching expiration.
//
// Every due renewal record is re-staged from its expiration date on each
// cycle. An actionable stage raises the matching renewal alert, emits an
// EscalationEvent to the configured notifiers and pushes the record's next
// check out by one interval.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	"github.com/linnemanlabs/coverwatch/internal/rules"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

// ErrNotFound is returned when a renewal record does not exist.
var ErrNotFound = errors.New("renewal record not found")

// Status is the lifecycle state of a renewal record. Only active records are
// ever due; paused and completed are set by operators.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// ParseStatus rejects unknown statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusPaused, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown renewal status %q", s)
}

// Record tracks when a policy was last and will next be evaluated.
type Record struct {
	ID             string      `json:"id"`
	PolicyID       string      `json:"policy_id"`
	OrgID          string      `json:"org_id"`
	VendorID       string      `json:"vendor_id"`
	CoverageType   string      `json:"coverage_type"`
	ExpirationDate *time.Time  `json:"expiration_date,omitempty"`
	NextCheckAt    time.Time   `json:"next_check_at"`
	LastCheckedAt  *time.Time  `json:"last_checked_at,omitempty"`
	LastStage      stage.Stage `json:"last_stage"`
	Status         Status      `json:"status"`
}

// Policy is the fact view of one coverage line.
type Policy struct {
	ID             string             `json:"id"`
	OrgID          string             `json:"org_id"`
	VendorID       string             `json:"vendor_id"`
	CoverageType   string             `json:"coverage_type"`
	EffectiveDate  *time.Time         `json:"effective_date,omitempty"`
	ExpirationDate *time.Time         `json:"expiration_date,omitempty"`
	Limits         map[string]float64 `json:"limits,omitempty"`
}

// Limit keys understood by Facts.
const (
	LimitGeneralLiability = "general_liability"
	LimitAuto             = "auto"
	LimitWorkComp         = "workers_comp"
)

// Facts flattens the policy into the record the generic rule evaluator reads.
// The policy's own coverage limit is exposed as "limit".
func (p *Policy) Facts() rules.Facts {
	f := rules.Facts{
		rules.FactPolicyType:            p.CoverageType,
		rules.FactGeneralLiabilityLimit: p.Limits[LimitGeneralLiability],
		rules.FactAutoLimit:             p.Limits[LimitAuto],
		rules.FactWorkCompLimit:         p.Limits[LimitWorkComp],
	}
	if p.ExpirationDate != nil {
		f[rules.FactExpirationDate] = *p.ExpirationDate
	}
	if l, ok := p.Limits[p.CoverageType]; ok {
		f[rules.FactLimit] = l
	}
	return f
}

// Store persists renewal records.
type Store interface {
	// Watch creates the record for rec.PolicyID if none exists and reports
	// whether it did. An existing record is left untouched.
	Watch(ctx context.Context, rec *Record) (created bool, err error)
	Get(ctx context.Context, id string) (*Record, bool, error)
	// Due returns the org's active records with NextCheckAt <= now.
	Due(ctx context.Context, orgID string, now time.Time) ([]*Record, error)
	Reschedule(ctx context.Context, id string, checkedAt, nextCheckAt time.Time, last stage.Stage) error
	SetStatus(ctx context.Context, id string, st Status) error
	// OrgIDs lists every organization that has renewal records.
	OrgIDs(ctx context.Context) ([]string, error)
}

// FactSource returns current policy facts.
type FactSource interface {
	PolicyFacts(ctx context.Context, policyID string) (*Policy, bool, error)
}

// AlertRaiser upserts alerts by key. alert.Service satisfies it.
type AlertRaiser interface {
	Upsert(ctx context.Context, key alert.Key, d alert.Details) (id string, created bool, err error)
}

// Action is the alert a stage calls for.
type Action struct {
	Type     alert.Type
	Severity alert.Severity
}

// ActionFor maps an actionable stage to its alert. ok is false for None.
func ActionFor(s stage.Stage) (Action, bool) {
	switch s {
	case stage.Days90:
		return Action{alert.TypeRenew90d, alert.SeverityMedium}, true
	case stage.Days30:
		return Action{alert.TypeRenew30d, alert.SeverityHigh}, true
	case stage.Days7:
		return Action{alert.TypeRenew7d, alert.SeverityHigh}, true
	case stage.Days3:
		return Action{alert.TypeRenew3d, alert.SeverityHigh}, true
	case stage.Days1:
		return Action{alert.TypeRenew1d, alert.SeverityCritical}, true
	case stage.Expired:
		return Action{alert.TypeRenewExpired, alert.SeverityCritical}, true
	}
	return Action{}, false
}

func alertMessage(rec *Record, s stage.Stage, daysLeft int) string {
	coverage := rec.CoverageType
	if coverage == "" {
		coverage = "Policy"
	}
	switch s {
	case stage.Expired:
		return fmt.Sprintf("%s coverage EXPIRED %d day(s) ago", coverage, -daysLeft)
	case stage.Days1:
		return fmt.Sprintf("%s coverage expires within 1 day", coverage)
	}
	return fmt.Sprintf("%s coverage expires in %d days", coverage, daysLeft)
}
