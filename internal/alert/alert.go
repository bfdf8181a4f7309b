// Package alert models compliance alerts and their deduplicating lifecycle.
//
// An alert is identified by its Key. At most one unresolved alert exists per
// key at any time: raising an alert for a key that already has an open one
// refreshes that alert in place instead of creating a second row.
package alert

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an alert id does not exist for the org.
var ErrNotFound = errors.New("alert not found")

// Severity ranks how urgently an alert needs attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists every severity from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// ParseSeverity rejects anything outside the known severities.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Type is the alert code.
type Type string

const (
	TypeRenew90d     Type = "renew_90d"
	TypeRenew30d     Type = "renew_30d"
	TypeRenew7d      Type = "renew_7d"
	TypeRenew3d      Type = "renew_3d"
	TypeRenew1d      Type = "renew_1d"
	TypeRenewExpired Type = "renew_expired"
	TypeRuleFailDoc  Type = "rule_fail_doc"
)

// Renewal reports whether t is one of the renewal escalation codes.
func (t Type) Renewal() bool {
	switch t {
	case TypeRenew90d, TypeRenew30d, TypeRenew7d, TypeRenew3d, TypeRenew1d, TypeRenewExpired:
		return true
	}
	return false
}

// Key is the dedup identity of an alert. RuleID is empty for alerts that are
// not tied to a rule.
type Key struct {
	OrgID    string `json:"org_id"`
	VendorID string `json:"vendor_id"`
	Type     Type   `json:"type"`
	RuleID   string `json:"rule_id,omitempty"`
}

// RenewalKey identifies a renewal-stage alert for a vendor.
func RenewalKey(orgID, vendorID string, t Type) Key {
	return Key{OrgID: orgID, VendorID: vendorID, Type: t}
}

// DocumentRuleKey identifies the alert raised by a failing document field rule.
func DocumentRuleKey(orgID, vendorID, ruleID string) Key {
	return Key{OrgID: orgID, VendorID: vendorID, Type: TypeRuleFailDoc, RuleID: ruleID}
}

func (k Key) String() string {
	if k.RuleID == "" {
		return k.OrgID + "/" + k.VendorID + "/" + string(k.Type)
	}
	return k.OrgID + "/" + k.VendorID + "/" + string(k.Type) + "/" + k.RuleID
}

// Validate checks that the identifying parts of the key are present.
func (k Key) Validate() error {
	var errs []error
	if k.OrgID == "" {
		errs = append(errs, errors.New("org id is required"))
	}
	if k.VendorID == "" {
		errs = append(errs, errors.New("vendor id is required"))
	}
	if k.Type == "" {
		errs = append(errs, errors.New("alert type is required"))
	}
	if k.Type == TypeRuleFailDoc && k.RuleID == "" {
		errs = append(errs, errors.New("rule id is required for rule_fail_doc alerts"))
	}
	return errors.Join(errs...)
}

// Details is the mutable payload of an alert. A refresh overwrites all of it.
type Details struct {
	Severity Severity       `json:"severity"`
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Alert is one stored alert.
type Alert struct {
	ID string `json:"id"`
	Key
	Details
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the alert is unresolved.
func (a *Alert) Open() bool { return a.ResolvedAt == nil }

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	OrgID           string
	VendorID        string
	Type            Type
	Severity        Severity
	IncludeResolved bool
	Limit           int
}

// Matches reports whether a passes the filter.
func (f Filter) Matches(a *Alert) bool {
	switch {
	case f.OrgID != "" && a.OrgID != f.OrgID:
		return false
	case f.VendorID != "" && a.VendorID != f.VendorID:
		return false
	case f.Type != "" && a.Type != f.Type:
		return false
	case f.Severity != "" && a.Severity != f.Severity:
		return false
	case !f.IncludeResolved && !a.Open():
		return false
	}
	return true
}

// Stats counts an org's unresolved alerts.
type Stats struct {
	Open       int              `json:"open"`
	BySeverity map[Severity]int `json:"by_severity"`
}
