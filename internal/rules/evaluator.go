package rules

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coverwatch/internal/coerce"
)

// UnmetMode decides what a rule reports when one of its conditions is false.
type UnmetMode int

const (
	// UnmetFails reports a rule whose conditions do not all hold as fail,
	// regardless of its configured action. This is the historical behaviour.
	UnmetFails UnmetMode = iota
	// UnmetNotApplicable reports such a rule as not_applicable instead.
	UnmetNotApplicable
)

// Evaluator applies rules to fact records.
type Evaluator struct {
	mode   UnmetMode
	now    func() time.Time
	logger log.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithUnmetMode selects how unmet conditions are reported.
func WithUnmetMode(m UnmetMode) Option {
	return func(e *Evaluator) { e.mode = m }
}

// WithClock overrides the time source used by expires_in_days.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator returns an evaluator in UnmetFails mode using wall-clock time.
func NewEvaluator(logger log.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = log.Nop()
	}
	e := &Evaluator{mode: UnmetFails, now: time.Now, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate runs the rule's conditions in order and stops at the first one
// that does not hold.
func (e *Evaluator) Evaluate(rule Rule, facts Facts) Result {
	res := Result{RuleID: rule.ID, RuleName: rule.Name}

	for _, c := range rule.Conditions {
		if !e.check(c, facts) {
			if e.mode == UnmetNotApplicable {
				res.Result = NotApplicable
			} else {
				res.Result = Fail
			}
			res.Label = rule.Action.Label
			return res
		}
	}

	res.Result = rule.Action.Type
	res.Label = rule.Action.Label
	return res
}

// EvaluateAll evaluates every rule and returns the results with their aggregate.
func (e *Evaluator) EvaluateAll(rs []Rule, facts Facts) ([]Result, Verdict) {
	out := make([]Result, 0, len(rs))
	for _, r := range rs {
		out = append(out, e.Evaluate(r, facts))
	}
	return out, Aggregate(out)
}

func (e *Evaluator) check(c Condition, facts Facts) bool {
	switch c.Type {
	case ExpiresInDays:
		limit, ok := coerce.Number(c.Value)
		if !ok {
			return false
		}
		exp, ok := coerce.Time(facts[FactExpirationDate])
		if !ok {
			return false
		}
		days := float64(exp.Sub(e.now())) / float64(24*time.Hour)
		return days <= limit

	case LimitsMissing:
		return !coerce.Truthy(facts[FactGeneralLiabilityLimit]) ||
			!coerce.Truthy(facts[FactAutoLimit]) ||
			!coerce.Truthy(facts[FactWorkCompLimit])

	case PolicyType:
		return coerce.Equal(facts[FactPolicyType], c.Value)

	case LimitBelow:
		v := facts[FactLimit]
		if v == nil {
			v = 0
		}
		actual, ok := coerce.Number(v)
		if !ok {
			return false
		}
		want, ok := coerce.Number(c.Value)
		if !ok {
			return false
		}
		return actual < want

	case AnyFieldEmpty:
		for _, v := range facts {
			if !coerce.Truthy(v) {
				return true
			}
		}
		return false
	}

	// Validate keeps unknown types out of configured rules; anything that
	// still gets here fails closed.
	e.logger.Warn(context.Background(), "unknown rule condition type, treating as unmet",
		"condition_type", string(c.Type),
	)
	return false
}
