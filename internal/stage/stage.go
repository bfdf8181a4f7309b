// Package stage maps the time remaining on an insurance policy to a discrete
// urgency bucket. Stages are recomputed on every evaluation; they are never
// stored as the source of truth for transitions.
package stage

import (
	"fmt"
	"math"
	"time"
)

// Stage is an urgency bucket derived from days until expiration.
type Stage int

const (
	// None means more than 90 days remain, nothing to do.
	None Stage = iota
	Days90
	Days30
	Days7
	Days3
	Days1
	// Expired means the expiration date has passed.
	Expired
)

// Day is the length of one evaluation day.
const Day = 24 * time.Hour

var names = map[Stage]string{
	None:    "none",
	Days90:  "90",
	Days30:  "30",
	Days7:   "7",
	Days3:   "3",
	Days1:   "1",
	Expired: "0",
}

// All lists every stage from least to most urgent.
var All = []Stage{None, Days90, Days30, Days7, Days3, Days1, Expired}

// DaysLeft returns floor((expiration - now) / 1 day).
func DaysLeft(expiration, now time.Time) int {
	return int(math.Floor(float64(expiration.Sub(now)) / float64(Day)))
}

// Classify returns the stage for a policy expiring at expiration, evaluated at now.
func Classify(expiration, now time.Time) Stage {
	return ClassifyDays(DaysLeft(expiration, now))
}

// ClassifyDays buckets a whole number of remaining days. Lower bounds are
// inclusive, upper bounds exclusive.
func ClassifyDays(days int) Stage {
	switch {
	case days > 90:
		return None
	case days > 30:
		return Days90
	case days > 7:
		return Days30
	case days > 3:
		return Days7
	case days > 1:
		return Days3
	case days >= 0:
		return Days1
	default:
		return Expired
	}
}

// Actionable reports whether the stage requires an alert.
func (s Stage) Actionable() bool {
	return s > None && s <= Expired
}

// Urgency is a rank that only increases as expiration approaches.
func (s Stage) Urgency() int { return int(s) }

// Window returns the day threshold the stage is named after, or -1 for None.
func (s Stage) Window() int {
	switch s {
	case Days90:
		return 90
	case Days30:
		return 30
	case Days7:
		return 7
	case Days3:
		return 3
	case Days1:
		return 1
	case Expired:
		return 0
	default:
		return -1
	}
}

// AtMost reports whether the stage's window is at or below days, i.e. the
// policy is at least that urgent. None is never at most anything.
func (s Stage) AtMost(days int) bool {
	w := s.Window()
	return w >= 0 && w <= days
}

func (s Stage) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	if _, ok := names[s]; !ok {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name.
func (s *Stage) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Parse converts a stage name ("none", "90", "30", "7", "3", "1", "0") to a Stage.
func Parse(name string) (Stage, error) {
	for st, n := range names {
		if n == name {
			return st, nil
		}
	}
	if name == "" {
		return None, nil
	}
	return None, fmt.Errorf("unknown stage %q", name)
}
