package outreach

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/coverwatch/internal/docrules"
	"github.com/linnemanlabs/coverwatch/internal/outbox"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

// TemplateComposer writes fixed-form emails. It never fails.
type TemplateComposer struct {
	// Sender signs the email body.
	Sender string
}

// Compose implements Composer.
func (t TemplateComposer) Compose(_ context.Context, r *Request) (Email, error) {
	return Email{Subject: Subject(r), Body: t.body(r)}, nil
}

// Subject is the fixed subject line for a request.
func Subject(r *Request) string {
	ev := r.Event
	coverage := coverageName(ev.CoverageType)
	vendor := r.Contact.VendorName
	if vendor == "" {
		vendor = ev.VendorID
	}

	var s string
	switch ev.Stage {
	case stage.Expired:
		s = fmt.Sprintf("ACTION REQUIRED: %s coverage for %s has EXPIRED", coverage, vendor)
	case stage.Days1:
		s = fmt.Sprintf("URGENT: %s coverage for %s expires tomorrow", coverage, vendor)
	default:
		s = fmt.Sprintf("%s coverage for %s expires in %d days", coverage, vendor, ev.DaysLeft)
	}
	if r.Role == outbox.RoleBroker {
		s = "Renewal status request: " + s
	}
	return s
}

func (t TemplateComposer) body(r *Request) string {
	ev := r.Event
	var b strings.Builder

	name := r.RecipientName()
	if name == "" {
		name = "there"
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)

	coverage := coverageName(ev.CoverageType)
	exp := ev.ExpirationDate.Format("January 2, 2006")
	switch {
	case ev.Stage == stage.Expired:
		fmt.Fprintf(&b, "Our records show the %s policy on file for %s expired on %s (%d day(s) ago).\n",
			coverage, r.Contact.VendorName, exp, -ev.DaysLeft)
	default:
		fmt.Fprintf(&b, "The %s policy on file for %s expires on %s.\n", coverage, r.Contact.VendorName, exp)
	}

	if r.Role == outbox.RoleBroker {
		b.WriteString("Could you confirm the renewal status and send the renewed certificate of insurance?\n")
	} else {
		b.WriteString("Please send an updated certificate of insurance once the policy has been renewed.\n")
	}

	if s := r.Summary; s != nil && s.Status == docrules.StatusFail && len(s.Failures) > 0 {
		b.WriteString("\nThe current certificate also has open compliance issues:\n")
		for _, f := range s.Failures {
			fmt.Fprintf(&b, "  - %s\n", f.Requirement)
		}
	}

	sender := t.Sender
	if sender == "" {
		sender = "Compliance team"
	}
	fmt.Fprintf(&b, "\nThank you,\n%s\n", sender)
	return b.String()
}

func coverageName(c string) string {
	if c == "" {
		return "Insurance"
	}
	return c
}
