// Package claude writes outreach emails with the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/coverwatch/internal/docrules"
	"github.com/linnemanlabs/coverwatch/internal/outbox"
	"github.com/linnemanlabs/coverwatch/internal/outreach"
)

var tracer = otel.Tracer("github.com/linnemanlabs/coverwatch/internal/llm/claude")

const defaultMaxTokens = 1024

const systemPrompt = `You write short, professional emails for an insurance compliance team.
The email asks a vendor, or the vendor's insurance broker, to renew a policy and send an
updated certificate of insurance. Use only the facts you are given. Do not invent policy
numbers, amounts or dates. Plain text, no markdown.

Reply in exactly this form:
Subject: <one line>

<body>`

// Composer implements outreach.Composer.
type Composer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Composer for model. Extra request options are passed to the
// SDK client.
func New(apiKey, model string, opts ...option.RequestOption) *Composer {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Composer{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

// Compose implements outreach.Composer.
func (c *Composer) Compose(ctx context.Context, r *outreach.Request) (outreach.Email, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.system", "anthropic"),
		attribute.String("gen_ai.request.model", c.model),
		attribute.String("outreach.role", string(r.Role)),
		attribute.String("outreach.stage", r.Event.Stage.String()),
	))
	defer span.End()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(r))),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outreach.Email{}, fmt.Errorf("claude messages: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", msg.Usage.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", msg.Usage.OutputTokens),
		attribute.String("gen_ai.response.finish_reason", string(msg.StopReason)),
	)

	email, err := parseEmail(textOf(msg))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outreach.Email{}, err
	}
	return email, nil
}

func buildPrompt(r *outreach.Request) string {
	ev := r.Event
	var b strings.Builder

	recipient := "the vendor"
	if r.Role == outbox.RoleBroker {
		recipient = "the vendor's insurance broker"
	}
	fmt.Fprintf(&b, "Write to %s", recipient)
	if name := r.RecipientName(); name != "" {
		fmt.Fprintf(&b, " (%s)", name)
	}
	b.WriteString(".\n\n")

	fmt.Fprintf(&b, "Vendor: %s\n", firstNonEmpty(r.Contact.VendorName, ev.VendorID))
	fmt.Fprintf(&b, "Coverage: %s\n", firstNonEmpty(ev.CoverageType, "insurance policy"))
	fmt.Fprintf(&b, "Expiration date: %s\n", ev.ExpirationDate.Format("2006-01-02"))
	if ev.DaysLeft < 0 {
		fmt.Fprintf(&b, "Status: EXPIRED %d day(s) ago\n", -ev.DaysLeft)
	} else {
		fmt.Fprintf(&b, "Days until expiration: %d\n", ev.DaysLeft)
	}
	fmt.Fprintf(&b, "Urgency: %s\n", ev.Severity)

	if s := r.Summary; s != nil && s.Status == docrules.StatusFail {
		b.WriteString("\nOpen compliance issues on the current certificate:\n")
		for _, f := range s.Failures {
			fmt.Fprintf(&b, "- %s\n", f.Requirement)
		}
	}
	return b.String()
}

func textOf(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "")
}

var errNoSubject = errors.New("claude reply has no subject line")

// parseEmail splits a "Subject: ..." reply into subject and body.
func parseEmail(text string) (outreach.Email, error) {
	text = strings.TrimSpace(text)
	first, rest, _ := strings.Cut(text, "\n")
	const prefix = "subject:"
	if len(first) < len(prefix) || !strings.EqualFold(first[:len(prefix)], prefix) {
		return outreach.Email{}, errNoSubject
	}
	subject := strings.TrimSpace(first[len(prefix):])
	body := strings.TrimSpace(rest)
	if subject == "" || body == "" {
		return outreach.Email{}, errNoSubject
	}
	return outreach.Email{Subject: subject, Body: body + "\n"}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
