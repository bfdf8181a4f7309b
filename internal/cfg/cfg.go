package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/coverwatch/internal/authmw"
	"github.com/linnemanlabs/coverwatch/internal/renewal"
)

// Config adds coverwatch-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string

	DatabaseURL      string
	DBMaxConns       int
	DBLogQueriesOver time.Duration

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SummaryCacheTTL time.Duration

	KafkaBrokers string
	KafkaTopic   string

	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
	SMTPFrom          string
	SMTPRequireTLS    bool
	OutboxInterval    time.Duration
	OutboxBatch       int
	OutboxMaxAttempts int

	ClaudeAPIKey    string
	ClaudeModel     string
	SlackWebhookURL string
	SenderName      string

	RulesFile          string
	FieldRulesFile     string
	UnmetNotApplicable bool

	NotifyMode      string
	RenewalInterval time.Duration
	CheckInterval   time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "bearer tokens and their orgs, token=org1,org2;token2=* (empty = no auth)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory stores)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum pooled database connections (0 = pgx default)")
	fs.DurationVar(&c.DBLogQueriesOver, "db-log-queries-over", 0, "only log successful queries slower than this (0 = log all)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the compliance summary cache (empty = no cache)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis logical database")
	fs.DurationVar(&c.SummaryCacheTTL, "summary-cache-ttl", time.Hour, "how long cached compliance summaries live (0 = until replaced)")

	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers for escalation events (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "coverwatch.escalations", "Kafka topic for escalation events")

	fs.StringVar(&c.SMTPHost, "smtp-host", "", "SMTP relay host for outreach email (empty = outreach disabled)")
	fs.IntVar(&c.SMTPPort, "smtp-port", 587, "SMTP relay port (1..65535)")
	fs.StringVar(&c.SMTPUsername, "smtp-username", "", "SMTP username")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP password")
	fs.StringVar(&c.SMTPFrom, "smtp-from", "", "From address for outreach email")
	fs.BoolVar(&c.SMTPRequireTLS, "smtp-require-tls", true, "refuse to send outreach email without STARTTLS")
	fs.DurationVar(&c.OutboxInterval, "outbox-interval", 30*time.Second, "how often queued outreach email is sent")
	fs.IntVar(&c.OutboxBatch, "outbox-batch", 50, "outreach emails sent per drain (1..1000)")
	fs.IntVar(&c.OutboxMaxAttempts, "outbox-max-attempts", 5, "send attempts before an outreach email is marked failed")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for drafting outreach email with Claude (empty = templates only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for critical renewal notifications")
	fs.StringVar(&c.SenderName, "sender-name", "Compliance Team", "signature on outreach email")

	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML file with generic policy rules per organization")
	fs.StringVar(&c.FieldRulesFile, "field-rules-file", "", "YAML file with document field rules (overrides the database)")
	fs.BoolVar(&c.UnmetNotApplicable, "rules-unmet-not-applicable", false, "report rules with unmet conditions as not_applicable instead of fail")

	fs.StringVar(&c.NotifyMode, "notify-mode", string(renewal.NotifyEveryCycle), "when to notify on a renewal stage: every_cycle or on_transition")
	fs.DurationVar(&c.RenewalInterval, "renewal-interval", time.Hour, "how often due renewals are evaluated")
	fs.DurationVar(&c.CheckInterval, "check-interval", renewal.DefaultCheckInterval, "delay before a renewal record is checked again")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if _, err := c.Tokens(); err != nil {
		errs = append(errs, fmt.Errorf("invalid API_TOKENS: %w", err))
	}

	if c.DBMaxConns < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be >= 0)", c.DBMaxConns))
	}
	if c.DBLogQueriesOver < 0 {
		errs = append(errs, errors.New("DB_LOG_QUERIES_OVER must not be negative"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}
	if c.SummaryCacheTTL < 0 {
		errs = append(errs, errors.New("SUMMARY_CACHE_TTL must not be negative"))
	}

	if len(c.Brokers()) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	// Outreach email
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid SMTP_PORT %d (must be 1..65535)", c.SMTPPort))
	}
	if c.OutboxInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_INTERVAL must be positive"))
	}
	if c.OutboxBatch <= 0 || c.OutboxBatch > 1000 {
		errs = append(errs, fmt.Errorf("invalid OUTBOX_BATCH %d (must be 1..1000)", c.OutboxBatch))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("invalid OUTBOX_MAX_ATTEMPTS %d (must be >= 1)", c.OutboxMaxAttempts))
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	// Renewal scheduling
	if _, err := renewal.ParseNotifyMode(c.NotifyMode); err != nil {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_MODE: %w", err))
	}
	if c.RenewalInterval <= 0 {
		errs = append(errs, errors.New("RENEWAL_INTERVAL must be positive"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("CHECK_INTERVAL must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Brokers splits KafkaBrokers, dropping empty entries.
func (c *Config) Brokers() []string {
	var out []string
	for b := range strings.SplitSeq(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Tokens parses APITokens. An empty value disables API auth.
func (c *Config) Tokens() (authmw.Tokens, error) {
	if strings.TrimSpace(c.APITokens) == "" {
		return nil, nil
	}
	return authmw.ParseTokens(c.APITokens)
}
