// Coverwatch tracks vendor insurance policies toward renewal, escalating and
// notifying as expiration approaches, and checks uploaded policy documents
// against each organization's compliance rules.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	otelpyroscope "github.com/grafana/otel-profiling-go"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/coverwatch/internal/alert"
	alertmem "github.com/linnemanlabs/coverwatch/internal/alert/memstore"
	alertpg "github.com/linnemanlabs/coverwatch/internal/alert/pgstore"
	vc "github.com/linnemanlabs/coverwatch/internal/cfg"
	"github.com/linnemanlabs/coverwatch/internal/complianceapi"
	"github.com/linnemanlabs/coverwatch/internal/docrules"
	docmem "github.com/linnemanlabs/coverwatch/internal/docrules/memstore"
	docpg "github.com/linnemanlabs/coverwatch/internal/docrules/pgstore"
	"github.com/linnemanlabs/coverwatch/internal/docrules/rediscache"
	"github.com/linnemanlabs/coverwatch/internal/events/kafka"
	"github.com/linnemanlabs/coverwatch/internal/llm/claude"
	"github.com/linnemanlabs/coverwatch/internal/notify/slack"
	"github.com/linnemanlabs/coverwatch/internal/outbox"
	outboxmem "github.com/linnemanlabs/coverwatch/internal/outbox/memstore"
	outboxpg "github.com/linnemanlabs/coverwatch/internal/outbox/pgstore"
	"github.com/linnemanlabs/coverwatch/internal/outreach"
	outreachmem "github.com/linnemanlabs/coverwatch/internal/outreach/memstore"
	outreachpg "github.com/linnemanlabs/coverwatch/internal/outreach/pgstore"
	"github.com/linnemanlabs/coverwatch/internal/postgres"
	"github.com/linnemanlabs/coverwatch/internal/renewal"
	renewalmem "github.com/linnemanlabs/coverwatch/internal/renewal/memstore"
	renewalpg "github.com/linnemanlabs/coverwatch/internal/renewal/pgstore"
	"github.com/linnemanlabs/coverwatch/internal/rules"
)

const appName = "coverwatch"
const component = "server"

// docStore holds field rules and compliance summaries.
type docStore interface {
	docrules.RuleSource
	rediscache.Backend
}

// contactDirectory reads and writes vendor contacts.
type contactDirectory interface {
	outreach.Directory
	complianceapi.ContactStore
}

// stores are the persistence backends, all postgres or all in-memory.
type stores struct {
	alerts   alert.Store
	docs     docStore
	policies complianceapi.PolicyStore
	outbox   outbox.Queue
	contacts contactDirectory
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline flags win; env vars only fill what was not set on the cmdline
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "COVERWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"notify_mode", appCfg.NotifyMode,
		"renewal_interval", appCfg.RenewalInterval.String(),
		"check_interval", appCfg.CheckInterval.String(),
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Tag profiles with span ids so slow renewal runs link to their profiles
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coverwatch_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	st, closeStores, err := openStores(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStores()

	alertSvc := alert.NewService(st.alerts, L)

	// Field rules come from the file when one is configured, otherwise from the store
	var fieldRules docrules.RuleSource = st.docs
	if appCfg.FieldRulesFile != "" {
		src, err := docrules.LoadFile(appCfg.FieldRulesFile)
		if err != nil {
			return fmt.Errorf("field rules: %w", err)
		}
		fieldRules = src
		L.Info(ctx, "loaded field rules", "path", appCfg.FieldRulesFile)
	}

	// Compliance summaries, optionally fronted by redis
	var summaries rediscache.Backend = st.docs
	if appCfg.RedisAddr != "" {
		rdb, err := rediscache.Dial(ctx, appCfg.RedisAddr, appCfg.RedisPassword, appCfg.RedisDB)
		if err != nil {
			return fmt.Errorf("summary cache: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		summaries = rediscache.New(rdb, st.docs, appCfg.SummaryCacheTTL, L)
		L.Info(ctx, "summary cache enabled", "redis_addr", appCfg.RedisAddr)
	}

	docEngine := docrules.NewEngine(fieldRules, alertSvc, summaries, L)

	// Generic policy rules are optional; without them the check endpoint is disabled
	var ruleChecker complianceapi.RuleChecker
	if appCfg.RulesFile != "" {
		src, err := rules.LoadFile(appCfg.RulesFile)
		if err != nil {
			return fmt.Errorf("rules: %w", err)
		}
		mode := rules.UnmetFails
		if appCfg.UnmetNotApplicable {
			mode = rules.UnmetNotApplicable
		}
		ruleChecker = rules.NewChecker(src, rules.NewEvaluator(L, rules.WithUnmetMode(mode)))
		L.Info(ctx, "loaded policy rules", "path", appCfg.RulesFile, "unmet_not_applicable", appCfg.UnmetNotApplicable)
	}

	// Escalation notifiers
	var notifiers renewal.Notifiers

	var outboxProc *outbox.Processor
	if appCfg.SMTPHost != "" {
		sender, err := outbox.NewSMTPSender(outbox.SMTPConfig{
			Host:       appCfg.SMTPHost,
			Port:       appCfg.SMTPPort,
			Username:   appCfg.SMTPUsername,
			Password:   appCfg.SMTPPassword,
			From:       appCfg.SMTPFrom,
			RequireTLS: appCfg.SMTPRequireTLS,
			Timeout:    30 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("smtp sender: %w", err)
		}
		outboxProc = outbox.NewProcessor(st.outbox, sender, appCfg.OutboxMaxAttempts, L)

		var composer outreach.Composer = outreach.TemplateComposer{Sender: appCfg.SenderName}
		if appCfg.ClaudeAPIKey != "" {
			composer = outreach.FallbackComposer{
				Primary:   claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel),
				Secondary: composer,
				Logger:    L,
			}
			L.Info(ctx, "initialized LLM composer", "provider", "claude", "model", appCfg.ClaudeModel)
		}
		planner := outreach.NewPlanner(st.contacts, summaries, composer, st.outbox, L)
		notifiers = append(notifiers, renewal.NamedNotifier{Name: "outreach", Notifier: planner})
		L.Info(ctx, "notifier enabled", "type", "outreach", "smtp_host", appCfg.SMTPHost)
	}

	if appCfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, renewal.NamedNotifier{Name: "slack", Notifier: slack.New(appCfg.SlackWebhookURL, L)})
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	if brokers := appCfg.Brokers(); len(brokers) > 0 {
		publisher := kafka.New(kafka.NewWriter(brokers, appCfg.KafkaTopic))
		defer func() {
			if err := publisher.Close(); err != nil {
				L.Error(context.Background(), err, "failed to close kafka writer")
			}
		}()
		notifiers = append(notifiers, renewal.NamedNotifier{Name: "kafka", Notifier: publisher})
		L.Info(ctx, "notifier enabled", "type", "kafka", "topic", appCfg.KafkaTopic)
	}

	// Renewal escalation
	renewalHooks := renewal.NewMetrics(m.Registry()).Hooks()
	mode, err := renewal.ParseNotifyMode(appCfg.NotifyMode)
	if err != nil {
		return err
	}
	scheduler := renewal.NewScheduler(st.policies, alertSvc, notifiers, L,
		renewal.WithNotifyMode(mode),
		renewal.WithFactSource(st.policies),
		renewal.WithCheckInterval(appCfg.CheckInterval),
		renewal.WithHooks(renewalHooks),
	)
	runner := renewal.NewRunner(st.policies, scheduler, L, renewalHooks)

	tokens, err := appCfg.Tokens()
	if err != nil {
		return err
	}

	// Background loops stop before the stores close
	loopCtx, stopLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	loops.Go(func() { runner.Loop(postgres.WithOperation(loopCtx, "renewal.run"), appCfg.RenewalInterval) })
	if outboxProc != nil {
		loops.Go(func() {
			outboxProc.Loop(postgres.WithOperation(loopCtx, "outbox.drain"), appCfg.OutboxInterval, appCfg.OutboxBatch)
		})
	}
	stopBackground := func(ctx context.Context) error {
		stopLoops()
		done := make(chan struct{})
		go func() {
			loops.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() { _ = stopBackground(context.Background()) }()

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// admin/ops listener, restricted to internal monitoring infrastructure
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())

	// extracted documents can carry a lot of fields
	r.Use(httpmw.MaxBody(1 << 20))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api := complianceapi.New(L, complianceapi.Deps{
		Alerts:    alertSvc,
		Documents: docEngine,
		Summaries: summaries,
		Runner:    runner,
		Policies:  st.policies,
		Rules:     ruleChecker,
		Contacts:  st.contacts,
		Tokens:    tokens,
	})
	api.RegisterRoutes(r)
	if len(tokens) == 0 {
		L.Warn(ctx, "api auth disabled, no api tokens configured")
	}

	// middleware stack for main listener, order matters. outermost sees the raw
	// request first and the response last.
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"background loops", stopBackground},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// openStores connects to postgres and applies migrations when a database URL
// is configured, and falls back to in-memory stores otherwise.
func openStores(ctx context.Context, c *vc.Config, L log.Logger) (*stores, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory stores (no database-url configured)")
		return &stores{
			alerts:   alertmem.New(),
			docs:     docmem.New(),
			policies: renewalmem.New(),
			outbox:   outboxmem.New(),
			contacts: outreachmem.New(),
		}, func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{
		MaxConns:       int32(c.DBMaxConns), //nolint:gosec // validated non-negative
		LogQueriesOver: c.DBLogQueriesOver,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrate: %w", err)
	}
	L.Info(ctx, "using postgres stores")
	return &stores{
		alerts:   alertpg.New(pool),
		docs:     docpg.New(pool, L),
		policies: renewalpg.New(pool),
		outbox:   outboxpg.New(pool),
		contacts: outreachpg.New(pool),
	}, pool.Close, nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd, no context support for unixgram dial
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
