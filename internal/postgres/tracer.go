package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type observerBox struct{ QueryObserver }

var queryObserver atomic.Pointer[observerBox]

// SetQueryObserver installs the process-wide query observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerBox{o})
}

func currentObserver() QueryObserver {
	if b := queryObserver.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

type (
	httpMethodKey struct{}
	operationKey  struct{}
	queryKey      struct{}
)

// WithHTTPMethod labels queries issued while serving an HTTP request.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, httpMethodKey{}, method)
}

// WithOperation labels queries issued by a background job, such as a renewal
// run, that has no HTTP route.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, operationKey{}, op)
}

// queryLabels returns the metric labels for a query issued under ctx.
// Background jobs report method BATCH and their operation as the route.
func queryLabels(ctx context.Context) (method, route string) {
	method, _ = ctx.Value(httpMethodKey{}).(string)
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	op, _ := ctx.Value(operationKey{}).(string)
	if route == "" {
		route = op
	}
	if method == "" {
		method = "BATCH"
	}
	if route == "" {
		route = "unknown"
	}
	return method, route
}

// queryState travels from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql     string
	nargs   int
	start   time.Time
	caller  string
	handler string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) with a structured log
// line and the query observer. Statement arguments are never logged; they
// carry vendor contact details.
type queryTracer struct {
	inner   pgx.QueryTracer
	logOver time.Duration
}

func newQueryTracer(inner pgx.QueryTracer, logOver time.Duration) queryTracer {
	return queryTracer{inner: inner, logOver: logOver}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qs := &queryState{sql: data.SQL, nargs: len(data.Args), start: time.Now()}
	qs.caller, qs.handler = callSite()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if qs.caller != "" {
			span.SetAttributes(attribute.String("db.caller", qs.caller))
		}
		if qs.handler != "" {
			span.SetAttributes(attribute.String("db.handler", qs.handler))
		}
	}
	return context.WithValue(ctx, queryKey{}, qs)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qs, ok := ctx.Value(queryKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(qs.start)

	if obs := currentObserver(); obs != nil {
		method, route := queryLabels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	if data.Err == nil && dur < t.logOver {
		return
	}

	fields := append(queryFields(qs, data.CommandTag), "db.duration", dur.Seconds())
	if op, ok := ctx.Value(operationKey{}).(string); ok {
		fields = append(fields, "db.batch_operation", op)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func queryFields(qs *queryState, tag pgconn.CommandTag) []any {
	fields := []any{"db.statement", qs.sql, "db.args_count", qs.nargs}
	if s := strings.TrimSpace(tag.String()); s != "" {
		verb, _, _ := strings.Cut(s, " ")
		fields = append(fields,
			"db.operation.name", strings.ToUpper(verb),
			"pg.command_tag", s,
			"db.rows", tag.RowsAffected(),
		)
	}
	if qs.caller != "" {
		fields = append(fields, "db.caller", qs.caller)
	}
	if qs.handler != "" {
		fields = append(fields, "db.handler", qs.handler)
	}
	return fields
}

// frames that never identify who issued a query
var skipFrames = []string{
	"github.com/jackc/pgx/v5",
	"github.com/exaring/otelpgx",
	"queryTracer.TraceQuery",
}

// callSite walks the stack for the store method issuing the query (caller)
// and the first frame above it outside the store's own helpers (handler).
func callSite() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" && !strings.HasPrefix(fn, "runtime.") && !containsAny(fn, skipFrames) {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !isStoreHelper(fn):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

func isStoreHelper(fn string) bool {
	return strings.Contains(fn, "/coverwatch/internal/postgres.") ||
		strings.Contains(fn, "/pgstore.scan") ||
		strings.Contains(fn, "/pgstore.startSpan")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		return rest
	}
	return fn
}
