package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// slowQuery is the threshold below which successful queries are not logged.
// Zero logs every query.
const slowQuery time.Duration = 0

// queryTracer decorates another pgx.QueryTracer (otelpgx) with query metrics
// and one structured log line per query.
type queryTracer struct {
	inner pgx.QueryTracer
}

// inflight is what TraceQueryStart hands to TraceQueryEnd through the context.
type inflight struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &inflight{sql: data.SQL, args: data.Args, start: time.Now()}
	q.caller, q.handler = callSite()

	// otelpgx opens the span; annotate it with the application frames.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if q.caller != "" {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
		if q.handler != "" {
			span.SetAttributes(attribute.String("db.handler", q.handler))
		}
		if op := operationFromContext(ctx); op != "" {
			span.SetAttributes(attribute.String("db.store_operation", op))
		}
	}
	return context.WithValue(ctx, queryKey, q)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, _ := ctx.Value(queryKey).(*inflight)
	if q == nil {
		q = &inflight{}
	}
	var dur time.Duration
	if !q.start.IsZero() {
		dur = time.Since(q.start)
	}
	observe(ctx, dur, data.Err)

	if data.Err == nil && slowQuery > 0 && dur < slowQuery {
		return
	}

	fields := queryFields(ctx, q, dur, data)
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func queryFields(ctx context.Context, q *inflight, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", q.sql,
		"db.args", q.args,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		verb, _, _ := strings.Cut(tag, " ")
		fields = append(fields,
			"db.operation.name", strings.ToUpper(verb),
			"pg.command_tag", tag,
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	for _, kv := range [][2]string{
		{"db.caller", q.caller},
		{"db.handler", q.handler},
		{"db.store_operation", operationFromContext(ctx)},
		{"db.source", sourceFromContext(ctx)},
	} {
		if kv[1] != "" {
			fields = append(fields, kv[0], kv[1])
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
		)
	}
	return fields
}

// noisyFrames never count as the application caller of a query.
var noisyFrames = []string{
	"github.com/jackc/pgx/v5",
	"github.com/exaring/otelpgx",
	"github.com/linnemanlabs/fwtriage/internal/postgres.",
}

// callSite walks the stack above the tracer. caller is the first application
// frame (usually a pgstore method) and handler the frame that called it,
// skipping the store's own helpers.
func callSite() (caller, handler string) {
	pcs := make([]uintptr, 32)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "", strings.HasPrefix(fn, "runtime."), hasAny(fn, noisyFrames):
		case caller == "":
			caller = shortenFuncName(fn)
		case strings.Contains(fn, "/internal/triage/pgstore."):
		default:
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

func hasAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// shortenFuncName drops the import path and package, keeping receiver and
// method: ".../pgstore.(*Store).GetIssue" becomes "(*Store).GetIssue".
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		return rest
	}
	return fn
}
