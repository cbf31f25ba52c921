package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type ctxKey int

const (
	sourceKey ctxKey = iota
	operationKey
	statsKey
	queryKey
)

// DBStats accumulates database query statistics for one unit of work, such as
// a watched file event or a CLI command.
type DBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *DBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the counters under the lock.
func (s *DBStats) Snapshot() (queries int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// NewDBStatsContext returns a new context with an empty DBStats attached.
func NewDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, statsKey, &DBStats{})
}

// DBStatsFromContext extracts the DBStats from the context, if present.
func DBStatsFromContext(ctx context.Context) (*DBStats, bool) {
	s, ok := ctx.Value(statsKey).(*DBStats)
	return s, ok
}

// WithSource labels queries made under ctx with the originating component
// (server, watch, triagectl).
func WithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceKey, source)
}

// WithOperation labels queries made under ctx with the store method issuing
// them.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, operationKey, op)
}

func sourceFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey).(string)
	return s
}

func operationFromContext(ctx context.Context) string {
	s, _ := ctx.Value(operationKey).(string)
	return s
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, source, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, source, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, source, operation, outcome string, dur time.Duration) {
	f(ctx, source, operation, outcome, dur)
}

type observerBox struct{ QueryObserver }

var queryObserver atomic.Pointer[observerBox]

// SetQueryObserver installs the process-wide query observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerBox{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	if b := queryObserver.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

// observe feeds one finished query into the unit-of-work stats and the
// observer. Missing labels are reported as "unknown".
func observe(ctx context.Context, dur time.Duration, err error) {
	if s, ok := DBStatsFromContext(ctx); ok {
		s.AddQuery(dur, err)
	}
	obs := getQueryObserver()
	if obs == nil || dur <= 0 {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	obs.ObserveQuery(ctx, orUnknown(sourceFromContext(ctx)), orUnknown(operationFromContext(ctx)), outcome, dur)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
