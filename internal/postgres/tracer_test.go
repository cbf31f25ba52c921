package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/fwtriage/internal/triage/pgstore.(*Store).GetIssue", "(*Store).GetIssue"},
		{"already short", "(*Store).GetIssue", "GetIssue"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).AssignIssue", "(*Store).AssignIssue"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &DBStats{}

	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	if s.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", s.QueryCount)
	}
	if s.TotalDuration != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", s.TotalDuration)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
}

func TestDBStatsContext_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := NewDBStatsContext(context.Background())
	got, ok := DBStatsFromContext(ctx)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got == nil {
		t.Fatal("expected non-nil stats")
	}

	// Verify it's the same pointer
	got.AddQuery(time.Millisecond, nil)
	got2, _ := DBStatsFromContext(ctx)
	if got2.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", got2.QueryCount)
	}
}

func TestDBStatsFromContext_Missing(t *testing.T) {
	t.Parallel()

	_, ok := DBStatsFromContext(context.Background())
	if ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestWithSource_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithSource(context.Background(), "watch")
	if got := sourceFromContext(ctx); got != "watch" {
		t.Errorf("sourceFromContext = %q, want %q", got, "watch")
	}
	if got := sourceFromContext(WithSource(context.Background(), "")); got != "" {
		t.Errorf("sourceFromContext = %q, want empty", got)
	}
}

func TestWithOperation_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithOperation(WithSource(context.Background(), "cli"), "AssignIssue")
	if got := operationFromContext(ctx); got != "AssignIssue" {
		t.Errorf("operationFromContext = %q, want %q", got, "AssignIssue")
	}
	if got := sourceFromContext(ctx); got != "cli" {
		t.Errorf("sourceFromContext = %q, want %q", got, "cli")
	}
}

func TestDBStats_Snapshot(t *testing.T) {
	t.Parallel()

	s := &DBStats{}
	s.AddQuery(time.Millisecond, errors.New("x"))
	q, total, errs := s.Snapshot()
	if q != 1 || total != time.Millisecond || errs != 1 {
		t.Errorf("Snapshot = %d, %v, %d", q, total, errs)
	}
}

func TestTracer_ObservesQueries(t *testing.T) {
	// Not parallel: sets the global query observer.
	defer SetQueryObserver(nil)

	var gotSource, gotOp, gotOutcome string
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, source, op, outcome string, _ time.Duration) {
		gotSource, gotOp, gotOutcome = source, op, outcome
	}))

	tr := wrapQueryTracer(nil)
	ctx := NewDBStatsContext(WithOperation(context.Background(), "ListIssues"))
	ctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	if gotSource != "unknown" || gotOp != "ListIssues" || gotOutcome != "error" {
		t.Errorf("observed %q/%q/%q, want unknown/ListIssues/error", gotSource, gotOp, gotOutcome)
	}
	stats, _ := DBStatsFromContext(ctx)
	if q, _, errs := stats.Snapshot(); q != 1 || errs != 1 {
		t.Errorf("stats = %d queries, %d errors, want 1, 1", q, errs)
	}
}

func TestSetQueryObserver(t *testing.T) {
	t.Parallel()

	// Save and restore the global to avoid test pollution.
	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "server", "GetIssue", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	got = getQueryObserver()
	if got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

func TestQueryFields(t *testing.T) {
	t.Parallel()

	ctx := WithOperation(WithSource(context.Background(), "server"), "AssignIssue")
	q := &inflight{sql: "UPDATE reports SET issue_id = $1", args: []any{int64(4)}, caller: "(*Store).AssignIssue"}
	got := queryFields(ctx, q, 2*time.Second, pgx.TraceQueryEndData{
		CommandTag: pgconn.NewCommandTag("UPDATE 3"),
		Err:        &pgconn.PgError{Code: "23505", ConstraintName: "issues_url_key"},
	})

	want := []any{
		"db.statement", "UPDATE reports SET issue_id = $1",
		"db.args", []any{int64(4)},
		"db.duration", 2.0,
		"db.operation.name", "UPDATE",
		"pg.command_tag", "UPDATE 3",
		"db.rows", int64(3),
		"db.caller", "(*Store).AssignIssue",
		"db.store_operation", "AssignIssue",
		"db.source", "server",
		"db.error_code", "23505",
		"db.error_constraint", "issues_url_key",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("queryFields mismatch (-want +got):\n%s", diff)
	}
}

func TestCallSite_FindsTestFrame(t *testing.T) {
	t.Parallel()

	caller, _ := callSite()
	if caller == "" {
		t.Fatal("callSite() caller is empty")
	}
}
