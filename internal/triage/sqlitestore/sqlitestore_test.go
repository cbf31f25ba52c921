package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/linnemanlabs/fwtriage/internal/triage"
	"github.com/linnemanlabs/fwtriage/internal/triage/sqlitestore"
	"github.com/linnemanlabs/fwtriage/internal/triage/storetest"
)

func openStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "triage.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // test cleanup
	return s
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) triage.Store {
		return openStore(t)
	})
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "triage.db")

	s, err := sqlitestore.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	is := &triage.Issue{
		Name:       "Bad checksum",
		URL:        "https://example.com/issue/reopen",
		Enabled:    true,
		Conditions: []triage.Condition{{Key: "UpdateState", Value: "failed", Compare: triage.CompareEqual}},
		CreatedAt:  time.Now(),
	}
	if err := s.PutIssue(ctx, is); err != nil {
		t.Fatalf("PutIssue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = sqlitestore.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close() //nolint:errcheck // test cleanup

	got, ok, err := s.GetIssue(ctx, is.ID)
	if err != nil || !ok {
		t.Fatalf("GetIssue = %v, %v", ok, err)
	}
	if !got.Enabled || len(got.Conditions) != 1 || got.Conditions[0].Compare != triage.CompareEqual {
		t.Errorf("reopened issue = %+v", got)
	}
}

func TestPutIssue_DuplicateURLRejected(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	if err := s.PutIssue(ctx, &triage.Issue{URL: "https://example.com/issue/dup"}); err != nil {
		t.Fatalf("PutIssue: %v", err)
	}
	if err := s.PutIssue(ctx, &triage.Issue{URL: "https://example.com/issue/dup"}); err == nil {
		t.Fatal("expected unique constraint error for duplicate URL")
	}
}

func TestAssignIssue_ChunksLargeLists(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	is := &triage.Issue{URL: "https://example.com/issue/chunk"}
	if err := s.PutIssue(ctx, is); err != nil {
		t.Fatalf("PutIssue: %v", err)
	}
	var ids []int64
	for i := range 1200 {
		r := &triage.Report{FirmwareID: int64(i), Data: map[string]string{}}
		if err := s.PutReport(ctx, r); err != nil {
			t.Fatalf("PutReport: %v", err)
		}
		ids = append(ids, r.ID)
	}

	n, err := s.AssignIssue(ctx, is.ID, ids)
	if err != nil {
		t.Fatalf("AssignIssue: %v", err)
	}
	if n != len(ids) {
		t.Errorf("AssignIssue = %d, want %d", n, len(ids))
	}
}
