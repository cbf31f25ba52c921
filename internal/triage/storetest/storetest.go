// Package storetest is a behavioural test suite for triage.Store
// implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/linnemanlabs/fwtriage/internal/triage"
)

// Run exercises the contract of the Store returned by newStore. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) triage.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s triage.Store)
	}{
		{"PutIssueAssignsIDs", testPutIssueAssignsIDs},
		{"GetIssueMissing", testGetIssueMissing},
		{"GetIssueByURL", testGetIssueByURL},
		{"PutIssueReplacesConditions", testPutIssueReplacesConditions},
		{"ListIssues", testListIssues},
		{"DeleteIssue", testDeleteIssue},
		{"Reports", testReports},
		{"AssignIssueOnlyUnassigned", testAssignIssueOnlyUnassigned},
		{"AssignIssueConcurrent", testAssignIssueConcurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var issueOpts = cmp.Options{
	cmpopts.EquateApproxTime(time.Millisecond),
	cmpopts.EquateEmpty(),
}

func newIssue(url string, conds ...triage.Condition) *triage.Issue {
	return &triage.Issue{
		Name:       "Issue " + url,
		URL:        url,
		Priority:   1,
		Conditions: conds,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
}

func mustPutIssue(t *testing.T, s triage.Store, is *triage.Issue) {
	t.Helper()
	if err := s.PutIssue(context.Background(), is); err != nil {
		t.Fatalf("PutIssue: %v", err)
	}
}

func mustPutReport(t *testing.T, s triage.Store, r *triage.Report) {
	t.Helper()
	if err := s.PutReport(context.Background(), r); err != nil {
		t.Fatalf("PutReport: %v", err)
	}
}

func testPutIssueAssignsIDs(t *testing.T, s triage.Store) {
	ctx := context.Background()
	is := newIssue("https://example.com/issue/1",
		triage.Condition{Key: "UpdateState", Value: "failed", Compare: triage.CompareEqual},
		triage.Condition{Key: "Version", Value: "1.2.*", Compare: triage.CompareGlob},
	)
	is.Description = "Capsule update fails"
	mustPutIssue(t, s, is)

	if is.ID == 0 {
		t.Fatal("PutIssue did not assign an issue ID")
	}
	for i, c := range is.Conditions {
		if c.ID == 0 {
			t.Errorf("condition %d has no ID", i)
		}
		if c.IssueID != is.ID {
			t.Errorf("condition %d IssueID = %d, want %d", i, c.IssueID, is.ID)
		}
	}

	got, ok, err := s.GetIssue(ctx, is.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if !ok {
		t.Fatal("expected issue to be found")
	}
	if diff := cmp.Diff(is, got, issueOpts); diff != "" {
		t.Errorf("issue mismatch (-want +got):\n%s", diff)
	}

	// The store keeps its own copy.
	got.Name = "mutated"
	again, _, _ := s.GetIssue(ctx, is.ID)
	if again.Name == "mutated" {
		t.Error("GetIssue returned shared state")
	}
}

func testGetIssueMissing(t *testing.T, s triage.Store) {
	_, ok, err := s.GetIssue(context.Background(), 424242)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func testGetIssueByURL(t *testing.T, s triage.Store) {
	ctx := context.Background()
	is := newIssue("https://example.com/issue/url")
	mustPutIssue(t, s, is)

	got, ok, err := s.GetIssueByURL(ctx, is.URL)
	if err != nil || !ok {
		t.Fatalf("GetIssueByURL = %v, %v", ok, err)
	}
	if got.ID != is.ID {
		t.Errorf("ID = %d, want %d", got.ID, is.ID)
	}

	is.URL = "https://example.com/issue/moved"
	mustPutIssue(t, s, is)
	if _, ok, _ := s.GetIssueByURL(ctx, "https://example.com/issue/url"); ok {
		t.Error("old URL still resolves after change")
	}
	if _, ok, _ := s.GetIssueByURL(ctx, is.URL); !ok {
		t.Error("new URL does not resolve")
	}
}

func testPutIssueReplacesConditions(t *testing.T, s triage.Store) {
	ctx := context.Background()
	is := newIssue("https://example.com/issue/conds",
		triage.Condition{Key: "a", Value: "1", Compare: triage.CompareEqual},
		triage.Condition{Key: "b", Value: "2", Compare: triage.CompareEqual},
	)
	mustPutIssue(t, s, is)
	keep := is.Conditions[1]

	is.Conditions = []triage.Condition{keep, {Key: "c", Value: "3", Compare: triage.CompareGreater}}
	is.Enabled = true
	mustPutIssue(t, s, is)

	got, _, err := s.GetIssue(ctx, is.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if !got.Enabled {
		t.Error("Enabled not persisted")
	}
	keys := make([]string, 0, len(got.Conditions))
	for _, c := range got.Conditions {
		keys = append(keys, c.Key)
	}
	if diff := cmp.Diff([]string{"b", "c"}, keys); diff != "" {
		t.Errorf("condition keys mismatch (-want +got):\n%s", diff)
	}
	if got.Conditions[0].ID != keep.ID {
		t.Errorf("kept condition ID = %d, want %d", got.Conditions[0].ID, keep.ID)
	}
}

func testListIssues(t *testing.T, s triage.Store) {
	for i := range 3 {
		mustPutIssue(t, s, newIssue(fmt.Sprintf("https://example.com/issue/list-%d", i)))
	}
	issues, err := s.ListIssues(context.Background())
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 3 {
		t.Fatalf("len = %d, want 3", len(issues))
	}
}

func testDeleteIssue(t *testing.T, s triage.Store) {
	ctx := context.Background()
	is := newIssue("https://example.com/issue/del", triage.Condition{Key: "a", Value: "1", Compare: triage.CompareEqual})
	mustPutIssue(t, s, is)
	r := &triage.Report{FirmwareID: 1, IssueID: is.ID, Data: map[string]string{"a": "1"}, CreatedAt: time.Now()}
	mustPutReport(t, s, r)

	ok, err := s.DeleteIssue(ctx, is.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteIssue = %v, %v", ok, err)
	}
	if _, ok, _ := s.GetIssue(ctx, is.ID); ok {
		t.Error("issue still present after delete")
	}
	if _, ok, _ := s.GetIssueByURL(ctx, is.URL); ok {
		t.Error("URL still resolves after delete")
	}
	got, _, _ := s.GetReport(ctx, r.ID)
	if got.Assigned() {
		t.Errorf("report IssueID = %d after issue delete, want 0", got.IssueID)
	}

	ok, err = s.DeleteIssue(ctx, is.ID)
	if err != nil || ok {
		t.Errorf("second DeleteIssue = %v, %v, want false, nil", ok, err)
	}
}

func testReports(t *testing.T, s triage.Store) {
	ctx := context.Background()
	is := newIssue("https://example.com/issue/reports")
	mustPutIssue(t, s, is)

	a := &triage.Report{FirmwareID: 42, Data: map[string]string{"UpdateState": "failed-checksum"}, CreatedAt: time.Now().UTC()}
	b := &triage.Report{FirmwareID: 43, IssueID: is.ID, Data: map[string]string{"UpdateState": "success"}, CreatedAt: time.Now().UTC()}
	mustPutReport(t, s, a)
	mustPutReport(t, s, b)
	if a.ID == 0 || b.ID == 0 || a.ID == b.ID {
		t.Fatalf("report IDs = %d, %d", a.ID, b.ID)
	}

	got, ok, err := s.GetReport(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("GetReport = %v, %v", ok, err)
	}
	if diff := cmp.Diff(a, got, issueOpts); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := s.GetReport(ctx, 99999); ok {
		t.Error("expected ok=false for missing report")
	}

	all, err := s.ListReports(ctx)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(all) != 2 || all[0].ID != a.ID || all[1].ID != b.ID {
		t.Errorf("ListReports = %v, want [%d %d]", reportIDs(all), a.ID, b.ID)
	}

	un, err := s.UnassignedReports(ctx)
	if err != nil {
		t.Fatalf("UnassignedReports: %v", err)
	}
	if len(un) != 1 || un[0].ID != a.ID {
		t.Errorf("UnassignedReports = %v, want [%d]", reportIDs(un), a.ID)
	}
}

func testAssignIssueOnlyUnassigned(t *testing.T, s triage.Store) {
	ctx := context.Background()
	first := newIssue("https://example.com/issue/first")
	second := newIssue("https://example.com/issue/second")
	mustPutIssue(t, s, first)
	mustPutIssue(t, s, second)

	var ids []int64
	for i := range 3 {
		r := &triage.Report{FirmwareID: int64(i), Data: map[string]string{}, CreatedAt: time.Now()}
		if i == 0 {
			r.IssueID = first.ID
		}
		mustPutReport(t, s, r)
		ids = append(ids, r.ID)
	}

	n, err := s.AssignIssue(ctx, second.ID, append(ids, 99999))
	if err != nil {
		t.Fatalf("AssignIssue: %v", err)
	}
	if n != 2 {
		t.Errorf("AssignIssue = %d, want 2", n)
	}
	r0, _, _ := s.GetReport(ctx, ids[0])
	if r0.IssueID != first.ID {
		t.Errorf("already assigned report moved to %d", r0.IssueID)
	}

	n, err = s.AssignIssue(ctx, second.ID, ids)
	if err != nil {
		t.Fatalf("second AssignIssue: %v", err)
	}
	if n != 0 {
		t.Errorf("second AssignIssue = %d, want 0", n)
	}

	if n, err := s.AssignIssue(ctx, second.ID, nil); err != nil || n != 0 {
		t.Errorf("AssignIssue(nil) = %d, %v", n, err)
	}
}

func testAssignIssueConcurrent(t *testing.T, s triage.Store) {
	ctx := context.Background()
	const issues = 4
	var issueIDs []int64
	for i := range issues {
		is := newIssue(fmt.Sprintf("https://example.com/issue/race-%d", i))
		mustPutIssue(t, s, is)
		issueIDs = append(issueIDs, is.ID)
	}
	var ids []int64
	for i := range 20 {
		r := &triage.Report{FirmwareID: int64(i), Data: map[string]string{}, CreatedAt: time.Now()}
		mustPutReport(t, s, r)
		ids = append(ids, r.ID)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, issueID := range issueIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.AssignIssue(ctx, issueID, ids)
			if err != nil {
				t.Errorf("AssignIssue: %v", err)
				return
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != len(ids) {
		t.Errorf("reports assigned %d times in total, want %d", total, len(ids))
	}
	un, err := s.UnassignedReports(ctx)
	if err != nil {
		t.Fatalf("UnassignedReports: %v", err)
	}
	if len(un) != 0 {
		t.Errorf("%d reports left unassigned", len(un))
	}
}

func reportIDs(rs []*triage.Report) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
