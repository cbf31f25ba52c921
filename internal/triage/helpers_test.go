package triage_test

import (
	"context"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/fwtriage/internal/triage"
	"github.com/linnemanlabs/fwtriage/internal/triage/memstore"
)

// faultyStore wraps a Store and fails selected calls.
type faultyStore struct {
	triage.Store
	listErr   error
	putErr    error
	reportErr error
	assignErr error
}

func (f *faultyStore) ListIssues(ctx context.Context) ([]*triage.Issue, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Store.ListIssues(ctx)
}

func (f *faultyStore) PutIssue(ctx context.Context, is *triage.Issue) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Store.PutIssue(ctx, is)
}

func (f *faultyStore) PutReport(ctx context.Context, r *triage.Report) error {
	if f.reportErr != nil {
		return f.reportErr
	}
	return f.Store.PutReport(ctx, r)
}

func (f *faultyStore) AssignIssue(ctx context.Context, issueID int64, ids []int64) (int, error) {
	if f.assignErr != nil {
		return 0, f.assignErr
	}
	return f.Store.AssignIssue(ctx, issueID, ids)
}

// recordingNotifier captures backfill notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (n *recordingNotifier) IssueBackfilled(_ context.Context, _ *triage.Issue, reclassified int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, reclassified)
	return n.err
}

func (n *recordingNotifier) Calls() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.calls...)
}

func newService(t *testing.T, store triage.Store, opts ...triage.ServiceOption) *triage.Service {
	t.Helper()
	if store == nil {
		store = memstore.New()
	}
	coord := triage.NewCoordinator(store, nil, log.Nop())
	return triage.NewService(store, coord, log.Nop(), opts...)
}

// enabledIssue creates an issue with the given conditions (key, compare,
// value triples) and enables it.
func enabledIssue(t *testing.T, svc *triage.Service, url string, conds ...string) *triage.Issue {
	t.Helper()
	ctx := context.Background()
	is, err := svc.CreateIssue(ctx, triage.IssueSpec{Name: url, URL: url})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	for i := 0; i+2 < len(conds); i += 3 {
		if _, err := svc.AddCondition(ctx, is.ID, conds[i], conds[i+2], conds[i+1]); err != nil {
			t.Fatalf("AddCondition: %v", err)
		}
	}
	if _, err := svc.ModifyIssue(ctx, is.ID, triage.IssueUpdate{Enabled: ptr(true)}); err != nil {
		t.Fatalf("ModifyIssue(enable): %v", err)
	}
	got, err := svc.Issue(ctx, is.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return got
}

func submit(t *testing.T, svc *triage.Service, firmwareID int64, raw string) *triage.Report {
	t.Helper()
	r, err := svc.SubmitReport(context.Background(), firmwareID, []byte(raw))
	if err != nil {
		t.Fatalf("SubmitReport: %v", err)
	}
	return r
}

func ptr[T any](v T) *T { return &v }
