package triage

import "context"

// Store is the persistence boundary for issues, their conditions and reports.
// Lookups return ok=false for a missing row; that is not an error.
type Store interface {
	GetIssue(ctx context.Context, id int64) (*Issue, bool, error)
	GetIssueByURL(ctx context.Context, url string) (*Issue, bool, error)
	ListIssues(ctx context.Context) ([]*Issue, error)
	// PutIssue saves the issue with its full condition set in one transaction,
	// assigning IDs to the issue and any new conditions.
	PutIssue(ctx context.Context, issue *Issue) error
	// DeleteIssue removes the issue and its conditions and unassigns its reports.
	DeleteIssue(ctx context.Context, id int64) (bool, error)

	PutReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, id int64) (*Report, bool, error)
	// ListReports returns every report, oldest first.
	ListReports(ctx context.Context) ([]*Report, error)
	UnassignedReports(ctx context.Context) ([]*Report, error)
	// AssignIssue sets issueID on those reports that are still unassigned and
	// returns how many rows changed.
	AssignIssue(ctx context.Context, issueID int64, reportIDs []int64) (int, error)
}

// Authorizer decides whether the reports of a firmware may be reclassified.
type Authorizer interface {
	CanModify(ctx context.Context, firmwareID int64) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, firmwareID int64) (bool, error)

// CanModify implements Authorizer.
func (f AuthorizerFunc) CanModify(ctx context.Context, firmwareID int64) (bool, error) {
	return f(ctx, firmwareID)
}

// AllowAll permits every firmware.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, int64) (bool, error) { return true, nil })

// Viewer decides whether the reports of a firmware may be shown.
type Viewer interface {
	CanView(ctx context.Context, firmwareID int64) (bool, error)
}

// ViewerFunc adapts a function to Viewer.
type ViewerFunc func(ctx context.Context, firmwareID int64) (bool, error)

// CanView implements Viewer.
func (f ViewerFunc) CanView(ctx context.Context, firmwareID int64) (bool, error) {
	return f(ctx, firmwareID)
}
