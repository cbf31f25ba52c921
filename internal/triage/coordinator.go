package triage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/fwtriage/internal/triage")

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	// OnClassify runs after every Classify that did not fail.
	OnClassify func(matched bool)
	// OnBackfill runs after every Backfill that did not fail.
	OnBackfill func(issueID int64, reclassified int, duration float64)
	// OnSubmit runs after every report submission with its outcome.
	OnSubmit func(result string)
}

// Coordinator matches reports against the enabled issues.
type Coordinator struct {
	store  Store
	auth   Authorizer
	logger log.Logger
	hooks  Hooks
}

// NewCoordinator creates a coordinator. A nil auth permits every firmware.
func NewCoordinator(store Store, auth Authorizer, logger log.Logger, hooks ...Hooks) *Coordinator {
	if store == nil {
		panic(xerrors.New("triage store is required"))
	}
	if auth == nil {
		auth = AllowAll
	}
	if logger == nil {
		logger = log.Nop()
	}
	c := &Coordinator{store: store, auth: auth, logger: logger}
	if len(hooks) > 0 {
		c.hooks = hooks[0]
	}
	return c
}

// SortIssues orders issues for evaluation: highest priority first, lower ID
// first among equal priorities.
func SortIssues(issues []*Issue) {
	slices.SortStableFunc(issues, func(a, b *Issue) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Match returns the first issue in evaluation order that matches data. The
// input slice is not reordered.
func Match(issues []*Issue, data map[string]string) (*Issue, bool) {
	sorted := slices.Clone(issues)
	SortIssues(sorted)
	for _, is := range sorted {
		if is.Matches(data) {
			return is, true
		}
	}
	return nil, false
}

// Classify returns the issue that explains data, reading the current issue
// set from the store.
func (c *Coordinator) Classify(ctx context.Context, data map[string]string) (*Issue, bool, error) {
	issues, err := c.store.ListIssues(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list issues: %w", err)
	}
	is, ok := Match(issues, data)
	if c.hooks.OnClassify != nil {
		c.hooks.OnClassify(ok)
	}
	return is, ok, nil
}

// Backfill assigns issue to every unassigned report it matches whose
// firmware may be modified, and returns the number of reports changed.
// Reports assigned concurrently by another backfill are not counted.
func (c *Coordinator) Backfill(ctx context.Context, issue *Issue) (int, error) {
	ctx, span := tracer.Start(ctx, "triage.Backfill", trace.WithAttributes(
		attribute.Int64("issue.id", issue.ID),
	))
	defer span.End()
	start := time.Now()

	n, err := c.backfill(ctx, issue)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("triage.reclassified", n))

	dur := time.Since(start)
	if c.hooks.OnBackfill != nil {
		c.hooks.OnBackfill(issue.ID, n, dur.Seconds())
	}
	if n > 0 {
		c.logger.Info(ctx, "backfilled reports",
			"issue_id", issue.ID,
			"issue", issue.Name,
			"reclassified", n,
			"duration", dur,
		)
	}
	return n, nil
}

func (c *Coordinator) backfill(ctx context.Context, issue *Issue) (int, error) {
	if !issue.Enabled || len(issue.Conditions) == 0 {
		return 0, nil
	}

	reports, err := c.store.UnassignedReports(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unassigned reports: %w", err)
	}

	allowed := make(map[int64]bool)
	var ids []int64
	for _, r := range reports {
		if r.Assigned() || !issue.Matches(r.Data) {
			continue
		}
		ok, seen := allowed[r.FirmwareID]
		if !seen {
			ok, err = c.auth.CanModify(ctx, r.FirmwareID)
			if err != nil {
				return 0, fmt.Errorf("authorize firmware %d: %w", r.FirmwareID, err)
			}
			allowed[r.FirmwareID] = ok
		}
		if ok {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := c.store.AssignIssue(ctx, issue.ID, ids)
	if err != nil {
		return 0, fmt.Errorf("assign issue %d: %w", issue.ID, err)
	}
	return n, nil
}
