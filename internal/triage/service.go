package triage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Notifier is told when enabling an issue reclassified historical reports.
type Notifier interface {
	IssueBackfilled(ctx context.Context, issue *Issue, reclassified int) error
}

// IssueSpec describes a new issue. New issues start disabled at priority 0.
type IssueSpec struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// IssueUpdate is a partial modification; nil fields are left unchanged.
type IssueUpdate struct {
	Name        *string `json:"name,omitempty"`
	URL         *string `json:"url,omitempty"`
	Description *string `json:"description,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// IssueReports is the set of reports an issue's conditions match.
type IssueReports struct {
	Issue *Issue `json:"issue"`
	// Total counts every matching report.
	Total int `json:"total"`
	// Samples holds the newest matching reports, at most the requested limit.
	Samples []*Report `json:"samples"`
	// Hidden counts reports within the limit the viewer may not see. They
	// take a sample slot but are left out of Samples.
	Hidden int `json:"hidden"`
}

// Service is the business boundary for issue management and report intake.
type Service struct {
	store    Store
	coord    *Coordinator
	notifier Notifier
	logger   log.Logger
	hooks    Hooks
	viewer   Viewer
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier sets the backfill notifier.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithHooks sets the instrumentation hooks used for report submission.
func WithHooks(h Hooks) ServiceOption {
	return func(s *Service) { s.hooks = h }
}

// WithViewer restricts the report samples returned by IssueReports. Without
// one every report is visible.
func WithViewer(v Viewer) ServiceOption {
	return func(s *Service) { s.viewer = v }
}

// NewService creates a new triage service.
func NewService(store Store, coord *Coordinator, logger log.Logger, opts ...ServiceOption) *Service {
	if store == nil || coord == nil {
		panic(xerrors.New("triage service requires a store and a coordinator"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:  store,
		coord:  coord,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateIssue adds a disabled issue. The URL must be unique.
func (s *Service) CreateIssue(ctx context.Context, spec IssueSpec) (*Issue, error) {
	url := strings.TrimSpace(spec.URL)
	if url == "" {
		return nil, errors.New("issue URL is required")
	}
	if _, ok, err := s.store.GetIssueByURL(ctx, url); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateURL, url)
	}

	is := &Issue{
		Name:        strings.TrimSpace(spec.Name),
		URL:         url,
		Description: spec.Description,
		CreatedAt:   s.now(),
	}
	if err := s.store.PutIssue(ctx, is); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "issue created", "issue_id", is.ID, "url", is.URL)
	return is, nil
}

// Issue returns one issue.
func (s *Service) Issue(ctx context.Context, id int64) (*Issue, error) {
	is, ok, err := s.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrIssueNotFound, id)
	}
	return is, nil
}

// Issues returns every issue in evaluation order.
func (s *Service) Issues(ctx context.Context) ([]*Issue, error) {
	issues, err := s.store.ListIssues(ctx)
	if err != nil {
		return nil, err
	}
	SortIssues(issues)
	return issues, nil
}

// ModifyIssue applies u and, when the issue is left enabled, backfills
// unassigned reports. It returns the number of reports reclassified.
// Enabling an issue without conditions is rejected and nothing is changed.
func (s *Service) ModifyIssue(ctx context.Context, id int64, u IssueUpdate) (int, error) {
	is, err := s.Issue(ctx, id)
	if err != nil {
		return 0, err
	}

	if u.Enabled != nil && *u.Enabled && len(is.Conditions) == 0 {
		return 0, &InvariantError{IssueID: id, Invariant: ErrEnableWithoutConditions}
	}
	if u.URL != nil {
		url := strings.TrimSpace(*u.URL)
		if url == "" {
			return 0, errors.New("issue URL is required")
		}
		if other, ok, err := s.store.GetIssueByURL(ctx, url); err != nil {
			return 0, err
		} else if ok && other.ID != id {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateURL, url)
		}
		is.URL = url
	}
	if u.Name != nil {
		is.Name = strings.TrimSpace(*u.Name)
	}
	if u.Description != nil {
		is.Description = *u.Description
	}
	if u.Enabled != nil {
		is.Enabled = *u.Enabled
	}

	if err := s.store.PutIssue(ctx, is); err != nil {
		return 0, err
	}
	L := s.logger.With("issue_id", id)
	L.Info(ctx, "issue modified", "enabled", is.Enabled)

	if !is.Enabled {
		return 0, nil
	}
	fixed, err := s.coord.Backfill(ctx, is)
	if err != nil {
		return 0, err
	}
	if fixed > 0 && s.notifier != nil {
		if err := s.notifier.IssueBackfilled(ctx, is, fixed); err != nil {
			L.Error(ctx, err, "failed to send backfill notification")
		}
	}
	return fixed, nil
}

// AddCondition appends a condition to the issue. Keys are unique per issue.
func (s *Service) AddCondition(ctx context.Context, issueID int64, key, value, compare string) (*Condition, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("condition key is required")
	}
	op, err := ParseComparator(compare)
	if err != nil {
		return nil, err
	}
	is, err := s.Issue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if is.HasKey(key) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}

	is.Conditions = append(is.Conditions, Condition{IssueID: issueID, Key: key, Value: value, Compare: op})
	if err := s.store.PutIssue(ctx, is); err != nil {
		return nil, err
	}
	c := is.Conditions[len(is.Conditions)-1]
	s.logger.Info(ctx, "condition added", "issue_id", issueID, "condition_id", c.ID, "key", key, "compare", op)
	return &c, nil
}

// RemoveCondition deletes a condition and disables the issue in the same save.
func (s *Service) RemoveCondition(ctx context.Context, issueID, conditionID int64) error {
	is, err := s.Issue(ctx, issueID)
	if err != nil {
		return err
	}
	if _, ok := is.Condition(conditionID); !ok {
		return fmt.Errorf("%w: %d", ErrConditionNotFound, conditionID)
	}

	is.Conditions = slices.DeleteFunc(is.Conditions, func(c Condition) bool { return c.ID == conditionID })
	wasEnabled := is.Enabled
	is.Enabled = false
	if err := s.store.PutIssue(ctx, is); err != nil {
		return err
	}
	s.logger.Info(ctx, "condition removed",
		"issue_id", issueID,
		"condition_id", conditionID,
		"disabled", wasEnabled,
	)
	return nil
}

// IncreasePriority moves the issue earlier in evaluation order.
func (s *Service) IncreasePriority(ctx context.Context, id int64) (*Issue, error) {
	return s.shiftPriority(ctx, id, 1)
}

// DecreasePriority moves the issue later in evaluation order.
func (s *Service) DecreasePriority(ctx context.Context, id int64) (*Issue, error) {
	return s.shiftPriority(ctx, id, -1)
}

func (s *Service) shiftPriority(ctx context.Context, id int64, delta int) (*Issue, error) {
	is, err := s.Issue(ctx, id)
	if err != nil {
		return nil, err
	}
	is.Priority += delta
	if err := s.store.PutIssue(ctx, is); err != nil {
		return nil, err
	}
	return is, nil
}

// DeleteIssue removes the issue and its conditions.
func (s *Service) DeleteIssue(ctx context.Context, id int64) error {
	ok, err := s.store.DeleteIssue(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrIssueNotFound, id)
	}
	s.logger.Info(ctx, "issue deleted", "issue_id", id)
	return nil
}

// IssueReports counts the reports the issue's conditions match, whether or
// not the issue is enabled, and returns up to limit of the newest.
func (s *Service) IssueReports(ctx context.Context, id int64, limit int) (*IssueReports, error) {
	is, err := s.Issue(ctx, id)
	if err != nil {
		return nil, err
	}
	reports, err := s.store.ListReports(ctx)
	if err != nil {
		return nil, err
	}

	out := &IssueReports{Issue: is}
	visible := map[int64]bool{}
	for _, r := range slices.Backward(reports) {
		if !is.ConditionsMatch(r.Data) {
			continue
		}
		out.Total++
		if len(out.Samples)+out.Hidden >= limit {
			continue
		}
		ok, err := s.canView(ctx, visible, r.FirmwareID)
		if err != nil {
			return nil, err
		}
		if !ok {
			out.Hidden++
			continue
		}
		out.Samples = append(out.Samples, r)
	}
	return out, nil
}

// canView asks the viewer once per firmware.
func (s *Service) canView(ctx context.Context, seen map[int64]bool, firmwareID int64) (bool, error) {
	if s.viewer == nil {
		return true, nil
	}
	if ok, cached := seen[firmwareID]; cached {
		return ok, nil
	}
	ok, err := s.viewer.CanView(ctx, firmwareID)
	if err != nil {
		return false, xerrors.Wrapf(err, "view check for firmware %d", firmwareID)
	}
	seen[firmwareID] = ok
	return ok, nil
}

// SubmitReport flattens a JSON report, classifies it and stores it with the
// winning issue, if any.
func (s *Service) SubmitReport(ctx context.Context, firmwareID int64, raw []byte) (*Report, error) {
	data, err := Flatten(raw)
	if err != nil {
		s.submitted("invalid")
		return nil, err
	}

	r := &Report{FirmwareID: firmwareID, Data: data, CreatedAt: s.now()}
	is, ok, err := s.coord.Classify(ctx, data)
	if err != nil {
		s.submitted("error")
		return nil, err
	}
	if ok {
		r.IssueID = is.ID
	}

	if err := s.store.PutReport(ctx, r); err != nil {
		s.submitted("error")
		return nil, err
	}

	result := "unclassified"
	if ok {
		result = "classified"
	}
	s.submitted(result)
	s.logger.Info(ctx, "report submitted",
		"report_id", r.ID,
		"firmware_id", firmwareID,
		"issue_id", r.IssueID,
	)
	return r, nil
}

func (s *Service) submitted(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}
