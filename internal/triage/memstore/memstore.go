// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/fwtriage/internal/triage"
)

// Store holds issues and reports in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	issues  map[int64]*triage.Issue
	byURL   map[string]int64 // issue URL -> issue ID
	reports map[int64]*triage.Report

	nextIssue     int64
	nextCondition int64
	nextReport    int64
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		issues:  make(map[int64]*triage.Issue),
		byURL:   make(map[string]int64),
		reports: make(map[int64]*triage.Report),
	}
}

// GetIssue retrieves an issue by ID. Returns a copy.
func (s *Store) GetIssue(_ context.Context, id int64) (*triage.Issue, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	is, ok := s.issues[id]
	if !ok {
		return nil, false, nil
	}
	return is.Clone(), true, nil
}

// GetIssueByURL retrieves an issue by its unique URL. Returns a copy.
func (s *Store) GetIssueByURL(_ context.Context, url string) (*triage.Issue, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[url]
	if !ok {
		return nil, false, nil
	}
	return s.issues[id].Clone(), true, nil
}

// ListIssues returns copies of every issue ordered by ID.
func (s *Store) ListIssues(_ context.Context) ([]*triage.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*triage.Issue, 0, len(s.issues))
	for _, is := range s.issues {
		out = append(out, is.Clone())
	}
	slices.SortFunc(out, func(a, b *triage.Issue) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// PutIssue stores a copy of the issue, assigning IDs where they are zero.
func (s *Store) PutIssue(_ context.Context, is *triage.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if is.ID == 0 {
		s.nextIssue++
		is.ID = s.nextIssue
	}
	for i := range is.Conditions {
		c := &is.Conditions[i]
		c.IssueID = is.ID
		if c.ID == 0 {
			s.nextCondition++
			c.ID = s.nextCondition
		}
	}

	if old, ok := s.issues[is.ID]; ok && old.URL != is.URL {
		delete(s.byURL, old.URL)
	}
	s.issues[is.ID] = is.Clone()
	s.byURL[is.URL] = is.ID
	return nil
}

// DeleteIssue removes the issue and unassigns its reports.
func (s *Store) DeleteIssue(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	is, ok := s.issues[id]
	if !ok {
		return false, nil
	}
	delete(s.issues, id)
	delete(s.byURL, is.URL)
	for _, r := range s.reports {
		if r.IssueID == id {
			r.IssueID = 0
		}
	}
	return true, nil
}

// PutReport stores a copy of the report, assigning an ID when it is zero.
func (s *Store) PutReport(_ context.Context, r *triage.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		s.nextReport++
		r.ID = s.nextReport
	}
	s.reports[r.ID] = r.Clone()
	return nil
}

// GetReport retrieves a report by ID. Returns a copy.
func (s *Store) GetReport(_ context.Context, id int64) (*triage.Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// ListReports returns copies of every report, oldest first.
func (s *Store) ListReports(_ context.Context) ([]*triage.Report, error) {
	return s.filterReports(func(*triage.Report) bool { return true }), nil
}

// UnassignedReports returns copies of the reports without an issue.
func (s *Store) UnassignedReports(_ context.Context) ([]*triage.Report, error) {
	return s.filterReports(func(r *triage.Report) bool { return !r.Assigned() }), nil
}

func (s *Store) filterReports(keep func(*triage.Report) bool) []*triage.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*triage.Report
	for _, r := range s.reports {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *triage.Report) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// AssignIssue sets issueID on the listed reports that are still unassigned.
func (s *Store) AssignIssue(_ context.Context, issueID int64, reportIDs []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, id := range reportIDs {
		r, ok := s.reports[id]
		if !ok || r.Assigned() {
			continue
		}
		r.IssueID = issueID
		n++
	}
	return n, nil
}
