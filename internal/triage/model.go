package triage

import (
	"maps"
	"slices"
	"time"
)

// Condition is a single key/comparator/value predicate over a flattened report.
type Condition struct {
	ID      int64      `json:"id"`
	IssueID int64      `json:"issue_id"`
	Key     string     `json:"key"`
	Value   string     `json:"value"`
	Compare Comparator `json:"compare"`
}

// Matches reports whether data satisfies the condition. A missing key never
// matches, whatever the comparator.
func (c Condition) Matches(data map[string]string) bool {
	v, ok := data[c.Key]
	if !ok {
		return false
	}
	return c.Compare.Apply(v, c.Value)
}

// Issue is a known failure pattern: a prioritized conjunction of conditions.
type Issue struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	Description string      `json:"description,omitempty"`
	Enabled     bool        `json:"enabled"`
	Priority    int         `json:"priority"`
	Conditions  []Condition `json:"conditions"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Matches reports whether the issue is enabled and every condition matches.
func (i *Issue) Matches(data map[string]string) bool {
	return i.Enabled && i.ConditionsMatch(data)
}

// ConditionsMatch evaluates the conditions without the enabled gate. An issue
// without conditions matches nothing.
func (i *Issue) ConditionsMatch(data map[string]string) bool {
	if len(i.Conditions) == 0 {
		return false
	}
	for _, c := range i.Conditions {
		if !c.Matches(data) {
			return false
		}
	}
	return true
}

// Condition returns the condition with the given ID.
func (i *Issue) Condition(id int64) (Condition, bool) {
	for _, c := range i.Conditions {
		if c.ID == id {
			return c, true
		}
	}
	return Condition{}, false
}

// HasKey reports whether a condition already uses key.
func (i *Issue) HasKey(key string) bool {
	return slices.ContainsFunc(i.Conditions, func(c Condition) bool { return c.Key == key })
}

// Clone returns a deep copy.
func (i *Issue) Clone() *Issue {
	cp := *i
	cp.Conditions = slices.Clone(i.Conditions)
	return &cp
}

// Report is one flattened firmware test or update outcome. IssueID is zero
// while the report is unclassified.
type Report struct {
	ID         int64             `json:"id"`
	FirmwareID int64             `json:"firmware_id"`
	IssueID    int64             `json:"issue_id"`
	Data       map[string]string `json:"data"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Assigned reports whether the report has been classified.
func (r *Report) Assigned() bool { return r.IssueID != 0 }

// Clone returns a deep copy.
func (r *Report) Clone() *Report {
	cp := *r
	cp.Data = maps.Clone(r.Data)
	return &cp
}
