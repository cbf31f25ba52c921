package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrEnableWithoutConditions is the invariant violated by enabling an
	// issue that has no conditions.
	ErrEnableWithoutConditions = errors.New("issue cannot be enabled without conditions")

	// ErrIssueNotFound is returned by the Service for unknown issue IDs.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrConditionNotFound is returned when removing an unknown condition.
	ErrConditionNotFound = errors.New("condition not found")

	// ErrDuplicateURL is returned when another issue already uses the URL.
	ErrDuplicateURL = errors.New("issue URL already exists")

	// ErrDuplicateKey is returned when the issue already has a condition on the key.
	ErrDuplicateKey = errors.New("condition key already exists")

	// ErrInvalidComparator is returned for unknown comparator names.
	ErrInvalidComparator = errors.New("invalid comparator")

	// ErrInvalidReport is returned when a report payload cannot be flattened.
	ErrInvalidReport = errors.New("invalid report")
)

// InvariantError is a rejected mutation. Invariant names the rule that would
// have been broken.
type InvariantError struct {
	IssueID   int64
	Invariant error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("issue %d: %v", e.IssueID, e.Invariant)
}

func (e *InvariantError) Unwrap() error { return e.Invariant }
