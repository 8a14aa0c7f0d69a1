package relation

import (
	"errors"
	"fmt"
)

// ValidationError reports a databag that is present but does not satisfy the
// interface schema.  It is an expected transient state during a concurrent
// remote update: callers log it and treat the data as unusable, they never
// crash on it.
type ValidationError struct {
	Relation string
	ID       int
	Reason   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("relation %s (instance %d): databag failed validation: %v", e.Relation, e.ID, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// IsValidationError ...
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// MultipleRelatedApplicationsError reports more than one related application
// on a relation that expects exactly one.  This is a topology error an
// operator must fix; retrying cannot resolve it.
type MultipleRelatedApplicationsError struct {
	Relation string
	Count    int
}

func (e *MultipleRelatedApplicationsError) Error() string {
	return fmt.Sprintf("relation %s: expected at most one related application, found %d", e.Relation, e.Count)
}

// IsMultipleRelatedApplications ...
func IsMultipleRelatedApplications(err error) bool {
	var m *MultipleRelatedApplicationsError
	return errors.As(err, &m)
}
