package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a resource, key or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUniquenessConflict matches every UniquenessConflictError.
	ErrUniquenessConflict = errors.New("uniqueness conflict")

	// ErrReferenced is returned by Purge while other resources link to the item.
	ErrReferenced = errors.New("still referenced")
)

// UniquenessConflictError reports a key already held by another resource.
// Callers must correct the input; retrying the same write fails again.
type UniquenessConflictError struct {
	Name  string
	Value string
	RID   string
	Owner string
}

func (e *UniquenessConflictError) Error() string {
	return fmt.Sprintf("uniqueness conflict: key %s=%q of %s is held by %s", e.Name, e.Value, e.RID, e.Owner)
}

// Is makes errors.Is(err, ErrUniquenessConflict) match.
func (e *UniquenessConflictError) Is(target error) bool {
	return target == ErrUniquenessConflict
}

// ReferencedError lists the resources that still link to a purge target.
type ReferencedError struct {
	RID string
	By  []string
}

func (e *ReferencedError) Error() string {
	return fmt.Sprintf("%s is still referenced by %s", e.RID, strings.Join(e.By, ", "))
}

// Is makes errors.Is(err, ErrReferenced) match.
func (e *ReferencedError) Is(target error) bool {
	return target == ErrReferenced
}
