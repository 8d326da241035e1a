package index

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no document is stored for an id.
	ErrNotFound = errors.New("document not found")

	// ErrVersionConflict reports that the stored document is at least as new
	// as the incoming one. It is a normal outcome of concurrent indexing.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStillReferenced is returned by Purge while other documents link to the id.
	ErrStillReferenced = errors.New("still referenced")

	// ErrTransient marks failures worth retrying, such as lost transaction races.
	ErrTransient = errors.New("transient index error")
)

// VersionConflictError carries both versions of a refused upsert.
type VersionConflictError struct {
	ID       string
	Stored   int64
	Incoming int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: stored sid %d, incoming sid %d", e.ID, e.Stored, e.Incoming)
}

// Is makes errors.Is(err, ErrVersionConflict) match.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// StillReferencedError lists the documents whose links name a purge target.
type StillReferencedError struct {
	ID string
	By []string
}

func (e *StillReferencedError) Error() string {
	return fmt.Sprintf("%s is still referenced by %s", e.ID, strings.Join(e.By, ", "))
}

// Is makes errors.Is(err, ErrStillReferenced) match.
func (e *StillReferencedError) Is(target error) bool {
	return target == ErrStillReferenced
}
