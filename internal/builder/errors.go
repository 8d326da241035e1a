package builder

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleRequest matches every *StaleRequestError.
	ErrStaleRequest = errors.New("stale request")

	// ErrMissingReferent matches every *MissingReferentError.
	ErrMissingReferent = errors.New("missing referent")
)

// StaleReason says why a build was refused.
type StaleReason string

const (
	// NotVisible: the requested sid is above the snapshot clock; the write
	// that produced the request is not visible to this session yet.
	NotVisible StaleReason = "not visible"

	// Superseded: the item has been written again since the requested sid.
	Superseded StaleReason = "superseded"
)

// StaleRequestError aborts a build without producing a document.
type StaleRequestError struct {
	ID       string
	Reason   StaleReason
	Expected int64
	Clock    int64
	Current  int64
}

func (e *StaleRequestError) Error() string {
	switch e.Reason {
	case Superseded:
		return fmt.Sprintf("stale request for %s: sid %d superseded by %d", e.ID, e.Expected, e.Current)
	default:
		return fmt.Sprintf("stale request for %s: sid %d not visible at clock %d", e.ID, e.Expected, e.Clock)
	}
}

// Is makes errors.Is(err, ErrStaleRequest) match.
func (e *StaleRequestError) Is(target error) bool {
	return target == ErrStaleRequest
}

// MissingReferentError reports an id that no longer exists in the durable
// store. Ref equals ID when the item being built was itself purged.
type MissingReferentError struct {
	ID    string
	Ref   string
	Field string
}

func (e *MissingReferentError) Error() string {
	if e.Ref == e.ID {
		return fmt.Sprintf("missing referent: %s does not exist", e.ID)
	}
	return fmt.Sprintf("missing referent: %s.%s references %s which does not exist", e.ID, e.Field, e.Ref)
}

// Is makes errors.Is(err, ErrMissingReferent) match.
func (e *MissingReferentError) Is(target error) bool {
	return target == ErrMissingReferent
}

// Purged reports whether the built item itself is gone.
func (e *MissingReferentError) Purged() bool {
	return e.Ref == e.ID
}
