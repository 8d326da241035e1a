package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/replica/internal/builder"
	"github.com/roach88/replica/internal/index"
)

// Error is a classified indexing failure.
//
// Every message outcome other than success carries one. Conflicts and stale
// requests are steady state; transient errors are retried in place; permanent
// errors are recorded on the message and eventually dead-lettered.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// UUID is the item whose document was being built.
	UUID string

	// SID is the sid the request asked for.
	SID int64

	// Details contains additional context.
	Details map[string]string

	err error
}

// ErrorCode categorizes indexing errors.
type ErrorCode string

const (
	// ErrCodeVersionConflict indicates the index already holds a newer document.
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"

	// ErrCodeStaleRequest indicates the snapshot cannot serve the request yet.
	ErrCodeStaleRequest ErrorCode = "STALE_REQUEST"

	// ErrCodeMissingReferent indicates the item or something it references is gone.
	ErrCodeMissingReferent ErrorCode = "MISSING_REFERENT"

	// ErrCodeTransient indicates an I/O failure worth retrying.
	ErrCodeTransient ErrorCode = "TRANSIENT_IO"

	// ErrCodeTimeout indicates the build overran its soft deadline.
	ErrCodeTimeout ErrorCode = "BUILD_TIMEOUT"

	// ErrCodePermanent indicates a build failure that retrying will not fix.
	ErrCodePermanent ErrorCode = "PERMANENT_BUILD"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.UUID != "" {
		return fmt.Sprintf("%s: %s (uuid=%s, sid=%d)", e.Code, e.Message, e.UUID, e.SID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.err
}

func codeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return codeOf(err) == ErrCodeVersionConflict }

// IsStale reports whether err is a stale request.
func IsStale(err error) bool { return codeOf(err) == ErrCodeStaleRequest }

// IsMissingReferent reports whether err is a missing referent.
func IsMissingReferent(err error) bool { return codeOf(err) == ErrCodeMissingReferent }

// IsTransient reports whether err is worth retrying in place.
func IsTransient(err error) bool { return codeOf(err) == ErrCodeTransient }

// classify wraps a build or upsert failure in an *Error.
func classify(id string, sid int64, err error) *Error {
	e := &Error{UUID: id, SID: sid, Message: err.Error(), err: err}

	var stale *builder.StaleRequestError
	var missing *builder.MissingReferentError
	var conflict *index.VersionConflictError
	var sqliteErr sqlite3.Error

	switch {
	case errors.As(err, &conflict):
		e.Code = ErrCodeVersionConflict
		e.Details = map[string]string{
			"stored":   fmt.Sprintf("%d", conflict.Stored),
			"incoming": fmt.Sprintf("%d", conflict.Incoming),
		}
	case errors.As(err, &stale):
		e.Code = ErrCodeStaleRequest
		e.Details = map[string]string{
			"reason": string(stale.Reason),
			"clock":  fmt.Sprintf("%d", stale.Clock),
		}
	case errors.As(err, &missing):
		e.Code = ErrCodeMissingReferent
		e.Details = map[string]string{"ref": missing.Ref}
		if missing.Field != "" {
			e.Details["field"] = missing.Field
		}
	case errors.Is(err, context.DeadlineExceeded):
		e.Code = ErrCodeTimeout
	case errors.Is(err, index.ErrTransient):
		e.Code = ErrCodeTransient
	case errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked):
		e.Code = ErrCodeTransient
	default:
		e.Code = ErrCodePermanent
	}
	return e
}
