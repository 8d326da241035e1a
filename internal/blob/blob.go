// Package blob defines the content-addressed attachment store.
//
// Blobs are addressed by the sha256 digest of their bytes, so storing the same
// payload twice yields the same Ref and never duplicates data.
package blob

import (
	"context"
	"errors"

	"github.com/roach88/replica/internal/ir"
)

// ErrNotFound is returned when no blob has the requested digest.
var ErrNotFound = errors.New("blob not found")

// Ref identifies a stored blob.
type Ref struct {
	Digest      string `json:"digest"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Store stores and fetches blobs.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (Ref, error)
	Fetch(ctx context.Context, digest string) ([]byte, Ref, error)
}

// NewRef computes the reference of a payload.
func NewRef(data []byte, contentType string) Ref {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Ref{
		Digest:      ir.BlobDigest(data),
		ContentType: contentType,
		Size:        int64(len(data)),
	}
}
