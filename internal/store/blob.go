package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/replica/internal/blob"
)

// Blobs stores attachments inline in the blobs table.
type Blobs struct {
	db *sql.DB
}

// Blobs returns the inline blob store sharing the writer connection.
func (s *Store) Blobs() *Blobs {
	return &Blobs{db: s.db}
}

// Put stores data under its digest. Storing the same bytes again is a no-op.
func (b *Blobs) Put(ctx context.Context, data []byte, contentType string) (blob.Ref, error) {
	ref := blob.NewRef(data, contentType)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO blobs (digest, content_type, data) VALUES (?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`, ref.Digest, ref.ContentType, data)
	if err != nil {
		return blob.Ref{}, fmt.Errorf("put blob %s: %w", ref.Digest, err)
	}
	return ref, nil
}

// Fetch loads a blob by digest.
func (b *Blobs) Fetch(ctx context.Context, digest string) ([]byte, blob.Ref, error) {
	var (
		contentType string
		data        []byte
	)
	err := b.db.QueryRowContext(ctx, `SELECT content_type, data FROM blobs WHERE digest = ?`, digest).Scan(&contentType, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blob.Ref{}, fmt.Errorf("%s: %w", digest, blob.ErrNotFound)
	}
	if err != nil {
		return nil, blob.Ref{}, fmt.Errorf("fetch blob %s: %w", digest, err)
	}
	return data, blob.Ref{Digest: digest, ContentType: contentType, Size: int64(len(data))}, nil
}

var _ blob.Store = (*Blobs)(nil)
