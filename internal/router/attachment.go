package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/replica/internal/blob"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/store"
)

// DownloadsSheet is the auxiliary sheet recording an item's attachments.
const DownloadsSheet = "downloads"

// ErrNoBlobStore is returned by attachment calls on a router without one.
var ErrNoBlobStore = errors.New("no blob store configured")

// Attach stores data in the blob store and records it under name in the
// item's downloads sheet.
func (r *Router) Attach(ctx context.Context, id, name string, data []byte, contentType string) (blob.Ref, error) {
	if r.blobs == nil {
		return blob.Ref{}, ErrNoBlobStore
	}
	res, err := r.store.Get(ctx, id)
	if err != nil {
		return blob.Ref{}, err
	}
	ref, err := r.blobs.Put(ctx, data, contentType)
	if err != nil {
		return blob.Ref{}, fmt.Errorf("attach %s to %s: %w", name, id, err)
	}

	downloads := ir.Properties{}
	if sheet, ok := res.Sheets[DownloadsSheet]; ok {
		downloads = sheet.Properties.Clone()
	}
	downloads[name] = ir.Properties{
		"digest":       ref.Digest,
		"content_type": ref.ContentType,
		"size":         ref.Size,
	}
	downloads, err = ir.NormalizeProperties(downloads)
	if err != nil {
		return blob.Ref{}, err
	}

	if _, err := r.store.Put(ctx, store.Write{
		RID:    id,
		Sheets: map[string]ir.Properties{DownloadsSheet: downloads},
	}); err != nil {
		return blob.Ref{}, err
	}
	return ref, nil
}

// Download returns the bytes of a named attachment.
func (r *Router) Download(ctx context.Context, id, name string) ([]byte, blob.Ref, error) {
	if r.blobs == nil {
		return nil, blob.Ref{}, ErrNoBlobStore
	}
	res, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, blob.Ref{}, err
	}
	sheet, ok := res.Sheets[DownloadsSheet]
	if !ok {
		return nil, blob.Ref{}, fmt.Errorf("attachment %s of %s: %w", name, id, store.ErrNotFound)
	}
	entry, ok := sheet.Properties[name].(map[string]any)
	if !ok {
		if p, isProps := sheet.Properties[name].(ir.Properties); isProps {
			entry, ok = p, true
		}
	}
	if !ok {
		return nil, blob.Ref{}, fmt.Errorf("attachment %s of %s: %w", name, id, store.ErrNotFound)
	}
	digest, _ := entry["digest"].(string)
	return r.blobs.Fetch(ctx, digest)
}
