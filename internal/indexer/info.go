package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/replica/internal/builder"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/store"
)

// Info describes the indexing state of one item.
type Info struct {
	UUID   string `json:"uuid"`
	SIDDB  int64  `json:"sid_db"`
	MaxSID int64  `json:"max_sid"`
	// SIDIndex is the sid of the indexed document, zero when none is stored.
	SIDIndex         int64              `json:"sid_index"`
	RebuildWarranted bool               `json:"rebuild_warranted"`
	UUIDsInvalidated []string           `json:"uuids_invalidated"`
	IndexingStats    map[string]float64 `json:"indexing_stats,omitempty"`
	Document         *ir.IndexDocument  `json:"document,omitempty"`
}

// InfoOptions selects the optional parts of Info.
type InfoOptions struct {
	Stats    bool
	Document bool
}

// Info builds id from a fresh snapshot without writing anything and
// compares the result with the stored document.
//
// A rebuild is warranted when no complete document is stored or the stored
// one differs from the fresh build.
func (ix *Indexer) Info(ctx context.Context, id string, opts InfoOptions) (*Info, error) {
	sess, err := ix.store.Session(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	res, err := ix.builder.Build(ctx, sess, id, builder.Options{})
	if err != nil {
		var missing *builder.MissingReferentError
		if errors.As(err, &missing) && missing.Purged() {
			return nil, fmt.Errorf("%s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	doc := res.Document

	info := &Info{
		UUID:             id,
		SIDDB:            doc.SID,
		MaxSID:           sess.Clock(),
		RebuildWarranted: true,
	}
	if info.UUIDsInvalidated, err = ix.invalidated(ctx, id, res); err != nil {
		return nil, err
	}

	stored, err := ix.index.GetDirect(ctx, id)
	switch {
	case errors.Is(err, index.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		info.SIDIndex = stored.SID
		if !stored.Partial {
			same, err := sameContent(doc, stored)
			if err != nil {
				return nil, err
			}
			info.RebuildWarranted = !same
		}
	}

	if opts.Stats {
		info.IndexingStats = doc.IndexingStats
	}
	if opts.Document {
		info.Document = doc
	}
	return info, nil
}

// sameContent compares two documents ignoring max_sid: a document built at
// an older clock is still current if nothing it depends on changed.
func sameContent(a, b *ir.IndexDocument) (bool, error) {
	ca, cb := *a, *b
	ca.MaxSID, cb.MaxSID = 0, 0
	x, err := ir.DocumentHash(&ca)
	if err != nil {
		return false, err
	}
	y, err := ir.DocumentHash(&cb)
	if err != nil {
		return false, err
	}
	return x == y, nil
}
