// Package router is the write and read entry point of the repository.
//
// Writes always go to the durable store first; the commit hook enqueues the
// item for indexing. A write may ask for an immediate partial document in
// the index so that it is searchable before the workers rebuild it. Reads
// choose their datastore per call.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/roach88/replica/internal/blob"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/queue"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// Datastore selects where a call reads from or writes to.
type Datastore string

const (
	Database Datastore = "database"
	Index    Datastore = "index"
)

// ParseDatastore validates a datastore name. Empty means database.
func ParseDatastore(s string) (Datastore, error) {
	switch Datastore(s) {
	case "", Database:
		return Database, nil
	case Index:
		return Index, nil
	}
	return "", fmt.Errorf("unknown datastore %q", s)
}

// ErrUnknownReference is returned when a write links to an item that does
// not exist.
var ErrUnknownReference = errors.New("unknown reference")

// Router dispatches reads and writes to the durable store and the index.
type Router struct {
	store *store.Store
	index *index.Index
	queue *queue.Queue
	reg   *schema.Registry
	blobs blob.Store
}

// New creates a router. blobs may be nil when attachments are not used.
func New(s *store.Store, x *index.Index, q *queue.Queue, reg *schema.Registry, blobs blob.Store) *Router {
	return &Router{store: s, index: x, queue: q, reg: reg, blobs: blobs}
}

// WriteRequest creates or updates one item.
type WriteRequest struct {
	// UUID is generated when empty.
	UUID     string
	ItemType string
	// Properties replaces the item's default sheet.
	Properties ir.Properties
	// Datastore index also stores a partial document right away.
	Datastore Datastore
}

// Item is an item as read through the router.
type Item struct {
	UUID       string        `json:"uuid"`
	ItemType   string        `json:"item_type"`
	SID        int64         `json:"sid"`
	Properties ir.Properties `json:"properties"`
	// Datastore is where the item was actually read from.
	Datastore Datastore `json:"datastore"`
	// Document is the index document, when read from the index.
	Document *ir.IndexDocument `json:"document,omitempty"`
}

// Write stores the item in the durable store in one transaction, deriving
// its links and unique keys from the type registry. A key held by another
// item fails the write with a *store.UniquenessConflictError.
func (r *Router) Write(ctx context.Context, req WriteRequest) (*Item, error) {
	id := req.UUID
	if id == "" {
		id = uuid.NewString()
	}
	itemType := req.ItemType
	if itemType == "" {
		stored, err := r.store.ItemType(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("write %s: item type is required for new items: %w", id, err)
		}
		itemType = stored
	}
	t, ok := r.reg.Type(itemType)
	if !ok {
		return nil, fmt.Errorf("write %s: unknown item type %q", id, itemType)
	}

	props, err := ir.NormalizeProperties(req.Properties)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", id, err)
	}
	links := t.ExtractLinks(props)
	for rel, targets := range links {
		for _, target := range targets {
			if target == id {
				continue
			}
			if _, err := r.store.ItemType(ctx, target); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("write %s: %s: %q: %w", id, rel, target, ErrUnknownReference)
				}
				return nil, err
			}
		}
	}
	keys := t.ExtractKeys(props)

	res, err := r.store.Put(ctx, store.Write{
		RID:        id,
		ItemType:   itemType,
		Properties: props,
		Keys:       keys,
		Links:      links,
	})
	if err != nil {
		return nil, err
	}

	item := &Item{UUID: id, ItemType: itemType, SID: res.SID(), Properties: res.Properties(), Datastore: Database}
	if req.Datastore == Index {
		doc := &ir.IndexDocument{
			UUID:       id,
			SID:        item.SID,
			MaxSID:     item.SID,
			ItemType:   itemType,
			Properties: item.Properties,
			Links:      links,
			UniqueKeys: keys,
			Partial:    true,
		}
		err := r.index.UpsertPartial(ctx, id, doc, item.SID)
		switch {
		case errors.Is(err, index.ErrVersionConflict):
			slog.Debug("index already newer than write", "uuid", id, "sid", item.SID)
		case err != nil:
			// The durable write stands and the queued rebuild will repair the index.
			slog.Warn("partial index write failed", "uuid", id, "sid", item.SID, "error", err)
		default:
			item.Datastore = Index
		}
	}
	return item, nil
}

// Read returns an item. Datastore index reads the index copy and falls back
// to the durable store when the item is not indexed.
func (r *Router) Read(ctx context.Context, id string, ds Datastore) (*Item, error) {
	if ds == Index {
		doc, err := r.index.GetDirect(ctx, id)
		switch {
		case err == nil:
			return &Item{
				UUID:       id,
				ItemType:   doc.ItemType,
				SID:        doc.SID,
				Properties: doc.Properties,
				Datastore:  Index,
				Document:   doc,
			}, nil
		case !errors.Is(err, index.ErrNotFound):
			return nil, err
		}
	}
	res, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Item{UUID: id, ItemType: res.ItemType, SID: res.SID(), Properties: res.Properties(), Datastore: Database}, nil
}

// ReadByKey resolves a unique key and reads the item from the durable store.
func (r *Router) ReadByKey(ctx context.Context, name, value string) (*Item, error) {
	res, err := r.store.GetByUniqueKey(ctx, name, value)
	if err != nil {
		return nil, err
	}
	return &Item{UUID: res.RID, ItemType: res.ItemType, SID: res.SID(), Properties: res.Properties(), Datastore: Database}, nil
}

// History lists every revision of one of an item's sheets, oldest first.
func (r *Router) History(ctx context.Context, id, sheet string) ([]ir.PropertySheet, error) {
	return r.store.History(ctx, id, sheet)
}

// MaxSID is the durable store clock.
func (r *Router) MaxSID(ctx context.Context) (int64, error) {
	return r.store.MaxSID(ctx)
}

// Purge removes an item from the index and the durable store.
//
// It is refused while other items link to it, in the durable store or in
// the index, and then neither store changes. After the durable purge the
// items its document linked to are queued for a rebuild at the clock the
// purge committed at.
func (r *Router) Purge(ctx context.Context, id string) error {
	if _, err := r.store.ItemType(ctx, id); err != nil {
		return err
	}
	by, err := r.store.Referencing(ctx, id)
	if err != nil {
		return err
	}
	if len(by) > 0 {
		return &store.ReferencedError{RID: id, By: by}
	}

	removed, err := r.index.Purge(ctx, id)
	switch {
	case errors.Is(err, index.ErrNotFound):
		removed = nil
	case err != nil:
		return err
	}

	if err := r.store.Purge(ctx, id); err != nil {
		// A link was committed after the check; rebuild the removed document.
		if removed != nil {
			if _, qerr := r.queue.AddUUIDs(ctx, []string{id}, queue.AddOptions{Lane: queue.Primary}); qerr != nil {
				slog.Error("requeue after refused purge", "uuid", id, "error", qerr)
			}
		}
		return err
	}
	slog.Info("purged", "uuid", id)

	if removed == nil {
		return nil
	}
	ids := purgeLinked(id, removed)
	sid, err := r.store.MaxSID(ctx)
	if err != nil {
		return err
	}
	if _, err := r.queue.AddUUIDs(ctx, ids, queue.AddOptions{Lane: queue.Secondary, Strict: true, SID: sid}); err != nil {
		return fmt.Errorf("purge %s: queue linked items: %w", id, err)
	}
	return nil
}

// purgeLinked lists the items a removed document linked to or embedded.
func purgeLinked(id string, doc *ir.IndexDocument) []string {
	linked := make(map[string]struct{})
	for _, l := range doc.LinkedUUIDsEmbedded {
		linked[l.UUID] = struct{}{}
	}
	for _, t := range doc.LinkTargets() {
		linked[t] = struct{}{}
	}
	delete(linked, id)
	ids := make([]string, 0, len(linked))
	for l := range linked {
		ids = append(ids, l)
	}
	sort.Strings(ids)
	return ids
}
