// Package index is the search-index store: fully built documents keyed by
// item id, each carrying the sid it was built from, in a badger key space.
//
// Key layout:
//
//	doc/<id>              canonical JSON of the document
//	ver/<id>              external version of the document, big-endian
//	ref/<target>/<source> source's links name target
//	emb/<target>/<source> source embedded target when it was built
//	rec/<name>            index run records
//	meta/format           document format of the index
//
// The external version is the durable-store clock the document was built
// against, so a rebuild triggered by a change to an embedded item replaces
// the stored document even though the item's own sid did not move.
// The ref/ and emb/ keys are maintained with the document in the same
// transaction, so reverse lookups are prefix scans.
package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/replica/internal/ir"
)

const (
	prefixDoc    = "doc/"
	prefixVer    = "ver/"
	prefixRef    = "ref/"
	prefixEmb    = "emb/"
	prefixRecord = "rec/"

	formatKey = "meta/format"
)

// conflictRetries bounds the retries of a badger transaction that lost a race.
const conflictRetries = 3

// Option configures an Index.
type Option func(*options)

type options struct {
	inMemory   bool
	syncWrites bool
	logger     *slog.Logger
}

// WithInMemory keeps the index in memory only. The path is ignored.
func WithInMemory() Option {
	return func(o *options) { o.inMemory = true }
}

// WithSyncWrites fsyncs every commit.
func WithSyncWrites(sync bool) Option {
	return func(o *options) { o.syncWrites = sync }
}

// WithLogger sets the logger badger writes through.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Index is the search-index store.
type Index struct {
	db *badger.DB
}

// Open opens or creates the index at path.
func Open(path string, opts ...Option) (*Index, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	bopts := badger.DefaultOptions(path)
	if o.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithSyncWrites(o.syncWrites).
		WithLogger(badgerLogger{l: o.logger.With("component", "badger")}).
		WithValueLogFileSize(1 << 26)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	if err := checkFormat(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	return &Index{db: db}, nil
}

// checkFormat stamps a new index with the document format and refuses an
// index stamped with another one.
func checkFormat(db *badger.DB) error {
	return db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(formatKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set([]byte(formatKey), []byte(ir.DocumentVersion))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if string(val) != ir.DocumentVersion {
				return fmt.Errorf("document format %q, want %q: rebuild the index", val, ir.DocumentVersion)
			}
			return nil
		})
	})
}

// Close flushes and closes the index.
func (x *Index) Close() error {
	return x.db.Close()
}

func docKey(id string) []byte { return []byte(prefixDoc + id) }

func verKey(id string) []byte { return []byte(prefixVer + id) }

func edgeKey(prefix, target, source string) []byte {
	return []byte(prefix + target + "/" + source)
}

// update runs fn in a read-write transaction, retrying lost races.
func (x *Index) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = x.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		slog.Debug("index transaction conflict, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func getDoc(txn *badger.Txn, id string) (*ir.IndexDocument, error) {
	item, err := txn.Get(docKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	var doc ir.IndexDocument
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &doc, nil
}

func getVersion(txn *badger.Txn, id string) (int64, error) {
	item, err := txn.Get(verKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get version of %s: %w", id, err)
	}
	var v int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("version of %s: bad length %d", id, len(val))
		}
		v = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return v, err
}

func encodeVersion(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

// Upsert stores doc under id unless the stored document is newer.
//
// The write applies when no document is stored or the stored version is
// below version. A stored partial document at the same version is replaced
// as well. Otherwise Upsert returns a *VersionConflictError.
func (x *Index) Upsert(ctx context.Context, id string, doc *ir.IndexDocument, version int64) error {
	return x.update(ctx, func(txn *badger.Txn) error {
		old, err := checkVersion(txn, id, version)
		if err != nil {
			return err
		}
		return putDoc(txn, id, old, doc, version)
	})
}

// UpsertPartial applies a router write to the stored document: properties,
// links and unique keys are replaced, the computed views and embedding
// edges of a stored document are kept until the next build. The result is
// partial, so a build at the same version still replaces it.
func (x *Index) UpsertPartial(ctx context.Context, id string, partial *ir.IndexDocument, version int64) error {
	return x.update(ctx, func(txn *badger.Txn) error {
		old, err := checkVersion(txn, id, version)
		if err != nil {
			return err
		}
		doc := partial
		if old != nil {
			merged := *old
			merged.SID = partial.SID
			merged.MaxSID = partial.MaxSID
			merged.ItemType = partial.ItemType
			merged.Properties = partial.Properties
			merged.Links = partial.Links
			merged.UniqueKeys = partial.UniqueKeys
			merged.Partial = true
			doc = &merged
		}
		return putDoc(txn, id, old, doc, version)
	})
}

// checkVersion returns the stored document, or a *VersionConflictError when
// it may not be replaced at version.
func checkVersion(txn *badger.Txn, id string, version int64) (*ir.IndexDocument, error) {
	stored, err := getVersion(txn, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	old, err := getDoc(txn, id)
	if err != nil {
		return nil, err
	}
	if stored > version || (stored == version && !old.Partial) {
		return nil, &VersionConflictError{ID: id, Stored: stored, Incoming: version}
	}
	return old, nil
}

func putDoc(txn *badger.Txn, id string, old, doc *ir.IndexDocument, version int64) error {
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	if err := txn.Set(docKey(id), data); err != nil {
		return err
	}
	if err := txn.Set(verKey(id), encodeVersion(version)); err != nil {
		return err
	}
	var oldRefs, oldEmbs []string
	if old != nil {
		oldRefs, oldEmbs = old.LinkTargets(), old.EmbeddedUUIDs()
	}
	if err := syncEdges(txn, prefixRef, id, oldRefs, doc.LinkTargets()); err != nil {
		return err
	}
	return syncEdges(txn, prefixEmb, id, oldEmbs, doc.EmbeddedUUIDs())
}

// syncEdges rewrites the reverse edges of source from old targets to new ones.
func syncEdges(txn *badger.Txn, prefix, source string, old, next []string) error {
	keep := make(map[string]struct{}, len(next))
	for _, t := range next {
		keep[t] = struct{}{}
	}
	for _, t := range old {
		if _, ok := keep[t]; ok {
			continue
		}
		if err := txn.Delete(edgeKey(prefix, t, source)); err != nil {
			return err
		}
	}
	for t := range keep {
		if err := txn.Set(edgeKey(prefix, t, source), nil); err != nil {
			return err
		}
	}
	return nil
}

// GetDirect returns the stored document for id.
func (x *Index) GetDirect(ctx context.Context, id string) (*ir.IndexDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *ir.IndexDocument
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = getDoc(txn, id)
		return err
	})
	return doc, err
}

// Version returns the external version of the stored document.
func (x *Index) Version(ctx context.Context, id string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var v int64
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = getVersion(txn, id)
		return err
	})
	return v, err
}

// FindReferencingIDs returns the ids whose stored links name id, sorted.
func (x *Index) FindReferencingIDs(ctx context.Context, id string) ([]string, error) {
	return x.scanEdges(ctx, prefixRef, id)
}

// FindEmbeddingIDs returns the ids whose stored linked_uuids_embedded
// contain id, sorted.
func (x *Index) FindEmbeddingIDs(ctx context.Context, id string) ([]string, error) {
	return x.scanEdges(ctx, prefixEmb, id)
}

func (x *Index) scanEdges(ctx context.Context, prefix, target string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := []byte(prefix + target + "/")
	ids := []string{}
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(p):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s%s: %w", prefix, target, err)
	}
	return ids, nil
}

// Purge removes the document for id with its reverse edges and returns it.
// It fails with a *StillReferencedError while other documents link to id.
// Purging an absent document returns ErrNotFound.
func (x *Index) Purge(ctx context.Context, id string) (*ir.IndexDocument, error) {
	var removed *ir.IndexDocument
	err := x.update(ctx, func(txn *badger.Txn) error {
		by, err := referencingIn(txn, id)
		if err != nil {
			return err
		}
		if len(by) > 0 {
			return &StillReferencedError{ID: id, By: by}
		}
		doc, err := getDoc(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(docKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(verKey(id)); err != nil {
			return err
		}
		if err := syncEdges(txn, prefixRef, id, doc.LinkTargets(), nil); err != nil {
			return err
		}
		if err := syncEdges(txn, prefixEmb, id, doc.EmbeddedUUIDs(), nil); err != nil {
			return err
		}
		removed = doc
		return nil
	})
	return removed, err
}

func referencingIn(txn *badger.Txn, id string) ([]string, error) {
	p := []byte(prefixRef + id + "/")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	var by []string
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		source := string(it.Item().Key()[len(p):])
		if source != id {
			by = append(by, source)
		}
	}
	return by, nil
}

// Count returns the number of stored documents.
func (x *Index) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixDoc)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// PutRecord stores v as canonical JSON under name.
func (x *Index) PutRecord(ctx context.Context, name string, v any) error {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	return x.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixRecord+name), data)
	})
}

// GetRecord decodes the record stored under name into v.
func (x *Index) GetRecord(ctx context.Context, name string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return x.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixRecord + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("record %s: %w", name, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}
