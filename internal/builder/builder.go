// Package builder computes index documents from a durable-store snapshot.
//
// A build reads exactly one snapshot session, renders the object and
// embedded views through the Host, and records every other item it read so
// the indexer can invalidate the right documents when any of them changes.
package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// DefaultCacheSize bounds the per-build embed cache.
const DefaultCacheSize = 1024

// Snapshot is a read-only view of the durable store at a fixed clock.
// *store.Session implements it.
type Snapshot interface {
	store.Reader
	Clock() int64
}

// Options controls staleness checks of one build.
type Options struct {
	// ExpectedSID is the sid the triggering message asks for. Zero skips
	// the visibility check.
	ExpectedSID int64
	// OwnVersion marks ExpectedSID as the item's own version, so a newer
	// write to the item supersedes the request.
	OwnVersion bool
}

// Result is a built document with its invalidation metadata.
type Result struct {
	Document *ir.IndexDocument
	// Touched lists every item the document depends on, sorted.
	Touched []string
	// EmbeddedBy maps each embedded id to the ids whose embedding reached it.
	EmbeddedBy map[string][]string
}

// Builder builds documents. It is safe for concurrent use; all build state
// lives in a per-call value.
type Builder struct {
	reg       *schema.Registry
	host      Host
	cacheSize int
}

// Option configures a Builder.
type Option func(*Builder)

// WithCacheSize sets the number of embedded views memoized per build.
func WithCacheSize(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.cacheSize = n
		}
	}
}

// New creates a builder over a type registry.
func New(reg *schema.Registry, host Host, opts ...Option) *Builder {
	if host == nil {
		host = DefaultHost{}
	}
	b := &Builder{reg: reg, host: host, cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the type registry the builder renders with.
func (b *Builder) Registry() *schema.Registry {
	return b.reg
}

type loaded struct {
	id    string
	res   *ir.Resource
	t     *schema.Type
	props ir.Properties
}

type visit struct {
	id string
	by string
}

type embedEntry struct {
	view   ir.Properties
	visits []visit
}

// build is the state of one Build call.
type build struct {
	ctx   context.Context
	snap  Snapshot
	reg   *schema.Registry
	host  Host
	root  string
	cache *lru.Cache

	items     map[string]*loaded
	objects   map[string]ir.Properties
	revByItem map[string]map[string][]string
	visits    []visit
}

// Build computes the document of id from snap.
//
// It returns a *StaleRequestError when the snapshot cannot serve opts, and a
// *MissingReferentError when id or any item it references does not exist.
func (b *Builder) Build(ctx context.Context, snap Snapshot, id string, opts Options) (*Result, error) {
	clock := snap.Clock()
	if opts.ExpectedSID > clock {
		return nil, &StaleRequestError{ID: id, Reason: NotVisible, Expected: opts.ExpectedSID, Clock: clock}
	}

	cache, err := lru.New(b.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("embed cache: %w", err)
	}
	st := &build{
		ctx:       ctx,
		snap:      snap,
		reg:       b.reg,
		host:      b.host,
		root:      id,
		cache:     cache,
		items:     make(map[string]*loaded),
		objects:   make(map[string]ir.Properties),
		revByItem: make(map[string]map[string][]string),
	}
	stats := make(map[string]float64)

	end := stage(stats, "upgrade_properties")
	root, err := st.load(id, id, "")
	if err != nil {
		return nil, err
	}
	end()
	if opts.OwnVersion && opts.ExpectedSID > 0 && root.res.SID() > opts.ExpectedSID {
		return nil, &StaleRequestError{ID: id, Reason: Superseded, Expected: opts.ExpectedSID, Clock: clock, Current: root.res.SID()}
	}
	t := root.t

	doc := &ir.IndexDocument{
		UUID:       id,
		SID:        root.res.SID(),
		MaxSID:     clock,
		ItemType:   t.Name,
		Properties: root.props,
		Links:      t.ExtractLinks(root.props),
	}

	end = stage(stats, "unique_keys")
	doc.UniqueKeys = t.ExtractKeys(root.props)
	end()

	end = stage(stats, "paths")
	paths := map[string]struct{}{t.Path(id): {}}
	for _, p := range t.KeyPaths(root.props) {
		paths[p] = struct{}{}
	}
	doc.Paths = sortedSet(paths)
	end()

	end = stage(stats, "object_view")
	if doc.Object, err = st.object(root); err != nil {
		return nil, err
	}
	linkedObject := map[string]struct{}{id: {}}
	for _, targets := range doc.Links {
		for _, target := range targets {
			linkedObject[target] = struct{}{}
		}
	}
	doc.RevLinkNames = st.revByItem[id]
	end()

	end = stage(stats, "embedded_view")
	if doc.Embedded, err = st.embed(id, t.Embedded, "", ""); err != nil {
		return nil, err
	}
	end()

	linkedEmbedded := make(map[string]struct{}, len(st.visits))
	embeddedBy := make(map[string]map[string]struct{})
	for _, v := range st.visits {
		linkedEmbedded[v.id] = struct{}{}
		if v.by != "" && v.by != v.id {
			if embeddedBy[v.id] == nil {
				embeddedBy[v.id] = make(map[string]struct{})
			}
			embeddedBy[v.id][v.by] = struct{}{}
		}
	}
	for target := range linkedObject {
		linkedEmbedded[target] = struct{}{}
	}

	end = stage(stats, "rev_links")
	doc.RevLinkedToMe = st.revLinkedTo(id)
	end()

	end = stage(stats, "aggregated_items")
	doc.AggregatedItems = aggregate(t, doc.Embedded)
	end()

	end = stage(stats, "validation")
	doc.ValidationErrors = b.host.Validate(t, root.props, func(ref string) (string, bool) {
		itemType, err := snap.ItemType(ctx, ref)
		return itemType, err == nil
	})
	if doc.ValidationErrors == nil {
		doc.ValidationErrors = []ir.ValidationError{}
	}
	end()

	doc.PrincipalsAllowed = b.host.PrincipalsAllowed(t, root.props)
	if doc.LinkedUUIDsObject, err = st.linkedUUIDs(linkedObject); err != nil {
		return nil, err
	}
	if doc.LinkedUUIDsEmbedded, err = st.linkedUUIDs(linkedEmbedded); err != nil {
		return nil, err
	}
	doc.IndexingStats = stats

	touched := make(map[string]struct{}, len(linkedEmbedded))
	for tid := range linkedEmbedded {
		touched[tid] = struct{}{}
	}
	for _, sources := range doc.RevLinkNames {
		for _, src := range sources {
			touched[src] = struct{}{}
		}
	}
	for _, other := range doc.RevLinkedToMe {
		touched[other] = struct{}{}
	}

	result := &Result{
		Document:   doc,
		Touched:    sortedSet(touched),
		EmbeddedBy: make(map[string][]string, len(embeddedBy)),
	}
	for target, by := range embeddedBy {
		result.EmbeddedBy[target] = sortedSet(by)
	}
	return result, nil
}

// load reads and upgrades one item, once per build.
func (st *build) load(id, from, field string) (*loaded, error) {
	if l, ok := st.items[id]; ok {
		return l, nil
	}
	if err := st.ctx.Err(); err != nil {
		return nil, err
	}
	res, err := st.snap.Get(st.ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &MissingReferentError{ID: from, Ref: id, Field: field}
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	t, ok := st.reg.Type(res.ItemType)
	if !ok {
		return nil, fmt.Errorf("load %s: unknown item type %q", id, res.ItemType)
	}
	props, err := st.host.CanonicalProperties(st.ctx, t, res)
	if err != nil {
		return nil, fmt.Errorf("upgrade %s: %w", id, err)
	}
	l := &loaded{id: id, res: res, t: t, props: props}
	st.items[id] = l
	return l, nil
}

// revLinks evaluates the declared reverse relations of an item against the
// links table, dropping sources of the wrong type or in an excluded status.
func (st *build) revLinks(l *loaded) (map[string][]string, error) {
	if rev, ok := st.revByItem[l.id]; ok {
		return rev, nil
	}
	rev := make(map[string][]string, len(l.t.RevLinks))
	for _, rl := range l.t.RevLinks {
		sources, err := st.snap.RevLinks(st.ctx, l.id, rl.Field)
		if err != nil {
			return nil, fmt.Errorf("rev links %s of %s: %w", rl.Name, l.id, err)
		}
		kept := []string{}
		for _, src := range sources {
			s, err := st.load(src, l.id, rl.Name)
			if err != nil {
				return nil, err
			}
			if s.t.Name != rl.SourceType || l.t.Excluded(s.props.String("status")) {
				continue
			}
			kept = append(kept, src)
		}
		rev[rl.Name] = kept
	}
	st.revByItem[l.id] = rev
	return rev, nil
}

// object renders the object view of an item, once per build.
func (st *build) object(l *loaded) (ir.Properties, error) {
	if view, ok := st.objects[l.id]; ok {
		return view.Clone(), nil
	}
	paths := make(map[string]string)
	for _, name := range l.t.LinkNames() {
		for _, target := range l.props.Strings(name) {
			ref, err := st.load(target, l.id, name)
			if err != nil {
				return nil, err
			}
			paths[target] = ref.t.Path(target)
		}
	}
	rev, err := st.revLinks(l)
	if err != nil {
		return nil, err
	}
	for _, sources := range rev {
		for _, src := range sources {
			paths[src] = st.items[src].t.Path(src)
		}
	}
	view := st.host.ObjectView(Item{Type: l.t, UUID: l.id, Properties: l.props, Paths: paths, RevLinks: rev})
	st.objects[l.id] = view
	return view.Clone(), nil
}

// embed renders the embedded view of id, expanding the dot paths in sub.
// by is the item whose embedding reached id.
func (st *build) embed(id string, sub []string, by, field string) (ir.Properties, error) {
	if err := st.ctx.Err(); err != nil {
		return nil, err
	}
	key := id + "\x00" + strings.Join(sub, ",")
	if cached, ok := st.cache.Get(key); ok {
		entry := cached.(embedEntry)
		st.visits = append(st.visits, visit{id: id, by: by})
		st.visits = append(st.visits, entry.visits[1:]...)
		return entry.view.Clone(), nil
	}

	start := len(st.visits)
	st.visits = append(st.visits, visit{id: id, by: by})

	l, err := st.load(id, by, field)
	if err != nil {
		return nil, err
	}
	object, err := st.object(l)
	if err != nil {
		return nil, err
	}
	view := st.host.EmbeddedView(Item{Type: l.t, UUID: id, Properties: l.props, RevLinks: st.revByItem[id]}, object)

	tree := schema.EmbedTree(sub)
	heads := make([]string, 0, len(tree))
	for head := range tree {
		heads = append(heads, head)
	}
	sort.Strings(heads)

	for _, head := range heads {
		lf, ok := l.t.Links[head]
		if !ok {
			continue
		}
		targets := l.props.Strings(head)
		children := make([]any, 0, len(targets))
		for _, target := range targets {
			child, err := st.embed(target, tree[head], id, head)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		switch {
		case lf.Many:
			view[head] = children
		case len(children) == 1:
			view[head] = children[0]
		}
	}

	st.cache.Add(key, embedEntry{
		view:   view.Clone(),
		visits: append([]visit(nil), st.visits[start:]...),
	})
	return view, nil
}

// revLinkedTo lists the items rendered in this build whose reverse links
// include id.
func (st *build) revLinkedTo(id string) []string {
	out := []string{}
	for other, rev := range st.revByItem {
		if other == id {
			continue
		}
		for _, sources := range rev {
			if contains(sources, id) {
				out = append(out, other)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func (st *build) linkedUUIDs(set map[string]struct{}) ([]ir.LinkedUUID, error) {
	out := make([]ir.LinkedUUID, 0, len(set))
	for _, id := range sortedSet(set) {
		l, err := st.load(id, st.root, "")
		if err != nil {
			return nil, err
		}
		out = append(out, ir.LinkedUUID{UUID: id, SID: l.res.SID(), ItemType: l.t.Name})
	}
	return out, nil
}

// stage starts timing a build phase; the returned func records it.
func stage(stats map[string]float64, name string) func() {
	start := time.Now()
	return func() {
		stats[name] = time.Since(start).Seconds()
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
