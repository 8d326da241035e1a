package schema

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/replica/internal/ir"
)

// DefaultMaxEmbedDepth bounds embedded-view recursion when a type does not
// declare its own limit.
const DefaultMaxEmbedDepth = 4

// Principals used by the default ACL.
const (
	PrincipalEveryone = "system.Everyone"
	PrincipalAdmin    = "group.admin"
	PrincipalIndexer  = "system.Indexer"
)

// LinkField declares a property holding one or many references.
type LinkField struct {
	Name   string
	Target string // item type of the referenced items, "" for any
	Many   bool
}

// RevLink declares a reverse relation: items of SourceType whose Field links here.
type RevLink struct {
	Name       string
	SourceType string
	Field      string
}

// Aggregation collects a projection of Fields from every item embedded at Source.
type Aggregation struct {
	Name   string
	Source string
	Fields []string
}

// UniqueKey maps a property to a uniqueness key name.
// When Path is set the key value is also an addressable path of the item.
type UniqueKey struct {
	Name  string
	Field string
	Path  bool
}

// Type is the static declaration of one item type.
type Type struct {
	Name             string
	Collection       string
	Links            map[string]LinkField
	Embedded         []string
	RevLinks         []RevLink
	Aggregations     []Aggregation
	UniqueKeys       []UniqueKey
	Required         []string
	ExcludedStatuses []string
	ACL              map[string][]string
	MaxEmbedDepth    int
}

// Registry is the item-type lookup table, built once at startup and shared
// read-only by the builder, router and indexer.
type Registry struct {
	types       map[string]*Type
	collections map[string]*Type
}

// NewRegistry builds a registry from already-compiled types.
func NewRegistry(types ...*Type) (*Registry, error) {
	r := &Registry{
		types:       make(map[string]*Type, len(types)),
		collections: make(map[string]*Type, len(types)),
	}
	for _, t := range types {
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("duplicate type %q", t.Name)
		}
		if t.Collection == "" {
			t.Collection = defaultCollection(t.Name)
		}
		if other, dup := r.collections[t.Collection]; dup {
			return nil, fmt.Errorf("types %q and %q share collection %q", other.Name, t.Name, t.Collection)
		}
		if t.ExcludedStatuses == nil {
			t.ExcludedStatuses = []string{"deleted"}
		}
		if t.MaxEmbedDepth == 0 {
			t.MaxEmbedDepth = DefaultMaxEmbedDepth
		}
		r.types[t.Name] = t
		r.collections[t.Collection] = t
	}
	if err := r.check(); err != nil {
		return nil, err
	}
	return r, nil
}

func defaultCollection(name string) string {
	var b strings.Builder
	for i, c := range name {
		if i > 0 && c >= 'A' && c <= 'Z' {
			b.WriteByte('-')
		}
		b.WriteRune(c)
	}
	return strings.ToLower(b.String()) + "s"
}

// Type looks up a type by name.
func (r *Registry) Type(name string) (*Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// ByCollection looks up a type by its collection path segment.
func (r *Registry) ByCollection(collection string) (*Type, bool) {
	t, ok := r.collections[collection]
	return t, ok
}

// Names returns all type names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path is the canonical external identifier of an item.
func (t *Type) Path(uuid string) string {
	return "/" + t.Collection + "/" + uuid + "/"
}

// LinkNames returns the names of the declared link fields, sorted.
func (t *Type) LinkNames() []string {
	names := make([]string, 0, len(t.Links))
	for name := range t.Links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExtractLinks computes the link set of an item from its properties:
// relation name (the field) to target ids.
func (t *Type) ExtractLinks(props ir.Properties) map[string][]string {
	links := make(map[string][]string)
	for _, name := range t.LinkNames() {
		targets := dedupe(props.Strings(name))
		if len(targets) > 0 {
			links[name] = targets
		}
	}
	return links
}

// ExtractKeys computes the unique key values of an item from its properties.
func (t *Type) ExtractKeys(props ir.Properties) map[string][]string {
	keys := make(map[string][]string)
	for _, k := range t.UniqueKeys {
		values := dedupe(props.Strings(k.Field))
		if len(values) > 0 {
			keys[k.Name] = append(keys[k.Name], values...)
		}
	}
	return keys
}

// KeyPaths returns the extra addressable paths contributed by path keys.
func (t *Type) KeyPaths(props ir.Properties) []string {
	var paths []string
	for _, k := range t.UniqueKeys {
		if !k.Path {
			continue
		}
		for _, v := range props.Strings(k.Field) {
			paths = append(paths, "/"+t.Collection+"/"+v+"/")
		}
	}
	return paths
}

// Excluded reports whether an item with this status is hidden from reverse links.
func (t *Type) Excluded(status string) bool {
	return status != "" && slices.Contains(t.ExcludedStatuses, status)
}

// EmbedTree groups the declared dot paths by their first segment.
// "a.b" and "a.c" become {"a": ["b", "c"]}; a bare "a" maps to an empty list.
func EmbedTree(paths []string) map[string][]string {
	tree := make(map[string][]string)
	for _, p := range paths {
		head, rest, found := strings.Cut(p, ".")
		if _, ok := tree[head]; !ok {
			tree[head] = nil
		}
		if found && rest != "" {
			tree[head] = append(tree[head], rest)
		}
	}
	return tree
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
