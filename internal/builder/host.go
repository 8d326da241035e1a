package builder

import (
	"context"
	"sort"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
)

// Item is what the host sees of one item while views are rendered.
type Item struct {
	Type       *schema.Type
	UUID       string
	Properties ir.Properties
	// Paths maps every referenced id to its external path.
	Paths map[string]string
	// RevLinks holds the filtered reverse-link sources per relation name.
	RevLinks map[string][]string
}

// Host supplies the view layer, validation and ACL evaluation.
// Implementations must be pure: the same input renders the same output.
type Host interface {
	CanonicalProperties(ctx context.Context, t *schema.Type, res *ir.Resource) (ir.Properties, error)
	ObjectView(item Item) ir.Properties
	EmbeddedView(item Item, object ir.Properties) ir.Properties
	PrincipalsAllowed(t *schema.Type, props ir.Properties) map[string][]string
	Validate(t *schema.Type, props ir.Properties, resolve schema.Resolver) []ir.ValidationError
}

// Upgrader transforms stored properties to the current shape of a type.
type Upgrader func(t *schema.Type, props ir.Properties) (ir.Properties, error)

// DefaultHost renders views straight from the type registry.
type DefaultHost struct {
	Upgrade Upgrader
}

var _ Host = DefaultHost{}

// CanonicalProperties returns a copy of the default sheet with the item's
// uuid filled in, run through Upgrade when set.
func (h DefaultHost) CanonicalProperties(_ context.Context, t *schema.Type, res *ir.Resource) (ir.Properties, error) {
	props := res.Properties().Clone()
	if h.Upgrade != nil {
		var err error
		if props, err = h.Upgrade(t, props); err != nil {
			return nil, err
		}
	}
	if props.String("uuid") == "" {
		props["uuid"] = res.RID
	}
	return props, nil
}

// ObjectView replaces references with paths and adds @id, @type and the
// reverse links.
func (DefaultHost) ObjectView(item Item) ir.Properties {
	view := item.Properties.Clone()
	for _, name := range item.Type.LinkNames() {
		raw, ok := view[name]
		if !ok {
			continue
		}
		if item.Type.Links[name].Many {
			ids := ir.AsStrings(raw)
			paths := make([]any, 0, len(ids))
			for _, id := range ids {
				paths = append(paths, pathOr(item.Paths, id))
			}
			view[name] = paths
		} else if id, ok := raw.(string); ok {
			view[name] = pathOr(item.Paths, id)
		}
	}
	for name, ids := range item.RevLinks {
		paths := make([]any, 0, len(ids))
		for _, id := range ids {
			paths = append(paths, pathOr(item.Paths, id))
		}
		view[name] = paths
	}
	view["@id"] = item.Type.Path(item.UUID)
	view["@type"] = []any{item.Type.Name, "Item"}
	return view
}

// EmbeddedView embeds the object view unchanged.
func (DefaultHost) EmbeddedView(_ Item, object ir.Properties) ir.Properties {
	return object.Clone()
}

// PrincipalsAllowed evaluates the type's ACL.
func (DefaultHost) PrincipalsAllowed(t *schema.Type, props ir.Properties) map[string][]string {
	return t.PrincipalsAllowed(props)
}

// Validate runs the type's declared checks.
func (DefaultHost) Validate(t *schema.Type, props ir.Properties, resolve schema.Resolver) []ir.ValidationError {
	return t.Validate(props, resolve)
}

func pathOr(paths map[string]string, id string) string {
	if p, ok := paths[id]; ok {
		return p
	}
	return id
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
