package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/replica/internal/ir"
)

// check verifies cross-type references once all types are registered.
func (r *Registry) check() error {
	for _, name := range r.Names() {
		t := r.types[name]
		for _, field := range t.LinkNames() {
			lf := t.Links[field]
			if lf.Target != "" {
				if _, ok := r.types[lf.Target]; !ok {
					return &CompileError{Field: fmt.Sprintf("types.%s.links.%s", name, field), Message: fmt.Sprintf("unknown target type %q", lf.Target)}
				}
			}
		}
		for _, rl := range t.RevLinks {
			src, ok := r.types[rl.SourceType]
			if !ok {
				return &CompileError{Field: fmt.Sprintf("types.%s.rev_links.%s", name, rl.Name), Message: fmt.Sprintf("unknown source type %q", rl.SourceType)}
			}
			if _, ok := src.Links[rl.Field]; !ok {
				return &CompileError{Field: fmt.Sprintf("types.%s.rev_links.%s", name, rl.Name), Message: fmt.Sprintf("%s has no link field %q", rl.SourceType, rl.Field)}
			}
		}
		for _, p := range t.Embedded {
			head, _, _ := strings.Cut(p, ".")
			if _, ok := t.Links[head]; !ok {
				return &CompileError{Field: fmt.Sprintf("types.%s.embedded", name), Message: fmt.Sprintf("embed path %q does not start at a link field", p)}
			}
			if depth := strings.Count(p, ".") + 1; depth > t.MaxEmbedDepth {
				return &CompileError{Field: fmt.Sprintf("types.%s.embedded", name), Message: fmt.Sprintf("embed path %q exceeds max depth %d", p, t.MaxEmbedDepth)}
			}
		}
		for _, agg := range t.Aggregations {
			if !embedsPrefix(t.Embedded, agg.Source) {
				return &CompileError{Field: fmt.Sprintf("types.%s.aggregations.%s", name, agg.Name), Message: fmt.Sprintf("source %q is not an embedded path", agg.Source)}
			}
		}
	}
	return nil
}

func embedsPrefix(paths []string, source string) bool {
	for _, p := range paths {
		if p == source || strings.HasPrefix(p, source+".") {
			return true
		}
	}
	return false
}

// Resolver reports the item type of a referenced id, or false when the id
// does not exist.
type Resolver func(uuid string) (itemType string, ok bool)

// Validate checks required fields and link target types.
// It never mutates state; the diagnostics are stored on the index document.
func (t *Type) Validate(props ir.Properties, resolve Resolver) []ir.ValidationError {
	var out []ir.ValidationError
	for _, field := range t.Required {
		v, ok := props[field]
		if !ok || v == nil || v == "" {
			out = append(out, ir.ValidationError{
				Name:        "Schema: " + field,
				Description: fmt.Sprintf("'%s' is a required property", field),
				Location:    field,
			})
		}
	}
	for _, field := range t.LinkNames() {
		lf := t.Links[field]
		raw, present := props[field]
		if !present {
			continue
		}
		if _, isList := raw.([]any); isList != lf.Many {
			out = append(out, ir.ValidationError{
				Name:        "Schema: " + field,
				Description: fmt.Sprintf("'%s' must be %s", field, cardinality(lf.Many)),
				Location:    field,
			})
			continue
		}
		if resolve == nil {
			continue
		}
		for _, target := range ir.AsStrings(raw) {
			itemType, ok := resolve(target)
			switch {
			case !ok:
				out = append(out, ir.ValidationError{
					Name:        "Schema: " + field,
					Description: fmt.Sprintf("'%s' not found", target),
					Location:    field,
				})
			case lf.Target != "" && itemType != lf.Target:
				out = append(out, ir.ValidationError{
					Name:        "Schema: " + field,
					Description: fmt.Sprintf("'%s' is a %s, expected %s", target, itemType, lf.Target),
					Location:    field,
				})
			}
		}
	}
	return out
}

func cardinality(many bool) string {
	if many {
		return "a list of references"
	}
	return "a single reference"
}

// PrincipalsAllowed evaluates the type's ACL for an item's status.
// The ACL maps a status to the principals allowed to view; "*" is the
// fallback. Admins may always view and edit.
func (t *Type) PrincipalsAllowed(props ir.Properties) map[string][]string {
	status := props.String("status")
	view, ok := t.ACL[status]
	if !ok {
		view = t.ACL["*"]
	}
	viewers := []string{PrincipalAdmin}
	for _, p := range view {
		if !slices.Contains(viewers, p) {
			viewers = append(viewers, p)
		}
	}
	slices.Sort(viewers)
	return map[string][]string{
		"view": viewers,
		"edit": {PrincipalAdmin},
	}
}

// Visible reports whether any of principals may view an item with the given
// principals_allowed. The indexer principal sees everything.
func Visible(allowed map[string][]string, principals []string) bool {
	if slices.Contains(principals, PrincipalIndexer) {
		return true
	}
	for _, p := range allowed["view"] {
		if p == PrincipalEveryone || slices.Contains(principals, p) {
			return true
		}
	}
	return false
}
