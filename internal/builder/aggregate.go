package builder

import (
	"strings"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
)

// aggregate collects the declared projections from the embedded view.
// Items reached through an aggregation's source path are projected onto its
// fields and kept once per distinct projection, in traversal order.
func aggregate(t *schema.Type, embedded ir.Properties) map[string][]ir.AggregatedItem {
	out := make(map[string][]ir.AggregatedItem, len(t.Aggregations))
	for _, agg := range t.Aggregations {
		items := []ir.AggregatedItem{}
		seen := make(map[string]struct{})
		segments := strings.Split(agg.Source, ".")

		var walk func(node ir.Properties, depth int)
		walk = func(node ir.Properties, depth int) {
			parent := node.String("@id")
			for _, child := range objects(node[segments[depth]]) {
				if depth < len(segments)-1 {
					walk(child, depth+1)
					continue
				}
				projected := ir.Properties{}
				for _, field := range agg.Fields {
					if v, ok := child[field]; ok {
						projected[field] = v
					}
				}
				key, err := ir.MarshalCanonical(projected)
				if err != nil {
					continue
				}
				if _, dup := seen[string(key)]; dup {
					continue
				}
				seen[string(key)] = struct{}{}
				items = append(items, ir.AggregatedItem{Parent: parent, EmbeddedPath: agg.Source, Item: projected})
			}
		}
		walk(embedded, 0)
		out[agg.Name] = items
	}
	return out
}

// objects returns the embedded objects held by a property value.
func objects(v any) []ir.Properties {
	switch v := v.(type) {
	case ir.Properties:
		return []ir.Properties{v}
	case map[string]any:
		return []ir.Properties{ir.Properties(v)}
	case []any:
		var out []ir.Properties
		for _, item := range v {
			out = append(out, objects(item)...)
		}
		return out
	}
	return nil
}
