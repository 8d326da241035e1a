package ir

import "fmt"

// DefaultSheet is the name of the property sheet holding canonical properties.
const DefaultSheet = ""

// PropertySheet is one immutable revision of a named sheet of a resource.
// SID is globally monotonic across all sheets of all resources.
type PropertySheet struct {
	SID        int64      `json:"sid"`
	RID        string     `json:"rid"`
	Name       string     `json:"name"`
	Properties Properties `json:"properties"`
}

// Resource is one durable item with its current property sheets.
type Resource struct {
	RID      string                    `json:"rid"`
	ItemType string                    `json:"item_type"`
	Sheets   map[string]*PropertySheet `json:"sheets"`
}

// Properties returns the canonical (default sheet) properties.
func (r *Resource) Properties() Properties {
	if sheet, ok := r.Sheets[DefaultSheet]; ok {
		return sheet.Properties
	}
	return Properties{}
}

// SID is the version of the resource: the highest sid of its current sheets.
func (r *Resource) SID() int64 {
	var sid int64
	for _, sheet := range r.Sheets {
		sid = max(sid, sheet.SID)
	}
	return sid
}

// Link is a directed edge extracted from a reference-typed property.
type Link struct {
	Source string `json:"source"`
	Rel    string `json:"rel"`
	Target string `json:"target"`
}

// Key is a uniqueness constraint instance.
type Key struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	RID   string `json:"rid"`
}

// LinkedUUID records a referenced item and the version it was read at.
type LinkedUUID struct {
	UUID     string `json:"uuid"`
	SID      int64  `json:"sid"`
	ItemType string `json:"item_type"`
}

// AggregatedItem is a projection of an embedded item collected under a
// declared aggregation.
type AggregatedItem struct {
	Parent       string     `json:"parent"`
	EmbeddedPath string     `json:"embedded_path"`
	Item         Properties `json:"item"`
}

// ValidationError is a stored validation diagnostic.
type ValidationError struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

// IndexDocument is the denormalized replica of one item in the search index.
//
// Partial documents are written by the storage router and carry only the
// non-computed fields. The document builder replaces them.
type IndexDocument struct {
	UUID                string                      `json:"uuid"`
	SID                 int64                       `json:"sid"`
	MaxSID              int64                       `json:"max_sid"`
	ItemType            string                      `json:"item_type"`
	Properties          Properties                  `json:"properties"`
	Object              Properties                  `json:"object,omitempty"`
	Embedded            Properties                  `json:"embedded,omitempty"`
	Links               map[string][]string         `json:"links"`
	UniqueKeys          map[string][]string         `json:"unique_keys"`
	PrincipalsAllowed   map[string][]string         `json:"principals_allowed,omitempty"`
	LinkedUUIDsObject   []LinkedUUID                `json:"linked_uuids_object"`
	LinkedUUIDsEmbedded []LinkedUUID                `json:"linked_uuids_embedded"`
	RevLinkNames        map[string][]string         `json:"rev_link_names"`
	RevLinkedToMe       []string                    `json:"rev_linked_to_me"`
	AggregatedItems     map[string][]AggregatedItem `json:"aggregated_items"`
	ValidationErrors    []ValidationError           `json:"validation_errors"`
	Paths               []string                    `json:"paths"`
	IndexingStats       map[string]float64          `json:"indexing_stats,omitempty"`
	Partial             bool                        `json:"partial,omitempty"`
}

// EmbeddedUUIDs returns the ids of linked_uuids_embedded.
func (d *IndexDocument) EmbeddedUUIDs() []string {
	out := make([]string, len(d.LinkedUUIDsEmbedded))
	for i, l := range d.LinkedUUIDsEmbedded {
		out[i] = l.UUID
	}
	return out
}

// LinkTargets returns every target id named in the links field.
func (d *IndexDocument) LinkTargets() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, targets := range d.Links {
		for _, t := range targets {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Marshal serializes the full document canonically.
func (d *IndexDocument) Marshal() ([]byte, error) {
	return MarshalCanonical(d)
}

// CanonicalContent serializes the document without its timing stats, which
// are the only part of a build that varies between identical rebuilds.
func (d *IndexDocument) CanonicalContent() ([]byte, error) {
	cp := *d
	cp.IndexingStats = nil
	data, err := MarshalCanonical(&cp)
	if err != nil {
		return nil, fmt.Errorf("canonical content of %s: %w", d.UUID, err)
	}
	return data, nil
}
