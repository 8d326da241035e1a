package testutil

// TypesCUE declares the item types shared by package tests.
//
// Source embeds its Target and, through it, the Target's Lab, so a write to a
// Lab must reach Source documents through two levels of embedding.
const TypesCUE = `
types: {
	Lab: {
		collection: "labs"
		unique_keys: [{name: "lab:name", field: "name", path: true}]
		required: ["name"]
		acl: {"*": ["system.Everyone"]}
	}
	Target: {
		collection: "targets"
		links: lab: "Lab"
		embedded: ["lab"]
		rev_links: reverse: {type: "Source", field: "target"}
		unique_keys: [{name: "accession", field: "accession", path: true}]
		required: ["name"]
		acl: {released: ["system.Everyone"], "*": ["group.submitter"]}
	}
	Source: {
		collection: "sources"
		links: {
			target:  "Target"
			related: ["Target"]
		}
		embedded: ["target", "target.lab", "related"]
		aggregations: related_names: {source: "related", fields: ["name"]}
		required: ["target"]
		acl: {"*": ["system.Everyone"]}
	}
}
`

// Fixed item ids used across package tests.
const (
	LabID     = "0a000000-0000-4000-8000-000000000001"
	TargetID  = "0b000000-0000-4000-8000-000000000001"
	Target2ID = "0b000000-0000-4000-8000-000000000002"
	SourceID  = "0c000000-0000-4000-8000-000000000001"
	Source2ID = "0c000000-0000-4000-8000-000000000002"
)
