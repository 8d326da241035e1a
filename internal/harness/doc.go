// Package harness runs conformance scenarios against a complete replica
// pipeline: router writes, the indexing queue and the document builder.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: reverse_link
//	description: "A Source appears in its Target's reverse links"
//	types: types               # CUE directory or file, relative to the base path
//	steps:
//	  - op: put
//	    uuid: 0a000000-0000-4000-8000-000000000001
//	    type: Lab
//	    properties: {name: lab-one}
//	  - op: drain
//	    expect: {count: 1}
//	  - op: purge
//	    uuid: 0a000000-0000-4000-8000-000000000001
//	    expect: {error: still_referenced}
//	assertions:
//	  - type: indexed
//	    uuid: 0a000000-0000-4000-8000-000000000001
//	    expect: {properties: {name: lab-one}}
//	  - type: queue
//	    lane: primary
//	    count: 0
//
// # Steps
//
//   - put: writes properties of an item through the router
//   - patch: merges properties into the item's current default sheet
//   - purge: removes an item from the index and the durable store
//   - drain: processes the indexing queue until it is empty or stuck
//   - sync: indexes the listed uuids without the queue
//
// A step that fails without an expected error fails the scenario.
//
// # Assertion Types
//
//   - indexed: the index holds a document for uuid matching expect (subset)
//   - not_indexed: the index holds no document for uuid
//   - queue: lane has exactly count waiting messages
//   - up_to_date: a fresh build of uuid matches its stored document
//
// # Deterministic Testing
//
// Every scenario runs against fresh stores in a temporary directory, with a
// frozen clock and sequential message and run ids, so the trace is the
// same on every run and can be compared with a golden file.
package harness
