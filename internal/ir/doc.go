// Package ir provides the shared data model of the repository: resources,
// property sheets, links, keys and index documents, plus canonical JSON.
//
// This package contains type definitions and serialization only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - All JSON tags use snake_case
//   - Versions are sids (logical clock), never wall-clock timestamps
//   - Documents serialize through MarshalCanonical so identical builds are
//     byte-identical
package ir
