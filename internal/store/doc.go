// Package store provides the SQLite-backed versioned durable store.
//
// The store is the source of truth for item state:
//   - resources: item id and type
//   - propsheets: append-only property sheet revisions, sid primary key
//   - current_propsheets: (rid, name) -> sid of the current revision
//   - keys: (name, value) -> rid uniqueness constraints
//   - links: (source, rel, target) reference edges
//
// # Critical Patterns
//
// Global version clock
//   - Every sheet write gets the next sid from the AUTOINCREMENT sequence
//   - The sequence value is the logical clock (MaxSID); it never goes back,
//     even after a purge deletes rows
//
// Set-diff maintenance
//   - Keys and links are recomputed on every write; vanished rows are
//     deleted and new rows inserted inside the same transaction
//   - A key held by another resource fails the write with a
//     UniquenessConflictError before anything is committed
//
// Snapshot sessions
//   - Session opens a read-only transaction on the reader pool and pins the
//     clock on its first statement; every read through the session sees one
//     consistent state
//   - Commit hooks run only after a successful commit, so a queued message
//     never names a sid that was rolled back
//
// # Database Configuration
//
//   - WAL mode: Concurrent snapshot reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - One writer connection; readers are query_only
package store
