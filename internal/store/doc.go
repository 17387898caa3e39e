// Package store provides SQLite-backed durable storage for trackmerge.
//
// The store holds four kinds of state:
//   - Snapshots: the staged batch per target, swapped in atomically
//   - Batch files: ledger of raw files consumed into staging and their
//     archival state
//   - Target rows: the deduplicated SCD Type 1 table, one row per
//     (target, tracking_num)
//   - Merge leases and run reports
//
// # Critical Patterns
//
// Atomic staging: a snapshot's records, its ledger rows and the
// staging_current pointer are written in one transaction. Readers never
// observe a half-written snapshot.
//
// Atomic merge: TargetTx spans the existence check, the delete phase, the
// insert phase and the snapshot's merged_at flag. Rolling back leaves the
// target exactly as it was.
//
// Deterministic reads: snapshot records are returned ORDER BY ordinal,
// target rows ORDER BY tracking_num COLLATE BINARY.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
