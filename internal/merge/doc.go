// Package merge folds a staged snapshot into its target table.
//
// ALGORITHM:
//
// Target absent: create it and load the deduplicated snapshot.
//
// Target present: delete every row whose tracking number appears in the
// snapshot, then insert every deduplicated snapshot record. Rows for keys
// absent from the snapshot are never touched.
//
// Duplicate keys within a snapshot resolve last-occurrence-wins in
// enumeration order (record.Dedupe).
//
// ATOMICITY:
//
// The existence check, create, delete, insert and the snapshot's merged
// flag run in one store transaction (store.TargetTx). Any failure rolls the
// whole merge back, leaving the target in its pre-run state. Re-applying
// the same snapshot yields the same target, so a failed merge is retried by
// running it again.
//
// CONCURRENCY:
//
// The delete/insert sequence is not safe against a concurrent merge with
// overlapping keys. Guard serialises merges per target with an in-process
// try-lock plus a durable lease row, failing fast with CONCURRENCY_CONFLICT
// instead of waiting.
package merge
