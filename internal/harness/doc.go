// Package harness runs end-to-end pipeline scenarios described in YAML.
//
// A scenario drops batch files into a fresh source directory, triggers
// runs, and asserts on the resulting target table, the source and archive
// directories, and the trace of run outcomes.
//
// # Scenario Format
//
//	name: latest_wins
//	description: "A new batch replaces rows for its keys only"
//	steps:
//	  - drop:
//	      name: b1.csv
//	      header: [tracking_num, status]
//	      rows: [[A, shipped], [B, pending]]
//	  - run:
//	      expect: { state: Done }
//	  - drop:
//	      name: b2.csv
//	      rows: [[A, delivered]]
//	  - run:
//	      fail_after: delete
//	      expect: { state: Failed, failed_step: merge, code: MERGE_TRANSACTION_ERROR }
//	assertions:
//	  - type: target
//	    rows: { A: { status: delivered }, B: { status: pending } }
//	  - type: source_empty
//	  - type: archived
//	    files: [b1.csv, b2.csv]
//
// # Assertion Types
//
//   - target: the target table equals rows exactly
//   - target_absent: the target table was never created
//   - source_empty: no eligible batch files remain in the source directory
//   - source_contains: the listed files remain in the source directory
//   - archived: the listed files are in the archive and not in the source
//   - run_count: exactly count runs ended in state
//
// # Deterministic Testing
//
// Run and snapshot ids come from sequence generators (run-1, snap-1, ...)
// and every clock is a testutil.StepClock, so traces compare byte for byte
// against golden files.
package harness
