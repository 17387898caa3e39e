package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/trackmerge/internal/record"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// rec creates a record with a single status field.
func rec(key, status string, ordinal int64) record.Record {
	return record.Record{
		TrackingNum: key,
		Fields:      map[string]string{"status": status},
		Ordinal:     ordinal,
	}
}

func testSnapshot(id, target string) Snapshot {
	return Snapshot{
		ID:        id,
		Target:    target,
		RunID:     "run-" + id,
		Columns:   []string{"status", "tracking_num"},
		CreatedAt: testNow,
	}
}
