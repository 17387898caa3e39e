package testutil

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

// WriteCSV writes a CSV batch file with a tracking_num,status header.
// rows are (tracking_num, status) pairs.
func WriteCSV(t testing.TB, dir, name string, rows ...[2]string) string {
	t.Helper()
	records := [][]string{{"tracking_num", "status"}}
	for _, r := range rows {
		records = append(records, []string{r[0], r[1]})
	}
	return WriteRecords(t, dir, name, records)
}

// WriteRecords writes raw CSV records (header first) to dir/name.
func WriteRecords(t testing.TB, dir, name string, records [][]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		f.Close()
		t.Fatalf("write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
	return path
}

// Dirs creates source and archive directories under a temp dir.
func Dirs(t testing.TB) (sourceDir, archiveDir string) {
	t.Helper()
	root := t.TempDir()
	sourceDir = filepath.Join(root, "incoming")
	archiveDir = filepath.Join(root, "archive")
	for _, d := range []string{sourceDir, archiveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	return sourceDir, archiveDir
}

// Names lists the file names directly under dir, sorted.
func Names(t testing.TB, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
