package record

import (
	"fmt"
	"slices"
	"strings"
)

// Schema is the ordered column list of a batch.
// Two schemas are compatible when they hold the same set of columns;
// column order may differ between files.
type Schema struct {
	Columns []string
}

// NewSchema validates a header row and returns its Schema.
func NewSchema(header []string) (Schema, error) {
	cols := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	hasKey := false
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			return Schema{}, fmt.Errorf("column %d has an empty name", i)
		}
		if _, dup := seen[name]; dup {
			return Schema{}, fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = struct{}{}
		if name == KeyColumn {
			hasKey = true
		}
		cols[i] = name
	}
	if !hasKey {
		return Schema{}, fmt.Errorf("missing key column %q", KeyColumn)
	}
	return Schema{Columns: cols}, nil
}

// IsZero reports whether the schema has no columns.
func (s Schema) IsZero() bool {
	return len(s.Columns) == 0
}

// Sorted returns the column names sorted, used for comparison and storage.
func (s Schema) Sorted() []string {
	cols := slices.Clone(s.Columns)
	slices.Sort(cols)
	return cols
}

// Compatible reports whether other has exactly the same column set.
func (s Schema) Compatible(other Schema) bool {
	return slices.Equal(s.Sorted(), other.Sorted())
}

// Diff describes how other differs from s, for error messages.
func (s Schema) Diff(other Schema) string {
	mine := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		mine[c] = struct{}{}
	}
	theirs := make(map[string]struct{}, len(other.Columns))
	for _, c := range other.Columns {
		theirs[c] = struct{}{}
	}

	var missing, extra []string
	for _, c := range s.Sorted() {
		if _, ok := theirs[c]; !ok {
			missing = append(missing, c)
		}
	}
	for _, c := range other.Sorted() {
		if _, ok := mine[c]; !ok {
			extra = append(extra, c)
		}
	}
	return fmt.Sprintf("missing %v, unexpected %v", missing, extra)
}

// String renders the sorted column list.
func (s Schema) String() string {
	return strings.Join(s.Sorted(), ",")
}
