package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/trackmerge/internal/record"
)

// parseNDJSON reads one JSON object per line. The first object's keys fix
// the schema; every later object must carry exactly the same keys.
// Scalars are rendered as strings; nested values are kept as compact JSON.
func parseNDJSON(data []byte) (record.Schema, []map[string]string, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		schema record.Schema
		rows   []map[string]string
		line   int
	)
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(text, &obj); err != nil {
			return record.Schema{}, nil, fmt.Errorf("line %d: %w", line, err)
		}

		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		if schema.IsZero() {
			s, err := record.NewSchema(keys)
			if err != nil {
				return record.Schema{}, nil, fmt.Errorf("line %d: %w", line, err)
			}
			schema = s
		} else if got := (record.Schema{Columns: keys}); !schema.Compatible(got) {
			return record.Schema{}, nil, fmt.Errorf("line %d: fields differ from first line: %s", line, schema.Diff(got))
		}

		row := make(map[string]string, len(obj))
		for k, raw := range obj {
			v, err := scalarString(raw)
			if err != nil {
				return record.Schema{}, nil, fmt.Errorf("line %d: field %q: %w", line, k, err)
			}
			row[k] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return record.Schema{}, nil, fmt.Errorf("scan: %w", err)
	}
	if schema.IsZero() {
		return record.Schema{}, nil, fmt.Errorf("empty file: no records")
	}
	return schema, rows, nil
}

func scalarString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("empty value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	case 'n':
		return "", nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		// numbers and booleans keep their literal text
		return strings.TrimSpace(string(trimmed)), nil
	}
}
