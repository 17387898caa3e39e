package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/trackmerge/internal/record"
)

// parseCSV reads a headed CSV file. Every row must have as many fields as
// the header; malformed rows are an error, never skipped. Field values are
// returned exactly as written.
func parseCSV(data []byte) (record.Schema, []map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.ReuseRecord = false

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return record.Schema{}, nil, fmt.Errorf("empty file: no header row")
	}
	if err != nil {
		return record.Schema{}, nil, fmt.Errorf("read header: %w", err)
	}

	schema, err := record.NewSchema(header)
	if err != nil {
		return record.Schema{}, nil, fmt.Errorf("header: %w", err)
	}

	var rows []map[string]string
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return record.Schema{}, nil, fmt.Errorf("row %d: %w", len(rows)+2, err)
		}
		row := make(map[string]string, len(schema.Columns))
		for i, col := range schema.Columns {
			row[col] = fields[i]
		}
		rows = append(rows, row)
	}
	return schema, rows, nil
}
