package record

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// KeyColumn is the column holding the merge key.
const KeyColumn = "tracking_num"

var (
	// ErrEmptyKey is returned when a record carries no tracking number.
	ErrEmptyKey = errors.New("empty tracking_num")
	// ErrKeyNotCanonical is returned for a tracking number with surrounding
	// whitespace or one that is not in Unicode NFC form.
	ErrKeyNotCanonical = errors.New("tracking_num is not canonical")
)

// Record is a single order-tracking event.
//
// Ordinal is the position of the record in its batch enumeration order and
// drives the duplicate-key tie-break. It is not part of the payload.
type Record struct {
	TrackingNum string
	Fields      map[string]string
	Ordinal     int64
}

// CheckKey reports whether key can identify a target row. Keys are
// compared byte for byte, so a key must already be canonical: non-empty,
// without leading or trailing whitespace, and NFC-normalised.
func CheckKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return ErrEmptyKey
	case strings.TrimSpace(key) != key:
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrKeyNotCanonical, key)
	case !norm.NFC.IsNormalString(key):
		return fmt.Errorf("%w: %q is not NFC", ErrKeyNotCanonical, key)
	}
	return nil
}

// New builds a Record from a row keyed by column name.
// The key column is removed from Fields and becomes TrackingNum. Values are
// kept exactly as read.
func New(row map[string]string, ordinal int64) (Record, error) {
	key, ok := row[KeyColumn]
	if !ok {
		return Record{}, fmt.Errorf("missing column %q", KeyColumn)
	}
	if err := CheckKey(key); err != nil {
		return Record{}, err
	}

	fields := make(map[string]string, len(row))
	for k, v := range row {
		if k == KeyColumn {
			continue
		}
		fields[k] = v
	}

	return Record{TrackingNum: key, Fields: fields, Ordinal: ordinal}, nil
}

// Equal reports whether two records carry the same key and payload.
// Ordinals are ignored.
func (r Record) Equal(other Record) bool {
	if r.TrackingNum != other.TrackingNum || len(r.Fields) != len(other.Fields) {
		return false
	}
	for k, v := range r.Fields {
		ov, ok := other.Fields[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Keys returns the distinct tracking numbers of recs in first-seen order.
func Keys(recs []Record) []string {
	seen := make(map[string]struct{}, len(recs))
	keys := make([]string, 0, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.TrackingNum]; ok {
			continue
		}
		seen[r.TrackingNum] = struct{}{}
		keys = append(keys, r.TrackingNum)
	}
	return keys
}
