// Package record defines the order-tracking Record flowing through trackmerge.
//
// A Record is identified by its tracking number. Every other column is an
// opaque payload: the merge never interprets it, it only stores the
// canonical encoding and a digest of it.
//
// # Key normalisation
//
// Tracking numbers are trimmed and NFC-normalised before use so that two
// visually identical keys never produce two target rows.
//
// # Duplicate keys
//
// Within one batch the LAST occurrence of a key wins, in enumeration order
// (batch files sorted by name, then row order inside the file). See Dedupe.
package record
