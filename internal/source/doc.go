// Package source enumerates and parses raw batch files in a source location.
//
// A source location is a local directory. Batch files are regular files
// with a supported extension (.csv, .ndjson, .jsonl); hidden files and
// files still being written (.tmp, .part, .partial suffixes) are ignored.
// Files are enumerated in byte-wise name order, which together with row
// order defines the enumeration order used for duplicate-key tie-breaks.
package source
