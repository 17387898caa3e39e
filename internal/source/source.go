package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/trackmerge/internal/record"
)

// File is a batch file found in a source location.
type File struct {
	Name string
	Path string
	Size int64
}

// Batch is a parsed batch file.
type Batch struct {
	File   File
	Digest string
	Schema record.Schema
	Rows   []map[string]string
}

var ignoredSuffixes = []string{".tmp", ".part", ".partial"}

// List returns the batch files in dir sorted by name.
// A missing directory is an error; an empty one is not.
func List(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list source %s: %w", dir, err)
	}

	var files []File
	for _, e := range entries {
		if !e.Type().IsRegular() || !Eligible(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, File{
			Name: e.Name(),
			Path: filepath.Join(dir, e.Name()),
			Size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Eligible reports whether name looks like a complete batch file in a
// supported format. Hidden, underscore-prefixed and in-flight names are not.
func Eligible(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return false
	}
	for _, suf := range ignoredSuffixes {
		if strings.HasSuffix(name, suf) {
			return false
		}
	}
	_, ok := parserFor(name)
	return ok
}

// Raw is the unparsed content of a batch file.
type Raw struct {
	File   File
	Data   []byte
	Digest string
}

// Load reads a batch file and computes its content digest.
func Load(ctx context.Context, f File) (*Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	sum := sha256.Sum256(data)
	return &Raw{File: f, Data: data, Digest: hex.EncodeToString(sum[:])}, nil
}

// Parse decodes raw by file type. The returned error describes the first
// malformed row; callers classify it as a schema error.
func Parse(raw *Raw) (*Batch, error) {
	parse, ok := parserFor(raw.File.Name)
	if !ok {
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(raw.File.Name))
	}
	schema, rows, err := parse(raw.Data)
	if err != nil {
		return nil, err
	}
	return &Batch{
		File:   raw.File,
		Digest: raw.Digest,
		Schema: schema,
		Rows:   rows,
	}, nil
}

// Exists reports whether path still exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

type parseFunc func(data []byte) (record.Schema, []map[string]string, error)

func parserFor(name string) (parseFunc, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return parseCSV, true
	case ".ndjson", ".jsonl":
		return parseNDJSON, true
	}
	return nil, false
}
