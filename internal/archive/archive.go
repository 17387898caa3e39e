// Package archive relocates staged raw batch files to the archive location.
//
// Files move to <archive>/<snapshot-id>/<name>, so identical names from
// different batches never collide. A source file is moved or removed only
// while its content still matches the digest recorded at staging. Every move is a rename (or a copy to a
// temporary name followed by a rename when crossing filesystems), so a file
// is either fully in the archive or still in the source.
//
// The ledger drives the work: every entry still in state "staged" is
// relocated, including entries left behind by earlier runs whose archival
// failed. Re-running is safe at any point.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/trackmerge/internal/runerr"
	"github.com/roach88/trackmerge/internal/source"
	"github.com/roach88/trackmerge/internal/store"
)

// DefaultWorkers is the default number of files relocated in parallel.
const DefaultWorkers = 4

var errSourceChanged = errors.New("source content differs from staged digest")

// Status is the outcome of relocating one file.
type Status string

const (
	// StatusArchived means the file was moved by this call.
	StatusArchived Status = "archived"
	// StatusAlreadyArchived means an earlier attempt had moved it.
	StatusAlreadyArchived Status = "already_archived"
	// StatusFailed means the file is still pending; Err says why.
	StatusFailed Status = "failed"
)

// FileResult reports one file.
type FileResult struct {
	Name   string
	From   string
	To     string
	Status Status
	Err    error
}

// Result reports one archival pass.
type Result struct {
	Files    []FileResult
	Archived int
	Failed   int
}

// Err joins the per-file errors, or returns nil if every file was archived.
func (r *Result) Err() error {
	var errs []error
	for _, f := range r.Files {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errors.Join(errs...)
}

// Archiver is the Archiver component.
type Archiver struct {
	store      *store.Store
	archiveDir string
	workers    int
	logger     *slog.Logger
	rename     func(oldpath, newpath string) error
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithWorkers sets the number of parallel relocations (default 4).
func WithWorkers(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(a *Archiver) { a.logger = l }
}

// New creates an Archiver moving files into archiveDir.
func New(st *store.Store, archiveDir string, opts ...Option) *Archiver {
	a := &Archiver{
		store:      st,
		archiveDir: archiveDir,
		workers:    DefaultWorkers,
		logger:     slog.Default(),
		rename:     os.Rename,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive relocates every pending ledger entry of target.
//
// Per-file failures are reported in the Result and leave the entry pending
// for the next run; they do not make Archive return an error. An error is
// returned only when the ledger cannot be read or the archive location is
// unusable.
func (a *Archiver) Archive(ctx context.Context, target string) (*Result, error) {
	pending, err := a.store.PendingArchival(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	res := &Result{Files: make([]FileResult, len(pending))}
	if len(pending) == 0 {
		return res, nil
	}

	if err := os.MkdirAll(a.archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: prepare %s: %w", a.archiveDir, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, f := range pending {
		g.Go(func() error {
			res.Files[i] = a.relocate(gctx, target, f)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range res.Files {
		switch f.Status {
		case StatusFailed:
			res.Failed++
			a.logger.Warn("archive failed", "target", target, "file", f.Name, "error", f.Err)
		default:
			res.Archived++
			a.logger.Debug("file archived", "target", target, "file", f.Name, "to", f.To, "status", f.Status)
		}
	}
	a.logger.Info("archive pass complete", "target", target, "archived", res.Archived, "failed", res.Failed)
	return res, nil
}

func (a *Archiver) relocate(ctx context.Context, target string, f store.BatchFile) FileResult {
	dest := filepath.Join(a.archiveDir, f.SnapshotID, f.Name)
	fr := FileResult{Name: f.Name, From: f.SourcePath, To: dest}

	fail := func(msg string, err error) FileResult {
		fr.Status = StatusFailed
		fr.Err = runerr.Relocation(f.Name, msg, err)
		return fr
	}

	if err := ctx.Err(); err != nil {
		return fail("cancelled", err)
	}

	srcExists, err := source.Exists(f.SourcePath)
	if err != nil {
		return fail("stat source", err)
	}
	destExists, err := source.Exists(dest)
	if err != nil {
		return fail("stat destination", err)
	}

	if srcExists {
		digest, err := fileDigest(f.SourcePath)
		if err != nil {
			return fail("read source", err)
		}
		if digest != f.Digest {
			// rewritten since staging; the next ingest stages the new content
			return fail("source content changed since staging", errSourceChanged)
		}
	}

	switch {
	case destExists:
		digest, err := fileDigest(dest)
		if err != nil {
			return fail("read destination", err)
		}
		if digest != f.Digest {
			return fail("destination exists with different content", os.ErrExist)
		}
		if srcExists {
			// an earlier attempt copied but did not remove the source, or
			// the same file was delivered again
			if err := os.Remove(f.SourcePath); err != nil {
				return fail("remove source", err)
			}
			fr.Status = StatusArchived
		} else {
			fr.Status = StatusAlreadyArchived
		}
	case !srcExists:
		return fail("source file missing and not in archive", os.ErrNotExist)
	default:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fail("create archive directory", err)
		}
		if err := a.move(f.SourcePath, dest); err != nil {
			return fail("move", err)
		}
		fr.Status = StatusArchived
	}

	if err := a.store.MarkArchived(ctx, target, f.Key(), dest); err != nil {
		return fail("record archival", err)
	}
	return fr
}

// move renames src to dest, copying when they are on different filesystems.
func (a *Archiver) move(src, dest string) error {
	err := a.rename(src, dest)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	tmp := dest + ".partial"
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
