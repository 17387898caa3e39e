package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/trackmerge/internal/source"
)

// DefaultDebounce is how long the watcher waits for a directory to go quiet
// before firing.
const DefaultDebounce = 2 * time.Second

// DirWatcher fires when batch files arrive in a directory.
//
// It fires once on start so files that arrived while nothing was watching
// are picked up. Bursts of arrivals within the debounce window become a
// single event. Only names the source package would ingest count.
type DirWatcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// WatchOption configures a DirWatcher.
type WatchOption func(*DirWatcher)

// WithDebounce sets the quiet period (default DefaultDebounce).
func WithDebounce(d time.Duration) WatchOption {
	return func(w *DirWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) WatchOption {
	return func(w *DirWatcher) { w.logger = l }
}

// NewDirWatcher creates a watcher for dir.
func NewDirWatcher(dir string, opts ...WatchOption) *DirWatcher {
	w := &DirWatcher{dir: dir, debounce: DefaultDebounce, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Signals implements Signal.
func (w *DirWatcher) Signals(ctx context.Context) (<-chan Event, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", w.dir, err)
	}

	ch := make(chan Event, 1)
	ch <- Event{Kind: KindWatch, At: time.Now()}
	go w.loop(ctx, fw, ch)
	return ch, nil
}

func (w *DirWatcher) loop(ctx context.Context, fw *fsnotify.Watcher, ch chan Event) {
	defer close(ch)
	defer fw.Close()

	quiet := time.NewTimer(w.debounce)
	if !quiet.Stop() {
		<-quiet.C
	}
	pending := map[string]struct{}{}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			// renames report the old name; a file moved in shows up as Create
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if !source.Eligible(name) {
				continue
			}
			w.logger.Debug("batch file activity", "dir", w.dir, "file", name, "op", ev.Op.String())
			pending[name] = struct{}{}
			quiet.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "dir", w.dir, "error", err)

		case at := <-quiet.C:
			paths := make([]string, 0, len(pending))
			for name := range pending {
				paths = append(paths, name)
			}
			sort.Strings(paths)
			clear(pending)
			if !offer(ch, Event{Kind: KindWatch, At: at, Paths: paths}) {
				w.logger.Debug("run already pending; folding arrivals into it", "files", paths)
			}
		}
	}
}
