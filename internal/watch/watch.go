// Package watch re-uploads local files to a gateway volume as they are
// created or modified. Bursts of filesystem events are debounced and each
// quiet period produces one upload per affected directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dphi-space/emctl/internal/emapi"
	"github.com/dphi-space/emctl/internal/transfer"
	"github.com/dphi-space/emctl/internal/volume"
)

// DefaultDebounce is how long the tree must be quiet before pending files
// are uploaded.
const DefaultDebounce = 500 * time.Millisecond

// FsWatcher is the subset of *fsnotify.Watcher the uploader uses.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher, whose channels are fields.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// Uploader sends a set of local files to one remote folder.
type Uploader interface {
	UploadAll(ctx context.Context, paths []string, dest string, vol volume.ID) (*transfer.UploadReport, error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher mirrors changes under root into dest on a volume. A file at
// root/a/b.txt is uploaded into dest/a.
type Watcher struct {
	root     string
	dest     string
	vol      volume.ID
	uploader Uploader
	debounce time.Duration
	logger   *slog.Logger

	watcherFactory func() (FsWatcher, error)
}

// New creates a Watcher. It does nothing until Run is called.
func New(root, dest string, vol volume.ID, uploader Uploader, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		root:           filepath.Clean(root),
		dest:           dest,
		vol:            vol,
		uploader:       uploader,
		debounce:       DefaultDebounce,
		logger:         logger,
		watcherFactory: newFsnotifyWatcher,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run watches until ctx is canceled, returning nil in that case. It returns
// early on an authentication or transport failure, or if the watcher dies.
// Files still pending when ctx is canceled are not uploaded.
func (w *Watcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("watch: %s is not a directory", w.root)
	}

	fw, err := w.watcherFactory()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}

	w.logger.Info("watching for changes",
		slog.String("root", w.root),
		slog.String("dest_path", w.dest),
		slog.String("pod_name", w.vol.Name()),
	)

	pending := make(map[string]struct{})

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				w.logger.Info("watch stopped with pending files", slog.Int("count", len(pending)))
			}

			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return errors.New("watch: event channel closed")
			}

			if w.handleEvent(fw, ev, pending) {
				timer.Reset(w.debounce)
			}

		case werr, ok := <-fw.Errors():
			if !ok {
				return errors.New("watch: error channel closed")
			}

			w.logger.Warn("watcher error", slog.String("error", werr.Error()))

		case <-timer.C:
			if err := w.flush(ctx, pending); err != nil {
				return err
			}
		}
	}
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(fw FsWatcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("watch: walking %s: %w", p, err)
		}

		if !d.IsDir() {
			return nil
		}

		if p != dir && skipName(d.Name()) {
			return filepath.SkipDir
		}

		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch: adding %s: %w", p, err)
		}

		return nil
	})
}

// handleEvent updates pending and reports whether the debounce timer should
// restart.
func (w *Watcher) handleEvent(fw FsWatcher, ev fsnotify.Event, pending map[string]struct{}) bool {
	if skipName(filepath.Base(ev.Name)) {
		return false
	}

	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			w.logger.Debug("stat failed for changed path",
				slog.String("path", ev.Name), slog.String("error", err.Error()))

			return false
		}

		if info.IsDir() {
			if err := w.addTree(fw, ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory",
					slog.String("path", ev.Name), slog.String("error", err.Error()))
			}

			w.enqueueTree(ev.Name, pending)

			return len(pending) > 0
		}

		if !info.Mode().IsRegular() {
			return false
		}

		pending[ev.Name] = struct{}{}

		return true

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		delete(pending, ev.Name)
		return false
	}

	// Chmod alone changes no content.
	return false
}

// enqueueTree marks every regular file below dir as pending. Files created
// before the watch on a new directory was added produce no events.
func (w *Watcher) enqueueTree(dir string, pending map[string]struct{}) {
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error { //nolint:errcheck // best effort
		if err != nil {
			return nil
		}

		if skipName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.Type().IsRegular() {
			pending[p] = struct{}{}
		}

		return nil
	})
}

// flush uploads pending files grouped by their remote folder and clears
// pending. Per-group failures are logged; fatal ones end the watch.
func (w *Watcher) flush(ctx context.Context, pending map[string]struct{}) error {
	groups := make(map[string][]string)

	for p := range pending {
		if _, err := os.Stat(p); err != nil {
			continue
		}

		dest, err := w.remoteFolder(p)
		if err != nil {
			w.logger.Warn("skipping path outside watch root", slog.String("path", p))
			continue
		}

		groups[dest] = append(groups[dest], p)
	}

	clear(pending)

	dests := make([]string, 0, len(groups))
	for d := range groups {
		dests = append(dests, d)
	}

	sort.Strings(dests)

	for _, dest := range dests {
		files := groups[dest]
		sort.Strings(files)

		report, err := w.uploader.UploadAll(ctx, files, dest, w.vol)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			if errors.Is(err, emapi.ErrAuthenticationFailed) || errors.Is(err, emapi.ErrTransport) {
				return fmt.Errorf("watch: %w", err)
			}

			w.logger.Warn("upload failed", slog.String("dest_path", dest), slog.String("error", err.Error()))

			continue
		}

		if rerr := report.Err(); rerr != nil {
			w.logger.Warn("upload rejected", slog.String("dest_path", dest), slog.String("error", rerr.Error()))
			continue
		}

		w.logger.Info("uploaded changes", slog.String("dest_path", dest), slog.Int("count", len(files)))
	}

	return nil
}

// remoteFolder maps a local file to the remote folder it belongs in.
func (w *Watcher) remoteFolder(localPath string) (string, error) {
	rel, err := filepath.Rel(w.root, filepath.Dir(localPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("watch: %s is outside %s", localPath, w.root)
	}

	if rel == "." {
		return w.dest, nil
	}

	return path.Join(w.dest, filepath.ToSlash(rel)), nil
}

// skipName excludes hidden entries, which covers in-progress ".name.partial"
// downloads and editor swap files.
func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}
