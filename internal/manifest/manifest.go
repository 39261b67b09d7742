// SPDX-License-Identifier: MIT

// Package manifest serves a segmented record's per-key temp directory
// over HTTP (HLS/DASH manifests and segments). It also watches each
// live directory with fsnotify to detect a stalled producer: an FFmpeg
// child that is still running but has stopped writing segments serves
// an ever-staler playlist, which no client-side symptom distinguishes
// from a slow network, so the server logs it.
package manifest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/librenetworks/amps/internal/apierr"
)

// ErrInvalidPath is returned by ResolvePath for any file component that
// escapes the per-key directory.
var ErrInvalidPath = apierr.New(apierr.KindBadRequest, "invalid manifest file path")

// DefaultStallThreshold is how long a watched directory may go without
// a segment write before the producer is reported stalled. Segment
// durations top out at a few seconds, so half a minute of silence means
// the child is wedged, not just slow.
const DefaultStallThreshold = 30 * time.Second

// ResolvePath joins dir and file, refusing absolute paths and any
// component that would escape dir via "..".
func ResolvePath(dir, file string) (string, error) {
	if file == "" || filepath.IsAbs(file) {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(filepath.ToSlash(file), "/") {
		if part == ".." {
			return "", ErrInvalidPath
		}
	}

	cleanDir := filepath.Clean(dir)
	full := filepath.Join(cleanDir, filepath.Clean(file))
	if full != cleanDir && !strings.HasPrefix(full, cleanDir+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}

// Open resolves file within dir and opens it read-only, returning its
// FileInfo for use with http.ServeContent.
func Open(dir, file string) (*os.File, os.FileInfo, error) {
	full, err := ResolvePath(dir, file)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(full) // #nosec G304 -- full is validated by ResolvePath above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apierr.Wrap(apierr.KindNotFound, "manifest file", err)
		}
		return nil, nil, apierr.Wrap(apierr.KindInternal, "open manifest file", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, apierr.Wrap(apierr.KindInternal, "stat manifest file", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, ErrInvalidPath
	}
	return f, info, nil
}

type dirWatch struct {
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
}

// Watcher tracks one fsnotify.Watcher per live segmented record,
// added/removed as records are created and torn down.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*dirWatch
	logger   *slog.Logger

	// StallThreshold overrides DefaultStallThreshold when positive. Set
	// it before the first Watch call; tests use it to shrink the wait.
	StallThreshold time.Duration
}

// New constructs an empty Watcher.
func New(logger *slog.Logger) *Watcher {
	return &Watcher{watchers: make(map[string]*dirWatch), logger: logger}
}

// Watch starts watching dir for key, reporting a stalled producer when
// no file in dir is written or created for StallThreshold. onStall may
// be nil, in which case the stall is only logged. It is a no-op if key
// is already being watched.
func (w *Watcher) Watch(key, dir string, onStall func(key string)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watchers[key]; ok {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.watchers[key] = &dirWatch{fsw: fsw, cancel: cancel}

	threshold := w.StallThreshold
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	go w.run(ctx, key, fsw, threshold, onStall)
	return nil
}

// run watches one directory's events until ctx is cancelled. A Write or
// Create event marks the producer live; threshold without either marks
// it stalled, reported once per outage rather than once per tick.
func (w *Watcher) run(ctx context.Context, key string, fsw *fsnotify.Watcher, threshold time.Duration, onStall func(key string)) {
	defer func() { _ = fsw.Close() }()

	timer := time.NewTimer(threshold)
	defer timer.Stop()
	stalled := false

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if stalled {
					stalled = false
					if w.logger != nil {
						w.logger.Info("producer resumed writing segments", "key", key)
					}
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(threshold)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("manifest watcher error", "key", key, "err", err)
			}
		case <-timer.C:
			if !stalled {
				stalled = true
				if w.logger != nil {
					w.logger.Warn("producer stalled, no segment written", "key", key, "threshold", threshold)
				}
				if onStall != nil {
					onStall(key)
				}
			}
			timer.Reset(threshold)
		}
	}
}

// Unwatch stops watching key's directory, if any. Called when the
// record backing it is torn down.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	dw, ok := w.watchers[key]
	if ok {
		delete(w.watchers, key)
	}
	w.mu.Unlock()
	if ok {
		dw.cancel()
	}
}

// Watching reports whether key currently has an active watch, for
// tests and diagnostics.
func (w *Watcher) Watching(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[key]
	return ok
}

// Close stops every active watch.
func (w *Watcher) Close() {
	w.mu.Lock()
	all := w.watchers
	w.watchers = make(map[string]*dirWatch)
	w.mu.Unlock()
	for _, dw := range all {
		dw.cancel()
	}
}
