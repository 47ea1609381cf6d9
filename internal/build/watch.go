package build

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cpmkit/cpm/internal/embed"
)

// DefaultDebounce coalesces filesystem event bursts (editor saves, git
// checkouts) into a single rebuild.
const DefaultDebounce = 500 * time.Millisecond

// Watch rebuilds the packet whenever the source tree changes, debounced.
// It blocks until ctx is cancelled. onBuild, if non-nil, observes every
// rebuild result.
func Watch(ctx context.Context, embedder embed.Embedder, opts Options, debounce time.Duration, onBuild func(*Result, error)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := addRecursive(watcher, opts.Source); err != nil {
		return err
	}

	// Initial build before watching.
	result, err := Run(ctx, embedder, opts)
	if onBuild != nil {
		onBuild(result, err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, ev.Name)
				}
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))

		case <-fire:
			timer = nil
			slog.Info("watch_rebuild", slog.String("source", opts.Source))
			result, err := Run(ctx, embedder, opts)
			if onBuild != nil {
				onBuild(result, err)
			}
		}
	}
}

// addRecursive watches a directory tree, honoring the scanner's skip list.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if _, skip := skipDirs[d.Name()]; skip {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
