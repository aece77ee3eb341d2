package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file whenever it changes on disk. The
// directory holding the file is watched rather than the file itself so
// that files replaced by rename, as editors and mounted config maps do,
// keep being followed.
type Watcher struct {
	path     string
	dir      string
	logger   *slog.Logger
	debounce time.Duration
	onChange func(File)
	onError  func(error)
}

type WatcherOptions struct {
	Logger *slog.Logger
	// Debounce collapses bursts of file events into one reload. Defaults
	// to 100ms.
	Debounce time.Duration
	// OnError sees files that fail to load. The previous configuration
	// stays in effect.
	OnError func(error)
}

func NewWatcher(path string, onChange func(File), opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	path = filepath.Clean(path)
	return &Watcher{
		path:     path,
		dir:      filepath.Dir(path),
		logger:   opts.Logger.With(slog.String("component", "config.watcher"), slog.String("path", path)),
		debounce: opts.Debounce,
		onChange: onChange,
		onError:  opts.OnError,
	}
}

// Run watches until ctx is cancelled. A directory that does not exist yet
// is polled for until it appears.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	monitor := time.NewTicker(time.Second)
	defer monitor.Stop()
	w.manage(watcher)

	var (
		pending  <-chan time.Time
		debounce *time.Timer
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-monitor.C:
			w.manage(watcher)
		case err := <-watcher.Errors:
			w.logger.Error("file watcher error", slog.Any("error", err))
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file changed", slog.String("op", event.Op.String()))
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				debounce.Reset(w.debounce)
			}
			pending = debounce.C
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) manage(watcher *fsnotify.Watcher) {
	_, err := os.Stat(w.dir)
	watching := slices.Contains(watcher.WatchList(), w.dir)
	switch {
	case err != nil && watching:
		if err := watcher.Remove(w.dir); err != nil {
			w.logger.Error("error removing monitored path", slog.Any("error", err))
		}
	case err == nil && !watching:
		if err := watcher.Add(w.dir); err != nil {
			w.logger.Error("error adding monitored path", slog.Any("error", err))
			return
		}
		w.logger.Debug("monitoring config directory", slog.String("dir", w.dir))
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", slog.Any("error", err))
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.logger.Info("config reloaded")
	w.onChange(cfg)
}
