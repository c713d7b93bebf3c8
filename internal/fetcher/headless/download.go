package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

// ErrNoDownload is returned when no fresh file appears before the deadline.
var ErrNoDownload = errors.New("no download captured")

var partialSuffixes = []string{".crdownload", ".part", ".partial", ".download", ".tmp"}

// WatcherConfig controls how a download directory is observed.
type WatcherConfig struct {
	Dir             string
	Patterns        []string
	FreshnessWindow time.Duration
	PollInterval    time.Duration
}

// DownloadWatcher waits for browser-triggered downloads to land in a directory.
type DownloadWatcher struct {
	cfg    WatcherConfig
	clock  pipeline.Clock
	logger *zap.Logger
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// NewDownloadWatcher builds a watcher. clock may be nil.
func NewDownloadWatcher(cfg WatcherConfig, clock pipeline.Clock, logger *zap.Logger) *DownloadWatcher {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"*.pdf", "*.PDF"}
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadWatcher{cfg: cfg, clock: clock, logger: logger}
}

type observation struct {
	size int64
	mod  time.Time
	seen time.Time
}

// Await blocks until a file matching the configured patterns, modified no
// earlier than since and within the freshness window, has stopped growing.
// The file is copied aside before reading; both copies are removed.
func (w *DownloadWatcher) Await(ctx context.Context, since time.Time) ([]byte, error) {
	if err := os.MkdirAll(w.cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	var events <-chan fsnotify.Event
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Debug("fsnotify unavailable; polling only", zap.Error(err))
	} else {
		defer func() {
			if cerr := fsw.Close(); cerr != nil {
				w.logger.Debug("Failed to close download watcher", zap.Error(cerr))
			}
		}()
		if err := fsw.Add(w.cfg.Dir); err != nil {
			w.logger.Debug("watch download dir failed; polling only", zap.String("dir", w.cfg.Dir), zap.Error(err))
		} else {
			events = fsw.Events
		}
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	seen := map[string]observation{}
	for {
		path, ok, err := w.scan(since, seen)
		if err != nil {
			return nil, err
		}
		if ok {
			return w.consume(path)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNoDownload, ctx.Err())
		case <-ticker.C:
		case _, open := <-events:
			if !open {
				events = nil
			}
		}
	}
}

// scan returns the newest fresh candidate whose size is unchanged since the
// previous scan at least half a poll interval ago.
func (w *DownloadWatcher) scan(since time.Time, seen map[string]observation) (string, bool, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return "", false, fmt.Errorf("read download dir: %w", err)
	}
	now := w.clock.Now()
	var (
		newestPath string
		newestMod  time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() || !w.matches(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if !w.fresh(mod, since, now) {
			continue
		}
		path := filepath.Join(w.cfg.Dir, entry.Name())
		prev, known := seen[path]
		current := observation{size: info.Size(), mod: mod, seen: now}
		if !known || prev.size != current.size || !prev.mod.Equal(current.mod) {
			seen[path] = current
			continue
		}
		if current.size == 0 || now.Sub(prev.seen) < w.cfg.PollInterval/2 {
			continue
		}
		if newestPath == "" || mod.After(newestMod) {
			newestPath, newestMod = path, mod
		}
	}
	return newestPath, newestPath != "", nil
}

func (w *DownloadWatcher) fresh(mod, since, now time.Time) bool {
	// Filesystem mtimes can be coarser than the clock.
	if mod.Before(since.Add(-time.Second)) {
		return false
	}
	return now.Sub(mod) <= w.cfg.FreshnessWindow
}

func (w *DownloadWatcher) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	for _, pattern := range w.cfg.Patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (w *DownloadWatcher) consume(path string) ([]byte, error) {
	defer w.remove(path)

	src, err := os.Open(path) //nolint:gosec // path comes from our own download dir
	if err != nil {
		return nil, fmt.Errorf("open download: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			w.logger.Debug("Failed to close download", zap.Error(cerr))
		}
	}()

	tmp, err := os.CreateTemp(filepath.Dir(w.cfg.Dir), "capture-*"+filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("create working copy: %w", err)
	}
	defer w.remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("copy download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close working copy: %w", err)
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("read working copy: %w", err)
	}
	w.logger.Debug("download captured", zap.String("file", filepath.Base(path)), zap.Int("bytes", len(data)))
	return data, nil
}

func (w *DownloadWatcher) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Debug("Failed to remove download file", zap.String("path", path), zap.Error(err))
	}
}
