// Package inbox watches a directory and submits archives dropped into it.
//
// A file is claimed once its size has stopped changing for StableFor, so
// copies still in progress are left alone. Claimed files are moved into the
// upload directory before submission; a file is never submitted twice.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/config"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Submitter queues an archive for processing.
type Submitter interface {
	Submit(ctx context.Context, owner, path, filename string, size int64) (*archive.Job, error)
}

// partialSuffixes mark files that browsers and copy tools are still writing.
var partialSuffixes = []string{".part", ".partial", ".crdownload", ".download", ".tmp"}

// Watcher submits archives dropped into a directory.
type Watcher struct {
	dir       string
	uploadDir string
	owner     string
	stableFor time.Duration
	submit    Submitter
	logger    *zap.Logger
	watcher   *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*candidate
}

type candidate struct {
	size    int64
	changed time.Time
}

// New creates both directories and the filesystem watcher.
func New(cfg *Config, submit Submitter, logger *zap.Logger) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("inbox is disabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir, err := config.ExpandPath(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("expanding inbox dir: %w", err)
	}
	uploadDir, err := config.ExpandPath(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("expanding upload dir: %w", err)
	}
	for _, d := range []string{dir, uploadDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		dir:       dir,
		uploadDir: uploadDir,
		owner:     cfg.Owner,
		stableFor: cfg.StableFor.Duration(),
		submit:    submit,
		logger:    logger.Named("inbox"),
		watcher:   fw,
		pending:   make(map[string]*candidate),
	}, nil
}

// Run watches until ctx is cancelled. Files already in the directory when
// Run starts are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	if err := w.scan(); err != nil {
		return err
	}
	w.logger.Info("watching inbox", zap.String("dir", w.dir), zap.String("owner", w.owner))

	tick := w.stableFor / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				w.observe(ev.Name)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.forget(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		case now := <-ticker.C:
			w.sweep(ctx, now)
		}
	}
}

func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.dir, err)
	}
	for _, e := range entries {
		w.observe(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

// observe starts or restarts the stability clock for path.
func (w *Watcher) observe(path string) {
	if ignored(filepath.Base(path)) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.pending[path]
	if !ok {
		w.pending[path] = &candidate{size: info.Size(), changed: time.Now()}
		return
	}
	if c.size != info.Size() {
		c.size = info.Size()
		c.changed = time.Now()
	}
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// sweep submits every candidate whose size held for stableFor.
func (w *Watcher) sweep(ctx context.Context, now time.Time) {
	var ready []string
	w.mu.Lock()
	for path, c := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != c.size {
			c.size = info.Size()
			c.changed = now
			continue
		}
		if c.size > 0 && now.Sub(c.changed) >= w.stableFor {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if err := w.handOff(ctx, path); err != nil {
			FilesTotal.WithLabelValues("failed").Inc()
			w.logger.Error("submitting dropped archive failed", zap.String("path", path), zap.Error(err))
			continue
		}
		FilesTotal.WithLabelValues("submitted").Inc()
	}
}

// handOff moves path into the upload directory and submits it.
func (w *Watcher) handOff(ctx context.Context, path string) error {
	name := filepath.Base(path)
	dst := filepath.Join(w.uploadDir, uuid.NewString()+"-"+name)
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("claiming %s: %w", name, err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return err
	}
	job, err := w.submit.Submit(ctx, w.owner, dst, name, info.Size())
	if err != nil {
		// Leave the file where the operator can see it.
		if rerr := os.Rename(dst, path); rerr != nil {
			w.logger.Warn("could not return unsubmitted file to inbox", zap.String("path", dst), zap.Error(rerr))
		}
		return err
	}
	w.logger.Info("dropped archive submitted",
		zap.String("filename", name),
		zap.String("job_id", job.ID),
		zap.Int64("size", info.Size()),
	)
	return nil
}

func ignored(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return true
	}
	lower := strings.ToLower(name)
	for _, s := range partialSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}
