// Package jobs drives uploaded archives through the ingestion pipeline.
//
// A Manager owns a bounded pool of workers. Each worker claims the oldest
// queued job and runs it through detect, parse, extract media and embed on
// its own; media extraction and embedding fan out to per-job sub-pools.
// Jobs are never retried. Failed jobs carry a reason from the archive error
// taxonomy, and a job interrupted by a restart is failed as cancelled.
//
//	mgr, err := jobs.NewManager(cfg, deps, logger)
//	mgr.Start(ctx)
//	job, err := mgr.Submit(ctx, "alice", "/uploads/export.zip", "export.zip", 0)
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/events"
	"github.com/fyrsmithlabs/archivist/internal/index"
	"github.com/fyrsmithlabs/archivist/internal/logging"
	"github.com/fyrsmithlabs/archivist/internal/media"
	"github.com/fyrsmithlabs/archivist/internal/parsers"
	"github.com/fyrsmithlabs/archivist/internal/store"
)

var (
	// ErrNotFound is returned for unknown jobs and jobs of other owners.
	ErrNotFound = store.ErrNotFound
	// ErrMissingOwner is returned when no owner is given.
	ErrMissingOwner = errors.New("owner is required")
	// ErrFinished is returned when cancelling a job that already finished.
	ErrFinished = errors.New("job already finished")
	// ErrNotCompleted is returned when reprocessing a job that has not
	// completed.
	ErrNotCompleted = errors.New("job has not completed")
	// ErrBusy is returned when the job is already being reprocessed.
	ErrBusy = errors.New("job is being reprocessed")
)

// Deps are the services a Manager drives. Index may be nil, which skips the
// embedding stage.
type Deps struct {
	Store    *store.Store
	Detector *parsers.Detector
	Media    *media.Service
	Index    *index.Service
	Events   events.Publisher
}

// Manager runs archive jobs.
type Manager struct {
	cfg      *Config
	store    *store.Store
	detector *parsers.Detector
	media    *media.Service
	index    *index.Service
	events   events.Publisher
	logger   *zap.Logger

	wake chan struct{}
	wg   sync.WaitGroup

	mu           sync.Mutex
	running      map[string]*handle
	reprocessing map[string]struct{}
}

// handle tracks one job held by a worker.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	// byOwner is set when the owner cancelled, as opposed to shutdown.
	byOwner bool
}

// NewManager validates cfg and wires the pipeline services.
func NewManager(cfg *Config, deps Deps, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Media == nil {
		return nil, fmt.Errorf("store and media service are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Detector == nil {
		deps.Detector = parsers.DefaultDetector()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &Manager{
		cfg:          cfg,
		store:        deps.Store,
		detector:     deps.Detector,
		media:        deps.Media,
		index:        deps.Index,
		events:       deps.Events,
		logger:       logger,
		wake:         make(chan struct{}, 1),
		running:      make(map[string]*handle),
		reprocessing: make(map[string]struct{}),
	}, nil
}

// Submit queues the file at path for owner and returns the job at once.
// size is informational; zero means stat the file.
func (m *Manager) Submit(ctx context.Context, owner, path, filename string, size int64) (*archive.Job, error) {
	if owner == "" {
		return nil, ErrMissingOwner
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("upload %s is a directory", path)
	}
	if size <= 0 {
		size = info.Size()
	}
	if filename == "" {
		filename = info.Name()
	}
	job := &archive.Job{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		Filename:   filename,
		SourcePath: path,
		Size:       size,
		Status:     archive.StatusQueued,
	}
	if err := m.store.Jobs().Create(ctx, job); err != nil {
		return nil, err
	}
	JobsSubmitted.Inc()
	m.logger.Info("archive job queued", append(logging.ContextFields(ctx),
		zap.String("job_id", job.ID),
		zap.String("owner_id", owner),
		zap.String("filename", filename),
		zap.Int64("size", size),
	)...)
	m.signal()
	return job, nil
}

// Get returns the owner's job.
func (m *Manager) Get(ctx context.Context, owner, id string) (*archive.Job, error) {
	return m.store.Jobs().Get(ctx, owner, id)
}

// List returns the owner's jobs, newest first.
func (m *Manager) List(ctx context.Context, owner string, limit, offset int) ([]*archive.Job, error) {
	if owner == "" {
		return nil, ErrMissingOwner
	}
	return m.store.Jobs().List(ctx, owner, limit, offset)
}

// Cancel fails the owner's job as Cancelled. A running job stops
// dispatching new work; Cancel waits for the units already in flight (one
// batch of messages, one asset) before the job is marked failed.
func (m *Manager) Cancel(ctx context.Context, owner, id string) (*archive.Job, error) {
	job, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, ErrFinished
	}

	m.mu.Lock()
	h, running := m.running[id]
	if running {
		h.byOwner = true
		h.cancel()
	}
	m.mu.Unlock()
	if running {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// The worker records its own cancellation; this covers queued jobs and
	// jobs claimed after the lookup above.
	reason := &archive.Reason{Kind: archive.KindCancelled, Message: "cancelled by owner"}
	ok, err := m.store.Jobs().Fail(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if job, err = m.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	if ok {
		m.logger.Info("archive job cancelled", zap.String("job_id", id), zap.String("owner_id", owner))
		JobsFinished.WithLabelValues(string(archive.StatusFailed), string(archive.KindCancelled)).Inc()
		m.publish(ctx, events.Failed, job)
	}
	return job, nil
}

// DeleteResult reports what an archive deletion removed.
type DeleteResult struct {
	BlobsRemoved int   `json:"blobs_removed"`
	BytesFreed   int64 `json:"bytes_freed"`
}

// Delete removes the owner's archive: job, conversations, messages, media
// refs, vectors, and blobs no other archive references. A running job is
// cancelled and its worker drained first.
func (m *Manager) Delete(ctx context.Context, owner, id string) (*DeleteResult, error) {
	job, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		if _, err := m.Cancel(ctx, owner, id); err != nil && !errors.Is(err, ErrFinished) {
			return nil, err
		}
	}
	if err := m.awaitWorker(ctx, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	_, busy := m.reprocessing[id]
	m.mu.Unlock()
	if busy {
		return nil, ErrBusy
	}

	checksums, err := m.store.DeleteArchive(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if m.index != nil {
		if err := m.index.DeleteArchive(ctx, owner, id); err != nil {
			return nil, err
		}
	}
	removed, freed, err := m.media.GarbageCollect(ctx, checksums)
	if err != nil {
		return nil, err
	}
	if job.SourcePath != "" {
		if err := os.Remove(job.SourcePath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove upload", zap.String("path", job.SourcePath), zap.Error(err))
		}
	}
	m.logger.Info("archive deleted",
		zap.String("job_id", id),
		zap.String("owner_id", owner),
		zap.Int("blobs_removed", removed),
		zap.Int64("bytes_freed", freed),
	)
	return &DeleteResult{BlobsRemoved: removed, BytesFreed: freed}, nil
}

// awaitWorker blocks until no worker holds job id.
func (m *Manager) awaitWorker(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start recovers jobs interrupted by a previous shutdown and launches the
// worker pool. Workers stop when ctx is cancelled; Wait blocks until they
// have.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.store.Jobs().RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if n > 0 {
		m.logger.Warn("failed jobs interrupted by shutdown", zap.Int64("count", n))
		JobsFinished.WithLabelValues(string(archive.StatusFailed), string(archive.KindCancelled)).Add(float64(n))
	}
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	m.logger.Info("job workers started", zap.Int("workers", m.cfg.Workers))
	return nil
}

// Wait blocks until every worker has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	log := m.logger.With(zap.Int("worker", n))
	ticker := time.NewTicker(m.cfg.PollInterval.Duration())
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := m.store.Jobs().ClaimNextQueued(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("claiming job failed", zap.Error(err))
			}
		}
		if job != nil {
			// Another queued job may be waiting for an idle worker.
			m.signal()
			m.process(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

func (m *Manager) publish(ctx context.Context, t events.Type, job *archive.Job) {
	if err := m.events.Publish(ctx, events.FromJob(t, job)); err != nil {
		m.logger.Debug("publishing job event failed",
			zap.String("job_id", job.ID),
			zap.String("event", string(t)),
			zap.Error(err))
	}
}
