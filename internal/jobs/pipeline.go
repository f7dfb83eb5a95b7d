package jobs

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/conversation"
	"github.com/fyrsmithlabs/archivist/internal/events"
	"github.com/fyrsmithlabs/archivist/internal/media"
	"github.com/fyrsmithlabs/archivist/internal/parsers"
	"github.com/fyrsmithlabs/archivist/internal/store"
)

// refNamespace derives media ref ids so a re-parse of the same archive
// produces the same refs.
var refNamespace = uuid.MustParse("b4d7c2a0-93e1-5f6b-8c1d-2e7a9f4b6d30")

// errSuperseded stops a worker whose job was failed elsewhere, by Cancel or
// by another process.
var errSuperseded = errors.New("job no longer active")

// run is one job held by a worker.
type run struct {
	m      *Manager
	ctx    context.Context
	job    *archive.Job
	src    *parsers.Source
	log    *zap.Logger
	handle *handle

	mu          sync.Mutex
	lastPublish time.Time
}

// process runs job to a terminal state. It returns when the job completed,
// failed, was cancelled, or the manager is shutting down.
func (m *Manager) process(parent context.Context, job *archive.Job) {
	ctx, cancel := context.WithCancel(parent)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.running[job.ID] = h
	m.mu.Unlock()
	ActiveJobs.Inc()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.running, job.ID)
		m.mu.Unlock()
		close(h.done)
		ActiveJobs.Dec()
	}()

	r := &run{
		m:      m,
		ctx:    ctx,
		job:    job,
		handle: h,
		log: m.logger.With(
			zap.String("job_id", job.ID),
			zap.String("owner_id", job.OwnerID),
		),
	}
	r.log.Info("archive job started", zap.String("filename", job.Filename))
	m.publish(ctx, events.Started, job)

	err := r.executeRecovering()
	if r.src != nil {
		_ = r.src.Close()
	}
	r.finish(parent, err)
}

func (r *run) execute() error {
	stages := []struct {
		status archive.Status
		fn     func() error
	}{
		{archive.StatusDetecting, r.detect},
		{archive.StatusParsing, r.parse},
		{archive.StatusExtractingMedia, r.extractMedia},
		{archive.StatusEmbedding, r.embed},
	}
	for i, st := range stages {
		if i > 0 {
			if err := r.transition(stages[i-1].status, st.status); err != nil {
				return err
			}
		}
		start := time.Now()
		err := st.fn()
		StageDuration.WithLabelValues(string(st.status)).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
	}
	r.job.Advance(archive.StageProgress(archive.StatusEmbedding, 1))
	if err := r.checkpoint(); err != nil {
		return err
	}
	return r.transition(archive.StatusEmbedding, archive.StatusCompleted)
}

// executeRecovering fails the job as corrupt when a parser, resolver or
// decoder panics on hostile input, so one archive cannot take the worker down.
func (r *run) executeRecovering() (err error) {
	defer func() {
		if p := recover(); p != nil {
			JobPanicsTotal.Inc()
			r.log.Error("archive job panic", zap.Any("panic", p), zap.Stack("stack"))
			err = archive.Errorf(archive.KindCorruptArchive, "archive processing panicked: %v", p)
		}
	}()
	return r.execute()
}

// finish records the outcome. A shutdown leaves the job mid-pipeline for
// RecoverInterrupted; an owner cancel or a fatal error fails it.
func (r *run) finish(parent context.Context, err error) {
	m := r.m
	job := r.job
	bg := context.WithoutCancel(parent)

	if err == nil {
		JobsFinished.WithLabelValues(string(archive.StatusCompleted), "").Inc()
		r.log.Info("archive job completed",
			zap.String("platform", job.Platform),
			zap.Int("messages", job.Counters.MessagesParsed),
			zap.Int("skipped", job.Counters.MessagesSkipped),
			zap.Int("media_extracted", job.Counters.MediaExtracted),
			zap.Int("media_failed", job.Counters.MediaFailed),
			zap.Int("embedding_failed", job.Counters.EmbeddingFailed),
			zap.Bool("empty", job.Empty),
		)
		if fresh, gerr := m.store.Jobs().GetByID(bg, job.ID); gerr == nil {
			job = fresh
		}
		m.publish(bg, events.Completed, job)
		if !m.cfg.RetainUploads && job.SourcePath != "" {
			if rerr := os.Remove(job.SourcePath); rerr != nil && !os.IsNotExist(rerr) {
				r.log.Warn("failed to remove upload", zap.Error(rerr))
			}
		}
		return
	}

	if errors.Is(err, errSuperseded) {
		r.log.Info("archive job stopped, no longer active")
		return
	}

	m.mu.Lock()
	byOwner := r.handle.byOwner
	m.mu.Unlock()

	var reason *archive.Reason
	switch {
	case byOwner:
		reason = &archive.Reason{Kind: archive.KindCancelled, Message: "cancelled by owner"}
	case parent.Err() != nil:
		r.log.Info("archive job interrupted by shutdown", zap.String("status", string(job.Status)))
		return
	default:
		reason = archive.ReasonOf(err)
	}

	ok, ferr := m.store.Jobs().Fail(bg, job.ID, reason)
	if ferr != nil {
		r.log.Error("failed to record job failure", zap.Error(ferr), zap.NamedError("cause", err))
		return
	}
	if !ok {
		return
	}
	JobsFinished.WithLabelValues(string(archive.StatusFailed), string(reason.Kind)).Inc()
	if reason.Kind == archive.KindCancelled {
		r.log.Info("archive job cancelled", zap.String("status", string(job.Status)))
	} else {
		r.log.Warn("archive job failed",
			zap.String("status", string(job.Status)),
			zap.String("kind", string(reason.Kind)),
			zap.String("reason", reason.Message),
		)
	}
	if fresh, gerr := m.store.Jobs().GetByID(bg, job.ID); gerr == nil {
		job = fresh
	}
	m.publish(bg, events.Failed, job)
}

// transition advances the job one stage. A job failed elsewhere stops the
// run.
func (r *run) transition(from, to archive.Status) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	ok, err := r.m.store.Jobs().Transition(context.WithoutCancel(r.ctx), r.job.ID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return errSuperseded
	}
	r.mu.Lock()
	r.job.Status = to
	r.job.Advance(archive.StageProgress(to, 0))
	r.mu.Unlock()
	r.log.Debug("archive job advanced", zap.String("status", string(to)))
	return nil
}

// checkpoint persists counters and progress. It runs on a context that
// survives cancellation so in-flight work is recorded.
func (r *run) checkpoint() error {
	r.mu.Lock()
	snapshot := *r.job
	r.mu.Unlock()
	ok, err := r.m.store.Jobs().SaveProgress(context.WithoutCancel(r.ctx), &snapshot)
	if err != nil {
		return err
	}
	if !ok {
		return errSuperseded
	}
	return nil
}

// report checkpoints and publishes a progress event at most once per
// event interval.
func (r *run) report(force bool) error {
	if err := r.checkpoint(); err != nil {
		return err
	}
	r.mu.Lock()
	due := force || time.Since(r.lastPublish) >= r.m.cfg.EventInterval.Duration()
	if due {
		r.lastPublish = time.Now()
	}
	snapshot := *r.job
	r.mu.Unlock()
	if due {
		r.m.publish(r.ctx, events.Progress, &snapshot)
	}
	return nil
}

func (r *run) detect() error {
	src, err := parsers.OpenSource(r.job.SourcePath)
	if err != nil {
		return err
	}
	r.src = src
	p, ok := r.m.detector.Detect(src)
	if !ok {
		return archive.Errorf(archive.KindUnsupportedFormat, "no parser recognized %s", r.job.Filename)
	}
	r.mu.Lock()
	r.job.Platform = p.Name()
	r.job.Advance(archive.StageProgress(archive.StatusDetecting, 1))
	r.mu.Unlock()
	r.log.Info("archive format detected", zap.String("platform", p.Name()))
	return r.report(true)
}

func (r *run) parse() error {
	p, ok := r.m.detector.Lookup(r.job.Platform)
	if !ok {
		return archive.Errorf(archive.KindUnsupportedFormat, "unknown platform %q", r.job.Platform)
	}
	w := &batchWriter{run: r, limit: r.m.cfg.BatchSize}
	res, err := p.Parse(r.ctx, r.src, w)
	if err == nil {
		err = w.flush(r.ctx)
	}
	if err != nil {
		return err
	}

	if err := r.m.store.Messages().UpdateConversationCounts(context.WithoutCancel(r.ctx), r.job.ID); err != nil {
		return err
	}
	r.mu.Lock()
	r.job.Counters.MessagesSkipped = res.Skipped
	r.job.Empty = r.job.Counters.MessagesParsed == 0
	r.job.Advance(archive.StageProgress(archive.StatusParsing, 1))
	r.mu.Unlock()
	MessagesParsed.WithLabelValues(r.job.Platform).Add(float64(res.Messages))

	fields := []zap.Field{
		zap.Int("conversations", res.Conversations),
		zap.Int("messages", res.Messages),
		zap.Int("skipped", res.Skipped),
	}
	for i, pe := range res.Errors {
		fields = append(fields, zap.String("skip_"+strconv.Itoa(i), pe.Where+": "+pe.Error))
	}
	r.log.Info("archive parsed", fields...)
	return r.report(true)
}

// batchWriter implements parsers.Emitter. Conversations, messages and
// media refs are written in one transaction per batch.
type batchWriter struct {
	run   *run
	limit int
	convs []*conversation.Conversation
	msgs  []*conversation.Message
	refs  []*archive.MediaRef
}

func (w *batchWriter) Conversation(ctx context.Context, c *conversation.Conversation) error {
	w.convs = append(w.convs, c)
	return nil
}

func (w *batchWriter) Message(ctx context.Context, m *conversation.Message) error {
	job := w.run.job
	w.msgs = append(w.msgs, m)
	for i, p := range m.Media {
		w.refs = append(w.refs, &archive.MediaRef{
			ID:          refID(job.ID, m.ID, i),
			ArchiveID:   job.ID,
			OwnerID:     job.OwnerID,
			MessageID:   m.ID,
			PointerKind: string(p.Kind),
			PointerRef:  p.Ref,
			Name:        p.Name,
			MediaType:   string(p.Type),
			Status:      archive.RefPending,
		})
	}
	if len(w.msgs) >= w.limit {
		return w.flush(ctx)
	}
	return nil
}

func (w *batchWriter) flush(ctx context.Context) error {
	if len(w.convs) == 0 && len(w.msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r := w.run
	owner, archiveID := r.job.OwnerID, r.job.ID
	// A started batch is written whole.
	bg := context.WithoutCancel(ctx)
	err := r.m.store.Transaction(bg, func(tx *store.Store) error {
		for _, c := range w.convs {
			if err := tx.Messages().InsertConversation(bg, store.NewConversationRecord(owner, archiveID, c)); err != nil {
				return err
			}
		}
		if err := tx.Messages().InsertMessages(bg, owner, archiveID, w.msgs); err != nil {
			return err
		}
		return tx.Media().CreateRefs(bg, w.refs)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.job.Counters.Conversations += len(w.convs)
	r.job.Counters.MessagesParsed += len(w.msgs)
	r.job.Counters.MediaReferenced += len(w.refs)
	for _, m := range w.msgs {
		r.job.ObserveTimestamp(m.Timestamp)
	}
	r.job.Advance(archive.StageProgress(archive.StatusParsing, r.src.Progress()))
	r.mu.Unlock()

	w.convs, w.msgs, w.refs = w.convs[:0], w.msgs[:0], w.refs[:0]
	return r.report(false)
}

func refID(archiveID, messageID string, i int) string {
	return uuid.NewSHA1(refNamespace, []byte(archiveID+"\x1f"+messageID+"\x1f"+strconv.Itoa(i))).String()
}

func (r *run) extractMedia() error {
	refs, err := r.m.store.Media().RefsByStatus(r.ctx, r.job.ID, archive.RefPending)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		r.mu.Lock()
		r.job.Advance(archive.StageProgress(archive.StatusExtractingMedia, 1))
		r.mu.Unlock()
		return r.report(true)
	}
	resolver := media.NewSourceResolver(r.src, r.m.media.Fetcher())
	done := 0
	err = r.m.extractRefs(r.ctx, refs, resolver, func(res *media.Result, err error) error {
		r.mu.Lock()
		tally(&r.job.Counters, res, err)
		done++
		r.job.Advance(archive.StageProgress(archive.StatusExtractingMedia, float64(done)/float64(len(refs))))
		r.mu.Unlock()
		return r.report(false)
	})
	if err != nil {
		return err
	}
	r.log.Info("media extracted",
		zap.Int("referenced", r.job.Counters.MediaReferenced),
		zap.Int("extracted", r.job.Counters.MediaExtracted),
		zap.Int("deduplicated", r.job.Counters.MediaDeduplicated),
		zap.Int("failed", r.job.Counters.MediaFailed),
		zap.Int64("bytes_written", r.job.Counters.MediaBytesWritten),
	)
	return r.report(true)
}

// extractRefs runs Extract over refs with at most MediaConcurrency in
// flight. Per-asset failures are passed to done and do not stop the pass;
// storage failures do. Cancelling ctx stops dispatch, and extractions
// already running finish.
func (m *Manager) extractRefs(ctx context.Context, refs []*archive.MediaRef, resolver media.Resolver, done func(*media.Result, error) error) error {
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(m.cfg.MediaConcurrency)
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return err
		}
		if gctx.Err() != nil {
			break
		}
		ref := ref
		g.Go(func() (gerr error) {
			defer func() {
				if p := recover(); p != nil {
					JobPanicsTotal.Inc()
					m.logger.Error("media extraction panic",
						zap.String("archive_id", ref.ArchiveID),
						zap.String("ref_id", ref.ID),
						zap.Any("panic", p))
					gerr = done(nil, archive.Errorf(archive.KindExtractionFailed, "extract %s panicked: %v", ref.PointerRef, p))
				}
			}()
			res, err := m.media.Extract(gctx, ref, resolver)
			if err != nil && archive.KindOf(err).Fatal() {
				return err
			}
			return done(res, err)
		})
	}
	return g.Wait()
}

// tally adds one extraction outcome to c. Deduplicated assets count as
// extracted; deferred refs count as neither extracted nor failed.
func tally(c *archive.Counters, res *media.Result, err error) {
	switch {
	case err != nil:
		c.MediaFailed++
	case res.Deferred:
	default:
		c.MediaExtracted++
		if res.Deduplicated {
			c.MediaDeduplicated++
		}
		c.MediaBytesWritten += res.BytesWritten
	}
}

func (r *run) embed() error {
	if r.m.index == nil || r.job.Counters.MessagesParsed == 0 {
		return nil
	}
	stats, err := r.m.index.EmbedArchive(r.ctx, r.job.ID, func(done, pending int) {
		r.mu.Lock()
		r.job.Advance(archive.StageProgress(archive.StatusEmbedding, float64(done)/float64(pending)))
		r.mu.Unlock()
		if rerr := r.report(false); rerr != nil {
			r.log.Debug("progress checkpoint failed", zap.Error(rerr))
		}
	})
	if stats != nil {
		r.mu.Lock()
		r.job.Counters.MessagesEmbedded += stats.Embedded
		r.job.Counters.EmbeddingFailed += stats.Failed
		r.mu.Unlock()
	}
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		r.log.Warn("messages left without vectors",
			zap.Int("failed", stats.Failed),
			zap.Int("embedded", stats.Embedded))
	}
	return r.report(true)
}
