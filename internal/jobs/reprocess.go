package jobs

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/media"
	"github.com/fyrsmithlabs/archivist/internal/parsers"
)

// ReprocessResult reports what a reprocessing pass changed.
type ReprocessResult struct {
	Job *archive.Job `json:"job"`
	// MediaRetried is the number of failed, deferred or pending refs tried
	// again.
	MediaRetried   int   `json:"media_retried"`
	MediaRecovered int   `json:"media_recovered"`
	BytesWritten   int64 `json:"bytes_written"`
	// SourceMissing is set when the upload was removed, so refs could not
	// be retried.
	SourceMissing         bool `json:"source_missing,omitempty"`
	ThumbnailsRegenerated int  `json:"thumbnails_regenerated"`
	MessagesEmbedded      int  `json:"messages_embedded"`
	EmbeddingFailed       int  `json:"embedding_failed"`
}

// Reprocess retries the unfinished parts of a completed archive: media refs
// that failed or were deferred, thumbnails that were never generated, and
// messages without vectors. Running it again after a clean pass changes
// nothing.
func (m *Manager) Reprocess(ctx context.Context, owner, id string) (*ReprocessResult, error) {
	job, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if job.Status != archive.StatusCompleted {
		return nil, ErrNotCompleted
	}

	m.mu.Lock()
	if _, busy := m.reprocessing[id]; busy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.reprocessing[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.reprocessing, id)
		m.mu.Unlock()
	}()

	log := m.logger.With(zap.String("job_id", id), zap.String("owner_id", owner))
	res := &ReprocessResult{}
	counters := job.Counters

	refs, err := m.store.Media().RefsByStatus(ctx, id, archive.RefFailed, archive.RefDeferred, archive.RefPending)
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		if err := m.retryRefs(ctx, job, refs, res); err != nil {
			return nil, err
		}
	}
	counters.MediaExtracted += res.MediaRecovered
	counters.MediaBytesWritten += res.BytesWritten

	failed, err := m.store.Media().RefsByStatus(ctx, id, archive.RefFailed)
	if err != nil {
		return nil, err
	}
	counters.MediaFailed = len(failed)

	if res.ThumbnailsRegenerated, err = m.media.RegenerateThumbnails(ctx, id); err != nil {
		return nil, err
	}

	if m.index != nil {
		stats, err := m.index.Reembed(ctx, id)
		if err != nil {
			return nil, err
		}
		res.MessagesEmbedded, res.EmbeddingFailed = stats.Embedded, stats.Failed
		total, embedded, err := m.store.Messages().CountMessages(ctx, id)
		if err != nil {
			return nil, err
		}
		counters.MessagesEmbedded = int(embedded)
		counters.EmbeddingFailed = int(total - embedded)
	}

	if err := m.store.Jobs().SaveCounters(ctx, id, counters); err != nil {
		return nil, err
	}
	if res.Job, err = m.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	log.Info("archive reprocessed",
		zap.Int("media_retried", res.MediaRetried),
		zap.Int("media_recovered", res.MediaRecovered),
		zap.Int("thumbnails", res.ThumbnailsRegenerated),
		zap.Int("embedded", res.MessagesEmbedded),
		zap.Int("embedding_failed", res.EmbeddingFailed),
	)
	return res, nil
}

// retryRefs re-extracts refs against the retained upload.
func (m *Manager) retryRefs(ctx context.Context, job *archive.Job, refs []*archive.MediaRef, res *ReprocessResult) error {
	if _, err := os.Stat(job.SourcePath); errors.Is(err, os.ErrNotExist) {
		res.SourceMissing = true
		m.logger.Info("upload no longer present, media not retried",
			zap.String("job_id", job.ID),
			zap.Int("refs", len(refs)))
		return nil
	}
	src, err := parsers.OpenSource(job.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	res.MediaRetried = len(refs)
	resolver := media.NewSourceResolver(src, m.media.Fetcher())
	var mu sync.Mutex
	return m.extractRefs(ctx, refs, resolver, func(r *media.Result, err error) error {
		if err != nil || r.Deferred {
			return nil
		}
		mu.Lock()
		res.MediaRecovered++
		res.BytesWritten += r.BytesWritten
		mu.Unlock()
		return nil
	})
}
