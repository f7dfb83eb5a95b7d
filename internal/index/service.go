// Package index embeds stored messages and answers owner-scoped semantic
// searches over them.
//
// Embedding is best-effort. A batch the provider cannot serve in time is
// left unembedded and counted; the messages stay text-searchable and a
// later Reembed picks them up. Only index writes are job-fatal.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/conversation"
	"github.com/fyrsmithlabs/archivist/internal/embeddings"
	"github.com/fyrsmithlabs/archivist/internal/store"
	"github.com/fyrsmithlabs/archivist/internal/vectorstore"
)

// maxTextBytes caps the text sent to the provider per message. Providers
// truncate to their own token limit anyway.
const maxTextBytes = 8 << 10

// Options tune the embedding pass.
type Options struct {
	BatchSize   int
	Concurrency int
	// Timeout bounds one provider call.
	Timeout time.Duration
}

// OptionsFrom reads pass options from the embeddings config.
func OptionsFrom(cfg *embeddings.Config) Options {
	return Options{
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout.Duration(),
	}
}

// Stats summarizes one embedding pass.
type Stats struct {
	Pending  int `json:"pending"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
}

// ProgressFunc observes an embedding pass. done counts embedded and failed
// messages; pending is the estimate taken when the pass started.
type ProgressFunc func(done, pending int)

// Hit is one semantic search result.
type Hit struct {
	ArchiveID string                `json:"archive_id"`
	Score     float32               `json:"score"`
	Message   *conversation.Message `json:"message"`
}

// Service ties an embedding provider to a vector store and the message
// repository.
type Service struct {
	provider embeddings.Provider
	vectors  vectorstore.Store
	store    *store.Store
	opts     Options
	logger   *zap.Logger
}

// NewService creates the index service.
func NewService(provider embeddings.Provider, vectors vectorstore.Store, st *store.Store, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Service{
		provider: provider,
		vectors:  vectors,
		store:    st,
		opts:     opts,
		logger:   logger,
	}
}

// Close releases the embedding provider and the vector store.
func (s *Service) Close() error {
	return errors.Join(s.provider.Close(), s.vectors.Close())
}

// EmbedBatch embeds texts in one provider call bounded by the configured
// timeout. Every failure, timeouts included, is EmbeddingUnavailable.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	in := make([]string, len(texts))
	for i, t := range texts {
		in[i] = clip(t)
	}
	vectors, err := s.provider.EmbedDocuments(ctx, in)
	if err != nil {
		return nil, archive.Wrap(archive.KindEmbeddingUnavailable, "embedding batch", err)
	}
	if len(vectors) != len(texts) {
		return nil, archive.Errorf(archive.KindEmbeddingUnavailable, "provider returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

// Index stores one message vector for owner and flags the message as
// embedded.
func (s *Service) Index(ctx context.Context, owner, archiveID, messageID string, vector []float32) error {
	entry := vectorstore.Entry{ArchiveID: archiveID, MessageID: messageID, Vector: vector}
	if err := s.upsert(ctx, owner, []vectorstore.Entry{entry}); err != nil {
		return err
	}
	return s.store.Messages().MarkEmbedded(ctx, archiveID, []string{messageID})
}

func (s *Service) upsert(ctx context.Context, owner string, entries []vectorstore.Entry) error {
	err := s.vectors.Upsert(vectorstore.ContextWithOwner(ctx, owner), entries)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		// A provider/model mismatch; the vectors are useless but the
		// messages are intact.
		return archive.Wrap(archive.KindEmbeddingUnavailable, "indexing vectors", err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return archive.Wrap(archive.KindStorageFailure, "indexing vectors", err)
	}
}

// Search embeds query and returns the owner's closest messages.
func (s *Service) Search(ctx context.Context, owner, query string, k int) ([]Hit, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: query", embeddings.ErrEmptyInput)
	}
	qctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	vector, err := s.provider.EmbedQuery(qctx, clip(query))
	if err != nil {
		SearchesTotal.WithLabelValues("error").Inc()
		return nil, archive.Wrap(archive.KindEmbeddingUnavailable, "embedding query", err)
	}
	return s.SearchVector(ctx, owner, vector, k)
}

// SearchVector returns the owner's messages closest to vector, best first.
// Vectors whose message was deleted since indexing are dropped.
func (s *Service) SearchVector(ctx context.Context, owner string, vector []float32, k int) (hits []Hit, err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		SearchesTotal.WithLabelValues(result).Inc()
	}()

	results, err := s.vectors.Search(vectorstore.ContextWithOwner(ctx, owner), vector, k, nil)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	if len(results) == 0 {
		return []Hit{}, nil
	}
	keys := make([]store.MessageKey, len(results))
	for i, r := range results {
		keys[i] = store.MessageKey{ArchiveID: r.ArchiveID, ID: r.MessageID}
	}
	msgs, err := s.store.Messages().GetMessages(ctx, owner, keys)
	if err != nil {
		return nil, err
	}

	hits = make([]Hit, 0, len(results))
	for i, r := range results {
		m, ok := msgs[keys[i]]
		if !ok {
			continue
		}
		hits = append(hits, Hit{ArchiveID: r.ArchiveID, Score: r.Score, Message: m})
	}
	return hits, nil
}

// DeleteArchive removes every vector of one archive.
func (s *Service) DeleteArchive(ctx context.Context, owner, archiveID string) error {
	if err := s.vectors.DeleteArchive(vectorstore.ContextWithOwner(ctx, owner), archiveID); err != nil {
		return archive.Wrap(archive.KindStorageFailure, "deleting archive vectors", err)
	}
	return nil
}

// Reembed embeds every message of archiveID that has no vector yet. It is
// idempotent and safe to run on a completed archive.
func (s *Service) Reembed(ctx context.Context, archiveID string) (*Stats, error) {
	return s.EmbedArchive(ctx, archiveID, nil)
}

// EmbedArchive runs the embedding pass for one archive. Batches are
// dispatched to at most Options.Concurrency workers. A batch the provider
// fails is counted and skipped. Cancelling ctx stops dispatch; batches
// already in flight finish.
func (s *Service) EmbedArchive(ctx context.Context, archiveID string, progress ProgressFunc) (*Stats, error) {
	total, embedded, err := s.store.Messages().CountMessages(ctx, archiveID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Pending: int(total - embedded)}
	if stats.Pending == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	report := func(ok, failed int) {
		mu.Lock()
		stats.Embedded += ok
		stats.Failed += failed
		done := stats.Embedded + stats.Failed
		mu.Unlock()
		if progress != nil {
			progress(done, stats.Pending)
		}
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(s.opts.Concurrency)

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return stats, archive.Wrap(archive.KindCancelled, "embedding cancelled", err)
		}
		if gctx.Err() != nil {
			break
		}
		page, err := s.store.Messages().PendingEmbedding(ctx, archiveID, after, s.opts.BatchSize)
		if err != nil {
			_ = g.Wait()
			if errors.Is(err, context.Canceled) {
				return stats, archive.Wrap(archive.KindCancelled, "embedding cancelled", err)
			}
			return stats, err
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].ID

		batch := page
		g.Go(func() error {
			ok, failed, err := s.embedRecords(gctx, archiveID, batch)
			report(ok, failed)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	s.logger.Info("embedding pass finished",
		zap.String("archive_id", archiveID),
		zap.Int("pending", stats.Pending),
		zap.Int("embedded", stats.Embedded),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

// embedRecords embeds and indexes one batch. Provider failures return a nil
// error with every record counted as failed.
func (s *Service) embedRecords(ctx context.Context, archiveID string, recs []*store.MessageRecord) (ok, failed int, err error) {
	start := time.Now()
	defer func() { BatchDuration.Observe(time.Since(start).Seconds()) }()

	texts := make([]string, len(recs))
	for i, r := range recs {
		texts[i] = r.Content
	}
	vectors, err := s.EmbedBatch(ctx, texts)
	if err != nil {
		s.logger.Warn("embedding batch failed",
			zap.String("archive_id", archiveID),
			zap.Int("messages", len(recs)),
			zap.Error(err),
		)
		MessagesTotal.WithLabelValues("failed").Add(float64(len(recs)))
		return 0, len(recs), nil
	}

	// One archive has one owner, but the store is the authority.
	byOwner := make(map[string][]vectorstore.Entry)
	ids := make(map[string][]string)
	for i, r := range recs {
		byOwner[r.OwnerID] = append(byOwner[r.OwnerID], vectorstore.Entry{
			ArchiveID:      r.ArchiveID,
			MessageID:      r.ID,
			ConversationID: r.ConversationID,
			Vector:         vectors[i],
			Metadata:       map[string]string{"role": r.Role},
		})
		ids[r.OwnerID] = append(ids[r.OwnerID], r.ID)
	}
	for owner, entries := range byOwner {
		if err := s.upsert(ctx, owner, entries); err != nil {
			if archive.KindOf(err) == archive.KindEmbeddingUnavailable {
				s.logger.Warn("vectors rejected by index", zap.String("archive_id", archiveID), zap.Error(err))
				failed += len(entries)
				continue
			}
			return ok, failed, err
		}
		if err := s.store.Messages().MarkEmbedded(ctx, archiveID, ids[owner]); err != nil {
			return ok, failed, err
		}
		ok += len(entries)
	}
	MessagesTotal.WithLabelValues("embedded").Add(float64(ok))
	MessagesTotal.WithLabelValues("failed").Add(float64(failed))
	return ok, failed, nil
}

// clip truncates s to maxTextBytes on a rune boundary.
func clip(s string) string {
	if len(s) <= maxTextBytes {
		return s
	}
	cut := maxTextBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
