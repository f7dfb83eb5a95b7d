package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archivist/internal/config"
)

// errNoEmbedding guards against chromem embedding content itself; every
// entry arrives with its vector.
var errNoEmbedding = errors.New("chromem: entries must carry a vector")

// ChromemStore implements Store with embedded chromem-go.
//
// chromem-go runs an exhaustive cosine search over the filtered documents,
// which stays well under a second for the per-owner corpus sizes an
// embedded deployment serves. Deployments beyond that use QdrantStore.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	vectorSize int
	logger     *zap.Logger
	tracer     trace.Tracer

	// mu serializes writes with deletes so a delete never races a
	// half-applied batch.
	mu sync.RWMutex
}

// NewChromemStore opens (or creates) the chromem database. An empty
// ChromemPath keeps everything in memory.
func NewChromemStore(cfg *Config, logger *zap.Logger, opts ...Option) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if cfg.ChromemPath == "" {
		db = chromem.NewDB()
	} else {
		path, err := config.ExpandPath(cfg.ChromemPath)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.ChromemCompress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	noEmbed := func(context.Context, string) ([]float32, error) { return nil, errNoEmbedding }
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem vector store initialized",
		zap.String("path", cfg.ChromemPath),
		zap.String("collection", cfg.Collection),
		zap.Int("vector_size", cfg.VectorSize),
		zap.Int("points", collection.Count()),
	)
	return &ChromemStore{
		db:         db,
		collection: collection,
		vectorSize: cfg.VectorSize,
		logger:     logger,
		tracer:     newOptions(opts).tracer(chromemInstrumentationName),
	}, nil
}

// Backend implements Store.
func (s *ChromemStore) Backend() string { return ProviderChromem }

// Upsert implements Store.
func (s *ChromemStore) Upsert(ctx context.Context, entries []Entry) (err error) {
	ctx, span := s.tracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	defer func(start time.Time) { observe(ProviderChromem, "upsert", start, err) }(time.Now())

	span.SetAttributes(attribute.Int("entry_count", len(entries)))
	if len(entries) == 0 {
		return ErrEmptyEntries
	}
	payloads, err := stamp(ctx, entries)
	if err != nil {
		span.RecordError(err)
		return err
	}

	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		if len(e.Vector) != s.vectorSize {
			return fmt.Errorf("%w: entry %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(e.Vector), s.vectorSize)
		}
		docs[i] = chromem.Document{
			ID:        e.PointID(),
			Metadata:  payloads[i],
			Embedding: e.Vector,
		}
	}

	// Documents are keyed by id, so re-adding replaces.
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}
	PointsWritten.WithLabelValues(ProviderChromem).Add(float64(len(docs)))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search implements Store.
func (s *ChromemStore) Search(ctx context.Context, vector []float32, k int, filters map[string]string) (_ []Result, err error) {
	ctx, span := s.tracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	defer func(start time.Time) { observe(ProviderChromem, "search", start, err) }(time.Now())

	span.SetAttributes(attribute.Int("k", k))
	if archiveID := filters[KeyArchive]; archiveID != "" {
		span.SetAttributes(attribute.String("archive_id", archiveID))
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) != s.vectorSize {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrDimensionMismatch, len(vector), s.vectorSize)
	}
	where, err := scopeFilter(ctx, filters)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	// chromem requires nResults <= document count.
	count := s.collection.Count()
	if count == 0 {
		return []Result{}, nil
	}
	if k > count {
		k = count
	}
	hits, err := s.collection.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, resultFromPayload(h.Similarity, h.Metadata))
	}
	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// DeleteArchive implements Store.
func (s *ChromemStore) DeleteArchive(ctx context.Context, archiveID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "ChromemStore.DeleteArchive")
	defer span.End()
	defer func(start time.Time) { observe(ProviderChromem, "delete", start, err) }(time.Now())

	if archiveID == "" {
		return fmt.Errorf("archive id is required")
	}
	where, err := scopeFilter(ctx, map[string]string{KeyArchive: archiveID})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.collection.Delete(ctx, where, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting archive vectors: %w", err)
	}
	s.logger.Debug("deleted archive vectors", zap.String("archive_id", archiveID))
	return nil
}

// Health implements Store. The embedded database is always reachable.
func (s *ChromemStore) Health(context.Context) error { return nil }

// Count returns the number of stored vectors across all owners.
func (s *ChromemStore) Count() int { return s.collection.Count() }

// Close implements Store. Persistent databases write through on every
// change, so there is nothing to flush.
func (s *ChromemStore) Close() error { return nil }
