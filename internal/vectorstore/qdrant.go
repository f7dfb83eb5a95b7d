package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxMessageSize bounds gRPC messages; large upsert batches carry many
// 384..1536-dimension vectors.
const maxMessageSize = 50 * 1024 * 1024

// QdrantStore implements Store against a Qdrant server over gRPC.
//
// All owners share one collection. owner_id and archive_id carry keyword
// payload indexes so the owner filter is applied inside the HNSW search,
// not after it.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	vectorSize int
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
	tracer     trace.Tracer

	circuitBreaker struct {
		failures  int
		threshold int
		lastFail  time.Time
		mu        sync.Mutex
	}
}

// NewQdrantStore connects, health-checks, and ensures the collection and
// its payload indexes exist.
func NewQdrantStore(ctx context.Context, cfg *Config, logger *zap.Logger, opts ...Option) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !cfg.QdrantTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.QdrantAPIKey.Value(),
		UseTLS: cfg.QdrantTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMessageSize),
				grpc.MaxCallSendMsgSize(maxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		vectorSize: cfg.VectorSize,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff.Duration(),
		logger:     logger,
		tracer:     newOptions(opts).tracer(qdrantInstrumentationName),
	}
	s.circuitBreaker.threshold = cfg.CircuitBreakerThreshold
	if s.circuitBreaker.threshold <= 0 {
		s.circuitBreaker.threshold = 5
	}
	if s.backoff <= 0 {
		s.backoff = time.Second
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Health(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.ensureCollection(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant vector store initialized",
		zap.String("host", cfg.QdrantHost),
		zap.Int("port", cfg.QdrantPort),
		zap.String("collection", cfg.Collection),
		zap.Int("vector_size", cfg.VectorSize),
	)
	return s, nil
}

// Backend implements Store.
func (s *QdrantStore) Backend() string { return ProviderQdrant }

// Health implements Store.
func (s *QdrantStore) Health(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "QdrantStore.Health")
	defer span.End()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: health check failed: %v", ErrConnectionFailed, err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.collection, err)
	}
	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.vectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", s.collection, err)
		}
	}
	for _, field := range []string{KeyOwner, KeyArchive} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil && status.Code(err) != grpccodes.AlreadyExists {
			return fmt.Errorf("creating %s index: %w", field, err)
		}
	}
	return nil
}

// Upsert implements Store.
func (s *QdrantStore) Upsert(ctx context.Context, entries []Entry) (err error) {
	ctx, span := s.tracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	defer func(start time.Time) { observe(ProviderQdrant, "upsert", start, err) }(time.Now())

	span.SetAttributes(attribute.Int("entry_count", len(entries)))
	if len(entries) == 0 {
		return ErrEmptyEntries
	}
	payloads, err := stamp(ctx, entries)
	if err != nil {
		span.RecordError(err)
		return err
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		if len(e.Vector) != s.vectorSize {
			return fmt.Errorf("%w: entry %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(e.Vector), s.vectorSize)
		}
		payload := make(map[string]*qdrant.Value, len(payloads[i]))
		for k, v := range payloads[i] {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(e.PointID()),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: payload,
		}
	}

	err = s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", s.collection, err)
	}
	PointsWritten.WithLabelValues(ProviderQdrant).Add(float64(len(points)))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search implements Store.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, k int, filters map[string]string) (_ []Result, err error) {
	ctx, span := s.tracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	defer func(start time.Time) { observe(ProviderQdrant, "search", start, err) }(time.Now())

	span.SetAttributes(attribute.Int("k", k))
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) != s.vectorSize {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrDimensionMismatch, len(vector), s.vectorSize)
	}
	scoped, err := scopeFilter(ctx, filters)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var points []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         buildFilter(scoped),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", s.collection, err)
	}

	owner := scoped[KeyOwner]
	results := make([]Result, 0, len(points))
	for _, p := range points {
		meta := payloadStrings(p.GetPayload())
		// The filter already guarantees this; a mismatch means the server
		// ignored it and the hit must not leak.
		if meta[KeyOwner] != owner {
			continue
		}
		results = append(results, resultFromPayload(p.GetScore(), meta))
	}
	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// DeleteArchive implements Store.
func (s *QdrantStore) DeleteArchive(ctx context.Context, archiveID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "QdrantStore.DeleteArchive")
	defer span.End()
	defer func(start time.Time) { observe(ProviderQdrant, "delete", start, err) }(time.Now())

	if archiveID == "" {
		return fmt.Errorf("archive id is required")
	}
	scoped, err := scopeFilter(ctx, map[string]string{KeyArchive: archiveID})
	if err != nil {
		return err
	}
	err = s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: buildFilter(scoped)},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting archive vectors: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// buildFilter turns exact-match conditions into a Qdrant must-filter. Keys
// are sorted so identical filters serialize identically.
func buildFilter(conds map[string]string) *qdrant.Filter {
	if len(conds) == 0 {
		return nil
	}
	keys := make([]string, 0, len(conds))
	for k := range conds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	must := make([]*qdrant.Condition, 0, len(keys))
	for _, k := range keys {
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: k,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: conds[k]},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: must}
}

func payloadStrings(payload map[string]*qdrant.Value) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if sv, ok := v.GetKind().(*qdrant.Value_StringValue); ok {
			out[k] = sv.StringValue
		}
	}
	return out
}

// IsTransientError reports errors worth retrying: unavailability,
// timeouts, aborts and resource exhaustion.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// retryOperation retries transient failures with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, op string, fn func() error) error {
	if s.isCircuitOpen() {
		return fmt.Errorf("%s: circuit breaker open", op)
	}
	backoff := s.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", op, err)
		}
		s.recordFailure()
		if attempt >= s.maxRetries || s.isCircuitOpen() {
			return fmt.Errorf("%s failed after %d retries: %w", op, attempt, err)
		}
		s.logger.Debug("retrying qdrant operation",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	if s.circuitBreaker.failures >= s.circuitBreaker.threshold {
		// Half-open after 30 seconds.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}
