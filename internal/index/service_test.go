package index

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/conversation"
	"github.com/fyrsmithlabs/archivist/internal/embeddings"
	"github.com/fyrsmithlabs/archivist/internal/store"
	"github.com/fyrsmithlabs/archivist/internal/vectorstore"
)

const testDim = 256

type testEnv struct {
	svc     *Service
	store   *store.Store
	vectors *vectorstore.ChromemStore
	fake    *embeddings.Fake
}

func newTestEnv(t *testing.T, provider embeddings.Provider, opts Options) *testEnv {
	t.Helper()
	scfg := store.NewDefaultConfig()
	scfg.Path = filepath.Join(t.TempDir(), "archivist.db")
	st, err := store.Open(scfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vcfg := vectorstore.NewDefaultConfig()
	vcfg.ChromemPath = ""
	vcfg.VectorSize = testDim
	vs, err := vectorstore.NewChromemStore(vcfg, nil)
	require.NoError(t, err)

	env := &testEnv{store: st, vectors: vs}
	if provider == nil {
		env.fake = embeddings.NewFake(testDim)
		provider = env.fake
	}
	env.svc = NewService(provider, vs, st, opts, zaptest.NewLogger(t))
	return env
}

var corpus = []string{
	"What is a Merkle tree and how does hashing work",
	"Sourdough bread needs a mature starter and long fermentation",
	"The merkle root commits to every leaf hash",
	"Marathon training plan with tempo runs",
	"",
	"Quarterly budget review for the finance team",
}

// seed stores corpus as one conversation of archiveID and returns the
// message ids in corpus order.
func (e *testEnv) seed(t *testing.T, owner, archiveID string) []string {
	t.Helper()
	convID := uuid.NewString()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	msgs := make([]*conversation.Message, len(corpus))
	ids := make([]string, len(corpus))
	for i, text := range corpus {
		m := &conversation.Message{
			Platform:       conversation.PlatformClaude,
			NativeID:       uuid.NewString(),
			ConversationID: convID,
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			Author:         owner,
			Role:           conversation.RoleUser,
			Content:        text,
			ContentType:    conversation.ContentText,
			Ordinal:        i,
		}
		m.ID = conversation.MessageID(m.Platform, convID, m.NativeID, m.Timestamp, m.Content)
		msgs[i] = m
		ids[i] = m.ID
	}
	require.NoError(t, e.store.Messages().InsertMessages(context.Background(), owner, archiveID, msgs))
	return ids
}

// textual is the number of corpus entries with content.
func textual() int {
	n := 0
	for _, c := range corpus {
		if c != "" {
			n++
		}
	}
	return n
}

func TestEmbedArchive_ThenSearch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{BatchSize: 2, Concurrency: 2})
	archiveID := uuid.NewString()
	ids := env.seed(t, "alice", archiveID)

	var lastDone, lastPending int32
	stats, err := env.svc.EmbedArchive(ctx, archiveID, func(done, pending int) {
		atomic.StoreInt32(&lastDone, int32(done))
		atomic.StoreInt32(&lastPending, int32(pending))
	})
	require.NoError(t, err)
	assert.Equal(t, textual(), stats.Embedded)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 3, env.fake.Calls(), "five texts in batches of two")
	assert.Equal(t, int32(stats.Embedded), atomic.LoadInt32(&lastDone))

	total, embedded, err := env.store.Messages().CountMessages(ctx, archiveID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(corpus)), total)
	assert.Equal(t, int64(textual()), embedded)

	hits, err := env.svc.Search(ctx, "alice", "merkle tree hash", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	got := []string{hits[0].Message.ID, hits[1].Message.ID}
	assert.ElementsMatch(t, []string{ids[0], ids[2]}, got)
	assert.Equal(t, archiveID, hits[0].ArchiveID)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestSearch_OwnerScoped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	aliceArchive := uuid.NewString()
	env.seed(t, "alice", aliceArchive)
	_, err := env.svc.Reembed(ctx, aliceArchive)
	require.NoError(t, err)

	hits, err := env.svc.Search(ctx, "bob", "merkle tree", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = env.svc.Search(ctx, "", "merkle tree", 5)
	assert.ErrorIs(t, err, vectorstore.ErrMissingOwner)

	_, err = env.svc.Search(ctx, "alice", "", 5)
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
}

func TestReembed_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{BatchSize: 10})
	archiveID := uuid.NewString()
	env.seed(t, "alice", archiveID)

	first, err := env.svc.Reembed(ctx, archiveID)
	require.NoError(t, err)
	calls := env.fake.Calls()

	second, err := env.svc.Reembed(ctx, archiveID)
	require.NoError(t, err)
	assert.Equal(t, textual(), first.Embedded)
	assert.Zero(t, second.Pending)
	assert.Zero(t, second.Embedded)
	assert.Equal(t, calls, env.fake.Calls())
	assert.Equal(t, textual(), env.vectors.Count())
}

func TestEmbedArchive_ProviderUnavailable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{BatchSize: 2})
	archiveID := uuid.NewString()
	env.seed(t, "alice", archiveID)

	env.fake.FailWith(assert.AnError)
	stats, err := env.svc.EmbedArchive(ctx, archiveID, nil)
	require.NoError(t, err, "provider failures never fail the pass")
	assert.Zero(t, stats.Embedded)
	assert.Equal(t, textual(), stats.Failed)

	// Unembedded messages stay text-searchable.
	page, err := env.store.Messages().SearchText(ctx, store.MessageFilter{Owner: "alice"}, "sourdough")
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)

	env.fake.FailWith(nil)
	stats, err = env.svc.Reembed(ctx, archiveID)
	require.NoError(t, err)
	assert.Equal(t, textual(), stats.Embedded)
}

// stalled blocks until the call's context expires.
type stalled struct{ *embeddings.Fake }

func (s stalled) EmbedDocuments(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEmbedArchive_TimeoutIsPerBatch(t *testing.T) {
	env := newTestEnv(t, stalled{embeddings.NewFake(testDim)}, Options{BatchSize: 3, Timeout: 20 * time.Millisecond})
	archiveID := uuid.NewString()
	env.seed(t, "alice", archiveID)

	stats, err := env.svc.EmbedArchive(context.Background(), archiveID, nil)
	require.NoError(t, err)
	assert.Equal(t, textual(), stats.Failed)

	_, err = env.svc.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, archive.ErrEmbeddingUnavailable)
}

func TestEmbedArchive_DimensionMismatchIsNotFatal(t *testing.T) {
	env := newTestEnv(t, embeddings.NewFake(testDim/2), Options{})
	archiveID := uuid.NewString()
	env.seed(t, "alice", archiveID)

	stats, err := env.svc.EmbedArchive(context.Background(), archiveID, nil)
	require.NoError(t, err)
	assert.Equal(t, textual(), stats.Failed)
	assert.Zero(t, env.vectors.Count())
}

func TestEmbedArchive_Cancelled(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	archiveID := uuid.NewString()
	env.seed(t, "alice", archiveID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.svc.EmbedArchive(ctx, archiveID, nil)
	require.Error(t, err)
	assert.Equal(t, archive.KindCancelled, archive.KindOf(err))
	assert.Zero(t, env.fake.Calls())
}

func TestIndexAndSearchVector(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	archiveID := uuid.NewString()
	ids := env.seed(t, "alice", archiveID)

	vec, err := env.fake.EmbedQuery(ctx, corpus[3])
	require.NoError(t, err)
	require.NoError(t, env.svc.Index(ctx, "alice", archiveID, ids[3], vec))
	// A vector whose message no longer exists is dropped from results.
	require.NoError(t, env.svc.Index(ctx, "alice", archiveID, uuid.NewString(), vec))

	hits, err := env.svc.SearchVector(ctx, "alice", vec, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ids[3], hits[0].Message.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)

	_, embedded, err := env.store.Messages().CountMessages(ctx, archiveID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), embedded)
}

func TestSearchVector_PairsByArchive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	stored, orphan := uuid.NewString(), uuid.NewString()
	ids := env.seed(t, "alice", stored)

	vec, err := env.fake.EmbedQuery(ctx, corpus[0])
	require.NoError(t, err)
	// Same message id under an archive whose rows are gone.
	require.NoError(t, env.svc.Index(ctx, "alice", orphan, ids[0], vec))
	require.NoError(t, env.svc.Index(ctx, "alice", stored, ids[0], vec))

	hits, err := env.svc.SearchVector(ctx, "alice", vec, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, stored, hits[0].ArchiveID)
	assert.Equal(t, ids[0], hits[0].Message.ID)
}

func TestDeleteArchive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	keep, drop := uuid.NewString(), uuid.NewString()
	env.seed(t, "alice", keep)
	env.seed(t, "alice", drop)
	_, err := env.svc.Reembed(ctx, keep)
	require.NoError(t, err)
	_, err = env.svc.Reembed(ctx, drop)
	require.NoError(t, err)
	require.Equal(t, 2*textual(), env.vectors.Count())

	require.NoError(t, env.svc.DeleteArchive(ctx, "alice", drop))
	assert.Equal(t, textual(), env.vectors.Count())

	hits, err := env.svc.Search(ctx, "alice", "sourdough starter", 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, keep, h.ArchiveID)
	}
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short"))

	long := strings.Repeat("a", maxTextBytes-1) + "é" + "tail"
	got := clip(long)
	assert.LessOrEqual(t, len(got), maxTextBytes)
	assert.True(t, strings.HasSuffix(got, "a"), "multi-byte rune is not split")
}
