//go:build cgo

package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireONNX(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping FastEmbed test in short mode")
	}
	dir := t.TempDir()
	if locateONNXRuntime(dir) == "" {
		t.Skip("ONNX runtime not available")
	}
	return dir
}

func TestFastEmbedProvider(t *testing.T) {
	cacheDir := requireONNX(t)

	provider, err := NewFastEmbedProvider(FastEmbedConfig{
		Model:    "BAAI/bge-small-en-v1.5",
		CacheDir: cacheDir,
	})
	require.NoError(t, err)
	defer provider.Close()
	assert.Equal(t, 384, provider.Dimension())

	ctx := context.Background()
	vectors, err := provider.EmbedDocuments(ctx, []string{"Hello world", "Test document"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], 384)

	q, err := provider.EmbedQuery(ctx, "greeting")
	require.NoError(t, err)
	assert.Len(t, q, 384)

	_, err = provider.EmbedDocuments(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = provider.EmbedQuery(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNewFastEmbedProvider_UnknownModel(t *testing.T) {
	_, err := NewFastEmbedProvider(FastEmbedConfig{Model: "unknown-model", CacheDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestModelMapping(t *testing.T) {
	tests := []struct {
		modelName string
		wantDim   int
	}{
		{"BAAI/bge-small-en-v1.5", 384},
		{"fast-bge-small-en-v1.5", 384},
		{"BAAI/bge-base-en-v1.5", 768},
		{"sentence-transformers/all-MiniLM-L6-v2", 384},
	}
	for _, tt := range tests {
		t.Run(tt.modelName, func(t *testing.T) {
			model, ok := modelMapping[tt.modelName]
			require.True(t, ok)
			assert.Equal(t, tt.wantDim, modelDimensions[model])
		})
	}
}

func TestLocateONNXRuntime(t *testing.T) {
	t.Setenv("ONNX_PATH", "")
	dir := t.TempDir()
	// May still resolve from a system directory on machines with the runtime installed.
	before := locateONNXRuntime(dir)

	t.Setenv("ONNX_PATH", "/opt/onnx/libonnxruntime.so")
	assert.Equal(t, "/opt/onnx/libonnxruntime.so", locateONNXRuntime(dir))

	t.Setenv("ONNX_PATH", "")
	assert.Equal(t, before, locateONNXRuntime(dir))
	assert.Equal(t, "libonnxruntime.dylib", onnxLibraryName("darwin"))
	assert.Equal(t, "libonnxruntime.so", onnxLibraryName("freebsd"))
}
