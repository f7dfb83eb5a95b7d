package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"defaults", func(c *Config) {}, nil},
		{"qdrant", func(c *Config) { c.Provider = ProviderQdrant }, nil},
		{"bad collection", func(c *Config) { c.Collection = "Bad-Name" }, ErrInvalidCollectionName},
		{"zero vector size", func(c *Config) { c.VectorSize = 0 }, ErrInvalidConfig},
		{"qdrant without host", func(c *Config) { c.Provider = ProviderQdrant; c.QdrantHost = "" }, ErrInvalidConfig},
		{"qdrant bad port", func(c *Config) { c.Provider = ProviderQdrant; c.QdrantPort = 70000 }, ErrInvalidConfig},
		{"unknown provider", func(c *Config) { c.Provider = "faiss" }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestNew_DefaultsToChromem(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ChromemPath = t.TempDir()
	s, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, ProviderChromem, s.Backend())
	assert.NoError(t, s.Health(context.Background()))

	cfg.Provider = "faiss"
	_, err = New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPointID(t *testing.T) {
	a := PointID("archive-1", "msg-1")
	assert.Equal(t, a, PointID("archive-1", "msg-1"), "stable across calls")
	assert.NotEqual(t, a, PointID("archive-2", "msg-1"))
	assert.Len(t, a, 36)
}

func TestBuildFilter(t *testing.T) {
	assert.Nil(t, buildFilter(nil))
	f := buildFilter(map[string]string{KeyOwner: "alice", KeyArchive: "a1"})
	require.Len(t, f.Must, 2)
	assert.Equal(t, KeyArchive, f.Must[0].GetField().GetKey())
	assert.Equal(t, "a1", f.Must[0].GetField().GetMatch().GetKeyword())
	assert.Equal(t, KeyOwner, f.Must[1].GetField().GetKey())
	assert.Equal(t, "alice", f.Must[1].GetField().GetMatch().GetKeyword())
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), false},
		{status.Error(codes.Unavailable, "down"), true},
		{status.Error(codes.DeadlineExceeded, "slow"), true},
		{status.Error(codes.ResourceExhausted, "busy"), true},
		{status.Error(codes.InvalidArgument, "bad"), false},
		{status.Error(codes.NotFound, "missing"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransientError(tt.err), "%v", tt.err)
	}
}

func TestScopeFilter(t *testing.T) {
	_, err := scopeFilter(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMissingOwner)

	ctx := ContextWithOwner(context.Background(), "alice")
	got, err := scopeFilter(ctx, map[string]string{KeyArchive: "a1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{KeyArchive: "a1", KeyOwner: "alice"}, got)

	_, err = scopeFilter(ctx, map[string]string{KeyOwner: "bob"})
	assert.ErrorIs(t, err, ErrFilterInjection)

	_, err = OwnerFromContext(ContextWithOwner(context.Background(), ""))
	assert.ErrorIs(t, err, ErrMissingOwner)
}
