package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := Wrap(KindCorruptArchive, "open zip", io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("job abc: %w", err)

	assert.ErrorIs(t, wrapped, ErrCorruptArchive)
	assert.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, wrapped, ErrStorageFailure)
	assert.Equal(t, "CorruptArchive: open zip: unexpected EOF", err.Error())
}

func TestErrorf(t *testing.T) {
	err := Errorf(KindStorageFailure, "write blob %s: %w", "ab12", io.ErrShortWrite)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, "StorageFailure: write blob ab12: short write", err.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindUnsupportedFormat, KindOf(fmt.Errorf("x: %w", ErrUnsupportedFormat)))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindStorageFailure, KindOf(errors.New("boom")))
}

func TestKind_Fatal(t *testing.T) {
	assert.False(t, KindExtractionFailed.Fatal())
	assert.False(t, KindEmbeddingUnavailable.Fatal())
	assert.True(t, KindCorruptArchive.Fatal())
	assert.True(t, KindCancelled.Fatal())
}

func TestReasonOf(t *testing.T) {
	assert.Nil(t, ReasonOf(nil))

	r := ReasonOf(Wrap(KindCancelled, "cancelled by owner", nil))
	require.NotNil(t, r)
	assert.Equal(t, KindCancelled, r.Kind)
	assert.Equal(t, "cancelled by owner", r.Message)

	r = ReasonOf(errors.New("db gone"))
	assert.Equal(t, KindStorageFailure, r.Kind)
	assert.Equal(t, "db gone", r.Message)
}
