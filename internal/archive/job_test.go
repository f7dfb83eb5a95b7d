package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"queued to detecting", StatusQueued, StatusDetecting, true},
		{"detecting to parsing", StatusDetecting, StatusParsing, true},
		{"parsing to media", StatusParsing, StatusExtractingMedia, true},
		{"media to embedding", StatusExtractingMedia, StatusEmbedding, true},
		{"embedding to completed", StatusEmbedding, StatusCompleted, true},
		{"queued to failed", StatusQueued, StatusFailed, true},
		{"embedding to failed", StatusEmbedding, StatusFailed, true},
		{"skip a stage", StatusDetecting, StatusExtractingMedia, false},
		{"go backwards", StatusEmbedding, StatusParsing, false},
		{"same stage", StatusParsing, StatusParsing, false},
		{"completed is terminal", StatusCompleted, StatusFailed, false},
		{"failed is terminal", StatusFailed, StatusQueued, false},
		{"unknown target", StatusQueued, Status("paused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJob_AdvanceIsMonotonic(t *testing.T) {
	j := &Job{}
	j.Advance(0.4)
	j.Advance(0.2)
	assert.Equal(t, 0.4, j.Progress)
	j.Advance(1.7)
	assert.Equal(t, 1.0, j.Progress)
}

func TestStageProgress(t *testing.T) {
	assert.Equal(t, 0.02, StageProgress(StatusParsing, 0))
	assert.InDelta(t, 0.31, StageProgress(StatusParsing, 0.5), 1e-9)
	assert.Equal(t, 0.60, StageProgress(StatusParsing, 2))
	assert.Equal(t, 1.0, StageProgress(StatusCompleted, 0))
	assert.Equal(t, 0.0, StageProgress(StatusFailed, 0.5))

	// Later stages always start at or above where earlier ones end.
	assert.LessOrEqual(t, StageProgress(StatusParsing, 1), StageProgress(StatusExtractingMedia, 0))
	assert.LessOrEqual(t, StageProgress(StatusExtractingMedia, 1), StageProgress(StatusEmbedding, 0))
}

func TestJob_ObserveTimestamp(t *testing.T) {
	j := &Job{}
	t1 := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)
	t2 := t1.Add(time.Hour)

	j.ObserveTimestamp(time.Time{})
	assert.Nil(t, j.FirstMessageAt)

	j.ObserveTimestamp(t1)
	j.ObserveTimestamp(t2)
	j.ObserveTimestamp(t0)
	assert.Equal(t, t0, *j.FirstMessageAt)
	assert.Equal(t, t2, *j.LastMessageAt)
}

func TestJob_Reason(t *testing.T) {
	j := &Job{Status: StatusParsing, ErrorKind: KindStorageFailure}
	assert.Nil(t, j.Reason(), "reason only exposed once failed")

	j.Status = StatusFailed
	j.ErrorMessage = "disk full"
	assert.Equal(t, &Reason{Kind: KindStorageFailure, Message: "disk full"}, j.Reason())
}
