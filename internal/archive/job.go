// Package archive defines the archive job, its state machine and the
// pipeline error taxonomy.
package archive

import (
	"fmt"
	"time"
)

// Status is a job's position in the ingestion state machine.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusDetecting       Status = "detecting"
	StatusParsing         Status = "parsing"
	StatusExtractingMedia Status = "extracting_media"
	StatusEmbedding       Status = "embedding"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

var stageOrder = map[Status]int{
	StatusQueued:          0,
	StatusDetecting:       1,
	StatusParsing:         2,
	StatusExtractingMedia: 3,
	StatusEmbedding:       4,
	StatusCompleted:       5,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := stageOrder[s]
	return ok || s == StatusFailed
}

// CanTransition reports whether from -> to is allowed. Stages advance one
// step at a time; failed is reachable from every non-terminal stage.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return stageOrder[to] == stageOrder[from]+1
}

// ErrInvalidTransition is returned when a status change would move a job
// backwards or skip a stage.
type ErrInvalidTransition struct {
	From, To Status
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}

// Counters are the per-job tallies exposed on the status boundary.
type Counters struct {
	Conversations     int   `json:"conversations" gorm:"column:conversations"`
	MessagesParsed    int   `json:"messages_parsed" gorm:"column:messages_parsed"`
	MessagesSkipped   int   `json:"messages_skipped" gorm:"column:messages_skipped"`
	MediaReferenced   int   `json:"media_referenced" gorm:"column:media_referenced"`
	MediaExtracted    int   `json:"media_extracted" gorm:"column:media_extracted"`
	MediaDeduplicated int   `json:"media_deduplicated" gorm:"column:media_deduplicated"`
	MediaFailed       int   `json:"media_failed" gorm:"column:media_failed"`
	MediaBytesWritten int64 `json:"media_bytes_written" gorm:"column:media_bytes_written"`
	MessagesEmbedded  int   `json:"messages_embedded" gorm:"column:messages_embedded"`
	EmbeddingFailed   int   `json:"embedding_failed" gorm:"column:embedding_failed"`
}

// Job is the unit of work for one uploaded archive.
type Job struct {
	ID         string `json:"id" gorm:"primaryKey;size:36"`
	OwnerID    string `json:"owner_id" gorm:"size:128;index;not null"`
	Platform   string `json:"platform,omitempty" gorm:"size:32"`
	Filename   string `json:"filename" gorm:"size:512"`
	SourcePath string `json:"-" gorm:"size:1024"`
	Size       int64  `json:"size"`

	Status   Status   `json:"status" gorm:"size:32;index;not null"`
	Progress float64  `json:"progress"`
	Counters Counters `json:"counters" gorm:"embedded"`
	Empty    bool     `json:"empty"`

	FirstMessageAt *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`

	ErrorKind    Kind   `json:"-" gorm:"size:32"`
	ErrorMessage string `json:"-" gorm:"size:2048"`

	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName pins the gorm table name.
func (Job) TableName() string { return "archive_jobs" }

// Reason returns the failure reason, only for failed jobs.
func (j *Job) Reason() *Reason {
	if j.Status != StatusFailed || j.ErrorKind == "" {
		return nil
	}
	return &Reason{Kind: j.ErrorKind, Message: j.ErrorMessage}
}

// Advance raises progress to p; progress never decreases.
func (j *Job) Advance(p float64) {
	if p > 1 {
		p = 1
	}
	if p > j.Progress {
		j.Progress = p
	}
}

// ObserveTimestamp widens the job's message date range.
func (j *Job) ObserveTimestamp(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if j.FirstMessageAt == nil || ts.Before(*j.FirstMessageAt) {
		t := ts
		j.FirstMessageAt = &t
	}
	if j.LastMessageAt == nil || ts.After(*j.LastMessageAt) {
		t := ts
		j.LastMessageAt = &t
	}
}

// Progress bands per stage. Within a stage, progress interpolates across
// the band by the stage's own completion fraction.
var stageBands = map[Status][2]float64{
	StatusQueued:          {0, 0},
	StatusDetecting:       {0, 0.02},
	StatusParsing:         {0.02, 0.60},
	StatusExtractingMedia: {0.60, 0.80},
	StatusEmbedding:       {0.80, 0.99},
	StatusCompleted:       {1, 1},
}

// StageProgress maps a stage-local fraction onto overall job progress.
func StageProgress(s Status, fraction float64) float64 {
	band, ok := stageBands[s]
	if !ok {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return band[0] + (band[1]-band[0])*fraction
}
