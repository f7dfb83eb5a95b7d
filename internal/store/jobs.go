package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fyrsmithlabs/archivist/internal/archive"
)

// JobRepo persists archive jobs.
type JobRepo struct {
	db *gorm.DB
}

var terminalStatuses = []archive.Status{archive.StatusCompleted, archive.StatusFailed}

var activeStatuses = []archive.Status{
	archive.StatusDetecting,
	archive.StatusParsing,
	archive.StatusExtractingMedia,
	archive.StatusEmbedding,
}

// Create inserts a new job.
func (r *JobRepo) Create(ctx context.Context, job *archive.Job) error {
	return storageErr("create job", r.db.WithContext(ctx).Create(job).Error)
}

// Get returns the job if it belongs to owner.
func (r *JobRepo) Get(ctx context.Context, owner, id string) (*archive.Job, error) {
	if owner == "" || id == "" {
		return nil, ErrNotFound
	}
	var job archive.Job
	err := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, owner).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return &job, nil
}

// GetByID returns a job regardless of owner. Internal callers only.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*archive.Job, error) {
	var job archive.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return &job, nil
}

// List returns the owner's jobs, newest first.
func (r *JobRepo) List(ctx context.Context, owner string, limit, offset int) ([]*archive.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*archive.Job
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", owner).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	return out, nil
}

// ClaimNextQueued moves the oldest queued job to detecting and returns it,
// or nil when the queue is empty. Concurrent claimers never receive the same
// job: the row is locked (Postgres) and the update is conditional on status.
func (r *JobRepo) ClaimNextQueued(ctx context.Context) (*archive.Job, error) {
	now := time.Now().UTC()
	var claimed *archive.Job
	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job archive.Job
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", archive.StatusQueued).
			Order("created_at ASC").
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		res := txx.Model(&archive.Job{}).
			Where("id = ? AND status = ?", job.ID, archive.StatusQueued).
			Updates(map[string]interface{}{
				"status":     archive.StatusDetecting,
				"started_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		job.Status = archive.StatusDetecting
		job.StartedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, storageErr("claim job", err)
	}
	return claimed, nil
}

// Transition moves a job from one status to the next. It reports false when
// the job was no longer in from, for example because it was cancelled.
func (r *JobRepo) Transition(ctx context.Context, id string, from, to archive.Status) (bool, error) {
	if !archive.CanTransition(from, to) {
		return false, archive.ErrInvalidTransition{From: from, To: to}
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	if to == archive.StatusCompleted {
		updates["progress"] = 1.0
		updates["completed_at"] = now
	}
	res := r.db.WithContext(ctx).
		Model(&archive.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, storageErr("transition job", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SaveProgress writes a job's counters, summary fields and progress. Progress
// never decreases in storage, and terminal jobs are left untouched.
func (r *JobRepo) SaveProgress(ctx context.Context, job *archive.Job) (bool, error) {
	updates := countersMap(job.Counters)
	updates["platform"] = job.Platform
	updates["empty"] = job.Empty
	updates["first_message_at"] = job.FirstMessageAt
	updates["last_message_at"] = job.LastMessageAt
	updates["progress"] = gorm.Expr("CASE WHEN progress < ? THEN ? ELSE progress END", job.Progress, job.Progress)
	updates["updated_at"] = time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&archive.Job{}).
		Where("id = ? AND status NOT IN ?", job.ID, terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, storageErr("save job progress", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SaveCounters writes counters on a job in any status. Reprocessing uses it
// to update a completed job's tallies.
func (r *JobRepo) SaveCounters(ctx context.Context, id string, c archive.Counters) error {
	updates := countersMap(c)
	updates["updated_at"] = time.Now().UTC()
	return storageErr("save job counters", r.db.WithContext(ctx).
		Model(&archive.Job{}).
		Where("id = ?", id).
		Updates(updates).Error)
}

// Fail moves a non-terminal job to failed with reason. It reports false when
// the job was already terminal.
func (r *JobRepo) Fail(ctx context.Context, id string, reason *archive.Reason) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&archive.Job{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]interface{}{
			"status":        archive.StatusFailed,
			"error_kind":    reason.Kind,
			"error_message": reason.Message,
			"completed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, storageErr("fail job", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RecoverInterrupted fails jobs that were mid-pipeline when the process
// stopped. Queued jobs are left for the worker pool.
func (r *JobRepo) RecoverInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&archive.Job{}).
		Where("status IN ?", activeStatuses).
		Updates(map[string]interface{}{
			"status":        archive.StatusFailed,
			"error_kind":    archive.KindCancelled,
			"error_message": "interrupted",
			"completed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, storageErr("recover jobs", res.Error)
	}
	return res.RowsAffected, nil
}

// CountByStatus returns the number of jobs per status.
func (r *JobRepo) CountByStatus(ctx context.Context) (map[archive.Status]int64, error) {
	var rows []struct {
		Status archive.Status
		N      int64
	}
	err := r.db.WithContext(ctx).
		Model(&archive.Job{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, storageErr("count jobs", err)
	}
	out := make(map[archive.Status]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func (r *JobRepo) delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&archive.Job{}).Error
}

func countersMap(c archive.Counters) map[string]interface{} {
	return map[string]interface{}{
		"conversations":       c.Conversations,
		"messages_parsed":     c.MessagesParsed,
		"messages_skipped":    c.MessagesSkipped,
		"media_referenced":    c.MediaReferenced,
		"media_extracted":     c.MediaExtracted,
		"media_deduplicated":  c.MediaDeduplicated,
		"media_failed":        c.MediaFailed,
		"media_bytes_written": c.MediaBytesWritten,
		"messages_embedded":   c.MessagesEmbedded,
		"embedding_failed":    c.EmbeddingFailed,
	}
}
