package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one queued generation request for the async send path. The user
// message is persisted before the job is enqueued; the worker produces the
// assistant half.
type Job struct {
	ID        string `gorm:"primaryKey;size:26"` // ULID
	SessionID string `gorm:"size:26;index;not null"`
	Prompt    string `gorm:"type:text;not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded.
	ResultMessageID *string `gorm:"size:26"`
	// Filled when failed.
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "chat_jobs" }

func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return storageErr("create job", r.db.WithContext(ctx).Create(job).Error)
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, storageErr("get job", err)
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return storageErr("mark job running", r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error)
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id, assistantMessageID string) error {
	return storageErr("mark job succeeded", r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMessageID,
			"error":             nil,
		}).Error)
}

func (r *Repo) MarkJobFailed(ctx context.Context, id, errMsg string) error {
	return storageErr("mark job failed", r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error)
}

func (r *Repo) getJobByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&j).Error; err != nil {
		return nil, storageErr("get job by idempotency key", err)
	}
	return &j, nil
}

// CreateJobOrGetExisting inserts the job, or returns the existing one when
// the idempotency key was already used. The bool reports whether a new job
// was created.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.CreateJob(ctx, job); err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.getJobByIdempotencyKey(ctx, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, storageErr("create job", err)
	}
	return nil, false, getErr
}
