package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeCheckTrialStatus  JobType = "check_trial_status"
	JobTypeCompleteDowngrade JobType = "complete_downgrade"
	JobTypeReconcile         JobType = "reconcile_subscription"
)

// JobTypes lists every job type the queue can process.
var JobTypes = []JobType{JobTypeCheckTrialStatus, JobTypeCompleteDowngrade, JobTypeReconcile}

// ParseJobType accepts a job type by name or by its CLI alias.
func ParseJobType(s string) (JobType, error) {
	switch s {
	case string(JobTypeCheckTrialStatus), "check-trials":
		return JobTypeCheckTrialStatus, nil
	case string(JobTypeCompleteDowngrade), "complete-downgrades":
		return JobTypeCompleteDowngrade, nil
	case string(JobTypeReconcile), "reconcile":
		return JobTypeReconcile, nil
	default:
		return "", fmt.Errorf("unknown job type %q", s)
	}
}

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	DedupeKey   string                 `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// SubscriptionJobPayload names the ledger row a billing job works on. A zero
// SubscriptionRowID on a reconcile job means every gateway-backed row of
// the user.
type SubscriptionJobPayload struct {
	UserID            uint `json:"user_id"`
	SubscriptionRowID uint `json:"subscription_row_id"`
}

// ToMap converts the payload to a map for storage
func (p SubscriptionJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"user_id":             p.UserID,
		"subscription_row_id": p.SubscriptionRowID,
	}
}

// SubscriptionJobPayloadFromMap creates a payload from a stored map
func SubscriptionJobPayloadFromMap(data map[string]interface{}) (*SubscriptionJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload SubscriptionJobPayload
	if err := json.Unmarshal(jsonData, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing marks the job as being processed
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.ProcessedAt = &now
	j.UpdatedAt = now
}

// MarkAsCompleted marks the job as completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.ErrorMsg = ""
}

// MarkAsFailed marks the job as failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMsg = errorMsg
	j.RetryCount++
	j.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the job for retry
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
