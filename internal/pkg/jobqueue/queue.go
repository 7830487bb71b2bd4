package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cmehub/billing/internal/pkg/cache"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobStatsKey      = "job_stats"
	JobDedupePrefix  = "job_dedupe:"

	// Job settings
	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours
)

// Runner executes billing jobs. Candidates lists the subscription rows a job
// type should visit; Run handles one row and must be safe to repeat.
type Runner interface {
	Candidates(ctx context.Context, kind string, userID uint) ([]uint, error)
	Run(ctx context.Context, kind string, subscriptionRowID uint) error
}

// Queue manages background jobs using Redis
type Queue struct {
	client     *redis.Client
	runner     Runner
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	retryDelay time.Duration
}

// NewQueue creates a new job queue. A nil client falls back to the shared
// cache client.
func NewQueue(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}
	if client == nil {
		client = cache.GetClient()
	}

	return &Queue{
		client:     client,
		workers:    workers,
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
		retryDelay: time.Minute,
	}
}

// SetRunner wires the billing job runner. It must be called before Start.
func (q *Queue) SetRunner(r Runner) {
	q.runner = r
}

// SetRetryDelay changes the base delay between attempts of a failed job.
func (q *Queue) SetRetryDelay(d time.Duration) {
	q.retryDelay = d
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	// Initialize worker pool
	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// Recovers jobs left in processing by a crashed worker
	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, 1*time.Minute)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			if n, err := q.RecoverStuck(ctx, maxAge); err != nil {
				log.Errorf("[JobQueue] Sweeper error: %v", err)
			} else if n > 0 {
				log.Warnf("[JobQueue] Recovered %d stuck jobs", n)
			}
		}
	}
}

// RecoverStuck moves jobs that have been processing for longer than maxAge
// back to the pending list and reports how many it moved.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	recovered := 0
	for _, id := range ids {
		data, err := q.client.Get(ctx, JobKeyPrefix+id).Result()
		if err != nil {
			// Job data missing; remove from processing list
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper Get error for %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		var job Job
		if uerr := json.Unmarshal([]byte(data), &job); uerr != nil {
			log.Errorf("[JobQueue] Sweeper unmarshal error for %s: %v", id, uerr)
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		started := job.ProcessedAt
		if started == nil || started.IsZero() {
			tmp := job.UpdatedAt
			if tmp.IsZero() {
				tmp = job.CreatedAt
			}
			started = &tmp
		}
		if now.Sub(*started) <= maxAge {
			continue
		}
		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(*started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, &job)
		_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
		_ = q.client.RPush(ctx, JobQueueKey, id).Err()
		recovered++
	}
	return recovered, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			<-q.workerPool

			job, err := q.dequeueJob(ctx, time.Second)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
				q.processJob(ctx, job)
			}

			q.workerPool <- struct{}{}
		}
	}
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	return q.enqueue(ctx, jobType, payload, "")
}

// EnqueueUnique adds a job unless one with the same dedupe key is already
// pending, processing or waiting for a retry. A nil job with a nil error
// means the job was already queued.
func (q *Queue) EnqueueUnique(ctx context.Context, jobType JobType, payload map[string]interface{}, dedupeKey string) (*Job, error) {
	id := uuid.New().String()
	ok, err := q.client.SetNX(ctx, JobDedupePrefix+dedupeKey, id, JobTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job %s: %w", dedupeKey, err)
	}
	if !ok {
		log.Debugf("[JobQueue] Job %s already queued", dedupeKey)
		return nil, nil
	}
	job, err := q.enqueueWithID(ctx, id, jobType, payload, dedupeKey)
	if err != nil {
		q.releaseDedupe(ctx, dedupeKey)
		return nil, err
	}
	return job, nil
}

func (q *Queue) enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}, dedupeKey string) (*Job, error) {
	return q.enqueueWithID(ctx, uuid.New().String(), jobType, payload, dedupeKey)
}

func (q *Queue) enqueueWithID(ctx context.Context, id string, jobType JobType, payload map[string]interface{}, dedupeKey string) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         id,
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		DedupeKey:  dedupeKey,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	jobKey := JobKeyPrefix + job.ID

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// ScheduleReconcile queues a reconcile of one subscription row, or of every
// gateway-backed row of the user when subscriptionRowID is zero.
func (q *Queue) ScheduleReconcile(ctx context.Context, userID, subscriptionRowID uint) error {
	payload := SubscriptionJobPayload{UserID: userID, SubscriptionRowID: subscriptionRowID}
	key := fmt.Sprintf("%s:%d:%d", JobTypeReconcile, userID, subscriptionRowID)
	_, err := q.EnqueueUnique(ctx, JobTypeReconcile, payload.ToMap(), key)
	return err
}

// EnqueueSweep queues one job per candidate row of jobType and returns how
// many were newly queued. A non-zero userID restricts the sweep to that user.
func (q *Queue) EnqueueSweep(ctx context.Context, jobType JobType, userID uint) (int, error) {
	if q.runner == nil {
		return 0, errors.New("no job runner configured")
	}
	ids, err := q.runner.Candidates(ctx, string(jobType), userID)
	if err != nil {
		return 0, fmt.Errorf("list candidates for %s: %w", jobType, err)
	}
	queued := 0
	for _, id := range ids {
		payload := SubscriptionJobPayload{SubscriptionRowID: id}
		job, err := q.EnqueueUnique(ctx, jobType, payload.ToMap(), fmt.Sprintf("%s:row:%d", jobType, id))
		if err != nil {
			return queued, err
		}
		if job != nil {
			queued++
		}
	}
	log.Infof("[JobQueue] Sweep %s: %d candidates, %d queued", jobType, len(ids), queued)
	return queued, nil
}

// ProcessNext takes one job off the queue and processes it inline. It
// reports false when no job arrived within wait.
func (q *Queue) ProcessNext(ctx context.Context, wait time.Duration) (bool, error) {
	job, err := q.dequeueJob(ctx, wait)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.processJob(ctx, job)
	return true, nil
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context, wait time.Duration) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, wait).Result()
	if err != nil {
		return nil, err
	}

	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not found for ID %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}

	return &job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	var err error
	switch job.Type {
	case JobTypeCheckTrialStatus, JobTypeCompleteDowngrade, JobTypeReconcile:
		err = q.processSubscriptionJob(ctx, job)
	default:
		err = fmt.Errorf("unknown job type: %s", job.Type)
	}

	if err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		if job.IsRetryable() {
			log.Infof("[JobQueue] Retrying job %s (Attempt %d/%d)", job.ID, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)

			jobID := job.ID
			time.AfterFunc(q.retryDelay*time.Duration(job.RetryCount), func() {
				q.client.LPush(context.Background(), JobQueueKey, jobID)
			})
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d retries", job.ID, job.RetryCount)
			q.updateJobStats(ctx, JobStatusFailed, 1)
			q.releaseDedupe(ctx, job.DedupeKey)
		}
	} else {
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.releaseDedupe(ctx, job.DedupeKey)
		q.removeCompletedJob(ctx, job.ID)
	}

	if job.Status != JobStatusCompleted {
		q.updateJob(ctx, job)
	}
	q.removeFromProcessing(ctx, job.ID)
}

// processSubscriptionJob hands a billing job to the runner. A reconcile of
// a whole user fans out over that user's rows.
func (q *Queue) processSubscriptionJob(ctx context.Context, job *Job) error {
	if q.runner == nil {
		return errors.New("no job runner configured")
	}
	payload, err := SubscriptionJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid %s payload: %w", job.Type, err)
	}
	if payload.SubscriptionRowID != 0 {
		return q.runner.Run(ctx, string(job.Type), payload.SubscriptionRowID)
	}
	if job.Type != JobTypeReconcile || payload.UserID == 0 {
		return fmt.Errorf("%s job %s names no subscription", job.Type, job.ID)
	}

	ids, err := q.runner.Candidates(ctx, string(job.Type), payload.UserID)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := q.runner.Run(ctx, string(job.Type), id); err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

func (q *Queue) releaseDedupe(ctx context.Context, dedupeKey string) {
	if dedupeKey == "" {
		return
	}
	if err := q.client.Del(ctx, JobDedupePrefix+dedupeKey).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to release dedupe key %s: %v", dedupeKey, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	} else {
		log.Debugf("[JobQueue] Successfully removed completed job %s from Redis", jobID)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = countInt
		}
	}

	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}
