package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/billing"
	"github.com/cmehub/billing/internal/pkg/jobqueue"
)

// QueueItem is one redis key owned by the billing job queue
type QueueItem struct {
	Key    string `json:"key"`
	Type   string `json:"type"`
	Value  string `json:"value,omitempty"`
	TTL    string `json:"ttl"`
	Length int64  `json:"length,omitempty"`
}

// AdminQueueController handles job queue inspection and manual job triggers
type AdminQueueController struct {
	queueRepo repository.QueueRepository
	manager   *jobqueue.Manager
}

// NewAdminQueueController creates a new admin queue controller. A nil
// manager disables the job trigger endpoint.
func NewAdminQueueController(queueRepo repository.QueueRepository, manager *jobqueue.Manager) *AdminQueueController {
	return &AdminQueueController{
		queueRepo: queueRepo,
		manager:   manager,
	}
}

// HandleAdminQueues returns the queue lengths, job statistics and every
// job and dedupe key.
func (aqc *AdminQueueController) HandleAdminQueues(c *fiber.Ctx) error {
	items, err := aqc.getQueueItems()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "queue_lookup_failed",
			"message": err.Error(),
		})
	}

	resp := fiber.Map{"items": items, "running": false}
	if aqc.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stats, err := aqc.manager.GetQueue().GetJobStats(ctx)
		if err != nil {
			log.Warnf("[AdminQueue] Failed to read job stats: %v", err)
		}
		resp["stats"] = stats
		resp["running"] = aqc.manager.IsRunning()
	}
	return c.JSON(resp)
}

// HandleAdminRunJob queues one sweep of the named job, optionally limited to
// a single user with ?user=ID.
func (aqc *AdminQueueController) HandleAdminRunJob(c *fiber.Ctx) error {
	if aqc.manager == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "jobs_disabled"})
	}
	jobType, err := jobqueue.ParseJobType(c.Params("job"))
	if err != nil {
		return errorJSON(c, "unknown_job", fmt.Errorf("%w: %v", billing.ErrValidation, err))
	}
	userID, err := parseUintQuery(c, "user")
	if err != nil {
		return errorJSON(c, "invalid_user", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queued, err := aqc.manager.RunSweepOnce(ctx, jobType, userID)
	if err != nil {
		return errorJSON(c, "sweep_failed", err)
	}
	log.Infof("[AdminQueue] Manual %s sweep queued %d jobs (user=%d)", jobType, queued, userID)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job":    jobType,
		"user":   userID,
		"queued": queued,
	})
}

// HandleAdminQueueBulkDelete deletes job and dedupe keys. Keys outside the
// job queue's namespace are refused.
func (aqc *AdminQueueController) HandleAdminQueueBulkDelete(c *fiber.Ctx) error {
	var req struct {
		Keys []string `json:"keys"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.Keys) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "keys_required"})
	}
	for _, key := range req.Keys {
		if !isQueueKey(key) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "foreign_key",
				"message": fmt.Sprintf("%q is not a job queue key", key),
			})
		}
	}

	deleted, err := aqc.queueRepo.DeleteKeys(req.Keys)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "delete_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}

// getQueueItems collects the queue lists and every job and dedupe key with its TTL
func (aqc *AdminQueueController) getQueueItems() ([]QueueItem, error) {
	items := make([]QueueItem, 0, 8)
	for _, list := range []string{jobqueue.JobQueueKey, jobqueue.JobProcessingKey} {
		n, err := aqc.queueRepo.GetListLength(list)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", list, err)
		}
		items = append(items, QueueItem{Key: list, Type: list, Length: n, TTL: "none"})
	}

	keys, err := aqc.queueRepo.FindKeysByPatterns([]string{
		jobqueue.JobKeyPrefix + "*",
		jobqueue.JobDedupePrefix + "*",
	})
	if err != nil {
		return nil, fmt.Errorf("scan job keys: %w", err)
	}

	for _, key := range keys {
		item := QueueItem{Key: key, TTL: "none"}
		if ttl, err := aqc.queueRepo.GetTTL(key); err == nil && ttl > 0 {
			item.TTL = ttl.Round(time.Second).String()
		}
		switch {
		case strings.HasPrefix(key, jobqueue.JobDedupePrefix):
			item.Type = "dedupe"
			item.Value = strings.TrimPrefix(key, jobqueue.JobDedupePrefix)
		default:
			item.Type = "job"
			item.Value = aqc.describeJob(strings.TrimPrefix(key, jobqueue.JobKeyPrefix))
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Type != items[j].Type {
			return items[i].Type < items[j].Type
		}
		return items[i].Key < items[j].Key
	})
	return items, nil
}

// describeJob summarizes a stored job as "type status (attempt n)"
func (aqc *AdminQueueController) describeJob(jobID string) string {
	if aqc.manager == nil {
		return jobID
	}
	job, err := aqc.manager.GetQueue().GetJob(context.Background(), jobID)
	if err != nil {
		return jobID
	}
	payload, _ := json.Marshal(job.Payload)
	return fmt.Sprintf("%s %s (attempt %d/%d) %s", job.Type, job.Status, job.RetryCount, job.MaxRetries, payload)
}

func isQueueKey(key string) bool {
	return strings.HasPrefix(key, jobqueue.JobKeyPrefix) || strings.HasPrefix(key, jobqueue.JobDedupePrefix)
}
