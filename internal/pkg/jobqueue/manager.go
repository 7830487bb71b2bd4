package jobqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/cmehub/billing/internal/pkg/env"
)

// Schedules maps each job type to the cron spec of its sweep. A job type
// with an empty spec is never swept automatically.
type Schedules map[JobType]string

// DefaultSchedules sweeps trials and due downgrades hourly and reconciles
// every live subscription four times a day.
func DefaultSchedules() Schedules {
	return Schedules{
		JobTypeCheckTrialStatus:  "5 * * * *",
		JobTypeCompleteDowngrade: "20 * * * *",
		JobTypeReconcile:         "40 */6 * * *",
	}
}

// SchedulesFromEnv reads JOB_CHECK_TRIALS_CRON, JOB_COMPLETE_DOWNGRADES_CRON
// and JOB_RECONCILE_CRON. Setting one to "off" disables that sweep.
func SchedulesFromEnv() Schedules {
	def := DefaultSchedules()
	s := Schedules{
		JobTypeCheckTrialStatus:  env.GetEnv("JOB_CHECK_TRIALS_CRON", def[JobTypeCheckTrialStatus]),
		JobTypeCompleteDowngrade: env.GetEnv("JOB_COMPLETE_DOWNGRADES_CRON", def[JobTypeCompleteDowngrade]),
		JobTypeReconcile:         env.GetEnv("JOB_RECONCILE_CRON", def[JobTypeReconcile]),
	}
	for t, spec := range s {
		if spec == "off" {
			s[t] = ""
		}
	}
	return s
}

// Manager runs the job queue workers and the cron sweeps that feed them.
type Manager struct {
	queue     *Queue
	schedules Schedules
	cron      *cron.Cron
	mu        sync.Mutex
	running   bool
}

var (
	globalManager *Manager
	managerMu     sync.Mutex
)

// NewManager creates a manager for queue. Schedules are validated up front
// so a typo fails at startup instead of silently never running.
func NewManager(queue *Queue, schedules Schedules) (*Manager, error) {
	for t, spec := range schedules {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("invalid schedule for %s: %w", t, err)
		}
	}
	return &Manager{queue: queue, schedules: schedules}, nil
}

// SetManager installs the process-wide manager.
func SetManager(m *Manager) {
	managerMu.Lock()
	defer managerMu.Unlock()
	globalManager = m
}

// GetManager returns the process-wide manager, or nil before SetManager.
func GetManager() *Manager {
	managerMu.Lock()
	defer managerMu.Unlock()
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the scheduled sweeps
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	log.Info("[JobQueue Manager] Starting job queue and scheduled sweeps")
	c := cron.New()
	for _, jobType := range JobTypes {
		spec := m.schedules[jobType]
		if spec == "" {
			log.Infof("[JobQueue Manager] No schedule for %s", jobType)
			continue
		}
		jobType := jobType
		if _, err := c.AddFunc(spec, func() { m.sweep(jobType) }); err != nil {
			return fmt.Errorf("schedule %s: %w", jobType, err)
		}
		log.Infof("[JobQueue Manager] Scheduled %s at %q", jobType, spec)
	}

	m.queue.Start()
	c.Start()
	m.cron = c
	m.running = true
	log.Info("[JobQueue Manager] Started successfully")
	return nil
}

// Stop stops the sweeps, waits for a running sweep, then stops the workers
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and scheduled sweeps...")
	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}
	m.queue.Stop()
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) sweep(jobType JobType) {
	if _, err := m.queue.EnqueueSweep(context.Background(), jobType, 0); err != nil {
		log.Errorf("[JobQueue Manager] Sweep %s failed: %v", jobType, err)
	}
}

// RunSweepOnce queues one sweep of jobType immediately (admin use).
func (m *Manager) RunSweepOnce(ctx context.Context, jobType JobType, userID uint) (int, error) {
	return m.queue.EnqueueSweep(ctx, jobType, userID)
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
