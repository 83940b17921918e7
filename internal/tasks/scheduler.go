package tasks

import (
	"fmt"
	"time"

	"chirp/internal/utils/logger"

	"github.com/hibiken/asynq"
)

type registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// Scheduler enqueues periodic jobs through the manager's queues.
type Scheduler struct {
	scheduler *asynq.Scheduler
	registrar registrar
	manager   *Manager
	logger    *logger.Logger
}

// NewScheduler creates a new task scheduler
func NewScheduler(opt asynq.RedisConnOpt, manager *Manager) *Scheduler {
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	return &Scheduler{
		scheduler: scheduler,
		registrar: scheduler,
		manager:   manager,
		logger:    logger.New("SCHEDULER"),
	}
}

// Register adds a periodic job. The job goes through the same envelope and
// lane routing as AddJob.
func (s *Scheduler) Register(spec, queue, name string, payload interface{}, opts Options) (string, error) {
	if err := s.manager.checkQueue(queue); err != nil {
		return "", err
	}
	task, taskOpts, err := s.manager.newTask(queue, name, payload, opts)
	if err != nil {
		return "", err
	}
	entryID, err := s.registrar.Register(spec, task, taskOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to register %s scheduler: %w", name, err)
	}
	s.logger.Debug("registered %s scheduler %s (%s)", name, entryID, spec)
	return entryID, nil
}

// RegisterDefaults registers the drip processor and the queue cleanup.
// Completed jobs older than cleanAfter are removed, failed ones after a week.
func (s *Scheduler) RegisterDefaults(processSpec, cleanSpec string, cleanAfter time.Duration) error {
	if _, err := s.Register(processSpec, QueueMaintenance, JobDripProcess, struct{}{}, Options{
		Priority: PriorityHigh,
		Attempts: 1,
		Timeout:  TimeoutMedium,
	}); err != nil {
		return err
	}

	if _, err := s.Register(cleanSpec, QueueMaintenance, JobQueueClean, QueueCleanPayload{OlderThan: cleanAfter, FailedOlderThan: 7 * 24 * time.Hour}, Options{
		Priority: PriorityLow,
		Attempts: 2,
		Timeout:  TimeoutLong,
	}); err != nil {
		return err
	}

	s.logger.Info("registered all periodic tasks")
	return nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() error {
	s.logger.Info("starting task scheduler")
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Shutdown()
	s.logger.Info("task scheduler stopped")
}
