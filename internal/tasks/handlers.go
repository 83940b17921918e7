package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chirp/internal/drip"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// ImportProcessor parses a stored contact import and saves its contacts.
type ImportProcessor interface {
	ProcessImport(ctx context.Context, importID string) error
}

// DripProcessor advances drip campaigns.
type DripProcessor interface {
	Run(ctx context.Context) (drip.RunReport, error)
	SendStep(ctx context.Context, enrollmentID string, position int) error
}

// TaskHandler handles task processing with improved error handling and logging
type TaskHandler struct {
	manager *Manager
	imports ImportProcessor
	drips   DripProcessor
	logger  *zap.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(manager *Manager, imports ImportProcessor, drips DripProcessor, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		manager: manager,
		imports: imports,
		drips:   drips,
		logger:  logger,
	}
}

// Register installs every handler on the manager.
func (h *TaskHandler) Register() {
	h.manager.Handle(JobContactImport, h.HandleContactImport)
	h.manager.Handle(JobDripSend, h.HandleDripSend)
	h.manager.Handle(JobDripProcess, h.HandleDripProcess)
	h.manager.Handle(JobQueueClean, h.HandleQueueClean)
}

// HandleContactImport processes a contact import task
func (h *TaskHandler) HandleContactImport(ctx context.Context, job Job) error {
	var task ContactImportPayload
	if err := job.Decode(&task); err != nil {
		return err
	}
	if task.ImportID == "" {
		return fmt.Errorf("contact import job %s has no import id: %w", job.ID, asynq.SkipRetry)
	}

	h.logger.Info("processing contact import",
		zap.String("import_id", task.ImportID),
		zap.String("organization_id", task.OrganizationID),
		zap.Int("attempt", job.Attempt),
	)

	if err := h.imports.ProcessImport(ctx, task.ImportID); err != nil {
		return fmt.Errorf("failed to process import %s: %w", task.ImportID, err)
	}
	return nil
}

// HandleDripSend sends one drip step
func (h *TaskHandler) HandleDripSend(ctx context.Context, job Job) error {
	var task DripSendPayload
	if err := job.Decode(&task); err != nil {
		return err
	}

	err := h.drips.SendStep(ctx, task.EnrollmentID, task.StepPosition)
	if errors.Is(err, drip.ErrNotDue) {
		h.logger.Debug("drip step no longer due",
			zap.String("enrollment_id", task.EnrollmentID),
			zap.Int("step", task.StepPosition),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to send drip step %d for %s: %w", task.StepPosition, task.EnrollmentID, err)
	}
	return nil
}

// HandleDripProcess runs one processor cycle
func (h *TaskHandler) HandleDripProcess(ctx context.Context, job Job) error {
	report, err := h.drips.Run(ctx)
	if err != nil {
		return fmt.Errorf("drip processing failed: %w", err)
	}
	h.logger.Info("drip processing finished",
		zap.Int("enqueued", report.Enqueued),
		zap.Int("completed", report.Completed),
		zap.Int("winners_declared", report.WinnersDeclared),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("took", report.Duration),
	)
	return nil
}

// HandleQueueClean removes old completed and failed jobs from every queue
func (h *TaskHandler) HandleQueueClean(ctx context.Context, job Job) error {
	var task QueueCleanPayload
	if err := job.Decode(&task); err != nil {
		return err
	}
	return h.CleanQueues(ctx, task.OlderThan, task.FailedOlderThan)
}

// CleanQueues removes completed jobs older than olderThan and failed jobs
// older than failedOlderThan from every queue. Zero values take the defaults.
func (h *TaskHandler) CleanQueues(ctx context.Context, olderThan, failedOlderThan time.Duration) error {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	if failedOlderThan <= 0 {
		failedOlderThan = 7 * 24 * time.Hour
	}

	var errs []error
	for _, q := range h.manager.Queues() {
		completed, err := h.manager.CleanCompletedJobs(ctx, q, olderThan)
		if err != nil {
			errs = append(errs, err)
		}
		failed, err := h.manager.CleanFailedJobs(ctx, q, failedOlderThan)
		if err != nil {
			errs = append(errs, err)
		}
		h.logger.Info("queue cleaned",
			zap.String("queue", q),
			zap.Int("completed", completed),
			zap.Int("failed", failed),
		)
	}
	return errors.Join(errs...)
}
