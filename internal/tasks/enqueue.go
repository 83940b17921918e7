package tasks

import (
	"context"
	"time"
)

// EnqueueContactImport queues the background parse of a stored import.
func (m *Manager) EnqueueContactImport(ctx context.Context, importID, organizationID string) (string, error) {
	return m.AddJob(ctx, QueueContactImports, JobContactImport, ContactImportPayload{
		ImportID:       importID,
		OrganizationID: organizationID,
	}, Options{
		Attempts: 3,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 10 * time.Second},
		Timeout:  TimeoutLong,
		JobID:    "import-" + importID,
	})
}

// EnqueueDripSend queues one drip message. Jobs carry no fixed id: the
// processor leases the enrollment and the send checks its message log, so a
// paused and resumed campaign can requeue the same step.
func (m *Manager) EnqueueDripSend(ctx context.Context, enrollmentID, organizationID string, position int, delay time.Duration) (string, error) {
	return m.AddJob(ctx, QueueDripMessages, JobDripSend, DripSendPayload{
		EnrollmentID:   enrollmentID,
		OrganizationID: organizationID,
		StepPosition:   position,
	}, Options{
		Delay:    delay,
		Attempts: 5,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 30 * time.Second},
		Timeout:  TimeoutShort,
	})
}
