package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Job names
const (
	JobContactImport = "contacts:import"
	JobDripSend      = "drip:send"
	JobDripProcess   = "drip:process"
	JobQueueClean    = "queue:clean"
)

// Logical queues
const (
	QueueDripMessages   = "drip-messages"
	QueueContactImports = "contact-imports"
	QueueMaintenance    = "maintenance"
)

// Lane weights: critical work drains six times as often as low.
const (
	weightHigh   = 6
	weightNormal = 3
	weightLow    = 1
)

// Task Timeouts
const (
	TimeoutShort  = 1 * time.Minute
	TimeoutMedium = 5 * time.Minute
	TimeoutLong   = 30 * time.Minute
)

const (
	DefaultAttempts     = 3
	DefaultBackoffDelay = time.Second
	DefaultRetention    = 24 * time.Hour
)

var (
	ErrQueueNotInitialized = errors.New("queue not initialized")
	ErrUnknownJob          = errors.New("no handler registered for job")
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "NORMAL"
	}
}

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next is the wait before retry number retried+1.
func (b Backoff) Next(retried int) time.Duration {
	delay := b.Delay
	if delay <= 0 {
		delay = DefaultBackoffDelay
	}
	if b.Type == BackoffFixed {
		return delay
	}
	if retried > 20 {
		retried = 20
	}
	return delay * time.Duration(1<<uint(retried))
}

// Options for AddJob. The zero value means normal priority, no delay,
// DefaultAttempts attempts and exponential backoff from one second.
type Options struct {
	Priority Priority
	Delay    time.Duration
	Attempts int
	Backoff  Backoff
	Timeout  time.Duration
	// JobID makes the job unique within its queue. AddJob fails with
	// asynq.ErrTaskIDConflict while a job with that id exists.
	JobID string
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = DefaultBackoffDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = TimeoutMedium
	}
	return o
}

// envelope is the asynq payload of every job.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Attempts int             `json:"attempts"`
	Backoff  Backoff         `json:"backoff"`
	Priority Priority        `json:"priority"`
}

func unwrap(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("invalid job envelope: %w", err)
	}
	return env, nil
}

// Job is what workers receive.
type Job struct {
	ID          string
	Queue       string
	Name        string
	Payload     json.RawMessage
	Attempt     int // 1-based
	MaxAttempts int
}

// Decode unmarshals the payload. Malformed payloads are never retried.
func (j Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %v: %w", j.Name, err, asynq.SkipRetry)
	}
	return nil
}

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
)

func stateOf(s asynq.TaskState) JobState {
	switch s {
	case asynq.TaskStateActive:
		return StateActive
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return StateDelayed
	case asynq.TaskStateArchived:
		return StateFailed
	case asynq.TaskStateCompleted:
		return StateCompleted
	default:
		return StateWaiting
	}
}

// JobInfo is the inspection view of a job.
type JobInfo struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Priority     string          `json:"priority"`
	State        JobState        `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoff"`
	LastError    string          `json:"lastError,omitempty"`
	FailedAt     *time.Time      `json:"failedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	NextRunAt    *time.Time      `json:"nextRunAt,omitempty"`
}

// OrganizationID reads the tenant a job was enqueued for. System jobs carry
// none and return "".
func (j *JobInfo) OrganizationID() string {
	var scoped struct {
		OrganizationID string `json:"organization_id"`
	}
	if len(j.Payload) == 0 || json.Unmarshal(j.Payload, &scoped) != nil {
		return ""
	}
	return scoped.OrganizationID
}

// JobFilter selects jobs during listing and cleaning. A nil filter keeps all.
type JobFilter func(*JobInfo) bool

// ForOrganization keeps only jobs enqueued for orgID.
func ForOrganization(orgID string) JobFilter {
	return func(j *JobInfo) bool {
		return orgID != "" && j.OrganizationID() == orgID
	}
}

func jobInfoFrom(queue string, ti *asynq.TaskInfo) *JobInfo {
	info := &JobInfo{
		ID:           ti.ID,
		Queue:        queue,
		Name:         ti.Type,
		State:        stateOf(ti.State),
		AttemptsMade: ti.Retried,
		MaxAttempts:  ti.MaxRetry + 1,
		LastError:    ti.LastErr,
		Priority:     PriorityNormal.String(),
	}
	if env, err := unwrap(ti.Payload); err == nil {
		info.Payload = env.Data
		info.Backoff = env.Backoff
		info.Priority = env.Priority.String()
	} else {
		info.Payload = ti.Payload
	}
	if ti.State == asynq.TaskStateArchived || ti.State == asynq.TaskStateCompleted {
		info.AttemptsMade++
	}
	if !ti.LastFailedAt.IsZero() {
		t := ti.LastFailedAt
		info.FailedAt = &t
	}
	if !ti.CompletedAt.IsZero() {
		t := ti.CompletedAt
		info.CompletedAt = &t
	}
	if !ti.NextProcessAt.IsZero() {
		t := ti.NextProcessAt
		info.NextRunAt = &t
	}
	return info
}

// Payloads

type ContactImportPayload struct {
	ImportID       string `json:"import_id"`
	OrganizationID string `json:"organization_id"`
}

type DripSendPayload struct {
	EnrollmentID   string `json:"enrollment_id"`
	OrganizationID string `json:"organization_id"`
	StepPosition   int    `json:"step_position"`
}

type QueueCleanPayload struct {
	OlderThan       time.Duration `json:"older_than"`
	FailedOlderThan time.Duration `json:"failed_older_than"`
}
