package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chirp/internal/config"
	"chirp/internal/metrics"
	"chirp/internal/utils/logger"

	"github.com/hibiken/asynq"
)

// HandlerFunc processes one job. Returning an error schedules a retry until
// the job's attempts are used up; wrap asynq.SkipRetry to fail immediately.
type HandlerFunc func(ctx context.Context, job Job) error

// Enqueuer is the part of *asynq.Client the manager uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Inspector is the part of *asynq.Inspector the manager uses.
type Inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListCompletedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunTask(queue, id string) error
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
	Close() error
}

// Manager is the job queue facade. Each logical queue is backed by three
// asynq queues, one per priority lane.
type Manager struct {
	client    Enqueuer
	inspector Inspector
	queues    map[string]bool
	retention time.Duration
	logger    *logger.Logger
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// RedisOpt converts the Redis settings into asynq connection options.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewManager connects the manager to Redis. Only the named queues accept jobs.
func NewManager(opt asynq.RedisConnOpt, cfg config.QueueConfig) *Manager {
	return newManager(asynq.NewClient(opt), asynq.NewInspector(opt), cfg.Names, cfg.Retention)
}

func newManager(client Enqueuer, inspector Inspector, names []string, retention time.Duration) *Manager {
	queues := make(map[string]bool, len(names))
	for _, n := range names {
		queues[n] = true
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		client:    client,
		inspector: inspector,
		queues:    queues,
		retention: retention,
		logger:    logger.New("QUEUE"),
		now:       time.Now,
		handlers:  make(map[string]HandlerFunc),
	}
}

// Close closes the underlying asynq client and inspector.
func (m *Manager) Close() error {
	return errors.Join(m.client.Close(), m.inspector.Close())
}

// Queues lists the registered logical queues.
func (m *Manager) Queues() []string {
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) checkQueue(queue string) error {
	if !m.queues[queue] {
		return fmt.Errorf("queue %s not initialized: %w", queue, ErrQueueNotInitialized)
	}
	return nil
}

// LaneName is the asynq queue carrying queue's jobs at priority p.
func LaneName(queue string, p Priority) string {
	switch p {
	case PriorityHigh:
		return queue + ":high"
	case PriorityLow:
		return queue + ":low"
	default:
		return queue
	}
}

func lanes(queue string) []string {
	return []string{LaneName(queue, PriorityHigh), LaneName(queue, PriorityNormal), LaneName(queue, PriorityLow)}
}

// newTask wraps payload in an envelope and computes the asynq options.
func (m *Manager) newTask(queue, name string, payload interface{}, opts Options) (*asynq.Task, []asynq.Option, error) {
	opts = opts.withDefaults()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	raw, err := json.Marshal(envelope{
		Data:     data,
		Attempts: opts.Attempts,
		Backoff:  opts.Backoff,
		Priority: opts.Priority,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal %s envelope: %w", name, err)
	}

	taskOpts := []asynq.Option{
		asynq.Queue(LaneName(queue, opts.Priority)),
		asynq.MaxRetry(opts.Attempts - 1),
		asynq.Timeout(opts.Timeout),
		asynq.Retention(m.retention),
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}
	if opts.JobID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(opts.JobID))
	}
	return asynq.NewTask(name, raw), taskOpts, nil
}

// AddJob enqueues a job and returns its id.
func (m *Manager) AddJob(ctx context.Context, queue, name string, payload interface{}, opts Options) (string, error) {
	if err := m.checkQueue(queue); err != nil {
		return "", err
	}
	task, taskOpts, err := m.newTask(queue, name, payload, opts)
	if err != nil {
		return "", err
	}

	info, err := m.client.EnqueueContext(ctx, task, taskOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s on %s: %w", name, queue, err)
	}

	metrics.JobsEnqueued.WithLabelValues(queue, name).Inc()
	m.logger.Debug("enqueued %s [%s] on %s", name, info.ID, info.Queue)
	return info.ID, nil
}

// find locates a job in any lane of queue. A nil result means it does not
// exist (anymore).
func (m *Manager) find(queue, id string) (string, *asynq.TaskInfo, error) {
	for _, lane := range lanes(queue) {
		ti, err := m.inspector.GetTaskInfo(lane, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to inspect job %s: %w", id, err)
		}
		return lane, ti, nil
	}
	return "", nil, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}

// GetJob returns nil, nil when the job does not exist.
func (m *Manager) GetJob(ctx context.Context, queue, id string) (*JobInfo, error) {
	if err := m.checkQueue(queue); err != nil {
		return nil, err
	}
	_, ti, err := m.find(queue, id)
	if err != nil || ti == nil {
		return nil, err
	}
	return jobInfoFrom(queue, ti), nil
}

// RetryJob runs a failed or waiting-to-retry job now. It returns false when
// the job no longer exists.
func (m *Manager) RetryJob(ctx context.Context, queue, id string) (bool, error) {
	if err := m.checkQueue(queue); err != nil {
		return false, err
	}
	lane, ti, err := m.find(queue, id)
	if err != nil || ti == nil {
		return false, err
	}

	switch ti.State {
	case asynq.TaskStatePending, asynq.TaskStateActive:
		return true, nil
	case asynq.TaskStateCompleted:
		return false, fmt.Errorf("job %s already completed", id)
	}

	if err := m.inspector.RunTask(lane, id); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to retry job %s: %w", id, err)
	}
	m.logger.Info("retrying job %s on %s", id, lane)
	return true, nil
}

// CancelJob removes a job that has not finished, or asks the worker running
// it to stop. It returns false when the job no longer exists.
func (m *Manager) CancelJob(ctx context.Context, queue, id string) (bool, error) {
	if err := m.checkQueue(queue); err != nil {
		return false, err
	}
	lane, ti, err := m.find(queue, id)
	if err != nil || ti == nil {
		return false, err
	}

	if ti.State == asynq.TaskStateActive {
		if err := m.inspector.CancelProcessing(id); err != nil {
			return false, fmt.Errorf("failed to cancel job %s: %w", id, err)
		}
		m.logger.Info("cancellation requested for active job %s", id)
		return true, nil
	}

	if err := m.inspector.DeleteTask(lane, id); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	m.logger.Info("removed job %s from %s", id, lane)
	return true, nil
}

const listPageSize = 100

// listAll pages through list for every lane of queue, stopping once limit
// entries are collected (limit < 0 means no limit).
func (m *Manager) listAll(queue string, limit int, list func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error)) ([]*asynq.TaskInfo, error) {
	var all []*asynq.TaskInfo
	for _, lane := range lanes(queue) {
		for page := 1; ; page++ {
			batch, err := list(lane, asynq.PageSize(listPageSize), asynq.Page(page))
			if isNotFound(err) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to list jobs on %s: %w", lane, err)
			}
			all = append(all, batch...)
			if limit >= 0 && len(all) >= limit {
				return all[:limit], nil
			}
			if len(batch) < listPageSize {
				break
			}
		}
	}
	return all, nil
}

// GetFailedJobs returns failed jobs start..end inclusive, high lane first.
func (m *Manager) GetFailedJobs(ctx context.Context, queue string, start, end int) ([]*JobInfo, error) {
	return m.FailedJobsWhere(ctx, queue, nil, start, end)
}

// FailedJobsWhere is GetFailedJobs over the jobs keep selects; start and end
// index the filtered list.
func (m *Manager) FailedJobsWhere(ctx context.Context, queue string, keep JobFilter, start, end int) ([]*JobInfo, error) {
	if err := m.checkQueue(queue); err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if end < start {
		return []*JobInfo{}, nil
	}

	limit := end + 1
	if keep != nil {
		limit = -1
	}
	tis, err := m.listAll(queue, limit, m.inspector.ListArchivedTasks)
	if err != nil {
		return nil, err
	}
	jobs := make([]*JobInfo, 0, len(tis))
	idx := 0
	for _, ti := range tis {
		info := jobInfoFrom(queue, ti)
		if keep != nil && !keep(info) {
			continue
		}
		if idx >= start && idx <= end {
			jobs = append(jobs, info)
		}
		idx++
		if idx > end {
			break
		}
	}
	return jobs, nil
}

// CleanCompletedJobs deletes completed jobs finished more than olderThan ago.
func (m *Manager) CleanCompletedJobs(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	return m.CleanCompletedJobsWhere(ctx, queue, olderThan, nil)
}

// CleanFailedJobs deletes failed jobs whose last failure is older than olderThan.
func (m *Manager) CleanFailedJobs(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	return m.CleanFailedJobsWhere(ctx, queue, olderThan, nil)
}

func (m *Manager) CleanCompletedJobsWhere(ctx context.Context, queue string, olderThan time.Duration, keep JobFilter) (int, error) {
	return m.clean(queue, olderThan, keep, m.inspector.ListCompletedTasks, func(ti *asynq.TaskInfo) time.Time {
		return ti.CompletedAt
	})
}

func (m *Manager) CleanFailedJobsWhere(ctx context.Context, queue string, olderThan time.Duration, keep JobFilter) (int, error) {
	return m.clean(queue, olderThan, keep, m.inspector.ListArchivedTasks, func(ti *asynq.TaskInfo) time.Time {
		return ti.LastFailedAt
	})
}

func (m *Manager) clean(queue string, olderThan time.Duration, keep JobFilter, list func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error), at func(*asynq.TaskInfo) time.Time) (int, error) {
	if err := m.checkQueue(queue); err != nil {
		return 0, err
	}
	tis, err := m.listAll(queue, -1, list)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, ti := range tis {
		if at(ti).After(cutoff) {
			continue
		}
		if keep != nil && !keep(jobInfoFrom(queue, ti)) {
			continue
		}
		if err := m.inspector.DeleteTask(ti.Queue, ti.ID); err != nil {
			if isNotFound(err) {
				continue
			}
			return removed, fmt.Errorf("failed to delete job %s: %w", ti.ID, err)
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("cleaned %d jobs from %s", removed, queue)
	}
	return removed, nil
}

// Handle registers fn as the worker for jobs named name.
func (m *Manager) Handle(name string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = fn
}

func (m *Manager) handler(name string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.handlers[name]
	return fn, ok
}

func (m *Manager) jobNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handlers))
	for n := range m.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// serverQueues weighs every lane of every registered queue.
func (m *Manager) serverQueues() map[string]int {
	weights := make(map[string]int, len(m.queues)*3)
	for q := range m.queues {
		weights[LaneName(q, PriorityHigh)] = weightHigh
		weights[LaneName(q, PriorityNormal)] = weightNormal
		weights[LaneName(q, PriorityLow)] = weightLow
	}
	return weights
}

// LogicalQueue maps an asynq lane back to its logical queue.
func LogicalQueue(lane string) string {
	for _, suffix := range []string{":high", ":low"} {
		if strings.HasSuffix(lane, suffix) {
			return strings.TrimSuffix(lane, suffix)
		}
	}
	return lane
}
