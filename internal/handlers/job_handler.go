package handlers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"chirp/internal/api/middleware"
	"chirp/internal/api/response"
	"chirp/internal/tasks"

	"github.com/labstack/echo/v4"
)

// JobQueue is the part of tasks.Manager the admin endpoints use.
type JobQueue interface {
	Queues() []string
	GetJob(ctx context.Context, queue, id string) (*tasks.JobInfo, error)
	RetryJob(ctx context.Context, queue, id string) (bool, error)
	CancelJob(ctx context.Context, queue, id string) (bool, error)
	FailedJobsWhere(ctx context.Context, queue string, keep tasks.JobFilter, start, end int) ([]*tasks.JobInfo, error)
	CleanCompletedJobsWhere(ctx context.Context, queue string, olderThan time.Duration, keep tasks.JobFilter) (int, error)
	CleanFailedJobsWhere(ctx context.Context, queue string, olderThan time.Duration, keep tasks.JobFilter) (int, error)
}

// JobHandler exposes queue inspection to organization admins. Every lookup is
// limited to jobs enqueued for the caller's organization; jobs of other
// tenants and system jobs answer 404.
type JobHandler struct {
	queue     JobQueue
	retention time.Duration
}

func NewJobHandler(queue JobQueue, retention time.Duration) *JobHandler {
	if retention <= 0 {
		retention = tasks.DefaultRetention
	}
	return &JobHandler{queue: queue, retention: retention}
}

func (h *JobHandler) Queues(c echo.Context) error {
	return response.OK(c, h.queue.Queues())
}

// owned loads the job named by the route and checks it belongs to the caller.
func (h *JobHandler) owned(c echo.Context) (*tasks.JobInfo, error) {
	job, err := h.queue.GetJob(c.Request().Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		return nil, serviceError(err, "Job")
	}
	if job == nil || !tasks.ForOrganization(middleware.GetOrganizationID(c))(job) {
		return nil, response.NotFound("Job")
	}
	return job, nil
}

func (h *JobHandler) Get(c echo.Context) error {
	job, err := h.owned(c)
	if err != nil {
		return err
	}
	return response.OK(c, job)
}

// Failed lists failed jobs, ?start=0&end=49 inclusive.
func (h *JobHandler) Failed(c echo.Context) error {
	start, err := queryInt(c, "start", 0)
	if err != nil {
		return err
	}
	end, err := queryInt(c, "end", start+49)
	if err != nil {
		return err
	}
	keep := tasks.ForOrganization(middleware.GetOrganizationID(c))
	jobs, err := h.queue.FailedJobsWhere(c.Request().Context(), c.Param("queue"), keep, start, end)
	if err != nil {
		return serviceError(err, "")
	}
	return response.WithMeta(c, jobs, map[string]int{"start": start, "end": end})
}

func (h *JobHandler) Retry(c echo.Context) error {
	if _, err := h.owned(c); err != nil {
		return err
	}
	ok, err := h.queue.RetryJob(c.Request().Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		return serviceError(err, "Job")
	}
	if !ok {
		return response.NotFound("Job")
	}
	return response.OK(c, map[string]bool{"retried": true})
}

func (h *JobHandler) Cancel(c echo.Context) error {
	if _, err := h.owned(c); err != nil {
		return err
	}
	ok, err := h.queue.CancelJob(c.Request().Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		return serviceError(err, "Job")
	}
	if !ok {
		return response.NotFound("Job")
	}
	return response.OK(c, map[string]bool{"cancelled": true})
}

// Clean removes completed and failed jobs older than ?olderThan (a Go
// duration, default the queue retention). ?state=completed|failed limits it
// to one of the two.
func (h *JobHandler) Clean(c echo.Context) error {
	olderThan := h.retention
	if raw := c.QueryParam("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return response.Validation("olderThan must be a duration such as 24h", nil)
		}
		olderThan = d
	}

	ctx, queue := c.Request().Context(), c.Param("queue")
	keep := tasks.ForOrganization(middleware.GetOrganizationID(c))
	removed := map[string]int{}
	state := c.QueryParam("state")
	if state == "" || state == "completed" {
		n, err := h.queue.CleanCompletedJobsWhere(ctx, queue, olderThan, keep)
		if err != nil {
			return serviceError(err, "")
		}
		removed["completed"] = n
	}
	if state == "" || state == "failed" {
		n, err := h.queue.CleanFailedJobsWhere(ctx, queue, olderThan, keep)
		if err != nil {
			return serviceError(err, "")
		}
		removed["failed"] = n
	}
	if len(removed) == 0 {
		return response.Validation("state must be completed or failed", nil)
	}
	return response.OK(c, removed)
}

func queryInt(c echo.Context, key string, def int) (int, error) {
	raw := c.QueryParam(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, response.Validation(fmt.Sprintf("%s must be a non-negative integer", key), nil)
	}
	return v, nil
}
