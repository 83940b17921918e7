package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chirp/internal/metrics"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server handles task processing
type Server struct {
	server  *asynq.Server
	manager *Manager
	logger  *zap.Logger
	queues  map[string]int
}

// NewServer creates the worker server for every queue the manager knows.
func NewServer(opt asynq.RedisConnOpt, concurrency int, manager *Manager, logger *zap.Logger) *Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	queues := manager.serverQueues()

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		// Lanes are weighted 6/3/1 per queue. Strict priority would starve
		// the low lanes of busy queues.
		Queues:         queues,
		StrictPriority: false,
		RetryDelayFunc: RetryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			id, _ := asynq.GetTaskID(ctx)
			logger.Warn("job failed",
				zap.String("job", task.Type()),
				zap.String("id", id),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err),
			)
		}),
		Logger:          logger.Sugar(),
		ShutdownTimeout: 8 * time.Second,
	})

	return &Server{
		server:  server,
		manager: manager,
		logger:  logger,
		queues:  queues,
	}
}

// RetryDelay applies the backoff stored in the job envelope.
func RetryDelay(retried int, _ error, task *asynq.Task) time.Duration {
	env, err := unwrap(task.Payload())
	if err != nil {
		return asynq.DefaultRetryDelayFunc(retried, err, task)
	}
	return env.Backoff.Next(retried)
}

// Mux builds the handler mux from the jobs registered on the manager.
func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, name := range s.manager.jobNames() {
		fn, _ := s.manager.handler(name)
		mux.HandleFunc(name, s.wrap(name, fn))
	}
	return mux
}

// wrap unwraps the envelope, builds the Job and records metrics.
func (s *Server) wrap(name string, fn HandlerFunc) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		env, err := unwrap(t.Payload())
		if err != nil {
			metrics.JobsProcessed.WithLabelValues(name, "malformed").Inc()
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		job := Job{Name: name, Payload: env.Data, MaxAttempts: env.Attempts}
		job.ID, _ = asynq.GetTaskID(ctx)
		if lane, ok := asynq.GetQueueName(ctx); ok {
			job.Queue = LogicalQueue(lane)
		}
		retried, _ := asynq.GetRetryCount(ctx)
		job.Attempt = retried + 1

		start := time.Now()
		err = fn(ctx, job)
		metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			metrics.JobsProcessed.WithLabelValues(name, "completed").Inc()
		case errors.Is(err, asynq.SkipRetry) || job.Attempt >= job.MaxAttempts:
			metrics.JobsProcessed.WithLabelValues(name, "failed").Inc()
		default:
			metrics.JobsProcessed.WithLabelValues(name, "retry").Inc()
		}
		return err
	}
}

// Start starts the task processing server
func (s *Server) Start() error {
	s.logger.Info("starting task processing server",
		zap.Any("queues", s.queues),
		zap.Strings("jobs", s.manager.jobNames()),
	)

	if err := s.server.Start(s.Mux()); err != nil {
		return fmt.Errorf("failed to start task server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the task processing server
func (s *Server) Shutdown() {
	s.logger.Info("shutting down task processing server")
	s.server.Shutdown()
}
