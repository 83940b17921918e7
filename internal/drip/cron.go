package drip

import (
	"context"
	"fmt"
	"time"

	"chirp/internal/utils/logger"

	"github.com/robfig/cron/v3"
)

// printfLogger adapts logger.Logger for cron's PrintfLogger.
type printfLogger struct{ l *logger.Logger }

func (p printfLogger) Printf(format string, args ...interface{}) {
	p.l.Debug(format, args...)
}

// Cron runs periodic work in-process, used when DRIP_SCHEDULER=cron instead
// of the asynq scheduler. A run that is still going when its next tick fires
// is skipped.
type Cron struct {
	c       *cron.Cron
	logger  *logger.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewCron(timeout time.Duration) *Cron {
	log := logger.New("CRON")
	cl := cron.PrintfLogger(printfLogger{log})
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		c: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers fn under a standard five-field spec.
func (c *Cron) Add(spec, name string, fn func(ctx context.Context) error) error {
	_, err := c.c.AddFunc(spec, func() {
		ctx := c.ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		start := time.Now()
		if err := fn(ctx); err != nil {
			c.logger.Error("%s failed: %v", name, err)
			return
		}
		c.logger.Debug("%s done in %s", name, time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q for %s: %w", spec, name, err)
	}
	c.logger.Info("⏰ scheduled %s at %q", name, spec)
	return nil
}

func (c *Cron) Start() {
	c.c.Start()
}

// Stop cancels running jobs and waits for them to return.
func (c *Cron) Stop() {
	c.cancel()
	<-c.c.Stop().Done()
}
