package drip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chirp/internal/models"
	"chirp/internal/utils"
	"chirp/internal/utils/logger"
	"chirp/internal/whatsapp"

	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// ErrNotDue means a queued send no longer matches the enrollment, e.g. it
	// was stopped or already advanced.
	ErrNotDue            = errors.New("drip step is not due")
	ErrNoSteps           = errors.New("campaign has no steps")
	ErrCampaignNotActive = errors.New("campaign is not active")
)

// Sender delivers WhatsApp messages.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendTemplate(ctx context.Context, to, name, lang string, params []string) (string, error)
}

// SendQueue schedules drip:send jobs.
type SendQueue interface {
	EnqueueDripSend(ctx context.Context, enrollmentID, organizationID string, position int, delay time.Duration) (string, error)
}

type Options struct {
	BatchSize    int
	LogRetention time.Duration
	// SendRate is messages per second per organization; <= 0 disables throttling.
	SendRate  float64
	SendBurst int
	BaseURL   string
	// Lease is how long a queued enrollment is hidden from the next run.
	Lease time.Duration
}

type RunReport struct {
	StartedAt       time.Time     `json:"startedAt"`
	Duration        time.Duration `json:"duration"`
	Due             int           `json:"due"`
	Enqueued        int           `json:"enqueued"`
	Completed       int           `json:"completed"`
	WinnersDeclared int           `json:"winnersDeclared"`
	Pruned          int64         `json:"pruned"`
	Errors          []string      `json:"errors,omitempty"`
}

// Processor advances enrollments through their campaign steps.
type Processor struct {
	store  Store
	queue  SendQueue
	sender Sender
	opts   Options
	logger *logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewProcessor(store Store, queue SendQueue, sender Sender, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 1
	}
	return &Processor{
		store:    store,
		queue:    queue,
		sender:   sender,
		opts:     opts,
		logger:   logger.New("DRIP"),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the organization's send throttle.
func (p *Processor) limiter(organizationID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[organizationID]
	if !ok {
		limit := rate.Inf
		if p.opts.SendRate > 0 {
			limit = rate.Limit(p.opts.SendRate)
		}
		l = rate.NewLimiter(limit, p.opts.SendBurst)
		p.limiters[organizationID] = l
	}
	return l
}

func stepAt(steps []models.DripStep, position int) *models.DripStep {
	for i := range steps {
		if steps[i].Position == position {
			return &steps[i]
		}
	}
	return nil
}

// stepAfter is the step with the smallest position greater than position.
func stepAfter(steps []models.DripStep, position int) *models.DripStep {
	var next *models.DripStep
	for i := range steps {
		if steps[i].Position > position && (next == nil || steps[i].Position < next.Position) {
			next = &steps[i]
		}
	}
	return next
}

// Enroll adds contacts to an active campaign, scheduling the first step.
// Contacts already enrolled are skipped.
func (p *Processor) Enroll(ctx context.Context, campaign *models.DripCampaign, contactIDs []string) (int64, error) {
	if campaign.Status != models.DripCampaignStatusActive {
		return 0, ErrCampaignNotActive
	}
	first := stepAfter(campaign.Steps, -1)
	if first == nil {
		return 0, ErrNoSteps
	}

	now := p.now()
	next := now.Add(first.Delay())
	enrollments := make([]models.Enrollment, 0, len(contactIDs))
	for _, id := range contactIDs {
		enrollments = append(enrollments, models.Enrollment{
			OrganizationID: campaign.OrganizationID,
			CampaignID:     campaign.ID,
			ContactID:      id,
			Status:         models.EnrollmentStatusActive,
			CurrentStep:    first.Position,
			NextSendAt:     &next,
			EnrolledAt:     now,
		})
	}
	created, err := p.store.CreateEnrollments(ctx, enrollments)
	if err != nil {
		return 0, fmt.Errorf("failed to enroll contacts: %w", err)
	}
	p.logger.Info("enrolled %d/%d contacts in campaign %s", created, len(contactIDs), campaign.ID)
	return created, nil
}

// Run queues a send for every due enrollment, declares A/B winners and
// prunes old message logs. Per-item failures are collected in the report.
func (p *Processor) Run(ctx context.Context) (RunReport, error) {
	now := p.now()
	report := RunReport{StartedAt: now}

	due, err := p.store.DueEnrollments(ctx, now, p.opts.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to load due enrollments: %w", err)
	}
	report.Due = len(due)

	campaigns := make(map[string]*models.DripCampaign)
	for i := range due {
		e := &due[i]
		c, ok := campaigns[e.CampaignID]
		if !ok {
			c, err = p.store.GetCampaign(ctx, e.CampaignID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("campaign %s: %v", e.CampaignID, err))
				continue
			}
			campaigns[e.CampaignID] = c
		}

		if stepAt(c.Steps, e.CurrentStep) == nil {
			p.complete(e, now)
			if err := p.store.SaveEnrollment(ctx, e); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("enrollment %s: %v", e.ID, err))
				continue
			}
			report.Completed++
			continue
		}

		// Lease before enqueueing: the send may finish and schedule the next
		// step before this loop moves on.
		dueAt := e.NextSendAt
		until := now.Add(p.opts.Lease)
		leased, err := p.store.LeaseEnrollment(ctx, e, until)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("lease %s: %v", e.ID, err))
			continue
		}
		if !leased {
			continue
		}
		if _, err := p.queue.EnqueueDripSend(ctx, e.ID, e.OrganizationID, e.CurrentStep, 0); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("enrollment %s: %v", e.ID, err))
			held := *e
			held.NextSendAt = &until
			if _, err := p.store.LeaseEnrollment(ctx, &held, *dueAt); err != nil {
				p.logger.Warn("failed to release lease on %s: %v", e.ID, err)
			}
			continue
		}
		report.Enqueued++
	}

	declared, errs := p.DeclareWinners(ctx)
	report.WinnersDeclared = declared
	report.Errors = append(report.Errors, errs...)

	if p.opts.LogRetention > 0 {
		pruned, err := p.store.PruneMessageLogs(ctx, now.Add(-p.opts.LogRetention))
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("prune: %v", err))
		}
		report.Pruned = pruned
	}

	report.Duration = time.Since(now)
	if report.Enqueued > 0 || len(report.Errors) > 0 {
		p.logger.Info("drip run: %d due, %d enqueued, %d completed, %d errors",
			report.Due, report.Enqueued, report.Completed, len(report.Errors))
	}
	return report, nil
}

// DeclareWinners evaluates running auto-declare tests and closes those with
// a significant winner.
func (p *Processor) DeclareWinners(ctx context.Context) (int, []string) {
	tests, err := p.store.AutoDeclareTests(ctx)
	if err != nil {
		return 0, []string{fmt.Sprintf("ab tests: %v", err)}
	}

	var errs []string
	declared := 0
	for i := range tests {
		t := &tests[i]
		counts, err := p.store.VariantCounts(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Sprintf("ab test %s: %v", t.ID, err))
			continue
		}
		ev := EvaluateTest(*t, counts)
		if ev.Winner == nil {
			continue
		}
		if err := p.store.DeclareWinner(ctx, t.ID, ev.Winner.VariantID, p.now()); err != nil {
			errs = append(errs, fmt.Sprintf("ab test %s: %v", t.ID, err))
			continue
		}
		declared++
		p.logger.Success("🏆 ab test %s: variant %s wins (p=%.4f)", t.ID, ev.Winner.Name, ev.PValue)
	}
	return declared, errs
}

func (p *Processor) complete(e *models.Enrollment, now time.Time) {
	e.Status = models.EnrollmentStatusCompleted
	e.CompletedAt = &now
	e.NextSendAt = nil
}

// advance moves e past position, completing it after the last step.
func (p *Processor) advance(e *models.Enrollment, steps []models.DripStep, position int, now time.Time) {
	next := stepAfter(steps, position)
	if next == nil {
		p.complete(e, now)
		return
	}
	e.CurrentStep = next.Position
	at := now.Add(next.Delay())
	e.NextSendAt = &at
}

func stop(e *models.Enrollment, reason string) {
	e.Status = models.EnrollmentStatusStopped
	e.StoppedReason = reason
	e.NextSendAt = nil
}

// SendStep delivers step position to the enrollment's contact, records the
// message log and schedules the following step. It returns ErrNotDue when the
// enrollment moved on since the job was queued.
func (p *Processor) SendStep(ctx context.Context, enrollmentID string, position int) error {
	e, err := p.store.GetEnrollment(ctx, enrollmentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotDue
	}
	if err != nil {
		return fmt.Errorf("failed to load enrollment: %w", err)
	}
	if e.Status != models.EnrollmentStatusActive || e.CurrentStep != position {
		return ErrNotDue
	}

	c, err := p.store.GetCampaign(ctx, e.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if c.Status != models.DripCampaignStatusActive {
		return ErrNotDue
	}

	now := p.now()
	step := stepAt(c.Steps, position)
	if step == nil {
		p.complete(e, now)
		return p.store.SaveEnrollment(ctx, e)
	}
	if e.Contact == nil || e.Contact.OptedOut {
		stop(e, "opted_out")
		return p.store.SaveEnrollment(ctx, e)
	}

	log, err := p.store.FindMessageLog(ctx, e.ID, position)
	if err != nil {
		return fmt.Errorf("failed to load message log: %w", err)
	}
	if log != nil && log.SentAt != nil {
		// Sent by an earlier attempt that failed to advance.
		p.advance(e, c.Steps, position, now)
		return p.store.SaveEnrollment(ctx, e)
	}

	body, variantID, err := p.bodyFor(ctx, e, step)
	if err != nil {
		return err
	}

	if log == nil {
		log, err = p.store.CreateMessageLog(ctx, &models.MessageLog{
			OrganizationID: e.OrganizationID,
			CampaignID:     c.ID,
			StepID:         step.ID,
			StepPosition:   position,
			EnrollmentID:   e.ID,
			ContactID:      e.ContactID,
			VariantID:      variantID,
			Status:         models.MessageStatusQueued,
		})
		if err != nil {
			return fmt.Errorf("failed to create message log: %w", err)
		}
	}

	claimed, err := p.store.ClaimMessageLog(ctx, log.ID, now, now.Add(p.opts.Lease))
	if err != nil {
		return fmt.Errorf("failed to claim message log: %w", err)
	}
	if !claimed {
		// Another send of this step is in flight or already done.
		return ErrNotDue
	}
	log.ClaimedUntil = nil

	if err := p.limiter(e.OrganizationID).Wait(ctx); err != nil {
		return fmt.Errorf("send throttle: %w", err)
	}

	vars := contactVariables(e.Contact)
	var msgID string
	if step.TemplateName != "" {
		lang := step.TemplateLang
		if lang == "" {
			lang = "en"
		}
		msgID, err = p.sender.SendTemplate(ctx, e.Contact.Phone, step.TemplateName, lang, templateParams(body, vars))
	} else {
		rendered := utils.RewriteLinks(utils.ReplaceVariables(body, vars), p.opts.BaseURL, log.ID)
		msgID, err = p.sender.SendText(ctx, e.Contact.Phone, rendered)
	}

	if err != nil {
		log.Error = err.Error()
		if !whatsapp.IsPermanent(err) {
			_ = p.store.SaveMessageLog(ctx, log)
			return fmt.Errorf("failed to send step %d: %w", position, err)
		}
		failedAt := now
		log.Status = models.MessageStatusFailed
		log.FailedAt = &failedAt
		if err := p.store.SaveMessageLog(ctx, log); err != nil {
			return err
		}
		e.Status = models.EnrollmentStatusFailed
		e.StoppedReason = "send_failed"
		e.NextSendAt = nil
		p.logger.Warn("enrollment %s failed permanently: %s", e.ID, log.Error)
		return p.store.SaveEnrollment(ctx, e)
	}

	sentAt := p.now()
	log.Status = models.MessageStatusSent
	log.SentAt = &sentAt
	log.WhatsAppMessageID = msgID
	log.Error = ""
	if err := p.store.SaveMessageLog(ctx, log); err != nil {
		return fmt.Errorf("failed to update message log: %w", err)
	}

	p.advance(e, c.Steps, position, sentAt)
	return p.store.SaveEnrollment(ctx, e)
}

// bodyFor picks the step body, or the assigned variant's body when the step
// is under a running A/B test.
func (p *Processor) bodyFor(ctx context.Context, e *models.Enrollment, step *models.DripStep) (string, *string, error) {
	test, err := p.store.RunningTestForStep(ctx, step.ID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load ab test: %w", err)
	}
	if test == nil || len(test.Variants) == 0 {
		return step.Body, nil, nil
	}

	pick := AssignVariant(test.ID, e.ID, test.Variants)
	variantID, err := p.store.AssignVariant(ctx, &models.ABAssignment{
		TestID:       test.ID,
		EnrollmentID: e.ID,
		VariantID:    pick.ID,
		ContactID:    e.ContactID,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to assign variant: %w", err)
	}
	for i := range test.Variants {
		if test.Variants[i].ID == variantID {
			return test.Variants[i].Body, &variantID, nil
		}
	}
	return pick.Body, &pick.ID, nil
}

func contactVariables(c *models.Contact) map[string]string {
	vars, err := utils.JSONToMap(c.CustomFields)
	if err != nil {
		vars = make(map[string]string)
	}
	vars["first_name"] = c.FirstName
	vars["last_name"] = c.LastName
	vars["name"] = c.DisplayName()
	vars["phone"] = c.Phone
	vars["email"] = c.Email
	return vars
}

// templateParams renders a template step's body, "|"-separated positional
// parameters, e.g. "{{first_name}}|{{code}}".
func templateParams(body string, vars map[string]string) []string {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	parts := strings.Split(body, "|")
	params := make([]string, len(parts))
	for i, part := range parts {
		params[i] = strings.TrimSpace(utils.ReplaceVariables(part, vars))
	}
	return params
}
