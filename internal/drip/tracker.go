package drip

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chirp/internal/metrics"
	"chirp/internal/models"
	"chirp/internal/utils/logger"
	"chirp/internal/whatsapp"

	"github.com/mssola/user_agent"
	"gorm.io/datatypes"
)

// replyWindow bounds how far back an unquoted reply is attributed.
const replyWindow = 30 * 24 * time.Hour

var optOutKeywords = map[string]bool{
	"STOP": true, "STOPPEN": true, "UNSUBSCRIBE": true, "AFMELDEN": true,
}

// TrackReport summarizes one webhook delivery.
type TrackReport struct {
	Applied int `json:"applied"`
	Ignored int `json:"ignored"`
	Stopped int `json:"stopped"`
}

// Tracker applies engagement to message logs. Status only moves forward: a
// late "delivered" never downgrades a "read".
type Tracker struct {
	store  Store
	logger *logger.Logger
	now    func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, logger: logger.New("TRACKER"), now: time.Now}
}

var statusMap = map[string]models.MessageStatus{
	"sent":      models.MessageStatusSent,
	"delivered": models.MessageStatusDelivered,
	"read":      models.MessageStatusRead,
	"failed":    models.MessageStatusFailed,
}

var engagementFor = map[models.MessageStatus]models.EngagementType{
	models.MessageStatusDelivered: models.EngagementTypeDelivered,
	models.MessageStatusRead:      models.EngagementTypeRead,
	models.MessageStatusFailed:    models.EngagementTypeFailed,
}

// Apply processes webhook events in order.
func (t *Tracker) Apply(ctx context.Context, events []whatsapp.Event) (TrackReport, error) {
	var report TrackReport
	for _, ev := range events {
		var (
			applied, stopped bool
			err              error
		)
		switch ev.Kind {
		case whatsapp.EventStatus:
			applied, err = t.applyStatus(ctx, ev)
		case whatsapp.EventReply:
			applied, stopped, err = t.applyReply(ctx, ev)
		}
		if err != nil {
			return report, err
		}
		if applied {
			report.Applied++
		} else {
			report.Ignored++
		}
		if stopped {
			report.Stopped++
		}
	}
	return report, nil
}

func (t *Tracker) applyStatus(ctx context.Context, ev whatsapp.Event) (bool, error) {
	next, ok := statusMap[ev.Status]
	if !ok {
		return false, nil
	}
	log, err := t.store.FindMessageLogByWhatsAppID(ctx, ev.MessageID)
	if err != nil {
		return false, fmt.Errorf("failed to find message %s: %w", ev.MessageID, err)
	}
	if log == nil || !log.Status.Advances(next) {
		return false, nil
	}

	at := ev.OccurredAt
	switch next {
	case models.MessageStatusSent:
		if log.SentAt == nil {
			log.SentAt = &at
		}
	case models.MessageStatusDelivered:
		log.DeliveredAt = &at
	case models.MessageStatusRead:
		if log.DeliveredAt == nil {
			log.DeliveredAt = &at
		}
		log.ReadAt = &at
	case models.MessageStatusFailed:
		log.FailedAt = &at
		log.Error = ev.Error
	}
	log.Status = next
	if err := t.store.SaveMessageLog(ctx, log); err != nil {
		return false, fmt.Errorf("failed to update message %s: %w", log.ID, err)
	}

	if typ, ok := engagementFor[next]; ok {
		if err := t.record(ctx, log, typ, at, nil); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (t *Tracker) applyReply(ctx context.Context, ev whatsapp.Event) (applied, stopped bool, err error) {
	log, err := t.store.FindMessageLogByWhatsAppID(ctx, ev.MessageID)
	if err != nil {
		return false, false, err
	}
	if log == nil && ev.Phone != "" {
		log, err = t.store.LatestMessageLogForPhone(ctx, ev.Phone, t.now().Add(-replyWindow))
		if err != nil {
			return false, false, err
		}
	}
	if log == nil {
		return false, false, nil
	}

	at := ev.OccurredAt
	if log.Status.Advances(models.MessageStatusReplied) {
		if log.DeliveredAt == nil {
			log.DeliveredAt = &at
		}
		if log.ReadAt == nil {
			log.ReadAt = &at
		}
		log.RepliedAt = &at
		log.Status = models.MessageStatusReplied
		if err := t.store.SaveMessageLog(ctx, log); err != nil {
			return false, false, err
		}
	}

	payload, _ := json.Marshal(map[string]string{"text": ev.Text, "from": ev.Phone})
	if err := t.record(ctx, log, models.EngagementTypeReply, at, payload); err != nil {
		return false, false, err
	}

	optOut := optOutKeywords[strings.ToUpper(strings.TrimSpace(ev.Text))]
	if optOut {
		if err := t.store.OptOutContact(ctx, log.ContactID); err != nil {
			return false, false, err
		}
	}

	stopped, err = t.stopEnrollment(ctx, log, optOut)
	return true, stopped, err
}

// stopEnrollment stops the enrollment behind log when its campaign stops on
// reply, or unconditionally for opt-outs.
func (t *Tracker) stopEnrollment(ctx context.Context, log *models.MessageLog, optOut bool) (bool, error) {
	e, err := t.store.GetEnrollment(ctx, log.EnrollmentID)
	if err != nil {
		return false, nil
	}
	if e.Status != models.EnrollmentStatusActive {
		return false, nil
	}

	reason := "opted_out"
	if !optOut {
		c, err := t.store.GetCampaign(ctx, log.CampaignID)
		if err != nil || !c.StopOnReply {
			return false, nil
		}
		reason = "replied"
	}

	stop(e, reason)
	if err := t.store.SaveEnrollment(ctx, e); err != nil {
		return false, fmt.Errorf("failed to stop enrollment %s: %w", e.ID, err)
	}
	t.logger.Info("stopped enrollment %s: %s", e.ID, reason)
	return true, nil
}

func (t *Tracker) record(ctx context.Context, log *models.MessageLog, typ models.EngagementType, at time.Time, payload []byte) error {
	ev := &models.EngagementEvent{
		OrganizationID: log.OrganizationID,
		MessageLogID:   log.ID,
		Type:           typ,
		OccurredAt:     at,
	}
	if payload != nil {
		ev.Payload = datatypes.JSON(payload)
	}
	if err := t.store.CreateEngagementEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s event: %w", typ, err)
	}
	metrics.WebhookEvents.WithLabelValues(strings.ToLower(string(typ))).Inc()
	return nil
}

// Click describes one tracked-link visit.
type Click struct {
	MessageLogID string
	URL          string
	IPAddress    string
	UserAgent    string
}

// RecordClick stores a click with the visitor's device, browser and OS.
func (t *Tracker) RecordClick(ctx context.Context, click Click) (*models.MessageLog, error) {
	log, err := t.store.GetMessageLog(ctx, click.MessageLogID)
	if err != nil {
		return nil, err
	}

	now := t.now()
	if log.ClickedAt == nil {
		log.ClickedAt = &now
		if err := t.store.SaveMessageLog(ctx, log); err != nil {
			return nil, err
		}
	}

	ua := user_agent.New(click.UserAgent)
	deviceType := "desktop"
	switch {
	case ua.Bot():
		deviceType = "bot"
	case ua.Mobile():
		deviceType = "mobile"
	}
	browser, version := ua.Browser()

	ev := &models.EngagementEvent{
		OrganizationID: log.OrganizationID,
		MessageLogID:   log.ID,
		Type:           models.EngagementTypeClick,
		OccurredAt:     now,
		URL:            click.URL,
		IPAddress:      click.IPAddress,
		UserAgent:      click.UserAgent,
		DeviceType:     deviceType,
		Browser:        strings.TrimSpace(browser + " " + version),
		OS:             ua.OS(),
	}
	if err := t.store.CreateEngagementEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record click: %w", err)
	}
	metrics.WebhookEvents.WithLabelValues("click").Inc()
	return log, nil
}
