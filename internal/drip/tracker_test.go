package drip

import (
	"context"
	"testing"
	"time"

	"chirp/internal/models"
	"chirp/internal/whatsapp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrackerFixture(t *testing.T) (*fixture, *Tracker, *models.Enrollment, *models.MessageLog) {
	t.Helper()
	f := newFixture(t)
	e := f.enroll(t)

	sentAt := fixedNow.Add(-time.Hour)
	log := &models.MessageLog{
		OrganizationID:    orgID,
		CampaignID:        f.campaign.ID,
		StepID:            f.campaign.Steps[0].ID,
		EnrollmentID:      e.ID,
		ContactID:         f.contact.ID,
		WhatsAppMessageID: "wamid.abc",
		Status:            models.MessageStatusSent,
		SentAt:            &sentAt,
	}
	require.NoError(t, f.store.SaveMessageLog(context.Background(), log))

	tr := NewTracker(f.store)
	tr.now = func() time.Time { return fixedNow }
	return f, tr, e, log
}

func TestTracker_StatusOnlyMovesForward(t *testing.T) {
	f, tr, _, log := newTrackerFixture(t)

	report, err := tr.Apply(context.Background(), []whatsapp.Event{
		{Kind: whatsapp.EventStatus, MessageID: "wamid.abc", Status: "delivered", OccurredAt: fixedNow.Add(-50 * time.Minute)},
		{Kind: whatsapp.EventStatus, MessageID: "wamid.abc", Status: "read", OccurredAt: fixedNow.Add(-40 * time.Minute)},
		{Kind: whatsapp.EventStatus, MessageID: "wamid.abc", Status: "delivered", OccurredAt: fixedNow.Add(-30 * time.Minute)},
		{Kind: whatsapp.EventStatus, MessageID: "wamid.unknown", Status: "read", OccurredAt: fixedNow},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 2, report.Ignored)

	stored := f.store.logs[log.ID]
	assert.Equal(t, models.MessageStatusRead, stored.Status)
	require.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, fixedNow.Add(-50*time.Minute), *stored.DeliveredAt)
	assert.Equal(t, fixedNow.Add(-40*time.Minute), *stored.ReadAt)

	require.Len(t, f.store.events, 2)
	assert.Equal(t, models.EngagementTypeDelivered, f.store.events[0].Type)
	assert.Equal(t, models.EngagementTypeRead, f.store.events[1].Type)
}

func TestTracker_ReadImpliesDelivered(t *testing.T) {
	f, tr, _, log := newTrackerFixture(t)
	_, err := tr.Apply(context.Background(), []whatsapp.Event{
		{Kind: whatsapp.EventStatus, MessageID: "wamid.abc", Status: "read", OccurredAt: fixedNow},
	})
	require.NoError(t, err)
	stored := f.store.logs[log.ID]
	assert.NotNil(t, stored.DeliveredAt)
	assert.NotNil(t, stored.ReadAt)
}

func TestTracker_FailedStatus(t *testing.T) {
	f, tr, _, log := newTrackerFixture(t)
	_, err := tr.Apply(context.Background(), []whatsapp.Event{
		{Kind: whatsapp.EventStatus, MessageID: "wamid.abc", Status: "failed", Error: "131047: Re-engagement message", OccurredAt: fixedNow},
	})
	require.NoError(t, err)
	stored := f.store.logs[log.ID]
	assert.Equal(t, models.MessageStatusFailed, stored.Status)
	assert.Equal(t, "131047: Re-engagement message", stored.Error)
}

func TestTracker_ReplyStopsEnrollment(t *testing.T) {
	f, tr, e, log := newTrackerFixture(t)

	report, err := tr.Apply(context.Background(), []whatsapp.Event{
		{Kind: whatsapp.EventReply, MessageID: "wamid.abc", Phone: "+31612345678", Text: "Sounds good!", OccurredAt: fixedNow},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Stopped)

	stored := f.store.logs[log.ID]
	assert.Equal(t, models.MessageStatusReplied, stored.Status)
	assert.NotNil(t, stored.RepliedAt)

	enrollment := f.store.enrollments[e.ID]
	assert.Equal(t, models.EnrollmentStatusStopped, enrollment.Status)
	assert.Equal(t, "replied", enrollment.StoppedReason)

	require.Len(t, f.store.events, 1)
	assert.Equal(t, models.EngagementTypeReply, f.store.events[0].Type)
	assert.JSONEq(t, `{"text":"Sounds good!","from":"+31612345678"}`, string(f.store.events[0].Payload))
	assert.False(t, f.contact.OptedOut)
}

func TestTracker_ReplyWithoutStopOnReply(t *testing.T) {
	f, tr, e, _ := newTrackerFixture(t)
	f.campaign.StopOnReply = false

	report, err := tr.Apply(context.Background(), []whatsapp.Event{
		{Kind: whatsapp.EventReply, Phone: "+31612345678", Text: "thanks", OccurredAt: fixedNow},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Zero(t, report.Stopped)
	assert.Equal(t, models.EnrollmentStatusActive, f.store.enrollments[e.ID].Status)
}

func TestTracker_StopKeywordOptsOut(t *testing.T) {
	f, tr, e, _ := newTrackerFixture(t)
	f.campaign.StopOnReply = false

	_, err := tr.Apply(context.Background(), []whatsapp.Event{
		{Kind: whatsapp.EventReply, Phone: "+31612345678", Text: " stop ", OccurredAt: fixedNow},
	})
	require.NoError(t, err)
	assert.True(t, f.contact.OptedOut)
	assert.Equal(t, "opted_out", f.store.enrollments[e.ID].StoppedReason)
}

func TestTracker_ReplyFromUnknownNumber(t *testing.T) {
	f, tr, _, _ := newTrackerFixture(t)
	report, err := tr.Apply(context.Background(), []whatsapp.Event{
		{Kind: whatsapp.EventReply, Phone: "+4915112345678", Text: "who is this", OccurredAt: fixedNow},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Ignored)
	assert.Empty(t, f.store.events)
}

func TestTracker_RecordClick(t *testing.T) {
	f, tr, _, log := newTrackerFixture(t)

	got, err := tr.RecordClick(context.Background(), Click{
		MessageLogID: log.ID,
		URL:          "https://shop.example/new",
		IPAddress:    "198.51.100.7",
		UserAgent:    "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
	})
	require.NoError(t, err)
	assert.Equal(t, log.ID, got.ID)
	assert.NotNil(t, f.store.logs[log.ID].ClickedAt)

	require.Len(t, f.store.events, 1)
	ev := f.store.events[0]
	assert.Equal(t, models.EngagementTypeClick, ev.Type)
	assert.Equal(t, "mobile", ev.DeviceType)
	assert.Contains(t, ev.Browser, "Safari")
	assert.Equal(t, "https://shop.example/new", ev.URL)

	_, err = tr.RecordClick(context.Background(), Click{MessageLogID: "missing"})
	assert.Error(t, err)
}
