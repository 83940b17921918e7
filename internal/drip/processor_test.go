package drip

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"chirp/internal/models"
	"chirp/internal/whatsapp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const orgID = "6f1d3c1e-0000-4000-8000-000000000001"

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memStore
	sender    *MockSender
	queue     *MockSendQueue
	processor *Processor
	campaign  *models.DripCampaign
	contact   *models.Contact
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	f := &fixture{
		store:  store,
		sender: new(MockSender),
		queue:  new(MockSendQueue),
	}
	f.processor = NewProcessor(store, f.queue, f.sender, Options{BaseURL: "https://chirp.test", Lease: 10 * time.Minute})
	f.processor.now = func() time.Time { return fixedNow }

	f.campaign = store.addCampaign(&models.DripCampaign{
		OrganizationID: orgID,
		Name:           "Welcome",
		Status:         models.DripCampaignStatusActive,
		StopOnReply:    true,
		Steps: []models.DripStep{
			{Position: 0, Name: "hello", Body: "Hi {{first_name}}, see https://shop.example/new"},
			{Position: 1, Name: "follow up", DelayMinutes: 60 * 24, Body: "Still there, {{name}}?"},
		},
	})
	f.contact = store.addContact(&models.Contact{
		OrganizationID: orgID,
		Phone:          "+31612345678",
		FirstName:      "Anne",
	})
	return f
}

func (f *fixture) enroll(t *testing.T) *models.Enrollment {
	t.Helper()
	n, err := f.processor.Enroll(context.Background(), f.campaign, []string{f.contact.ID})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	for _, e := range f.store.enrollments {
		if e.ContactID == f.contact.ID {
			return e
		}
	}
	t.Fatal("enrollment not stored")
	return nil
}

func TestEnroll(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)

	assert.Equal(t, models.EnrollmentStatusActive, e.Status)
	assert.Equal(t, 0, e.CurrentStep)
	require.NotNil(t, e.NextSendAt)
	assert.Equal(t, fixedNow, *e.NextSendAt)

	n, err := f.processor.Enroll(context.Background(), f.campaign, []string{f.contact.ID})
	require.NoError(t, err)
	assert.Zero(t, n, "already enrolled contacts are skipped")
}

func TestEnroll_Rejects(t *testing.T) {
	f := newFixture(t)

	paused := *f.campaign
	paused.Status = models.DripCampaignStatusPaused
	_, err := f.processor.Enroll(context.Background(), &paused, []string{f.contact.ID})
	assert.ErrorIs(t, err, ErrCampaignNotActive)

	empty := *f.campaign
	empty.Steps = nil
	_, err = f.processor.Enroll(context.Background(), &empty, []string{f.contact.ID})
	assert.ErrorIs(t, err, ErrNoSteps)
}

func TestRun_EnqueuesAndLeases(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)

	f.queue.On("EnqueueDripSend", mock.Anything, e.ID, orgID, 0, time.Duration(0)).Return("job-1", nil).Once()

	report, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Enqueued)
	assert.Empty(t, report.Errors)
	assert.Equal(t, fixedNow.Add(10*time.Minute), f.store.leases[e.ID])

	// Leased enrollments are not due again.
	report, err = f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	f.queue.AssertExpectations(t)
}

func TestRun_CompletesPastLastStep(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)
	e.CurrentStep = 7

	report, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, models.EnrollmentStatusCompleted, f.store.enrollments[e.ID].Status)
	f.queue.AssertNotCalled(t, "EnqueueDripSend", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_CollectsEnqueueErrors(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)
	f.queue.On("EnqueueDripSend", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("redis down"))

	report, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Enqueued)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "redis down")

	// The lease is handed back so the next run picks the enrollment up again.
	for _, e := range f.store.enrollments {
		require.NotNil(t, e.NextSendAt)
		assert.Equal(t, fixedNow, *e.NextSendAt)
	}
}

func TestRun_SendFinishingFirstKeepsNextStepSchedule(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)

	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything).Return("wamid.1", nil).Once()
	f.queue.On("EnqueueDripSend", mock.Anything, e.ID, orgID, 0, time.Duration(0)).
		Run(func(args mock.Arguments) {
			// A fast worker sends the step before Run continues.
			require.NoError(t, f.processor.SendStep(context.Background(), e.ID, 0))
		}).
		Return("job-1", nil).Once()

	report, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)

	stored := f.store.enrollments[e.ID]
	assert.Equal(t, 1, stored.CurrentStep)
	require.NotNil(t, stored.NextSendAt)
	assert.Equal(t, fixedNow.Add(24*time.Hour), *stored.NextSendAt)
}

func TestRun_OverlappingRunsEnqueueOnce(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)
	due, err := f.store.DueEnrollments(context.Background(), fixedNow, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Another run leases the enrollment first.
	won, err := f.store.LeaseEnrollment(context.Background(), &due[0], fixedNow.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)
	won, err = f.store.LeaseEnrollment(context.Background(), &due[0], fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, won)

	assert.Equal(t, fixedNow.Add(time.Minute), *f.store.enrollments[e.ID].NextSendAt)
	f.queue.AssertNotCalled(t, "EnqueueDripSend", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendStep_SendsAndAdvances(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)

	f.sender.On("SendText", mock.Anything, "+31612345678", mock.MatchedBy(func(body string) bool {
		return strings.HasPrefix(body, "Hi Anne, see https://chirp.test/t/") &&
			strings.HasSuffix(body, "?u=https%3A%2F%2Fshop.example%2Fnew")
	})).Return("wamid.1", nil).Once()

	require.NoError(t, f.processor.SendStep(context.Background(), e.ID, 0))

	log, err := f.store.FindMessageLog(context.Background(), e.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, models.MessageStatusSent, log.Status)
	assert.Equal(t, "wamid.1", log.WhatsAppMessageID)
	assert.NotNil(t, log.SentAt)

	stored := f.store.enrollments[e.ID]
	assert.Equal(t, 1, stored.CurrentStep)
	assert.Equal(t, fixedNow.Add(24*time.Hour), *stored.NextSendAt)

	f.sender.On("SendText", mock.Anything, "+31612345678", "Still there, Anne?").Return("wamid.2", nil).Once()
	require.NoError(t, f.processor.SendStep(context.Background(), e.ID, 1))
	stored = f.store.enrollments[e.ID]
	assert.Equal(t, models.EnrollmentStatusCompleted, stored.Status)
	assert.Nil(t, stored.NextSendAt)
	f.sender.AssertExpectations(t)
}

func TestSendStep_NotDue(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)

	assert.ErrorIs(t, f.processor.SendStep(context.Background(), e.ID, 1), ErrNotDue)
	assert.ErrorIs(t, f.processor.SendStep(context.Background(), "missing", 0), ErrNotDue)

	f.campaign.Status = models.DripCampaignStatusPaused
	assert.ErrorIs(t, f.processor.SendStep(context.Background(), e.ID, 0), ErrNotDue)
	f.sender.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendStep_AlreadySentOnlyAdvances(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)
	sentAt := fixedNow.Add(-time.Minute)
	require.NoError(t, f.store.SaveMessageLog(context.Background(), &models.MessageLog{
		EnrollmentID: e.ID,
		StepID:       f.campaign.Steps[0].ID,
		StepPosition: 0,
		ContactID:    f.contact.ID,
		Status:       models.MessageStatusSent,
		SentAt:       &sentAt,
	}))

	require.NoError(t, f.processor.SendStep(context.Background(), e.ID, 0))
	assert.Equal(t, 1, f.store.enrollments[e.ID].CurrentStep)
	f.sender.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendStep_PermanentFailure(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything).
		Return("", &whatsapp.APIError{Status: http.StatusBadRequest, Code: 131026, Message: "Message undeliverable"})

	require.NoError(t, f.processor.SendStep(context.Background(), e.ID, 0))

	stored := f.store.enrollments[e.ID]
	assert.Equal(t, models.EnrollmentStatusFailed, stored.Status)
	assert.Equal(t, "send_failed", stored.StoppedReason)
	log, _ := f.store.FindMessageLog(context.Background(), e.ID, 0)
	assert.Equal(t, models.MessageStatusFailed, log.Status)
	assert.Contains(t, log.Error, "undeliverable")
}

func TestSendStep_TransientFailureRetries(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything).
		Return("", &whatsapp.APIError{Status: http.StatusServiceUnavailable, Message: "unavailable"}).Once()

	err := f.processor.SendStep(context.Background(), e.ID, 0)
	require.Error(t, err)
	assert.False(t, whatsapp.IsPermanent(err))

	stored := f.store.enrollments[e.ID]
	assert.Equal(t, models.EnrollmentStatusActive, stored.Status)
	assert.Equal(t, 0, stored.CurrentStep)

	// The retry reuses the queued log.
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything).Return("wamid.9", nil).Once()
	require.NoError(t, f.processor.SendStep(context.Background(), e.ID, 0))
	assert.Len(t, f.store.logs, 1)
}

func TestSendStep_ConcurrentSendsDeliverOnce(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return("wamid.1", nil).Once()

	first := make(chan error, 1)
	go func() { first <- f.processor.SendStep(context.Background(), e.ID, 0) }()
	<-entered

	assert.ErrorIs(t, f.processor.SendStep(context.Background(), e.ID, 0), ErrNotDue)
	close(release)
	require.NoError(t, <-first)

	f.sender.AssertNumberOfCalls(t, "SendText", 1)
	assert.Len(t, f.store.logs, 1)
	assert.Equal(t, 1, f.store.enrollments[e.ID].CurrentStep)
}

func TestSendStep_OptedOutStops(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)
	f.contact.OptedOut = true

	require.NoError(t, f.processor.SendStep(context.Background(), e.ID, 0))
	stored := f.store.enrollments[e.ID]
	assert.Equal(t, models.EnrollmentStatusStopped, stored.Status)
	assert.Equal(t, "opted_out", stored.StoppedReason)
	f.sender.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendStep_Template(t *testing.T) {
	f := newFixture(t)
	f.campaign.Steps[0].TemplateName = "welcome_v2"
	f.campaign.Steps[0].Body = "{{first_name}} | {{coupon}}"
	f.contact.CustomFields = []byte(`{"coupon":"SPRING10"}`)
	e := f.enroll(t)

	f.sender.On("SendTemplate", mock.Anything, "+31612345678", "welcome_v2", "en", []string{"Anne", "SPRING10"}).
		Return("wamid.t", nil).Once()

	require.NoError(t, f.processor.SendStep(context.Background(), e.ID, 0))
	f.sender.AssertExpectations(t)
}

func TestSendStep_UsesAssignedVariant(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t)
	test := &models.ABTest{
		StepID:      f.campaign.Steps[0].ID,
		CampaignID:  f.campaign.ID,
		Status:      models.ABTestStatusRunning,
		AutoDeclare: true,
		Variants: []models.ABVariant{
			{Name: "A", Body: "Variant A for {{first_name}}", Weight: 50},
			{Name: "B", Body: "Variant B for {{first_name}}", Weight: 50},
		},
	}
	test.ID = "test-1"
	test.Variants[0].ID = "var-a"
	test.Variants[1].ID = "var-b"
	f.store.tests[test.ID] = test

	want := AssignVariant(test.ID, e.ID, test.Variants)
	f.sender.On("SendText", mock.Anything, mock.Anything, "Variant "+want.Name+" for Anne").Return("wamid.ab", nil).Once()

	require.NoError(t, f.processor.SendStep(context.Background(), e.ID, 0))
	assert.Equal(t, want.ID, f.store.assignments[test.ID+":"+e.ID])

	log, _ := f.store.FindMessageLog(context.Background(), e.ID, 0)
	require.NotNil(t, log.VariantID)
	assert.Equal(t, want.ID, *log.VariantID)
	f.sender.AssertExpectations(t)
}

func TestDeclareWinners(t *testing.T) {
	f := newFixture(t)
	test := &models.ABTest{
		StepID:        "step-x",
		Status:        models.ABTestStatusRunning,
		Metric:        models.ABMetricReplyRate,
		MinSampleSize: 100,
		AutoDeclare:   true,
		Variants:      []models.ABVariant{{Name: "A"}, {Name: "B"}},
	}
	test.ID = "test-2"
	test.Variants[0].ID = "var-a"
	test.Variants[1].ID = "var-b"
	f.store.tests[test.ID] = test

	sentAt := fixedNow
	for i := 0; i < 200; i++ {
		variant := "var-a"
		replied := i < 60 // 60/100 replies for A
		if i >= 100 {
			variant = "var-b"
			replied = i < 120 // 20/100 replies for B
		}
		v := variant
		log := &models.MessageLog{StepID: "step-x", VariantID: &v, SentAt: &sentAt, Status: models.MessageStatusSent}
		if replied {
			log.RepliedAt = &sentAt
		}
		require.NoError(t, f.store.SaveMessageLog(context.Background(), log))
	}

	declared, errs := f.processor.DeclareWinners(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, 1, declared)
	assert.Equal(t, "var-a", f.store.declared[test.ID])
	assert.Equal(t, models.ABTestStatusCompleted, test.Status)
}
