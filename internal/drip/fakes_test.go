package drip

import (
	"context"
	"sort"
	"sync"
	"time"

	"chirp/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"
)

// memStore is an in-memory Store.
type memStore struct {
	mu          sync.Mutex
	campaigns   map[string]*models.DripCampaign
	contacts    map[string]*models.Contact
	enrollments map[string]*models.Enrollment
	logs        map[string]*models.MessageLog
	events      []models.EngagementEvent
	tests       map[string]*models.ABTest
	assignments map[string]string // testID:enrollmentID -> variantID
	leases      map[string]time.Time
	declared    map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:   make(map[string]*models.DripCampaign),
		contacts:    make(map[string]*models.Contact),
		enrollments: make(map[string]*models.Enrollment),
		logs:        make(map[string]*models.MessageLog),
		tests:       make(map[string]*models.ABTest),
		assignments: make(map[string]string),
		leases:      make(map[string]time.Time),
		declared:    make(map[string]string),
	}
}

func (s *memStore) addCampaign(c *models.DripCampaign) *models.DripCampaign {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	for i := range c.Steps {
		if c.Steps[i].ID == "" {
			c.Steps[i].ID = uuid.NewString()
		}
		c.Steps[i].CampaignID = c.ID
	}
	s.campaigns[c.ID] = c
	return c
}

func (s *memStore) addContact(c *models.Contact) *models.Contact {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.contacts[c.ID] = c
	return c
}

func (s *memStore) DueEnrollments(_ context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Enrollment
	for _, e := range s.enrollments {
		c := s.campaigns[e.CampaignID]
		if e.Status != models.EnrollmentStatusActive || c == nil || c.Status != models.DripCampaignStatusActive {
			continue
		}
		if e.NextSendAt != nil && !e.NextSendAt.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextSendAt.Before(*due[j].NextSendAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memStore) LeaseEnrollment(_ context.Context, e *models.Enrollment, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.enrollments[e.ID]
	if !ok || e.NextSendAt == nil || stored.NextSendAt == nil ||
		stored.Status != models.EnrollmentStatusActive ||
		stored.CurrentStep != e.CurrentStep ||
		!stored.NextSendAt.Equal(*e.NextSendAt) {
		return false, nil
	}
	s.leases[e.ID] = until
	stored.NextSendAt = &until
	return true, nil
}

func (s *memStore) CreateEnrollments(_ context.Context, enrollments []models.Enrollment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var created int64
outer:
	for _, e := range enrollments {
		for _, existing := range s.enrollments {
			if existing.CampaignID == e.CampaignID && existing.ContactID == e.ContactID {
				continue outer
			}
		}
		e := e
		e.ID = uuid.NewString()
		s.enrollments[e.ID] = &e
		created++
	}
	return created, nil
}

func (s *memStore) GetEnrollment(_ context.Context, id string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	if c, ok := s.contacts[e.ContactID]; ok {
		contact := *c
		cp.Contact = &contact
	}
	return &cp, nil
}

func (s *memStore) SaveEnrollment(_ context.Context, e *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Contact = nil
	s.enrollments[e.ID] = &cp
	return nil
}

func (s *memStore) GetCampaign(_ context.Context, id string) (*models.DripCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

func (s *memStore) RunningTestForStep(_ context.Context, stepID string) (*models.ABTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tests {
		if t.StepID == stepID && t.Status == models.ABTestStatusRunning {
			return t, nil
		}
	}
	return nil, nil
}

func (s *memStore) AssignVariant(_ context.Context, a *models.ABAssignment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := a.TestID + ":" + a.EnrollmentID
	if v, ok := s.assignments[key]; ok {
		return v, nil
	}
	s.assignments[key] = a.VariantID
	return a.VariantID, nil
}

func (s *memStore) AutoDeclareTests(context.Context) ([]models.ABTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ABTest
	for _, t := range s.tests {
		if t.Status == models.ABTestStatusRunning && t.AutoDeclare {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) VariantCounts(_ context.Context, test *models.ABTest) (map[string]StepCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]StepCounts)
	for _, l := range s.logs {
		if l.VariantID == nil || l.StepID != test.StepID {
			continue
		}
		c := counts[*l.VariantID]
		tally(&c, l)
		counts[*l.VariantID] = c
	}
	return counts, nil
}

func tally(c *StepCounts, l *models.MessageLog) {
	if l.SentAt != nil {
		c.Sent++
	}
	if l.DeliveredAt != nil {
		c.Delivered++
	}
	if l.ReadAt != nil {
		c.Read++
	}
	if l.RepliedAt != nil {
		c.Replied++
	}
	if l.ClickedAt != nil {
		c.Clicked++
	}
	if l.Status == models.MessageStatusFailed {
		c.Failed++
	}
	if l.SentAt != nil || l.Status == models.MessageStatusFailed {
		c.Reached++
	}
}

func (s *memStore) DeclareWinner(_ context.Context, testID, variantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declared[testID] = variantID
	if t, ok := s.tests[testID]; ok {
		t.Status = models.ABTestStatusCompleted
		t.WinnerVariantID = &variantID
		t.DeclaredAt = &at
	}
	return nil
}

func (s *memStore) FindMessageLog(_ context.Context, enrollmentID string, position int) (*models.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.EnrollmentID == enrollmentID && l.StepPosition == position {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) CreateMessageLog(_ context.Context, log *models.MessageLog) (*models.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.EnrollmentID == log.EnrollmentID && l.StepPosition == log.StepPosition {
			cp := *l
			return &cp, nil
		}
	}
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	cp := *log
	s.logs[log.ID] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) ClaimMessageLog(_ context.Context, id string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok || l.Status != models.MessageStatusQueued || l.SentAt != nil {
		return false, nil
	}
	if l.ClaimedUntil != nil && !l.ClaimedUntil.Before(now) {
		return false, nil
	}
	l.ClaimedUntil = &until
	return true, nil
}

func (s *memStore) GetMessageLog(_ context.Context, id string) (*models.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) FindMessageLogByWhatsAppID(_ context.Context, wamid string) (*models.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wamid == "" {
		return nil, nil
	}
	for _, l := range s.logs {
		if l.WhatsAppMessageID == wamid {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) LatestMessageLogForPhone(_ context.Context, phone string, since time.Time) (*models.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.MessageLog
	for _, l := range s.logs {
		c := s.contacts[l.ContactID]
		if c == nil || c.Phone != phone || l.SentAt == nil || l.SentAt.Before(since) {
			continue
		}
		if latest == nil || l.SentAt.After(*latest.SentAt) {
			latest = l
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) SaveMessageLog(_ context.Context, log *models.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	cp := *log
	s.logs[log.ID] = &cp
	return nil
}

func (s *memStore) CreateEngagementEvent(_ context.Context, ev *models.EngagementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) OptOutContact(_ context.Context, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contacts[contactID]; ok {
		c.OptedOut = true
	}
	return nil
}

func (s *memStore) PruneMessageLogs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for id, l := range s.logs {
		if l.CreatedAt.Before(before) {
			delete(s.logs, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *memStore) StepCounts(_ context.Context, campaignID string) ([]StepCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[campaignID]
	var out []StepCounts
	for _, step := range c.Steps {
		sc := StepCounts{StepID: step.ID, Position: step.Position, Name: step.Name}
		for _, l := range s.logs {
			if l.StepID == step.ID {
				tally(&sc, l)
			}
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *memStore) EnrollmentCounts(_ context.Context, campaignID string) (EnrollmentCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c EnrollmentCounts
	for _, e := range s.enrollments {
		if e.CampaignID != campaignID {
			continue
		}
		c.Total++
		switch e.Status {
		case models.EnrollmentStatusActive:
			c.Active++
		case models.EnrollmentStatusCompleted:
			c.Completed++
		case models.EnrollmentStatusStopped:
			c.Stopped++
		case models.EnrollmentStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (s *memStore) EnrollmentRecords(_ context.Context, campaignID string) ([]EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EnrollmentRecord
	for _, e := range s.enrollments {
		if e.CampaignID != campaignID {
			continue
		}
		r := EnrollmentRecord{EnrolledAt: e.EnrolledAt, Status: e.Status}
		for _, l := range s.logs {
			if l.EnrollmentID == e.ID && l.RepliedAt != nil {
				r.Replied = true
			}
		}
		out = append(out, r)
	}
	return out, nil
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendText(ctx context.Context, to, body string) (string, error) {
	args := m.Called(ctx, to, body)
	return args.String(0), args.Error(1)
}

func (m *MockSender) SendTemplate(ctx context.Context, to, name, lang string, params []string) (string, error) {
	args := m.Called(ctx, to, name, lang, params)
	return args.String(0), args.Error(1)
}

type MockSendQueue struct {
	mock.Mock
}

func (m *MockSendQueue) EnqueueDripSend(ctx context.Context, enrollmentID, organizationID string, position int, delay time.Duration) (string, error) {
	args := m.Called(ctx, enrollmentID, organizationID, position, delay)
	return args.String(0), args.Error(1)
}
