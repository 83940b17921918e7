package drip

import (
	"context"
	"errors"
	"time"

	"chirp/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the persistence the drip domain needs.
type Store interface {
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error)
	LeaseEnrollment(ctx context.Context, e *models.Enrollment, until time.Time) (bool, error)
	CreateEnrollments(ctx context.Context, enrollments []models.Enrollment) (int64, error)
	GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error)
	SaveEnrollment(ctx context.Context, e *models.Enrollment) error
	GetCampaign(ctx context.Context, id string) (*models.DripCampaign, error)

	RunningTestForStep(ctx context.Context, stepID string) (*models.ABTest, error)
	AssignVariant(ctx context.Context, a *models.ABAssignment) (string, error)
	AutoDeclareTests(ctx context.Context) ([]models.ABTest, error)
	VariantCounts(ctx context.Context, test *models.ABTest) (map[string]StepCounts, error)
	DeclareWinner(ctx context.Context, testID, variantID string, at time.Time) error

	FindMessageLog(ctx context.Context, enrollmentID string, position int) (*models.MessageLog, error)
	CreateMessageLog(ctx context.Context, log *models.MessageLog) (*models.MessageLog, error)
	ClaimMessageLog(ctx context.Context, id string, now, until time.Time) (bool, error)
	GetMessageLog(ctx context.Context, id string) (*models.MessageLog, error)
	FindMessageLogByWhatsAppID(ctx context.Context, wamid string) (*models.MessageLog, error)
	LatestMessageLogForPhone(ctx context.Context, phone string, since time.Time) (*models.MessageLog, error)
	SaveMessageLog(ctx context.Context, log *models.MessageLog) error
	CreateEngagementEvent(ctx context.Context, ev *models.EngagementEvent) error
	OptOutContact(ctx context.Context, contactID string) error
	PruneMessageLogs(ctx context.Context, before time.Time) (int64, error)

	StepCounts(ctx context.Context, campaignID string) ([]StepCounts, error)
	EnrollmentCounts(ctx context.Context, campaignID string) (EnrollmentCounts, error)
	EnrollmentRecords(ctx context.Context, campaignID string) ([]EnrollmentRecord, error)
}

// GormStore implements Store on Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// firstOrNil turns gorm.ErrRecordNotFound into a nil result.
func firstOrNil[T any](tx *gorm.DB) (*T, error) {
	var out T
	err := tx.First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GormStore) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	var list []models.Enrollment
	err := s.db.WithContext(ctx).
		Joins("JOIN drip_campaigns c ON c.id = enrollments.campaign_id AND c.deleted_at IS NULL AND c.status = ?", models.DripCampaignStatusActive).
		Where("enrollments.status = ? AND enrollments.next_send_at <= ?", models.EnrollmentStatusActive, now).
		Order("enrollments.next_send_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// LeaseEnrollment moves next_send_at to until, provided e is still active on
// the same step with the next_send_at it was loaded with. It reports whether
// this caller won the lease.
func (s *GormStore) LeaseEnrollment(ctx context.Context, e *models.Enrollment, until time.Time) (bool, error) {
	if e.NextSendAt == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND current_step = ? AND next_send_at = ?",
			e.ID, models.EnrollmentStatusActive, e.CurrentStep, *e.NextSendAt).
		Update("next_send_at", until)
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) CreateEnrollments(ctx context.Context, enrollments []models.Enrollment) (int64, error) {
	if len(enrollments) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&enrollments, 500)
	return res.RowsAffected, res.Error
}

func (s *GormStore) GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := s.db.WithContext(ctx).Preload("Contact").First(&e, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *GormStore) SaveEnrollment(ctx context.Context, e *models.Enrollment) error {
	return s.db.WithContext(ctx).Omit("Contact").Save(e).Error
}

func (s *GormStore) GetCampaign(ctx context.Context, id string) (*models.DripCampaign, error) {
	var c models.DripCampaign
	err := s.db.WithContext(ctx).
		Preload("Steps", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		First(&c, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) RunningTestForStep(ctx context.Context, stepID string) (*models.ABTest, error) {
	return firstOrNil[models.ABTest](s.db.WithContext(ctx).
		Preload("Variants").
		Where("step_id = ? AND status = ?", stepID, models.ABTestStatusRunning).
		Order("created_at DESC"))
}

// AssignVariant stores a's variant unless the enrollment already has one, and
// returns the variant in effect.
func (s *GormStore) AssignVariant(ctx context.Context, a *models.ABAssignment) (string, error) {
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(a).Error; err != nil {
		return "", err
	}
	var stored models.ABAssignment
	if err := db.Where("test_id = ? AND enrollment_id = ?", a.TestID, a.EnrollmentID).First(&stored).Error; err != nil {
		return "", err
	}
	return stored.VariantID, nil
}

func (s *GormStore) AutoDeclareTests(ctx context.Context) ([]models.ABTest, error) {
	var tests []models.ABTest
	err := s.db.WithContext(ctx).
		Preload("Variants").
		Where("status = ? AND auto_declare = ?", models.ABTestStatusRunning, true).
		Find(&tests).Error
	return tests, err
}

const countColumns = `
	COUNT(l.sent_at) AS sent,
	COUNT(l.delivered_at) AS delivered,
	COUNT(l.read_at) AS "read",
	COUNT(l.replied_at) AS replied,
	COUNT(l.clicked_at) AS clicked,
	COUNT(l.failed_at) AS failed,
	COUNT(*) FILTER (WHERE l.sent_at IS NOT NULL OR l.failed_at IS NOT NULL) AS reached`

func (s *GormStore) VariantCounts(ctx context.Context, test *models.ABTest) (map[string]StepCounts, error) {
	var rows []struct {
		VariantID string
		StepCounts
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT l.variant_id AS variant_id,`+countColumns+`
		FROM message_logs l
		WHERE l.step_id = ? AND l.variant_id IS NOT NULL AND l.deleted_at IS NULL
		GROUP BY l.variant_id`, test.StepID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]StepCounts, len(rows))
	for _, r := range rows {
		counts[r.VariantID] = r.StepCounts
	}
	return counts, nil
}

func (s *GormStore) DeclareWinner(ctx context.Context, testID, variantID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.ABTest{}).
		Where("id = ? AND status = ?", testID, models.ABTestStatusRunning).
		Updates(map[string]interface{}{
			"status":            models.ABTestStatusCompleted,
			"winner_variant_id": variantID,
			"declared_at":       at,
		}).Error
}

func (s *GormStore) FindMessageLog(ctx context.Context, enrollmentID string, position int) (*models.MessageLog, error) {
	return firstOrNil[models.MessageLog](s.db.WithContext(ctx).
		Where("enrollment_id = ? AND step_position = ?", enrollmentID, position))
}

// CreateMessageLog inserts log unless the (enrollment, step) pair already has
// one, and returns the stored row either way.
func (s *GormStore) CreateMessageLog(ctx context.Context, log *models.MessageLog) (*models.MessageLog, error) {
	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "enrollment_id"}, {Name: "step_position"}},
		DoNothing: true,
	}).Create(log).Error
	if err != nil {
		return nil, err
	}
	var stored models.MessageLog
	if err := db.Where("enrollment_id = ? AND step_position = ?", log.EnrollmentID, log.StepPosition).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// ClaimMessageLog marks an unsent log as being sent until the given time. Only
// one caller gets true while the claim holds.
func (s *GormStore) ClaimMessageLog(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.MessageLog{}).
		Where("id = ? AND status = ? AND sent_at IS NULL AND (claimed_until IS NULL OR claimed_until < ?)",
			id, models.MessageStatusQueued, now).
		Update("claimed_until", until)
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) GetMessageLog(ctx context.Context, id string) (*models.MessageLog, error) {
	var log models.MessageLog
	if err := s.db.WithContext(ctx).First(&log, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *GormStore) FindMessageLogByWhatsAppID(ctx context.Context, wamid string) (*models.MessageLog, error) {
	if wamid == "" {
		return nil, nil
	}
	return firstOrNil[models.MessageLog](s.db.WithContext(ctx).Where("whatsapp_message_id = ?", wamid))
}

func (s *GormStore) LatestMessageLogForPhone(ctx context.Context, phone string, since time.Time) (*models.MessageLog, error) {
	return firstOrNil[models.MessageLog](s.db.WithContext(ctx).
		Joins("JOIN contacts ON contacts.id = message_logs.contact_id AND contacts.deleted_at IS NULL").
		Where("contacts.phone = ? AND message_logs.sent_at >= ?", phone, since).
		Order("message_logs.sent_at DESC"))
}

func (s *GormStore) SaveMessageLog(ctx context.Context, log *models.MessageLog) error {
	return s.db.WithContext(ctx).Save(log).Error
}

func (s *GormStore) CreateEngagementEvent(ctx context.Context, ev *models.EngagementEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

func (s *GormStore) OptOutContact(ctx context.Context, contactID string) error {
	return s.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ?", contactID).
		Update("opted_out", true).Error
}

// PruneMessageLogs hard-deletes logs created before the cutoff together with
// their engagement events.
func (s *GormStore) PruneMessageLogs(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&models.MessageLog{}).Unscoped().Select("id").Where("created_at < ?", before)
		if err := tx.Unscoped().Where("message_log_id IN (?)", old).Delete(&models.EngagementEvent{}).Error; err != nil {
			return err
		}
		res := tx.Unscoped().Where("created_at < ?", before).Delete(&models.MessageLog{})
		pruned = res.RowsAffected
		return res.Error
	})
	return pruned, err
}

func (s *GormStore) StepCounts(ctx context.Context, campaignID string) ([]StepCounts, error) {
	var rows []StepCounts
	err := s.db.WithContext(ctx).Raw(`
		SELECT s.id AS step_id, s.position, s.name,`+countColumns+`
		FROM drip_steps s
		LEFT JOIN message_logs l ON l.step_id = s.id AND l.deleted_at IS NULL
		WHERE s.campaign_id = ? AND s.deleted_at IS NULL
		GROUP BY s.id, s.position, s.name
		ORDER BY s.position`, campaignID).Scan(&rows).Error
	return rows, err
}

func (s *GormStore) EnrollmentCounts(ctx context.Context, campaignID string) (EnrollmentCounts, error) {
	var rows []struct {
		Status models.EnrollmentStatus
		Count  int
	}
	err := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return EnrollmentCounts{}, err
	}

	var counts EnrollmentCounts
	for _, r := range rows {
		counts.Total += r.Count
		switch r.Status {
		case models.EnrollmentStatusActive:
			counts.Active = r.Count
		case models.EnrollmentStatusCompleted:
			counts.Completed = r.Count
		case models.EnrollmentStatusStopped:
			counts.Stopped = r.Count
		case models.EnrollmentStatusFailed:
			counts.Failed = r.Count
		}
	}
	return counts, nil
}

func (s *GormStore) EnrollmentRecords(ctx context.Context, campaignID string) ([]EnrollmentRecord, error) {
	var rows []EnrollmentRecord
	err := s.db.WithContext(ctx).Raw(`
		SELECT e.enrolled_at, e.status,
			EXISTS (
				SELECT 1 FROM message_logs l
				WHERE l.enrollment_id = e.id AND l.replied_at IS NOT NULL
			) AS replied
		FROM enrollments e
		WHERE e.campaign_id = ? AND e.deleted_at IS NULL`, campaignID).Scan(&rows).Error
	return rows, err
}
