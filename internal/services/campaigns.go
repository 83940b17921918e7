package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chirp/internal/drip"
	"chirp/internal/models"

	"gorm.io/gorm"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNoWinner     = errors.New("no significant winner yet")
)

// Enroller adds contacts to a campaign.
type Enroller interface {
	Enroll(ctx context.Context, campaign *models.DripCampaign, contactIDs []string) (int64, error)
}

type CampaignService struct {
	db        *gorm.DB
	campaigns *BaseServiceImpl[models.DripCampaign]
	store     drip.Store
	enroller  Enroller
}

func NewCampaignService(db *gorm.DB, store drip.Store, enroller Enroller) *CampaignService {
	return &CampaignService{
		db:        db,
		campaigns: NewBaseService(db, models.DripCampaign{}),
		store:     store,
		enroller:  enroller,
	}
}

func (s *CampaignService) Campaigns() BaseService[models.DripCampaign] {
	return s.campaigns
}

// Get loads a campaign of the organization with its steps in order.
func (s *CampaignService) Get(ctx context.Context, orgID, id string) (*models.DripCampaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OrganizationID != orgID {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

// Create stores a DRAFT campaign with its steps, within the plan's campaign quota.
func (s *CampaignService) Create(ctx context.Context, orgID string, plan models.PlanTier, c *models.DripCampaign) error {
	if limit := plan.GetFeatureLimit(models.FeatureDripCampaigns); limit > 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.DripCampaign{}).
			Where("organization_id = ? AND status <> ?", orgID, models.DripCampaignStatusArchived).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(limit) {
			return fmt.Errorf("%w: %s plan allows %d campaigns", ErrPlanLimit, plan, limit)
		}
	}
	c.Status = models.DripCampaignStatusDraft
	for i := range c.Steps {
		c.Steps[i].OrganizationID = orgID
		if c.Steps[i].Position == 0 && i > 0 {
			c.Steps[i].Position = i
		}
	}
	return s.campaigns.Create(ctx, orgID, c)
}

// SetStatus moves a campaign between DRAFT, ACTIVE, PAUSED and ARCHIVED.
// Activating needs at least one step; archiving stops active enrollments.
func (s *CampaignService) SetStatus(ctx context.Context, orgID, id string, status models.DripCampaignStatus) (*models.DripCampaign, error) {
	c, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if c.Status == models.DripCampaignStatusArchived {
		return nil, fmt.Errorf("%w: campaign is archived", ErrInvalidState)
	}

	switch status {
	case models.DripCampaignStatusActive:
		if len(c.Steps) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, drip.ErrNoSteps)
		}
	case models.DripCampaignStatusPaused:
		if c.Status != models.DripCampaignStatusActive {
			return nil, fmt.Errorf("%w: only active campaigns can be paused", ErrInvalidState)
		}
	case models.DripCampaignStatusArchived:
	default:
		return nil, fmt.Errorf("%w: cannot move to %s", ErrInvalidState, status)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(c).Update("status", status).Error; err != nil {
			return err
		}
		if status != models.DripCampaignStatusArchived {
			return nil
		}
		return tx.Model(&models.Enrollment{}).
			Where("campaign_id = ? AND status = ?", c.ID, models.EnrollmentStatusActive).
			Updates(map[string]interface{}{
				"status":         models.EnrollmentStatusStopped,
				"stopped_reason": "campaign_archived",
				"next_send_at":   nil,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	c.Status = status
	return c, nil
}

// AddStep appends a step; a zero position means "after the last one".
func (s *CampaignService) AddStep(ctx context.Context, orgID, campaignID string, step *models.DripStep) error {
	c, err := s.Get(ctx, orgID, campaignID)
	if err != nil {
		return err
	}
	step.OrganizationID = orgID
	step.CampaignID = c.ID
	if step.Position == 0 && len(c.Steps) > 0 {
		step.Position = c.Steps[len(c.Steps)-1].Position + 1
	}
	return s.db.WithContext(ctx).Create(step).Error
}

func (s *CampaignService) UpdateStep(ctx context.Context, orgID, campaignID, stepID string, patch *models.DripStep) (*models.DripStep, error) {
	var step models.DripStep
	if err := s.db.WithContext(ctx).
		First(&step, "id = ? AND campaign_id = ? AND organization_id = ?", stepID, campaignID, orgID).Error; err != nil {
		return nil, err
	}
	patch.OrganizationID = orgID
	patch.CampaignID = campaignID
	if err := s.db.WithContext(ctx).Model(&step).Omit("id", "created_at", "position").Updates(patch).Error; err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *CampaignService) DeleteStep(ctx context.Context, orgID, campaignID, stepID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND campaign_id = ? AND organization_id = ?", stepID, campaignID, orgID).
		Delete(&models.DripStep{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// EnrollRequest selects contacts by id or by tag. Opted-out contacts and
// contacts of other organizations are skipped.
type EnrollRequest struct {
	ContactIDs []string `json:"contactIds" validate:"omitempty,dive,uuid"`
	Tag        string   `json:"tag"`
}

type EnrollResult struct {
	Requested int   `json:"requested"`
	Enrolled  int64 `json:"enrolled"`
}

func (s *CampaignService) Enroll(ctx context.Context, orgID, campaignID string, req EnrollRequest) (*EnrollResult, error) {
	c, err := s.Get(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Model(&models.Contact{}).
		Where("organization_id = ? AND opted_out = ?", orgID, false)
	switch {
	case len(req.ContactIDs) > 0:
		q = q.Where("id IN ?", req.ContactIDs)
	case req.Tag != "":
		q = q.Where("? = ANY(tags)", req.Tag)
	default:
		return nil, fmt.Errorf("%w: contactIds or tag is required", ErrInvalidState)
	}

	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	enrolled, err := s.enroller.Enroll(ctx, c, ids)
	if err != nil {
		return nil, err
	}
	return &EnrollResult{Requested: len(ids), Enrolled: enrolled}, nil
}

func (s *CampaignService) Funnel(ctx context.Context, orgID, id string) (*drip.Funnel, error) {
	c, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.StepCounts(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	enrollments, err := s.store.EnrollmentCounts(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	f := drip.BuildFunnel(c.ID, enrollments, steps)
	return &f, nil
}

func (s *CampaignService) Cohorts(ctx context.Context, orgID, id string, g drip.Granularity) ([]drip.Cohort, error) {
	c, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	records, err := s.store.EnrollmentRecords(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return drip.BuildCohorts(records, g), nil
}

// CreateABTest starts a test on one step. A step runs at most one test.
func (s *CampaignService) CreateABTest(ctx context.Context, orgID string, t *models.ABTest) error {
	c, err := s.Get(ctx, orgID, t.CampaignID)
	if err != nil {
		return err
	}
	found := false
	for _, step := range c.Steps {
		if step.ID == t.StepID {
			found = true
			break
		}
	}
	if !found {
		return gorm.ErrRecordNotFound
	}
	running, err := s.store.RunningTestForStep(ctx, t.StepID)
	if err != nil {
		return err
	}
	if running != nil {
		return fmt.Errorf("%w: step already has running test %s", gorm.ErrDuplicatedKey, running.ID)
	}

	t.OrganizationID = orgID
	t.Status = models.ABTestStatusRunning
	if t.Metric == "" {
		t.Metric = models.ABMetricReadRate
	}
	if t.MinSampleSize == 0 {
		t.MinSampleSize = 100
	}
	if t.ConfidenceLevel == 0 {
		t.ConfidenceLevel = 0.95
	}
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *CampaignService) getABTest(ctx context.Context, orgID, id string) (*models.ABTest, error) {
	var t models.ABTest
	if err := s.db.WithContext(ctx).Preload("Variants").
		First(&t, "id = ? AND organization_id = ?", id, orgID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *CampaignService) ABTestResults(ctx context.Context, orgID, id string) (*models.ABTest, *drip.Evaluation, error) {
	t, err := s.getABTest(ctx, orgID, id)
	if err != nil {
		return nil, nil, err
	}
	counts, err := s.store.VariantCounts(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	ev := drip.EvaluateTest(*t, counts)
	return t, &ev, nil
}

// DeclareWinner closes a running test. An empty variantID takes the
// statistically significant leader, failing with ErrNoWinner if there is none.
func (s *CampaignService) DeclareWinner(ctx context.Context, orgID, testID, variantID string) (*models.ABTest, error) {
	t, ev, err := s.ABTestResults(ctx, orgID, testID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.ABTestStatusRunning {
		return nil, fmt.Errorf("%w: test is already %s", ErrInvalidState, t.Status)
	}
	if variantID == "" {
		if ev.Winner == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoWinner, ev.Reason)
		}
		variantID = ev.Winner.VariantID
	}
	valid := false
	for _, v := range t.Variants {
		if v.ID == variantID {
			valid = true
		}
	}
	if !valid {
		return nil, gorm.ErrRecordNotFound
	}
	if err := s.store.DeclareWinner(ctx, t.ID, variantID, time.Now()); err != nil {
		return nil, err
	}
	return s.getABTest(ctx, orgID, testID)
}
