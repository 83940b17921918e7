package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chirp/internal/models"
	"chirp/internal/utils"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

var ErrInvalidPlan = errors.New("invalid plan change")

// OrganizationService resolves plans and manages API keys.
type OrganizationService struct {
	db *gorm.DB
}

func NewOrganizationService(db *gorm.DB) *OrganizationService {
	return &OrganizationService{db: db}
}

func (s *OrganizationService) Get(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *OrganizationService) OrganizationPlan(ctx context.Context, organizationID string) (models.PlanTier, error) {
	var org models.Organization
	if err := s.db.WithContext(ctx).Select("plan").First(&org, "id = ?", organizationID).Error; err != nil {
		return "", err
	}
	return org.Plan, nil
}

func (s *OrganizationService) FindAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var key models.APIKey
	if err := s.db.WithContext(ctx).First(&key, "key_hash = ?", hash).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *OrganizationService) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", id).Update("last_used_at", at).Error
}

// CreateAPIKey stores a new key and returns it with its plaintext, which is
// not recoverable afterwards.
func (s *OrganizationService) CreateAPIKey(ctx context.Context, orgID, name string, scopes []string, expiresAt *time.Time) (*models.APIKey, string, error) {
	plain, prefix, err := utils.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	key := &models.APIKey{
		Name:           name,
		Prefix:         prefix,
		KeyHash:        utils.HashAPIKey(plain),
		OrganizationID: orgID,
		Scopes:         pq.StringArray(scopes),
		ExpiresAt:      expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, "", err
	}
	return key, plain, nil
}

func (s *OrganizationService) ListAPIKeys(ctx context.Context, orgID string) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).Where("organization_id = ?", orgID).Order("created_at DESC").Find(&keys).Error
	return keys, err
}

func (s *OrganizationService) RevokeAPIKey(ctx context.Context, orgID, id string) error {
	res := s.db.WithContext(ctx).Where("organization_id = ? AND id = ?", orgID, id).Delete(&models.APIKey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Usage counts what an organization holds against its plan limits.
type Usage struct {
	Contacts  int64 `json:"contacts"`
	Campaigns int64 `json:"campaigns"`
}

// Overview is an organization with its plan and usage.
type Overview struct {
	*models.Organization
	Limits   models.PlanLimits                                  `json:"limits"`
	Features map[models.ProductFeature]models.PlanFeatureConfig `json:"features"`
	Usage    Usage                                              `json:"usage"`
}

func (s *OrganizationService) Overview(ctx context.Context, id string) (*Overview, error) {
	org, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var usage Usage
	if err := s.db.WithContext(ctx).Model(&models.Contact{}).Where("organization_id = ?", id).Count(&usage.Contacts).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.DripCampaign{}).Where("organization_id = ?", id).Count(&usage.Campaigns).Error; err != nil {
		return nil, err
	}
	return &Overview{
		Organization: org,
		Limits:       org.Plan.Limits(),
		Features:     org.Plan.Features(),
		Usage:        usage,
	}, nil
}

// OrganizationSettings are the fields an admin may change.
type OrganizationSettings struct {
	Name          *string `json:"name" validate:"omitempty,min=2"`
	DefaultRegion *string `json:"defaultRegion" validate:"omitempty,len=2"`
}

func (s *OrganizationService) Update(ctx context.Context, id string, in OrganizationSettings) (*models.Organization, error) {
	updates := map[string]interface{}{}
	if in.Name != nil {
		updates["name"] = strings.TrimSpace(*in.Name)
	}
	if in.DefaultRegion != nil {
		updates["default_region"] = strings.ToUpper(*in.DefaultRegion)
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&models.Organization{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, id)
}

// ChangePlan moves the organization to another tier. Downgrades are refused
// while usage exceeds the new limits.
func (s *OrganizationService) ChangePlan(ctx context.Context, id string, plan models.PlanTier) (*Overview, error) {
	if !plan.Valid() {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidPlan, plan)
	}
	current, err := s.Overview(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkDowngrade(plan.Limits(), current.Usage); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Organization{}).Where("id = ?", id).Update("plan", plan).Error; err != nil {
		return nil, err
	}
	return s.Overview(ctx, id)
}

func checkDowngrade(limits models.PlanLimits, usage Usage) error {
	if limits.MaxContacts > 0 && usage.Contacts > int64(limits.MaxContacts) {
		return fmt.Errorf("%w: %d contacts exceed the plan limit of %d", ErrInvalidPlan, usage.Contacts, limits.MaxContacts)
	}
	if limits.MaxCampaigns > 0 && usage.Campaigns > int64(limits.MaxCampaigns) {
		return fmt.Errorf("%w: %d campaigns exceed the plan limit of %d", ErrInvalidPlan, usage.Campaigns, limits.MaxCampaigns)
	}
	return nil
}
