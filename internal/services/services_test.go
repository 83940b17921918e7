package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"chirp/internal/importer"
	"chirp/internal/models"
	"chirp/internal/utils"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// dryRun builds statements without a server.
func dryRun(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.Open("host=localhost user=chirp dbname=chirp sslmode=disable"), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return db
}

func TestSetTenant(t *testing.T) {
	c := &models.Contact{OrganizationID: "other"}
	require.NoError(t, setTenant(c, "org-1"))
	assert.Equal(t, "org-1", c.OrganizationID)

	assert.Error(t, setTenant(&models.ABVariant{}, "org-1"))
}

func TestFilterScope(t *testing.T) {
	db := dryRun(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var out []models.Contact
		return tx.Model(&models.Contact{}).
			Scopes(filterScope(map[string]string{"tags": "vip", "opted_out": "false"})).
			Find(&out)
	})
	assert.Contains(t, sql, `'vip' = ANY(tags)`)
	assert.Contains(t, sql, `opted_out = 'false'`)
}

func TestBaseService_ScopesByOrganization(t *testing.T) {
	svc := NewBaseService(dryRun(t), models.DripCampaign{})
	assert.Equal(t, "drip_campaigns", GormTableName(svc.db, svc.modelType))

	sql := svc.db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var out []models.DripCampaign
		return svc.scoped(context.Background(), "org-1").Find(&out)
	})
	assert.Contains(t, sql, `organization_id = 'org-1'`)
	assert.Contains(t, sql, `"deleted_at" IS NULL`)
}

func TestContactFromRow(t *testing.T) {
	c := contactFromRow("org-1", "imp-1", importer.Contact{
		Phone:        "+31612345678",
		FirstName:    "Anne",
		Tags:         []string{"vip"},
		CustomFields: map[string]string{"city": "Utrecht"},
	})
	assert.Equal(t, "org-1", c.OrganizationID)
	require.NotNil(t, c.ImportID)
	assert.Equal(t, "imp-1", *c.ImportID)
	assert.JSONEq(t, `{"city":"Utrecht"}`, string(c.CustomFields))

	bare := contactFromRow("org-1", "imp-1", importer.Contact{Phone: "+31612345678"})
	assert.Equal(t, "{}", string(bare.CustomFields))
}

func TestAuthSession(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := NewAuthService(nil, "secret")
	s.now = func() time.Time { return fixed }

	session, err := s.session(&models.User{
		Base:           models.Base{ID: "u1"},
		Email:          "anne@example.nl",
		Role:           models.UserRoleOwner,
		OrganizationID: "org-1",
	})
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(24*time.Hour), session.ExpiresAt)

	claims := &utils.TokenClaims{}
	_, err = jwt.ParseWithClaims(session.Token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "org-1", claims.OrganizationID)
	assert.Equal(t, "OWNER", claims.Role)
}

func TestCheckDowngrade(t *testing.T) {
	starter := models.PlanStarter.Limits()
	assert.NoError(t, checkDowngrade(starter, Usage{Contacts: 5000, Campaigns: 5}))
	assert.ErrorIs(t, checkDowngrade(starter, Usage{Contacts: 5001}), ErrInvalidPlan)
	assert.ErrorIs(t, checkDowngrade(starter, Usage{Campaigns: 6}), ErrInvalidPlan)
	assert.NoError(t, checkDowngrade(models.PlanEnterprise.Limits(), Usage{Contacts: 1 << 30}))
}

func TestWithinQuota(t *testing.T) {
	rows := []importer.Contact{
		{Row: 2, Phone: "+14155550001"},
		{Row: 3, Phone: "+14155550002"},
		{Row: 4, Phone: "+14155550003"},
		{Row: 5, Phone: "+14155550004"},
	}
	known := map[string]bool{"+14155550003": true}

	kept, over := withinQuota(rows, known, 1, 500)
	require.Len(t, kept, 2)
	assert.Equal(t, "+14155550001", kept[0].Phone)
	assert.Equal(t, "+14155550003", kept[1].Phone)
	require.Len(t, over, 2)
	assert.Equal(t, 3, over[0].Row)
	assert.Equal(t, 5, over[1].Row)
	assert.Contains(t, over[0].Message, "limit of 500")

	kept, over = withinQuota(rows, known, 0, 500)
	assert.Len(t, kept, 1)
	assert.Len(t, over, 3)

	kept, over = withinQuota(rows, nil, 10, 500)
	assert.Len(t, kept, 4)
	assert.Empty(t, over)
}

type failingImportQueue struct{}

func (failingImportQueue) EnqueueContactImport(context.Context, string, string) (string, error) {
	return "", errors.New("redis: connection refused")
}

func TestCreateImport_EnqueueFailureMarksFailed(t *testing.T) {
	svc := NewContactService(dryRun(t), nil, failingImportQueue{}, "US")

	imp, err := svc.CreateImport(context.Background(), "org-1", "leads.csv", []byte("phone\n4155550001\n"))
	require.Error(t, err)
	require.NotNil(t, imp)
	assert.Equal(t, models.ContactImportStatusFailed, imp.Status)
	assert.Contains(t, imp.FailureReason, "connection refused")
	assert.Empty(t, imp.JobID)
}
