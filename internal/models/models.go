package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type Organization struct {
	Base
	Name          string   `gorm:"not null" json:"name" validate:"required,min=2"`
	Plan          PlanTier `gorm:"not null;default:'FREE'" json:"plan" validate:"omitempty,oneof=FREE STARTER PRO ENTERPRISE"`
	DefaultRegion string   `gorm:"size:2;default:'NL'" json:"defaultRegion" validate:"omitempty,len=2"`
	Users         []User   `gorm:"foreignKey:OrganizationID" json:"users,omitempty"`
}

// APIKey stores only the sha3 hash of the key; the plaintext is shown once.
type APIKey struct {
	Base
	Name           string         `gorm:"not null" json:"name" validate:"required"`
	Prefix         string         `gorm:"size:12" json:"prefix"`
	KeyHash        string         `gorm:"uniqueIndex;not null" json:"-"`
	OrganizationID string         `gorm:"type:uuid;not null;index" json:"organizationId"`
	Scopes         pq.StringArray `gorm:"type:text[]" json:"scopes"`
	LastUsedAt     *time.Time     `json:"lastUsedAt,omitempty"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
}

func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

type Contact struct {
	Base
	OrganizationID string         `gorm:"type:uuid;not null;uniqueIndex:idx_contacts_org_phone" json:"organizationId"`
	Phone          string         `gorm:"not null;uniqueIndex:idx_contacts_org_phone" json:"phone" validate:"required,e164"`
	FirstName      string         `json:"firstName" validate:"omitempty,max=100"`
	LastName       string         `json:"lastName" validate:"omitempty,max=100"`
	Email          string         `json:"email" validate:"omitempty,email"`
	Tags           pq.StringArray `gorm:"type:text[]" json:"tags"`
	CustomFields   datatypes.JSON `gorm:"type:jsonb;default:'{}'" json:"customFields"`
	OptedOut       bool           `gorm:"default:false" json:"optedOut"`
	ImportID       *string        `gorm:"type:uuid;index" json:"importId,omitempty"`
}

// DisplayName is used when rendering message bodies.
func (c *Contact) DisplayName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.Phone
	}
}

type ContactImport struct {
	Base
	OrganizationID string              `gorm:"type:uuid;not null;index" json:"organizationId"`
	Status         ContactImportStatus `gorm:"not null;default:'PENDING'" json:"status"`
	FileName       string              `json:"fileName"`
	StorageKey     string              `json:"storageKey,omitempty"`
	Source         string              `gorm:"type:text" json:"-"` // inline CSV when no object storage is configured
	JobID          string              `json:"jobId,omitempty"`
	Total          int                 `json:"total"`
	Valid          int                 `json:"valid"`
	Invalid        int                 `json:"invalid"`
	Duplicates     int                 `json:"duplicates"`
	Created        int                 `json:"created"`
	Errors         datatypes.JSON      `gorm:"type:jsonb;default:'[]'" json:"errors"`
	FailureReason  string              `json:"failureReason,omitempty"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
}
