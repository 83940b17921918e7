package models

import (
	"time"
)

// User is a dashboard login. API clients use APIKey instead.
type User struct {
	Base
	Email          string        `gorm:"uniqueIndex;not null" json:"email" validate:"required,email"`
	PasswordHash   string        `gorm:"not null" json:"-"`
	Name           string        `json:"name"`
	Role           UserRole      `gorm:"not null;default:'MEMBER'" json:"role"`
	OrganizationID string        `gorm:"type:uuid;not null;index" json:"organizationId"`
	Organization   *Organization `json:"organization,omitempty"`
	LastLoginAt    *time.Time    `json:"lastLoginAt,omitempty"`
}
