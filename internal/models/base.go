package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains common columns for all tables
type Base struct {
	ID        string         `gorm:"type:uuid;primary_key" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate will set a UUID rather than numeric ID
func (base *Base) BeforeCreate(tx *gorm.DB) error {
	if base.ID == "" {
		base.ID = uuid.New().String()
	}
	return nil
}

type UserRole string

const (
	UserRoleOwner  UserRole = "OWNER"
	UserRoleAdmin  UserRole = "ADMIN"
	UserRoleMember UserRole = "MEMBER"
)

type ContactImportStatus string

const (
	ContactImportStatusPending    ContactImportStatus = "PENDING"
	ContactImportStatusProcessing ContactImportStatus = "PROCESSING"
	ContactImportStatusCompleted  ContactImportStatus = "COMPLETED"
	ContactImportStatusFailed     ContactImportStatus = "FAILED"
)

// DripCampaignStatus Status enums
type DripCampaignStatus string

const (
	DripCampaignStatusDraft    DripCampaignStatus = "DRAFT"
	DripCampaignStatusActive   DripCampaignStatus = "ACTIVE"
	DripCampaignStatusPaused   DripCampaignStatus = "PAUSED"
	DripCampaignStatusArchived DripCampaignStatus = "ARCHIVED"
)

type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusStopped   EnrollmentStatus = "STOPPED"
	EnrollmentStatusFailed    EnrollmentStatus = "FAILED"
)

// MessageStatus is ordered: a log only moves forward through
// QUEUED < SENT < DELIVERED < READ < REPLIED. FAILED is terminal.
type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "QUEUED"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
	MessageStatusReplied   MessageStatus = "REPLIED"
	MessageStatusFailed    MessageStatus = "FAILED"
)

var messageStatusRank = map[MessageStatus]int{
	MessageStatusQueued:    0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
	MessageStatusReplied:   4,
}

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if s == MessageStatusFailed {
		return false
	}
	if next == MessageStatusFailed {
		return s == MessageStatusQueued || s == MessageStatusSent
	}
	return messageStatusRank[next] > messageStatusRank[s]
}

type EngagementType string

const (
	EngagementTypeDelivered EngagementType = "DELIVERED"
	EngagementTypeRead      EngagementType = "READ"
	EngagementTypeReply     EngagementType = "REPLY"
	EngagementTypeClick     EngagementType = "CLICK"
	EngagementTypeFailed    EngagementType = "FAILED"
)

type ABTestStatus string

const (
	ABTestStatusRunning   ABTestStatus = "RUNNING"
	ABTestStatusCompleted ABTestStatus = "COMPLETED"
)

// ABMetric selects the success event counted for a variant.
type ABMetric string

const (
	ABMetricDeliveryRate ABMetric = "DELIVERY_RATE"
	ABMetricReadRate     ABMetric = "READ_RATE"
	ABMetricReplyRate    ABMetric = "REPLY_RATE"
	ABMetricClickRate    ABMetric = "CLICK_RATE"
)
