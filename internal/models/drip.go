package models

import (
	"time"

	"gorm.io/datatypes"
)

type DripCampaign struct {
	Base
	OrganizationID string             `gorm:"type:uuid;not null;index" json:"organizationId"`
	Name           string             `gorm:"not null" json:"name" validate:"required,min=2,max=120"`
	Description    string             `json:"description"`
	Status         DripCampaignStatus `gorm:"not null;default:'DRAFT';index" json:"status" validate:"omitempty,oneof=DRAFT ACTIVE PAUSED ARCHIVED"`
	StopOnReply    bool               `gorm:"default:true" json:"stopOnReply"`
	Steps          []DripStep         `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
}

type DripStep struct {
	Base
	OrganizationID string `gorm:"type:uuid;not null;index" json:"organizationId"`
	CampaignID     string `gorm:"type:uuid;not null;uniqueIndex:idx_drip_steps_campaign_position" json:"campaignId" validate:"required,uuid"`
	Position       int    `gorm:"not null;uniqueIndex:idx_drip_steps_campaign_position" json:"position" validate:"min=0"`
	Name           string `json:"name"`
	DelayMinutes   int    `gorm:"not null;default:0" json:"delayMinutes" validate:"min=0"`
	Body           string `gorm:"type:text;not null" json:"body" validate:"required"`
	TemplateName   string `json:"templateName,omitempty"`
	TemplateLang   string `json:"templateLang,omitempty"`
}

// Delay is the wait between the previous step (or enrollment) and this one.
func (s *DripStep) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

type Enrollment struct {
	Base
	OrganizationID string           `gorm:"type:uuid;not null;index" json:"organizationId"`
	CampaignID     string           `gorm:"type:uuid;not null;uniqueIndex:idx_enrollments_campaign_contact" json:"campaignId"`
	ContactID      string           `gorm:"type:uuid;not null;uniqueIndex:idx_enrollments_campaign_contact" json:"contactId"`
	Contact        *Contact         `json:"contact,omitempty"`
	Status         EnrollmentStatus `gorm:"not null;default:'ACTIVE';index" json:"status"`
	CurrentStep    int              `gorm:"not null;default:0" json:"currentStep"` // position of the next step to send
	NextSendAt     *time.Time       `gorm:"index" json:"nextSendAt,omitempty"`
	EnrolledAt     time.Time        `json:"enrolledAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	StoppedReason  string           `json:"stoppedReason,omitempty"`
}

type MessageLog struct {
	Base
	OrganizationID    string        `gorm:"type:uuid;not null;index" json:"organizationId"`
	CampaignID        string        `gorm:"type:uuid;not null;index" json:"campaignId"`
	StepID            string        `gorm:"type:uuid;not null;index" json:"stepId"`
	StepPosition      int           `gorm:"not null;uniqueIndex:idx_message_logs_enrollment_step" json:"stepPosition"`
	EnrollmentID      string        `gorm:"type:uuid;not null;uniqueIndex:idx_message_logs_enrollment_step" json:"enrollmentId"`
	ContactID         string        `gorm:"type:uuid;not null" json:"contactId"`
	VariantID         *string       `gorm:"type:uuid;index" json:"variantId,omitempty"`
	WhatsAppMessageID string        `gorm:"column:whatsapp_message_id;index" json:"whatsappMessageId,omitempty"`
	Status            MessageStatus `gorm:"not null;default:'QUEUED'" json:"status"`
	Error             string        `json:"error,omitempty"`
	SentAt            *time.Time    `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time    `json:"readAt,omitempty"`
	RepliedAt         *time.Time    `json:"repliedAt,omitempty"`
	ClickedAt         *time.Time    `json:"clickedAt,omitempty"`
	FailedAt          *time.Time    `json:"failedAt,omitempty"`
	// ClaimedUntil marks a send in flight; other workers skip the log until it passes.
	ClaimedUntil *time.Time `json:"-"`
}

type EngagementEvent struct {
	Base
	OrganizationID string         `gorm:"type:uuid;not null;index" json:"organizationId"`
	MessageLogID   string         `gorm:"type:uuid;not null;index" json:"messageLogId"`
	Type           EngagementType `gorm:"not null" json:"type"`
	OccurredAt     time.Time      `gorm:"index" json:"occurredAt"`
	URL            string         `json:"url,omitempty"`
	IPAddress      string         `json:"ipAddress,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	DeviceType     string         `json:"deviceType,omitempty"`
	Browser        string         `json:"browser,omitempty"`
	OS             string         `json:"os,omitempty"`
	Payload        datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
}

type ABTest struct {
	Base
	OrganizationID  string       `gorm:"type:uuid;not null;index" json:"organizationId"`
	CampaignID      string       `gorm:"type:uuid;not null;index" json:"campaignId" validate:"required,uuid"`
	StepID          string       `gorm:"type:uuid;not null;index" json:"stepId" validate:"required,uuid"`
	Name            string       `gorm:"not null" json:"name" validate:"required"`
	Metric          ABMetric     `gorm:"not null;default:'READ_RATE'" json:"metric" validate:"omitempty,oneof=DELIVERY_RATE READ_RATE REPLY_RATE CLICK_RATE"`
	Status          ABTestStatus `gorm:"not null;default:'RUNNING';index" json:"status"`
	MinSampleSize   int          `gorm:"not null;default:100" json:"minSampleSize" validate:"omitempty,min=1"`
	ConfidenceLevel float64      `gorm:"not null;default:0.95" json:"confidenceLevel" validate:"omitempty,gt=0,lt=1"`
	AutoDeclare     bool         `gorm:"default:true" json:"autoDeclare"`
	WinnerVariantID *string      `gorm:"type:uuid" json:"winnerVariantId,omitempty"`
	DeclaredAt      *time.Time   `json:"declaredAt,omitempty"`
	Variants        []ABVariant  `gorm:"foreignKey:TestID" json:"variants,omitempty" validate:"omitempty,min=2,dive"`
}

type ABVariant struct {
	Base
	TestID string `gorm:"type:uuid;not null;index" json:"testId"`
	Name   string `gorm:"not null" json:"name" validate:"required"`
	Body   string `gorm:"type:text;not null" json:"body" validate:"required"`
	Weight int    `gorm:"not null;default:50" json:"weight" validate:"min=0,max=100"`
}

type ABAssignment struct {
	Base
	TestID       string `gorm:"type:uuid;not null;uniqueIndex:idx_ab_assignments_test_enrollment" json:"testId"`
	EnrollmentID string `gorm:"type:uuid;not null;uniqueIndex:idx_ab_assignments_test_enrollment" json:"enrollmentId"`
	VariantID    string `gorm:"type:uuid;not null;index" json:"variantId"`
	ContactID    string `gorm:"type:uuid;not null" json:"contactId"`
}
