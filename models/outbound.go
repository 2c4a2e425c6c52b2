package models

import (
	"time"

	"gorm.io/gorm"
)

// OutboundEmail statuses
const (
	OutboundPending      = "pending"
	OutboundSent         = "sent"
	OutboundFailed       = "failed"
	OutboundBounced      = "bounced"
	OutboundOpened       = "opened"
	OutboundClicked      = "clicked"
	OutboundUnsubscribed = "unsubscribed"
)

// OutboundEmail records one attempted outbound send
type OutboundEmail struct {
	gorm.Model
	ExecutionID  uint `gorm:"not null;index" json:"execution_id"`
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	ContactID    uint `gorm:"not null;index" json:"contact_id"`

	FromAddress string `gorm:"not null" json:"from_address"`
	ToAddress   string `gorm:"not null" json:"to_address"`
	CC          string `json:"cc"`
	Subject     string `gorm:"not null" json:"subject"`
	BodyHTML    string `gorm:"type:text" json:"body_html"`
	BodyText    string `gorm:"type:text" json:"body_text"`

	Status string     `gorm:"not null;default:'pending';index" json:"status"` // pending, sent, failed, bounced, opened, clicked, unsubscribed
	SentAt *time.Time `json:"sent_at"`

	MessageID string `gorm:"index" json:"message_id"`

	// TrackingToken correlates inbound replies and pixel hits to this send.
	TrackingToken  string `gorm:"not null;uniqueIndex" json:"tracking_token"`
	IdempotencyKey string `gorm:"uniqueIndex" json:"idempotency_key"`

	// Relations
	Execution  StepExecution `json:"-"`
	Enrollment Enrollment    `json:"-"`
}
