package models

import (
	"time"

	"gorm.io/gorm"
)

// Reply classifications
const (
	ClassInterested     = "interested"
	ClassNotInterested  = "not_interested"
	ClassQuestion       = "question"
	ClassObjection      = "objection"
	ClassMeetingRequest = "meeting_request"
	ClassReferral       = "referral"
	ClassUnsubscribe    = "unsubscribe"
	ClassOutOfOffice    = "out_of_office"
	ClassBounce         = "bounce"
	ClassOther          = "other"
)

// Classification methods
const (
	MethodRule = "rule"
	MethodAI   = "ai"
)

// InboundReply is one mailbox message correlated to an enrollment
type InboundReply struct {
	gorm.Model
	EnrollmentID    uint  `gorm:"not null;index" json:"enrollment_id"`
	OutboundEmailID uint  `gorm:"not null;index" json:"outbound_email_id"`
	CreatedTaskID   *uint `json:"created_task_id"`

	// MessageID is the mailbox Message-ID header, the ingestion dedup key.
	MessageID string `gorm:"not null;uniqueIndex" json:"message_id"`

	FromAddress string    `gorm:"not null" json:"from_address"`
	Subject     string    `json:"subject"`
	BodyText    string    `gorm:"type:text" json:"body_text"`
	ReceivedAt  time.Time `gorm:"not null" json:"received_at"`

	Classification           string  `gorm:"index" json:"classification"`
	ClassificationConfidence float64 `json:"classification_confidence"`
	ClassificationMethod     string  `json:"classification_method"` // rule, ai

	EnrollmentPaused bool `gorm:"default:false" json:"enrollment_paused"`
	StageUpdated     bool `gorm:"default:false" json:"stage_updated"`
	NeedsHumanReview bool `gorm:"default:false" json:"needs_human_review"`

	// Relations
	Enrollment Enrollment    `json:"-"`
	Outbound   OutboundEmail `gorm:"foreignKey:OutboundEmailID" json:"-"`
}

// MailboxCheckpoint stores the last ingested IMAP UID per mailbox.
// Single writer: updated only after a batch commits.
type MailboxCheckpoint struct {
	gorm.Model
	Mailbox string `gorm:"not null;uniqueIndex" json:"mailbox"`
	LastUID uint32 `gorm:"not null;default:0" json:"last_uid"`
}
