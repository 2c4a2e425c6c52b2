package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses
const (
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCompleted = "completed"
	EnrollmentCancelled = "cancelled"
	EnrollmentReplied   = "replied"
)

// Pause / cancel reasons
const (
	ReasonReplyReceived = "reply_received"
	ReasonManual        = "manual"
	ReasonMeetingBooked = "meeting_booked"
	ReasonOutOfOffice   = "out_of_office"
	ReasonError         = "error"
	ReasonUnsubscribe   = "unsubscribe"
	ReasonNotInterested = "not_interested"
)

// Enrollment sources
const (
	SourceManual      = "manual"
	SourceAutoTrigger = "auto_trigger"
)

// Enrollment binds one (sequence, opportunity, contact) tuple
type Enrollment struct {
	gorm.Model
	SequenceID    uint `gorm:"not null;index" json:"sequence_id"`
	OpportunityID uint `gorm:"not null;index" json:"opportunity_id"`
	ContactID     uint `gorm:"not null;index" json:"contact_id"`
	CompanyID     uint `gorm:"not null;index" json:"company_id"`

	Status      string `gorm:"not null;default:'active';index" json:"status"` // active, paused, completed, cancelled, replied
	CurrentStep int    `gorm:"default:0" json:"current_step"`                 // 0 = not started
	Source      string `gorm:"not null;default:'manual'" json:"source"`       // manual, auto_trigger

	EnrolledAt  time.Time  `gorm:"not null" json:"enrolled_at"`
	PausedAt    *time.Time `json:"paused_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`
	RepliedAt   *time.Time `json:"replied_at"`
	PauseReason string     `json:"pause_reason"`

	// Relations
	Sequence    Sequence        `json:"-"`
	Opportunity Opportunity     `json:"-"`
	Contact     Contact         `json:"-"`
	Executions  []StepExecution `gorm:"foreignKey:EnrollmentID" json:"executions,omitempty"`
}

// IsTerminal reports whether the enrollment can never execute again.
func (e *Enrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentCompleted, EnrollmentCancelled, EnrollmentReplied:
		return true
	}
	return false
}
