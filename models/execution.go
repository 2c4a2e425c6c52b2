package models

import (
	"time"

	"gorm.io/gorm"
)

// StepExecution statuses
const (
	ExecutionPending         = "pending"
	ExecutionPendingApproval = "pending_approval"
	ExecutionSent            = "sent"
	ExecutionSkipped         = "skipped"
	ExecutionFailed          = "failed"
	ExecutionExpired         = "expired"
)

// AIEmailDraft statuses
const (
	DraftPendingReview = "pending_review"
	DraftApproved      = "approved"
	DraftRejected      = "rejected"
	DraftEdited        = "edited"
	DraftExpired       = "expired"
)

// StepExecution is one scheduled occurrence of a sequence step
type StepExecution struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index;uniqueIndex:idx_enrollment_step" json:"enrollment_id"`
	StepID       uint `gorm:"not null;index" json:"step_id"`
	StepNumber   int  `gorm:"not null;uniqueIndex:idx_enrollment_step" json:"step_number"`

	Status       string     `gorm:"not null;default:'pending';index" json:"status"` // pending, pending_approval, sent, skipped, failed, expired
	ScheduledFor time.Time  `gorm:"not null;index" json:"scheduled_for"`
	ExecutedAt   *time.Time `json:"executed_at"`

	Attempts  int    `gorm:"default:0" json:"attempts"`
	LastError string `json:"last_error"`

	OutboundEmailID *uint `gorm:"index" json:"outbound_email_id"`
	CreatedTaskID   *uint `json:"created_task_id"`

	// Relations
	Enrollment Enrollment   `json:"-"`
	Step       SequenceStep `json:"-"`
	Draft      *AIEmailDraft `gorm:"foreignKey:ExecutionID" json:"draft,omitempty"`
}

// IsTerminal reports whether the execution reached a final status.
func (se *StepExecution) IsTerminal() bool {
	switch se.Status {
	case ExecutionSent, ExecutionSkipped, ExecutionFailed, ExecutionExpired:
		return true
	}
	return false
}

// AIEmailDraft is the reviewable artefact for an ai_email execution
type AIEmailDraft struct {
	gorm.Model
	ExecutionID uint `gorm:"not null;uniqueIndex" json:"execution_id"`

	Subject  string `gorm:"not null" json:"subject"`
	BodyHTML string `gorm:"type:text" json:"body_html"`

	Status    string    `gorm:"not null;default:'pending_review';index" json:"status"` // pending_review, approved, rejected, edited, expired
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`

	ReviewedAt    *time.Time `json:"reviewed_at"`
	ReviewedBy    *uint      `json:"reviewed_by"`
	EditedSubject string     `json:"edited_subject"`
	EditedBody    string     `gorm:"type:text" json:"edited_body"`
	AutoApproved  bool       `gorm:"default:false" json:"auto_approved"`

	// Relations
	Execution StepExecution `json:"-"`
}

// FinalSubject returns the subject that should actually be sent.
func (d *AIEmailDraft) FinalSubject() string {
	if d.Status == DraftEdited && d.EditedSubject != "" {
		return d.EditedSubject
	}
	return d.Subject
}

// FinalBody returns the body that should actually be sent.
func (d *AIEmailDraft) FinalBody() string {
	if d.Status == DraftEdited && d.EditedBody != "" {
		return d.EditedBody
	}
	return d.BodyHTML
}

// StepApprovalStat tracks the rolling review window for one
// (sequence step, reviewer) pair, driving graduated auto-approval.
type StepApprovalStat struct {
	gorm.Model
	StepID     uint `gorm:"not null;index;uniqueIndex:idx_step_reviewer" json:"step_id"`
	ReviewerID uint `gorm:"not null;uniqueIndex:idx_step_reviewer" json:"reviewer_id"`

	// Outcomes holds the most recent decisions, oldest first:
	// 'a' approved unchanged, 'e' edited, 'r' rejected.
	Outcomes string `json:"outcomes"`
}

// Record appends an outcome, trimming the window to size.
func (s *StepApprovalStat) Record(outcome byte, window int) {
	s.Outcomes += string(outcome)
	if len(s.Outcomes) > window {
		s.Outcomes = s.Outcomes[len(s.Outcomes)-window:]
	}
}

// ApprovedShare returns the fraction of window entries approved unchanged,
// and the number of entries observed.
func (s *StepApprovalStat) ApprovedShare() (float64, int) {
	n := len(s.Outcomes)
	if n == 0 {
		return 0, 0
	}
	approved := 0
	for i := 0; i < n; i++ {
		if s.Outcomes[i] == 'a' {
			approved++
		}
	}
	return float64(approved) / float64(n), n
}
