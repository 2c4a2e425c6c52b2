package models

import "gorm.io/gorm"

// Migrate creates or updates every table the engine owns plus the CRM
// subset it reads. Uniqueness invariants live in the index tags:
// (sequence_id, step_number), (enrollment_id, step_number),
// outbound tracking_token, inbound message_id, draft execution_id.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Company{},
		&Contact{},
		&Opportunity{},
		&Quote{},
		&Task{},
		&Sequence{},
		&SequenceStep{},
		&Enrollment{},
		&StepExecution{},
		&AIEmailDraft{},
		&StepApprovalStat{},
		&OutboundEmail{},
		&InboundReply{},
		&MailboxCheckpoint{},
	)
}
