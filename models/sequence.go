package models

import (
	"gorm.io/gorm"
)

// Trigger types for automatic enrollment
const (
	TriggerManual         = "manual"
	TriggerNewOpportunity = "new_opportunity"
	TriggerQuoteSent      = "quote_sent"
	TriggerStaleDeal      = "stale_deal"
)

// Step action types
const (
	ActionEmail       = "email"
	ActionAIEmail     = "ai_email"
	ActionTask        = "task"
	ActionStageUpdate = "stage_update"
)

// Sequence represents an outreach plan template
type Sequence struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	TriggerType  string `gorm:"not null;default:'manual'" json:"trigger_type"` // manual, new_opportunity, quote_sent, stale_deal
	TargetStages string `json:"target_stages"`                                 // comma-separated opportunity stages
	IsActive     bool   `gorm:"default:true;index" json:"is_active"`

	// EntityFilter restricts the sequence to one billing entity. Blank matches any.
	EntityFilter string `json:"entity_filter"`

	StopOnReply              bool `gorm:"default:true" json:"stop_on_reply"`
	MaxEnrollmentsPerCompany int  `gorm:"default:1" json:"max_enrollments_per_company"`
	StaleDaysThreshold       int  `gorm:"default:30" json:"stale_days_threshold"`

	// Relations
	Steps       []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	Enrollments []Enrollment   `gorm:"foreignKey:SequenceID" json:"enrollments,omitempty"`
}

// TargetStageList splits the stored stage set.
func (s *Sequence) TargetStageList() []string {
	return SplitCSV(s.TargetStages)
}

// HasTargetStage reports whether stage is in the sequence's target set.
func (s *Sequence) HasTargetStage(stage string) bool {
	for _, st := range s.TargetStageList() {
		if st == stage {
			return true
		}
	}
	return false
}

// SequenceStep represents one action in a sequence
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_sequence_step_number" json:"sequence_id"`

	StepNumber int    `gorm:"not null;uniqueIndex:idx_sequence_step_number" json:"step_number"`
	DelayDays  int    `gorm:"not null;default:0" json:"delay_days"`
	ActionType string `gorm:"not null" json:"action_type"` // email, ai_email, task, stage_update

	// email
	SubjectTemplate string `json:"subject_template"`
	BodyTemplate    string `gorm:"type:text" json:"body_template"`

	// ai_email
	PromptInstructions string `gorm:"type:text" json:"prompt_instructions"`
	MaxWords           int    `gorm:"default:150" json:"max_words"`

	// task
	TaskTitleTemplate string `json:"task_title_template"`
	TaskType          string `json:"task_type"`

	// stage_update
	StageToSet string `json:"stage_to_set"`

	// Relations
	Sequence Sequence `json:"-"`
}
