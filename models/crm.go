package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// The engine reads and writes a narrow slice of the CRM schema. These
// models mirror the CRM tables it touches; the admin application owns
// the rest of their columns.

// Company represents a customer or prospect business
type Company struct {
	gorm.Model
	Name          string `gorm:"not null" json:"name"`
	BillingEntity string `json:"billing_entity"`

	// Relations
	Contacts      []Contact     `gorm:"foreignKey:CompanyID" json:"contacts,omitempty"`
	Opportunities []Opportunity `gorm:"foreignKey:CompanyID" json:"opportunities,omitempty"`
}

// Contact represents a person at a company
type Contact struct {
	gorm.Model
	CompanyID uint `gorm:"not null;index" json:"company_id"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `gorm:"index" json:"email"`
	Language  string `gorm:"default:'en'" json:"language"`

	IsActive              bool `gorm:"default:true" json:"is_active"`
	IsPrimary             bool `gorm:"default:false" json:"is_primary"`
	IsUnsubscribed        bool `gorm:"default:false;index" json:"is_unsubscribed"`
	EmailInvalid          bool `gorm:"default:false" json:"email_invalid"`
	ReceivesNotifications bool `gorm:"default:true" json:"receives_notifications"`

	// Relations
	Company Company `json:"-"`
}

// FullName joins the contact's name parts.
func (c *Contact) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// Opportunity represents a deal in the pipeline
type Opportunity struct {
	gorm.Model
	CompanyID        uint  `gorm:"not null;index" json:"company_id"`
	OwnerID          uint  `gorm:"index" json:"owner_id"`
	PrimaryContactID *uint `json:"primary_contact_id"`

	Name           string     `gorm:"not null" json:"name"`
	Stage          string     `gorm:"not null;index" json:"stage"`
	StageChangedAt *time.Time `json:"stage_changed_at"`
	BillingEntity  string     `json:"billing_entity"`

	// Relations
	Company Company `json:"-"`
	Owner   User    `gorm:"foreignKey:OwnerID" json:"-"`
	Quotes  []Quote `gorm:"foreignKey:OpportunityID" json:"quotes,omitempty"`
}

// Quote statuses the engine cares about
const (
	QuoteSent = "sent"
)

// Quote represents a priced offer on an opportunity
type Quote struct {
	gorm.Model
	OpportunityID uint `gorm:"not null;index" json:"opportunity_id"`

	State          string     `gorm:"not null" json:"state"`
	StateChangedAt *time.Time `json:"state_changed_at"`

	// Relations
	Opportunity Opportunity `json:"-"`
}

// Task represents a to-do created for an opportunity owner
type Task struct {
	gorm.Model
	OpportunityID uint  `gorm:"not null;index" json:"opportunity_id"`
	ContactID     *uint `json:"contact_id"`
	AssignedToID  uint  `gorm:"index" json:"assigned_to_id"`

	Title    string     `gorm:"not null" json:"title"`
	TaskType string     `json:"task_type"`
	IsDone   bool       `gorm:"default:false" json:"is_done"`
	DueAt    *time.Time `json:"due_at"`
}

// User is a CRM operator (opportunity owner, draft reviewer)
type User struct {
	gorm.Model
	Name  string `gorm:"not null" json:"name"`
	Email string `gorm:"not null;uniqueIndex" json:"email"`
}

// SplitCSV splits a comma-separated field, trimming blanks.
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
