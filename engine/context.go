package engine

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"soundreach/models"
)

// enrollmentScope carries the rows an execution touches, loaded once
// per step.
type enrollmentScope struct {
	Enrollment  *models.Enrollment
	Sequence    *models.Sequence
	Opportunity *models.Opportunity
	Company     *models.Company
	Contact     *models.Contact
	Owner       *models.User
}

// loadScope reads the CRM rows around an enrollment.
func (e *Engine) loadScope(tx *gorm.DB, enrollment *models.Enrollment) (*enrollmentScope, error) {
	scope := &enrollmentScope{Enrollment: enrollment}

	scope.Sequence = &models.Sequence{}
	if err := tx.First(scope.Sequence, enrollment.SequenceID).Error; err != nil {
		return nil, Wrap(KindTransientDB, err, "loading sequence %d", enrollment.SequenceID)
	}
	scope.Opportunity = &models.Opportunity{}
	if err := tx.First(scope.Opportunity, enrollment.OpportunityID).Error; err != nil {
		return nil, Wrap(KindTransientDB, err, "loading opportunity %d", enrollment.OpportunityID)
	}
	scope.Company = &models.Company{}
	if err := tx.First(scope.Company, scope.Opportunity.CompanyID).Error; err != nil {
		return nil, Wrap(KindTransientDB, err, "loading company %d", scope.Opportunity.CompanyID)
	}
	scope.Contact = &models.Contact{}
	if err := tx.First(scope.Contact, enrollment.ContactID).Error; err != nil {
		return nil, Wrap(KindTransientDB, err, "loading contact %d", enrollment.ContactID)
	}
	scope.Owner = &models.User{}
	if scope.Opportunity.OwnerID != 0 {
		if err := tx.First(scope.Owner, scope.Opportunity.OwnerID).Error; err != nil && err != gorm.ErrRecordNotFound {
			return nil, Wrap(KindTransientDB, err, "loading owner %d", scope.Opportunity.OwnerID)
		}
	}
	return scope, nil
}

// renderContext builds the template context record for a scope.
func (e *Engine) renderContext(scope *enrollmentScope, now time.Time) RenderContext {
	days := int(now.Sub(scope.Enrollment.EnrolledAt).Hours() / 24)
	if days < 0 {
		days = 0
	}
	ctx := RenderContext{
		"company_name":          scope.Company.Name,
		"contact_name":          scope.Contact.FullName(),
		"contact_first_name":    scope.Contact.FirstName,
		"opportunity_name":      scope.Opportunity.Name,
		"opportunity_stage":     scope.Opportunity.Stage,
		"owner_name":            scope.Owner.Name,
		"days_since_enrollment": fmt.Sprintf("%d", days),
	}
	return ctx
}
