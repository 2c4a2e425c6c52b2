package engine

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"soundreach/models"
)

// Enroll binds an opportunity to a sequence. When an active enrollment
// for the (sequence, opportunity) pair already exists, it is returned
// unchanged with existing=true, so enrolling twice is a no-op.
func (e *Engine) Enroll(ctx context.Context, opportunityID, sequenceID uint, contactID *uint, source string) (*models.Enrollment, bool, error) {
	var sequence models.Sequence
	if err := e.db.First(&sequence, sequenceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, E(KindNotFound, "sequence %d not found", sequenceID)
		}
		return nil, false, Wrap(KindTransientDB, err, "loading sequence %d", sequenceID)
	}
	if !sequence.IsActive {
		return nil, false, E(KindConflict, "sequence %d is inactive", sequenceID)
	}
	var opportunity models.Opportunity
	if err := e.db.First(&opportunity, opportunityID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, E(KindNotFound, "opportunity %d not found", opportunityID)
		}
		return nil, false, Wrap(KindTransientDB, err, "loading opportunity %d", opportunityID)
	}

	release, ok, err := e.locker.TryLock(ctx, fmt.Sprintf("enroll:%d:%d", sequenceID, opportunityID))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, E(KindLockHeld, "enrollment for opportunity %d in sequence %d in progress", opportunityID, sequenceID)
	}
	defer release()

	var existing models.Enrollment
	err = e.db.Where("sequence_id = ? AND opportunity_id = ? AND status IN ?", sequenceID, opportunityID,
		[]string{models.EnrollmentActive, models.EnrollmentPaused}).First(&existing).Error
	if err == nil {
		return &existing, true, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, Wrap(KindTransientDB, err, "checking existing enrollment")
	}

	var contact *models.Contact
	if contactID != nil {
		contact = &models.Contact{}
		if err := e.db.First(contact, *contactID).Error; err != nil {
			return nil, false, E(KindNotFound, "contact %d not found", *contactID)
		}
		if !contactUsable(contact) {
			return nil, false, E(KindConflict, "contact %d cannot receive outreach", *contactID)
		}
	} else {
		contact, err = e.selectContact(&opportunity)
		if err != nil {
			return nil, false, err
		}
	}

	// Per-company cap on concurrent enrollments in this sequence.
	var inFlight int64
	if err := e.db.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND company_id = ? AND status IN ?", sequenceID, opportunity.CompanyID,
			[]string{models.EnrollmentActive, models.EnrollmentPaused}).
		Count(&inFlight).Error; err != nil {
		return nil, false, Wrap(KindTransientDB, err, "counting company enrollments")
	}
	if sequence.MaxEnrollmentsPerCompany > 0 && inFlight >= int64(sequence.MaxEnrollmentsPerCompany) {
		return nil, false, E(KindConflict, "company %d reached the enrollment cap for sequence %d",
			opportunity.CompanyID, sequenceID)
	}

	var firstStep models.SequenceStep
	if err := e.db.Where("sequence_id = ? AND step_number = 1", sequenceID).First(&firstStep).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, E(KindConflict, "sequence %d has no steps", sequenceID)
		}
		return nil, false, Wrap(KindTransientDB, err, "loading first step")
	}

	now := e.clock.Now()
	enrollment := models.Enrollment{
		SequenceID:    sequenceID,
		OpportunityID: opportunityID,
		ContactID:     contact.ID,
		CompanyID:     opportunity.CompanyID,
		Status:        models.EnrollmentActive,
		Source:        source,
		EnrolledAt:    now,
	}
	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&enrollment).Error; err != nil {
			return Wrap(KindTransientDB, err, "creating enrollment")
		}
		execution := models.StepExecution{
			EnrollmentID: enrollment.ID,
			StepID:       firstStep.ID,
			StepNumber:   1,
			Status:       models.ExecutionPending,
			ScheduledFor: e.firstStepTime(now, firstStep.DelayDays),
		}
		if err := tx.Create(&execution).Error; err != nil {
			return Wrap(KindTransientDB, err, "creating first execution")
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	e.log.WithFields(map[string]interface{}{
		"enrollment_id":  enrollment.ID,
		"sequence_id":    sequenceID,
		"opportunity_id": opportunityID,
		"contact_id":     contact.ID,
		"source":         source,
	}).Info("enrollment created")
	return &enrollment, false, nil
}

// selectContact picks the outreach recipient: the opportunity's primary
// decision-maker, else the freshest usable contact on the company.
func (e *Engine) selectContact(opportunity *models.Opportunity) (*models.Contact, error) {
	if opportunity.PrimaryContactID != nil {
		var primary models.Contact
		if err := e.db.First(&primary, *opportunity.PrimaryContactID).Error; err == nil && contactUsable(&primary) {
			return &primary, nil
		}
	}
	var fallback models.Contact
	err := e.db.Where("company_id = ? AND is_active = ? AND is_unsubscribed = ? AND receives_notifications = ? AND email <> ''",
		opportunity.CompanyID, true, false, true).
		Order("created_at DESC").First(&fallback).Error
	if err == gorm.ErrRecordNotFound {
		return nil, E(KindNotFound, "no eligible contact on company %d", opportunity.CompanyID)
	}
	if err != nil {
		return nil, Wrap(KindTransientDB, err, "selecting contact")
	}
	return &fallback, nil
}

func contactUsable(c *models.Contact) bool {
	return c.IsActive && !c.IsUnsubscribed && !c.EmailInvalid && c.Email != ""
}

// Pause suspends an active enrollment.
func (e *Engine) Pause(ctx context.Context, enrollmentID uint, reason string) error {
	return e.withEnrollment(ctx, enrollmentID, func(tx *gorm.DB, enrollment *models.Enrollment) error {
		return e.Transition(tx, enrollment, models.EnrollmentPaused, reason)
	})
}

// Resume reactivates a paused enrollment, clearing the pause reason and
// rescheduling its pending step to tomorrow.
func (e *Engine) Resume(ctx context.Context, enrollmentID uint) error {
	return e.withEnrollment(ctx, enrollmentID, func(tx *gorm.DB, enrollment *models.Enrollment) error {
		if err := e.Transition(tx, enrollment, models.EnrollmentActive, ""); err != nil {
			return err
		}
		next := e.clock.Now().Add(24 * time.Hour)
		if err := tx.Model(&models.StepExecution{}).
			Where("enrollment_id = ? AND status = ?", enrollment.ID, models.ExecutionPending).
			Update("scheduled_for", next).Error; err != nil {
			return Wrap(KindTransientDB, err, "rescheduling pending execution")
		}
		return nil
	})
}

// Cancel terminates an enrollment. Pending executions are skipped in
// the same transaction; already-sent steps are left alone.
func (e *Engine) Cancel(ctx context.Context, enrollmentID uint, reason string) error {
	return e.withEnrollment(ctx, enrollmentID, func(tx *gorm.DB, enrollment *models.Enrollment) error {
		return e.Transition(tx, enrollment, models.EnrollmentCancelled, reason)
	})
}

func (e *Engine) withEnrollment(ctx context.Context, enrollmentID uint, fn func(*gorm.DB, *models.Enrollment) error) error {
	release, ok, err := e.locker.TryLock(ctx, fmt.Sprintf("enrollment:%d", enrollmentID))
	if err != nil {
		return err
	}
	if !ok {
		return E(KindLockHeld, "enrollment %d is locked", enrollmentID)
	}
	defer release()

	return e.db.Transaction(func(tx *gorm.DB) error {
		var enrollment models.Enrollment
		if err := tx.First(&enrollment, enrollmentID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return E(KindNotFound, "enrollment %d not found", enrollmentID)
			}
			return Wrap(KindTransientDB, err, "loading enrollment %d", enrollmentID)
		}
		return fn(tx, &enrollment)
	})
}

// TrackOpen records the first pixel hit for a tracking token.
func (e *Engine) TrackOpen(token string) error {
	var outbound models.OutboundEmail
	if err := e.db.Where("tracking_token = ?", token).First(&outbound).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return E(KindNotFound, "unknown tracking token")
		}
		return Wrap(KindTransientDB, err, "loading outbound by token")
	}
	if outbound.Status != models.OutboundSent {
		return nil
	}
	if err := e.db.Model(&outbound).Update("status", models.OutboundOpened).Error; err != nil {
		return Wrap(KindTransientDB, err, "marking outbound opened")
	}
	return nil
}
