package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"soundreach/models"
)

const (
	mailSendTimeout = 15 * time.Second
	aiCallTimeout   = 30 * time.Second
)

// ExecuteDue processes one batch of due step executions. Each execution
// is guarded by a per-id advisory lock; a held lock silently yields.
func (e *Engine) ExecuteDue(ctx context.Context) error {
	now := e.clock.Now()
	due, err := e.dueExecutions(e.db, now, e.opts.TickBatchSize)
	if err != nil {
		return err
	}
	for i := range due {
		if err := e.executeOne(ctx, due[i].ID); err != nil {
			e.log.WithFields(logrus.Fields{
				"execution_id": due[i].ID,
				"error":        err.Error(),
			}).Error("step execution pass failed")
		}
	}
	return nil
}

func (e *Engine) executeOne(ctx context.Context, executionID uint) error {
	release, ok, err := e.locker.TryLock(ctx, fmt.Sprintf("execution:%d", executionID))
	if err != nil {
		return err
	}
	if !ok {
		// Another worker owns it; not an error.
		return nil
	}
	defer release()

	return e.db.Transaction(func(tx *gorm.DB) error {
		var execution models.StepExecution
		if err := tx.First(&execution, executionID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return Wrap(KindTransientDB, err, "loading execution %d", executionID)
		}
		// A concurrent worker or a cancel may have moved it already.
		if execution.Status != models.ExecutionPending {
			return nil
		}

		var enrollment models.Enrollment
		if err := tx.First(&enrollment, execution.EnrollmentID).Error; err != nil {
			return Wrap(KindTransientDB, err, "loading enrollment %d", execution.EnrollmentID)
		}
		if enrollment.IsTerminal() {
			return e.updateExecution(tx, &execution, map[string]interface{}{
				"status": models.ExecutionSkipped, "executed_at": e.clock.Now(),
			})
		}
		if enrollment.Status != models.EnrollmentActive {
			// Paused enrollments keep their pending execution; a resume
			// reschedules it.
			return nil
		}

		var step models.SequenceStep
		if err := tx.First(&step, execution.StepID).Error; err != nil {
			return Wrap(KindTransientDB, err, "loading step %d", execution.StepID)
		}
		scope, err := e.loadScope(tx, &enrollment)
		if err != nil {
			return err
		}

		if err := e.runStep(ctx, tx, &execution, scope, &step); err != nil {
			return e.handleStepError(tx, &execution, scope, err)
		}

		// Advance only after a terminal success in this pass.
		if execution.Status == models.ExecutionSent || execution.Status == models.ExecutionSkipped {
			if err := e.markCurrentStep(tx, &enrollment, step.StepNumber); err != nil {
				return err
			}
			return e.scheduleNext(tx, &enrollment, scope.Sequence, step.StepNumber)
		}
		return nil
	})
}

// runStep performs the step's action. On success the execution is
// sent, skipped or pending_approval.
func (e *Engine) runStep(ctx context.Context, tx *gorm.DB, execution *models.StepExecution, scope *enrollmentScope, step *models.SequenceStep) error {
	now := e.clock.Now()
	renderCtx := e.renderContext(scope, now)

	switch step.ActionType {
	case models.ActionEmail:
		subject, err := e.RenderTemplate(step.SubjectTemplate, renderCtx, false)
		if err != nil {
			return err
		}
		body, err := e.RenderTemplate(step.BodyTemplate, renderCtx, true)
		if err != nil {
			return err
		}
		return e.sendStepEmail(ctx, tx, execution, scope, subject, body)

	case models.ActionAIEmail:
		return e.executeAIEmail(ctx, tx, execution, scope, step, renderCtx)

	case models.ActionTask:
		title, err := e.RenderTemplate(step.TaskTitleTemplate, renderCtx, false)
		if err != nil {
			return err
		}
		task := models.Task{
			OpportunityID: scope.Opportunity.ID,
			ContactID:     &scope.Contact.ID,
			AssignedToID:  scope.Opportunity.OwnerID,
			Title:         title,
			TaskType:      step.TaskType,
		}
		if err := tx.Create(&task).Error; err != nil {
			return Wrap(KindTransientDB, err, "creating task")
		}
		return e.updateExecution(tx, execution, map[string]interface{}{
			"status": models.ExecutionSent, "executed_at": now, "created_task_id": task.ID, "last_error": "",
		})

	case models.ActionStageUpdate:
		if step.StageToSet == "" {
			return E(KindInvalidTemplate, "stage_update step %d has no stage_to_set", step.StepNumber)
		}
		if err := tx.Model(&models.Opportunity{}).Where("id = ?", scope.Opportunity.ID).Updates(map[string]interface{}{
			"stage":            step.StageToSet,
			"stage_changed_at": now,
		}).Error; err != nil {
			return Wrap(KindTransientDB, err, "updating opportunity stage")
		}
		return e.updateExecution(tx, execution, map[string]interface{}{
			"status": models.ExecutionSent, "executed_at": now, "last_error": "",
		})
	}
	return E(KindInvalidTemplate, "step %d has unknown action type %q", step.StepNumber, step.ActionType)
}

// sendStepEmail renders nothing; it takes a finished subject and body,
// records the outbound row and delivers it. The idempotency key derived
// from the execution id makes a crash-retried send a no-op.
func (e *Engine) sendStepEmail(ctx context.Context, tx *gorm.DB, execution *models.StepExecution, scope *enrollmentScope, subject, bodyHTML string) error {
	contact := scope.Contact
	now := e.clock.Now()

	// Suppression check at send time: the contact may have unsubscribed
	// since the step was scheduled.
	if err := tx.First(contact, contact.ID).Error; err != nil {
		return Wrap(KindTransientDB, err, "re-reading contact %d", contact.ID)
	}
	if contact.IsUnsubscribed {
		return E(KindUnsubscribedContact, "contact %d is unsubscribed", contact.ID)
	}
	if contact.EmailInvalid {
		return E(KindInvalidEmailAddress, "contact %d email flagged invalid", contact.ID)
	}
	if err := checkmail.ValidateFormat(contact.Email); err != nil {
		return Wrap(KindInvalidEmailAddress, err, "contact %d address %q", contact.ID, contact.Email)
	}

	idemKey := fmt.Sprintf("exec-%d", execution.ID)
	var existing models.OutboundEmail
	err := tx.Where("idempotency_key = ?", idemKey).First(&existing).Error
	if err == nil && existing.Status != models.OutboundPending && existing.Status != models.OutboundFailed {
		// Already delivered by a previous attempt.
		return e.updateExecution(tx, execution, map[string]interface{}{
			"status": models.ExecutionSent, "executed_at": now,
			"outbound_email_id": existing.ID, "last_error": "",
		})
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return Wrap(KindTransientDB, err, "looking up outbound by idempotency key")
	}

	token := GenerateTrackingToken()
	// Stored bare; the angle brackets exist only on the wire so the
	// references correlation can compare parsed header values directly.
	messageID := fmt.Sprintf("%s@soundreach", token)
	tracked := InjectTrackingPixel(bodyHTML, e.opts.TrackingBase, token)
	bodyText := htmlToText(bodyHTML)

	outbound := existing
	if outbound.ID == 0 {
		outbound = models.OutboundEmail{
			ExecutionID:    execution.ID,
			EnrollmentID:   execution.EnrollmentID,
			ContactID:      contact.ID,
			FromAddress:    e.opts.FromEmail,
			ToAddress:      contact.Email,
			Subject:        subject,
			BodyHTML:       tracked,
			BodyText:       bodyText,
			Status:         models.OutboundPending,
			TrackingToken:  token,
			IdempotencyKey: idemKey,
		}
		if err := tx.Create(&outbound).Error; err != nil {
			return Wrap(KindTransientDB, err, "recording outbound email")
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, mailSendTimeout)
	defer cancel()
	returnedID, err := e.sender.Send(sendCtx, OutboundMessage{
		From:     e.opts.FromEmail,
		FromName: e.opts.FromName,
		To:       contact.Email,
		Subject:  subject,
		BodyHTML: outbound.BodyHTML,
		BodyText: bodyText,
		Headers: map[string]string{
			"Message-ID":       "<" + messageID + ">",
			"X-Tracking-Token": outbound.TrackingToken,
		},
	})
	if err != nil {
		status := models.OutboundFailed
		if KindOf(err) == KindBouncedAddress {
			status = models.OutboundBounced
		}
		if uerr := tx.Model(&outbound).Updates(map[string]interface{}{"status": status}).Error; uerr != nil {
			return Wrap(KindTransientDB, uerr, "marking outbound failed")
		}
		if KindOf(err) == "" {
			err = Wrap(KindTransientMail, err, "sending to %s", contact.Email)
		}
		return err
	}
	if returnedID != "" {
		messageID = strings.Trim(returnedID, "<>")
	}

	if err := tx.Model(&outbound).Updates(map[string]interface{}{
		"status": models.OutboundSent, "sent_at": now, "message_id": messageID,
	}).Error; err != nil {
		return Wrap(KindTransientDB, err, "marking outbound sent")
	}
	e.log.WithFields(logrus.Fields{
		"enrollment_id": execution.EnrollmentID,
		"execution_id":  execution.ID,
		"to":            contact.Email,
		"token":         outbound.TrackingToken,
	}).Info("outbound email sent")

	return e.updateExecution(tx, execution, map[string]interface{}{
		"status": models.ExecutionSent, "executed_at": now,
		"outbound_email_id": outbound.ID, "last_error": "",
	})
}

// handleStepError applies the failure policy: transient errors back off
// on the execution row until the attempt cap, permanent errors fail
// immediately, and the suppression kinds also move the enrollment.
func (e *Engine) handleStepError(tx *gorm.DB, execution *models.StepExecution, scope *enrollmentScope, cause error) error {
	now := e.clock.Now()
	kind := KindOf(cause)

	switch kind {
	case KindUnsubscribedContact:
		if err := e.updateExecution(tx, execution, map[string]interface{}{
			"status": models.ExecutionSkipped, "executed_at": now, "last_error": cause.Error(),
		}); err != nil {
			return err
		}
		return e.Transition(tx, scope.Enrollment, models.EnrollmentCancelled, models.ReasonUnsubscribe)

	case KindBouncedAddress:
		if err := e.updateExecution(tx, execution, map[string]interface{}{
			"status": models.ExecutionFailed, "executed_at": now, "last_error": cause.Error(),
		}); err != nil {
			return err
		}
		if err := tx.Model(&models.Contact{}).Where("id = ?", scope.Contact.ID).
			Update("email_invalid", true).Error; err != nil {
			return Wrap(KindTransientDB, err, "flagging contact email invalid")
		}
		return e.Transition(tx, scope.Enrollment, models.EnrollmentPaused, models.ReasonError)
	}

	if IsTransient(cause) {
		attempts := execution.Attempts + 1
		if attempts >= e.opts.MaxRetryAttempts {
			e.log.WithFields(logrus.Fields{
				"execution_id": execution.ID, "attempts": attempts, "error": cause.Error(),
			}).Error("step execution exhausted retries")
			return e.updateExecution(tx, execution, map[string]interface{}{
				"status": models.ExecutionFailed, "executed_at": now,
				"attempts": attempts, "last_error": cause.Error(),
			})
		}
		// An approval-path send failure requeues as pending so the
		// scheduler retries it.
		return e.updateExecution(tx, execution, map[string]interface{}{
			"status": models.ExecutionPending,
			"attempts": attempts, "last_error": cause.Error(),
			"scheduled_for": now.Add(e.backoffDelay(attempts)),
		})
	}

	// Permanent: fail immediately, no retry, enrollment untouched so an
	// operator can resume manually.
	e.log.WithFields(logrus.Fields{
		"execution_id": execution.ID, "kind": string(kind), "error": cause.Error(),
	}).Warn("step execution failed permanently")
	return e.updateExecution(tx, execution, map[string]interface{}{
		"status": models.ExecutionFailed, "executed_at": now, "last_error": cause.Error(),
	})
}

func (e *Engine) updateExecution(tx *gorm.DB, execution *models.StepExecution, updates map[string]interface{}) error {
	if err := tx.Model(&models.StepExecution{}).Where("id = ?", execution.ID).Updates(updates).Error; err != nil {
		return Wrap(KindTransientDB, err, "updating execution %d", execution.ID)
	}
	if v, ok := updates["status"]; ok {
		execution.Status = v.(string)
	}
	if v, ok := updates["attempts"]; ok {
		execution.Attempts = v.(int)
	}
	if v, ok := updates["outbound_email_id"]; ok {
		id := v.(uint)
		execution.OutboundEmailID = &id
	}
	if v, ok := updates["executed_at"]; ok {
		t := v.(time.Time)
		execution.ExecutedAt = &t
	}
	if v, ok := updates["scheduled_for"]; ok {
		execution.ScheduledFor = v.(time.Time)
	}
	return nil
}

func (e *Engine) markCurrentStep(tx *gorm.DB, enrollment *models.Enrollment, stepNumber int) error {
	if err := tx.Model(&models.Enrollment{}).Where("id = ?", enrollment.ID).
		Update("current_step", stepNumber).Error; err != nil {
		return Wrap(KindTransientDB, err, "updating current_step")
	}
	enrollment.CurrentStep = stepNumber
	return nil
}
