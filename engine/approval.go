package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"soundreach/models"
)

// autoApprovalEligible reports whether drafts for (step, reviewer) may
// bypass human review: the last N reviewed drafts were ≥ threshold
// approved unchanged, with the window full.
func (e *Engine) autoApprovalEligible(tx *gorm.DB, stepID, reviewerID uint) bool {
	var stat models.StepApprovalStat
	err := tx.Where("step_id = ? AND reviewer_id = ?", stepID, reviewerID).First(&stat).Error
	if err != nil {
		return false
	}
	share, n := stat.ApprovedShare()
	return n >= e.opts.AutoApprovalWindow && share >= e.opts.AutoApprovalThreshold
}

// recordReviewOutcome updates the rolling window under the per-stat
// lock. An edit or rejection clears the window, keeping the step out of
// auto-approval for at least the next full window of reviews.
func (e *Engine) recordReviewOutcome(ctx context.Context, tx *gorm.DB, stepID, reviewerID uint, outcome byte) error {
	key := fmt.Sprintf("approval-stat:%d:%d", stepID, reviewerID)
	release, ok, err := e.locker.TryLock(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return E(KindLockHeld, "approval stat %s is locked", key)
	}
	defer release()

	var stat models.StepApprovalStat
	err = tx.Where("step_id = ? AND reviewer_id = ?", stepID, reviewerID).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		stat = models.StepApprovalStat{StepID: stepID, ReviewerID: reviewerID}
	} else if err != nil {
		return Wrap(KindTransientDB, err, "loading approval stat")
	}

	switch outcome {
	case 'a':
		stat.Record('a', e.opts.AutoApprovalWindow)
	case 'e', 'r':
		stat.Outcomes = ""
	}
	if err := tx.Save(&stat).Error; err != nil {
		return Wrap(KindTransientDB, err, "saving approval stat")
	}
	return nil
}

// ApproveDraft applies a human approval, optionally with edits, and
// sends the email in the same call.
func (e *Engine) ApproveDraft(ctx context.Context, draftID, reviewerID uint, editedSubject, editedBody string) error {
	var draft models.AIEmailDraft
	if err := e.db.First(&draft, draftID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return E(KindNotFound, "draft %d not found", draftID)
		}
		return Wrap(KindTransientDB, err, "loading draft %d", draftID)
	}

	release, ok, err := e.locker.TryLock(ctx, fmt.Sprintf("execution:%d", draft.ExecutionID))
	if err != nil {
		return err
	}
	if !ok {
		return E(KindLockHeld, "execution %d is locked", draft.ExecutionID)
	}
	defer release()

	return e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&draft, draftID).Error; err != nil {
			return Wrap(KindTransientDB, err, "reloading draft %d", draftID)
		}
		now := e.clock.Now()
		if draft.Status != models.DraftPendingReview {
			return E(KindConflict, "draft %d is %s, not pending review", draftID, draft.Status)
		}
		if !now.Before(draft.ExpiresAt) {
			return E(KindConflict, "draft %d expired at %s", draftID, draft.ExpiresAt)
		}

		var execution models.StepExecution
		if err := tx.First(&execution, draft.ExecutionID).Error; err != nil {
			return Wrap(KindTransientDB, err, "loading execution %d", draft.ExecutionID)
		}
		var enrollment models.Enrollment
		if err := tx.First(&enrollment, execution.EnrollmentID).Error; err != nil {
			return Wrap(KindTransientDB, err, "loading enrollment %d", execution.EnrollmentID)
		}
		if enrollment.Status != models.EnrollmentActive {
			return E(KindConflict, "enrollment %d is %s; draft cannot be sent", enrollment.ID, enrollment.Status)
		}
		scope, err := e.loadScope(tx, &enrollment)
		if err != nil {
			return err
		}

		edited := strings.TrimSpace(editedSubject) != "" || strings.TrimSpace(editedBody) != ""
		outcome := byte('a')
		status := models.DraftApproved
		if edited {
			outcome = 'e'
			status = models.DraftEdited
		}
		updates := map[string]interface{}{
			"status": status, "reviewed_at": now, "reviewed_by": reviewerID,
		}
		if edited {
			updates["edited_subject"] = editedSubject
			updates["edited_body"] = editedBody
		}
		if err := tx.Model(&draft).Updates(updates).Error; err != nil {
			return Wrap(KindTransientDB, err, "updating draft %d", draftID)
		}
		draft.Status = status
		draft.EditedSubject = editedSubject
		draft.EditedBody = editedBody

		if err := e.recordReviewOutcome(ctx, tx, execution.StepID, reviewerID, outcome); err != nil {
			return err
		}

		if err := e.sendStepEmail(ctx, tx, &execution, scope, draft.FinalSubject(), draft.FinalBody()); err != nil {
			return e.handleStepError(tx, &execution, scope, err)
		}
		if err := e.markCurrentStep(tx, &enrollment, execution.StepNumber); err != nil {
			return err
		}
		return e.scheduleNext(tx, &enrollment, scope.Sequence, execution.StepNumber)
	})
}

// RejectDraft skips the step without sending. The enrollment advances
// as if the step succeeded: skipping one email should not freeze the
// sequence.
func (e *Engine) RejectDraft(ctx context.Context, draftID, reviewerID uint) error {
	var draft models.AIEmailDraft
	if err := e.db.First(&draft, draftID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return E(KindNotFound, "draft %d not found", draftID)
		}
		return Wrap(KindTransientDB, err, "loading draft %d", draftID)
	}

	release, ok, err := e.locker.TryLock(ctx, fmt.Sprintf("execution:%d", draft.ExecutionID))
	if err != nil {
		return err
	}
	if !ok {
		return E(KindLockHeld, "execution %d is locked", draft.ExecutionID)
	}
	defer release()

	return e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&draft, draftID).Error; err != nil {
			return Wrap(KindTransientDB, err, "reloading draft %d", draftID)
		}
		if draft.Status != models.DraftPendingReview {
			return E(KindConflict, "draft %d is %s, not pending review", draftID, draft.Status)
		}
		now := e.clock.Now()

		var execution models.StepExecution
		if err := tx.First(&execution, draft.ExecutionID).Error; err != nil {
			return Wrap(KindTransientDB, err, "loading execution %d", draft.ExecutionID)
		}
		var enrollment models.Enrollment
		if err := tx.First(&enrollment, execution.EnrollmentID).Error; err != nil {
			return Wrap(KindTransientDB, err, "loading enrollment %d", execution.EnrollmentID)
		}

		if err := tx.Model(&draft).Updates(map[string]interface{}{
			"status": models.DraftRejected, "reviewed_at": now, "reviewed_by": reviewerID,
		}).Error; err != nil {
			return Wrap(KindTransientDB, err, "updating draft %d", draftID)
		}
		if err := e.recordReviewOutcome(ctx, tx, execution.StepID, reviewerID, 'r'); err != nil {
			return err
		}
		if err := e.updateExecution(tx, &execution, map[string]interface{}{
			"status": models.ExecutionSkipped, "executed_at": now,
		}); err != nil {
			return err
		}
		if enrollment.Status != models.EnrollmentActive {
			return nil
		}
		var sequence models.Sequence
		if err := tx.First(&sequence, enrollment.SequenceID).Error; err != nil {
			return Wrap(KindTransientDB, err, "loading sequence %d", enrollment.SequenceID)
		}
		if err := e.markCurrentStep(tx, &enrollment, execution.StepNumber); err != nil {
			return err
		}
		return e.scheduleNext(tx, &enrollment, &sequence, execution.StepNumber)
	})
}

// ReapExpiredDrafts closes every draft past its TTL: draft → expired,
// execution → skipped, enrollment advances. Runs from the reaper loop.
func (e *Engine) ReapExpiredDrafts(ctx context.Context) error {
	now := e.clock.Now()
	var expired []models.AIEmailDraft
	if err := e.db.Where("status = ? AND expires_at <= ?", models.DraftPendingReview, now).
		Find(&expired).Error; err != nil {
		return Wrap(KindTransientDB, err, "selecting expired drafts")
	}

	for i := range expired {
		draft := expired[i]
		release, ok, err := e.locker.TryLock(ctx, fmt.Sprintf("execution:%d", draft.ExecutionID))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		err = e.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&draft, draft.ID).Error; err != nil {
				return Wrap(KindTransientDB, err, "reloading draft %d", draft.ID)
			}
			if draft.Status != models.DraftPendingReview {
				return nil
			}
			reapedAt := e.clock.Now()
			if err := tx.Model(&draft).Updates(map[string]interface{}{
				"status": models.DraftExpired, "reviewed_at": reapedAt,
			}).Error; err != nil {
				return Wrap(KindTransientDB, err, "expiring draft %d", draft.ID)
			}

			var execution models.StepExecution
			if err := tx.First(&execution, draft.ExecutionID).Error; err != nil {
				return Wrap(KindTransientDB, err, "loading execution %d", draft.ExecutionID)
			}
			if execution.Status != models.ExecutionPendingApproval {
				return nil
			}
			if err := e.updateExecution(tx, &execution, map[string]interface{}{
				"status": models.ExecutionSkipped, "executed_at": reapedAt,
			}); err != nil {
				return err
			}

			var enrollment models.Enrollment
			if err := tx.First(&enrollment, execution.EnrollmentID).Error; err != nil {
				return Wrap(KindTransientDB, err, "loading enrollment %d", execution.EnrollmentID)
			}
			e.log.WithFields(logrus.Fields{
				"draft_id":      draft.ID,
				"execution_id":  execution.ID,
				"enrollment_id": enrollment.ID,
			}).Warn("draft review window expired; step skipped")

			if enrollment.Status != models.EnrollmentActive {
				return nil
			}
			var sequence models.Sequence
			if err := tx.First(&sequence, enrollment.SequenceID).Error; err != nil {
				return Wrap(KindTransientDB, err, "loading sequence %d", enrollment.SequenceID)
			}
			if err := e.markCurrentStep(tx, &enrollment, execution.StepNumber); err != nil {
				return err
			}
			return e.scheduleNext(tx, &enrollment, &sequence, execution.StepNumber)
		})
		release()
		if err != nil {
			e.log.WithFields(logrus.Fields{"draft_id": draft.ID, "error": err.Error()}).
				Error("reaping draft failed")
		}
	}
	return nil
}
