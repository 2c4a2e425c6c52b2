package engine

import (
	"github.com/getsentry/sentry-go"
	"github.com/qmuntal/stateless"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"soundreach/models"
)

// State machine triggers
const (
	fireActivate = "activate"
	firePause    = "pause"
	fireResume   = "resume"
	fireReply    = "reply"
	fireComplete = "complete"
	fireCancel   = "cancel"
)

// newEnrollmentMachine builds the permitted-transition table for an
// enrollment currently in state. Terminal states permit nothing.
func newEnrollmentMachine(state string) *stateless.StateMachine {
	m := stateless.NewStateMachine(state)

	m.Configure(models.EnrollmentActive).
		Permit(firePause, models.EnrollmentPaused).
		Permit(fireReply, models.EnrollmentReplied).
		Permit(fireComplete, models.EnrollmentCompleted).
		Permit(fireCancel, models.EnrollmentCancelled)

	m.Configure(models.EnrollmentPaused).
		Permit(fireResume, models.EnrollmentActive).
		Permit(fireCancel, models.EnrollmentCancelled)

	m.Configure(models.EnrollmentCompleted)
	m.Configure(models.EnrollmentReplied)
	m.Configure(models.EnrollmentCancelled)

	return m
}

func triggerFor(target string) string {
	switch target {
	case models.EnrollmentActive:
		return fireResume
	case models.EnrollmentPaused:
		return firePause
	case models.EnrollmentReplied:
		return fireReply
	case models.EnrollmentCompleted:
		return fireComplete
	case models.EnrollmentCancelled:
		return fireCancel
	}
	return ""
}

// Transition is the single authoritative enrollment mutator. It moves
// enrollment to target inside tx, stamping the target state's timestamp
// and reason. Terminal transitions skip any non-terminal executions.
// Illegal transitions return KindInvalidTransition and leave the row
// untouched.
func (e *Engine) Transition(tx *gorm.DB, enrollment *models.Enrollment, target, reason string) error {
	trigger := triggerFor(target)
	if trigger == "" {
		return E(KindInvalidTransition, "unknown target state %q", target)
	}

	machine := newEnrollmentMachine(enrollment.Status)
	if err := machine.Fire(trigger); err != nil {
		e.log.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"from":          enrollment.Status,
			"to":            target,
			"reason":        reason,
		}).Error("illegal enrollment transition")
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("component", "enrollment_state_machine")
			scope.SetExtra("enrollment_id", enrollment.ID)
			scope.SetExtra("from", enrollment.Status)
			scope.SetExtra("to", target)
			sentry.CaptureException(err)
		})
		return Wrap(KindInvalidTransition, err, "enrollment %d: %s -> %s", enrollment.ID, enrollment.Status, target)
	}

	now := e.clock.Now()
	updates := map[string]interface{}{"status": target}
	switch target {
	case models.EnrollmentActive:
		updates["pause_reason"] = ""
		updates["paused_at"] = nil
	case models.EnrollmentPaused:
		updates["pause_reason"] = reason
		updates["paused_at"] = now
	case models.EnrollmentReplied:
		updates["replied_at"] = now
	case models.EnrollmentCompleted:
		updates["completed_at"] = now
	case models.EnrollmentCancelled:
		updates["pause_reason"] = reason
		updates["cancelled_at"] = now
	}

	if err := tx.Model(&models.Enrollment{}).Where("id = ?", enrollment.ID).Updates(updates).Error; err != nil {
		return Wrap(KindTransientDB, err, "updating enrollment %d", enrollment.ID)
	}

	prev := enrollment.Status
	enrollment.Status = target
	switch target {
	case models.EnrollmentActive:
		enrollment.PauseReason = ""
		enrollment.PausedAt = nil
	case models.EnrollmentPaused:
		enrollment.PauseReason = reason
		enrollment.PausedAt = &now
	case models.EnrollmentReplied:
		enrollment.RepliedAt = &now
	case models.EnrollmentCompleted:
		enrollment.CompletedAt = &now
	case models.EnrollmentCancelled:
		enrollment.PauseReason = reason
		enrollment.CancelledAt = &now
	}

	// Once terminal, nothing may execute again.
	if enrollment.IsTerminal() {
		if err := tx.Model(&models.StepExecution{}).
			Where("enrollment_id = ? AND status IN ?", enrollment.ID,
				[]string{models.ExecutionPending, models.ExecutionPendingApproval}).
			Updates(map[string]interface{}{"status": models.ExecutionSkipped, "executed_at": now}).Error; err != nil {
			return Wrap(KindTransientDB, err, "skipping pending executions for enrollment %d", enrollment.ID)
		}
	}

	e.log.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"from":          prev,
		"to":            target,
		"reason":        reason,
	}).Info("enrollment transition")
	return nil
}
