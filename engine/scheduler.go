package engine

import (
	"time"

	"gorm.io/gorm"

	"soundreach/models"
)

const businessHour = 9 // sends land at 09:00 local business time

// firstStepTime computes the scheduled instant for step 1 of a new
// enrollment: enrolled_at + delay_days at 09:00 in the business zone.
// delay_days = 0 means the next 09:00 boundary strictly after
// enrollment, never the same tick.
func (e *Engine) firstStepTime(enrolledAt time.Time, delayDays int) time.Time {
	local := enrolledAt.In(e.loc)
	if delayDays > 0 {
		day := local.AddDate(0, 0, delayDays)
		return time.Date(day.Year(), day.Month(), day.Day(), businessHour, 0, 0, 0, e.loc).UTC()
	}
	boundary := time.Date(local.Year(), local.Month(), local.Day(), businessHour, 0, 0, 0, e.loc)
	if !boundary.After(local) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary.UTC()
}

// nextStepTime schedules a subsequent step relative to the prior
// step's execution instant, so delays absorb late executions instead
// of compounding drift.
func nextStepTime(executedAt time.Time, delayDays int) time.Time {
	return executedAt.Add(time.Duration(delayDays) * 24 * time.Hour)
}

// backoffDelay returns the retry delay after attempts failures:
// base × 2^attempts, capped.
func (e *Engine) backoffDelay(attempts int) time.Duration {
	d := e.opts.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= e.opts.BackoffCap {
			return e.opts.BackoffCap
		}
	}
	if d > e.opts.BackoffCap {
		d = e.opts.BackoffCap
	}
	return d
}

// dueExecutions selects pending executions that are due, oldest first;
// ties run in (enrollment created_at, step_number) order.
func (e *Engine) dueExecutions(tx *gorm.DB, now time.Time, limit int) ([]models.StepExecution, error) {
	var due []models.StepExecution
	err := tx.Model(&models.StepExecution{}).
		Joins("JOIN enrollments ON enrollments.id = step_executions.enrollment_id").
		Where("step_executions.status = ? AND step_executions.scheduled_for <= ?", models.ExecutionPending, now).
		Order("step_executions.scheduled_for ASC, enrollments.created_at ASC, step_executions.step_number ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, Wrap(KindTransientDB, err, "selecting due executions")
	}
	return due, nil
}

// scheduleNext creates the execution for the step after current, or
// completes the enrollment when no step remains. Called after every
// terminal-success status inside the execution's transaction, which
// keeps "exactly one non-terminal execution per enrollment" locally
// checkable.
func (e *Engine) scheduleNext(tx *gorm.DB, enrollment *models.Enrollment, sequence *models.Sequence, currentStep int) error {
	if enrollment.Status != models.EnrollmentActive {
		return nil
	}

	var next models.SequenceStep
	err := tx.Where("sequence_id = ? AND step_number = ?", sequence.ID, currentStep+1).First(&next).Error
	if err == gorm.ErrRecordNotFound {
		return e.Transition(tx, enrollment, models.EnrollmentCompleted, "")
	}
	if err != nil {
		return Wrap(KindTransientDB, err, "loading step %d of sequence %d", currentStep+1, sequence.ID)
	}

	// A replayed execution may already have scheduled its successor.
	var already int64
	if err := tx.Model(&models.StepExecution{}).
		Where("enrollment_id = ? AND step_number = ?", enrollment.ID, next.StepNumber).
		Count(&already).Error; err != nil {
		return Wrap(KindTransientDB, err, "checking next execution")
	}
	if already > 0 {
		return nil
	}

	now := e.clock.Now()
	execution := models.StepExecution{
		EnrollmentID: enrollment.ID,
		StepID:       next.ID,
		StepNumber:   next.StepNumber,
		Status:       models.ExecutionPending,
		ScheduledFor: nextStepTime(now, next.DelayDays),
	}
	if err := tx.Create(&execution).Error; err != nil {
		return Wrap(KindTransientDB, err, "creating execution for step %d", next.StepNumber)
	}
	return nil
}
