package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundreach/models"
)

func TestFirstStepTime(t *testing.T) {
	rig := newTestRig(t)

	t.Run("zero delay before the boundary lands same day", func(t *testing.T) {
		enrolled := time.Date(2024, 5, 6, 5, 30, 0, 0, time.UTC)
		got := rig.engine.firstStepTime(enrolled, 0)
		assert.Equal(t, time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC), got)
	})

	t.Run("zero delay after the boundary lands next day", func(t *testing.T) {
		enrolled := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
		got := rig.engine.firstStepTime(enrolled, 0)
		assert.Equal(t, time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC), got)
	})

	t.Run("enrollment exactly at the boundary lands next day", func(t *testing.T) {
		enrolled := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
		got := rig.engine.firstStepTime(enrolled, 0)
		assert.Equal(t, time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC), got)
	})

	t.Run("positive delay lands delay days later at the boundary", func(t *testing.T) {
		enrolled := time.Date(2024, 5, 6, 16, 45, 0, 0, time.UTC)
		got := rig.engine.firstStepTime(enrolled, 3)
		assert.Equal(t, time.Date(2024, 5, 9, 9, 0, 0, 0, time.UTC), got)
	})
}

func TestNextStepTime(t *testing.T) {
	executed := time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, executed.Add(72*time.Hour), nextStepTime(executed, 3))
	assert.Equal(t, executed, nextStepTime(executed, 0))
}

func TestBackoffDelay(t *testing.T) {
	rig := newTestRig(t)
	// base 5m, cap 1h
	assert.Equal(t, 5*time.Minute, rig.engine.backoffDelay(0))
	assert.Equal(t, 10*time.Minute, rig.engine.backoffDelay(1))
	assert.Equal(t, 20*time.Minute, rig.engine.backoffDelay(2))
	assert.Equal(t, 40*time.Minute, rig.engine.backoffDelay(3))
	assert.Equal(t, time.Hour, rig.engine.backoffDelay(4))
	assert.Equal(t, time.Hour, rig.engine.backoffDelay(10))
}

func TestDueExecutionOrdering(t *testing.T) {
	rig := newTestRig(t)
	_, contact, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))

	now := rig.clock.Now()
	mk := func(createdAt, scheduledFor time.Time) uint {
		enrollment := models.Enrollment{
			SequenceID: sequence.ID, OpportunityID: opportunity.ID,
			ContactID: contact.ID, CompanyID: opportunity.CompanyID,
			Status: models.EnrollmentActive, EnrolledAt: createdAt,
		}
		enrollment.CreatedAt = createdAt
		require.NoError(t, rig.db.Create(&enrollment).Error)
		execution := models.StepExecution{
			EnrollmentID: enrollment.ID, StepID: 1, StepNumber: 1,
			Status: models.ExecutionPending, ScheduledFor: scheduledFor,
		}
		require.NoError(t, rig.db.Create(&execution).Error)
		return execution.ID
	}

	late := mk(now.Add(-time.Hour), now.Add(-10*time.Minute))
	earliest := mk(now.Add(-time.Hour), now.Add(-30*time.Minute))
	olderEnrollment := mk(now.Add(-2*time.Hour), now.Add(-10*time.Minute))
	notDue := mk(now.Add(-time.Hour), now.Add(time.Hour))

	due, err := rig.engine.dueExecutions(rig.db, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, earliest, due[0].ID)
	// Equal schedule: older enrollment first.
	assert.Equal(t, olderEnrollment, due[1].ID)
	assert.Equal(t, late, due[2].ID)
	for _, d := range due {
		assert.NotEqual(t, notDue, d.ID)
	}
}

func TestScheduleNextCompletesAfterLastStep(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))

	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)
	require.NoError(t, rig.engine.Tick(context.Background()))

	reloaded := rig.reloadEnrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentCompleted, reloaded.Status)
	require.NotNil(t, reloaded.CompletedAt)
	assert.Equal(t, 1, reloaded.CurrentStep)
}

func TestScheduleNextCreatesFollowupExecution(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0), emailStep(2, 3))

	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)
	require.NoError(t, rig.engine.Tick(context.Background()))

	executions := rig.executions(t, enrollment.ID)
	require.Len(t, executions, 2)
	assert.Equal(t, models.ExecutionSent, executions[0].Status)
	assert.Equal(t, models.ExecutionPending, executions[1].Status)
	assert.True(t, executions[1].ScheduledFor.Equal(rig.clock.Now().Add(72*time.Hour)))

	reloaded := rig.reloadEnrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentActive, reloaded.Status)
	assert.Equal(t, 1, reloaded.CurrentStep)
}
