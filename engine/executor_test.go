package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundreach/models"
)

func TestExecuteEmailStep(t *testing.T) {
	rig := newTestRig(t)
	_, contact, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	require.NoError(t, rig.engine.Tick(context.Background()))

	require.Equal(t, 1, rig.sender.sentCount())
	msg := rig.sender.lastSent()
	assert.Equal(t, contact.Email, msg.To)
	assert.Equal(t, "Music for Blue Fin Bistro", msg.Subject)
	assert.Contains(t, msg.BodyHTML, "Hi Ava Martin")
	assert.Contains(t, msg.BodyHTML, "/track/open/", "body must carry the open pixel")
	assert.NotEmpty(t, msg.Headers["Message-ID"])
	assert.Regexp(t, TokenPattern, msg.Headers["X-Tracking-Token"])

	var outbound models.OutboundEmail
	require.NoError(t, rig.db.Where("enrollment_id = ?", enrollment.ID).First(&outbound).Error)
	assert.Equal(t, models.OutboundSent, outbound.Status)
	assert.Len(t, outbound.TrackingToken, 32)
	assert.Equal(t, msg.Headers["X-Tracking-Token"], outbound.TrackingToken)

	executions := rig.executions(t, enrollment.ID)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionSent, executions[0].Status)
	require.NotNil(t, executions[0].OutboundEmailID)
	assert.Equal(t, outbound.ID, *executions[0].OutboundEmailID)
}

func TestTickIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0), emailStep(2, 3))
	rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	require.NoError(t, rig.engine.Tick(context.Background()))
	require.NoError(t, rig.engine.Tick(context.Background()))

	assert.Equal(t, 1, rig.sender.sentCount(), "second tick with no elapsed time must send nothing")
}

func TestTransientSendFailureBacksOff(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	rig.sender.failWith(errors.New("connection refused"))
	require.NoError(t, rig.engine.Tick(context.Background()))

	executions := rig.executions(t, enrollment.ID)
	require.Len(t, executions, 1)
	execution := executions[0]
	assert.Equal(t, models.ExecutionPending, execution.Status)
	assert.Equal(t, 1, execution.Attempts)
	assert.Contains(t, execution.LastError, "connection refused")
	assert.True(t, execution.ScheduledFor.Equal(rig.clock.Now().Add(10*time.Minute)),
		"retry at base*2 after the first failure")

	// Not due yet: nothing happens.
	require.NoError(t, rig.engine.Tick(context.Background()))
	assert.Equal(t, 0, rig.sender.sentCount())

	// After the backoff the retry succeeds.
	rig.clock.Advance(10 * time.Minute)
	require.NoError(t, rig.engine.Tick(context.Background()))
	assert.Equal(t, 1, rig.sender.sentCount())
	executions = rig.executions(t, enrollment.ID)
	assert.Equal(t, models.ExecutionSent, executions[0].Status)
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	for i := 0; i < 5; i++ {
		rig.sender.failWith(errors.New("smtp unavailable"))
		require.NoError(t, rig.engine.Tick(context.Background()))
		rig.clock.Advance(2 * time.Hour)
	}

	executions := rig.executions(t, enrollment.ID)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionFailed, executions[0].Status)
	assert.Equal(t, 5, executions[0].Attempts)

	// The enrollment is left for an operator, not cancelled.
	reloaded := rig.reloadEnrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentActive, reloaded.Status)
}

func TestUnsubscribedContactSkipsAndCancels(t *testing.T) {
	rig := newTestRig(t)
	_, contact, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0), emailStep(2, 3))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	// Send-time suppression: the contact unsubscribed after scheduling.
	require.NoError(t, rig.db.Model(contact).Update("is_unsubscribed", true).Error)
	require.NoError(t, rig.engine.Tick(context.Background()))

	assert.Equal(t, 0, rig.sender.sentCount())
	executions := rig.executions(t, enrollment.ID)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionSkipped, executions[0].Status)

	reloaded := rig.reloadEnrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentCancelled, reloaded.Status)
	assert.Equal(t, models.ReasonUnsubscribe, reloaded.PauseReason)
}

func TestBouncedAddressPausesEnrollment(t *testing.T) {
	rig := newTestRig(t)
	_, contact, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	rig.sender.failWith(E(KindBouncedAddress, "mailbox does not exist"))
	require.NoError(t, rig.engine.Tick(context.Background()))

	executions := rig.executions(t, enrollment.ID)
	assert.Equal(t, models.ExecutionFailed, executions[0].Status)

	var reloadedContact models.Contact
	require.NoError(t, rig.db.First(&reloadedContact, contact.ID).Error)
	assert.True(t, reloadedContact.EmailInvalid)

	reloaded := rig.reloadEnrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentPaused, reloaded.Status)
	assert.Equal(t, models.ReasonError, reloaded.PauseReason)

	var outbound models.OutboundEmail
	require.NoError(t, rig.db.Where("enrollment_id = ?", enrollment.ID).First(&outbound).Error)
	assert.Equal(t, models.OutboundBounced, outbound.Status)
}

func TestPausedEnrollmentKeepsPendingExecution(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	require.NoError(t, rig.engine.Pause(context.Background(), enrollment.ID, models.ReasonManual))
	require.NoError(t, rig.engine.Tick(context.Background()))

	assert.Equal(t, 0, rig.sender.sentCount())
	executions := rig.executions(t, enrollment.ID)
	assert.Equal(t, models.ExecutionPending, executions[0].Status)
}

func TestTaskStep(t *testing.T) {
	rig := newTestRig(t)
	_, contact, opportunity, owner := rig.seedCRM(t)
	sequence := rig.seedSequence(t, models.SequenceStep{
		StepNumber: 1, DelayDays: 0, ActionType: models.ActionTask,
		TaskTitleTemplate: "Call {{contact_name}} about {{opportunity_name}}",
		TaskType:          "call",
	})
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	require.NoError(t, rig.engine.Tick(context.Background()))

	var task models.Task
	require.NoError(t, rig.db.Where("opportunity_id = ?", opportunity.ID).First(&task).Error)
	assert.Equal(t, "Call Ava Martin about Blue Fin renewal", task.Title)
	assert.Equal(t, "call", task.TaskType)
	assert.Equal(t, owner.ID, task.AssignedToID)
	require.NotNil(t, task.ContactID)
	assert.Equal(t, contact.ID, *task.ContactID)

	executions := rig.executions(t, enrollment.ID)
	assert.Equal(t, models.ExecutionSent, executions[0].Status)
	require.NotNil(t, executions[0].CreatedTaskID)
	assert.Equal(t, task.ID, *executions[0].CreatedTaskID)
}

func TestStageUpdateStep(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, models.SequenceStep{
		StepNumber: 1, DelayDays: 0, ActionType: models.ActionStageUpdate,
		StageToSet: "nurture",
	})
	rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	require.NoError(t, rig.engine.Tick(context.Background()))

	var reloaded models.Opportunity
	require.NoError(t, rig.db.First(&reloaded, opportunity.ID).Error)
	assert.Equal(t, "nurture", reloaded.Stage)
	require.NotNil(t, reloaded.StageChangedAt)
	assert.True(t, reloaded.StageChangedAt.Equal(rig.clock.Now()))
}

func TestInvalidTemplateFailsPermanently(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, models.SequenceStep{
		StepNumber: 1, DelayDays: 0, ActionType: models.ActionEmail,
		SubjectTemplate: "Hello",
		BodyTemplate:    "{{#if company_name}}never closed",
	})
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	require.NoError(t, rig.engine.Tick(context.Background()))

	executions := rig.executions(t, enrollment.ID)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionFailed, executions[0].Status)
	assert.Zero(t, executions[0].Attempts, "permanent failures do not consume retries")
	assert.Equal(t, 0, rig.sender.sentCount())
}

func TestSendIdempotencyAcrossRetries(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0), emailStep(2, 3))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	require.NoError(t, rig.engine.Tick(context.Background()))
	require.Equal(t, 1, rig.sender.sentCount())

	// Simulate a crash after the send but before the execution flip:
	// the execution is pending again, but the outbound row is sent.
	executions := rig.executions(t, enrollment.ID)
	require.NoError(t, rig.db.Model(&executions[0]).
		Update("status", models.ExecutionPending).Error)

	require.NoError(t, rig.engine.Tick(context.Background()))
	assert.Equal(t, 1, rig.sender.sentCount(), "the delivered outbound row must not be re-sent")

	executions = rig.executions(t, enrollment.ID)
	assert.Equal(t, models.ExecutionSent, executions[0].Status)

	var count int64
	rig.db.Model(&models.OutboundEmail{}).Where("enrollment_id = ?", enrollment.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}
