package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundreach/models"
)

func TestEnrollCreatesFirstExecution(t *testing.T) {
	rig := newTestRig(t)
	_, contact, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0), emailStep(2, 3))

	enrollment, existing, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, nil, models.SourceManual)
	require.NoError(t, err)
	require.False(t, existing)
	assert.Equal(t, models.EnrollmentActive, enrollment.Status)
	assert.Equal(t, 0, enrollment.CurrentStep)
	assert.Equal(t, contact.ID, enrollment.ContactID, "primary contact selected by default")

	executions := rig.executions(t, enrollment.ID)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionPending, executions[0].Status)
	// Enrolled after 09:00, so the first touch is tomorrow morning.
	assert.True(t, executions[0].ScheduledFor.Equal(time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC)))
}

func TestEnrollTwiceReturnsExisting(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))

	first, _, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, nil, models.SourceManual)
	require.NoError(t, err)

	second, existing, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, nil, models.SourceAutoTrigger)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	rig.db.Model(&models.Enrollment{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestEnrollAfterTerminalCreatesFresh(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))

	first, _, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, nil, models.SourceManual)
	require.NoError(t, err)
	require.NoError(t, rig.engine.Cancel(context.Background(), first.ID, models.ReasonManual))

	second, existing, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, nil, models.SourceManual)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestEnrollRejectsInactiveSequence(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	require.NoError(t, rig.db.Model(sequence).Update("is_active", false).Error)

	_, _, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, nil, models.SourceManual)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestEnrollCompanyCap(t *testing.T) {
	rig := newTestRig(t)
	company, contact, opportunity, owner := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))

	_, _, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, nil, models.SourceManual)
	require.NoError(t, err)

	second := &models.Opportunity{
		CompanyID: company.ID, OwnerID: owner.ID, PrimaryContactID: &contact.ID,
		Name: "Second location", Stage: "prospecting",
	}
	require.NoError(t, rig.db.Create(second).Error)

	_, _, err = rig.engine.Enroll(context.Background(), second.ID, sequence.ID, nil, models.SourceManual)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err), "one in-flight enrollment per company")
}

func TestEnrollContactSelectionFallback(t *testing.T) {
	rig := newTestRig(t)
	_, contact, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))

	// The primary contact is unusable; a younger active colleague exists.
	require.NoError(t, rig.db.Model(contact).Update("is_unsubscribed", true).Error)
	colleague := &models.Contact{
		CompanyID: contact.CompanyID, FirstName: "Noah", LastName: "Faber",
		Email: "noah@bluefin.example", IsActive: true, ReceivesNotifications: true,
	}
	require.NoError(t, rig.db.Create(colleague).Error)

	enrollment, _, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, nil, models.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, colleague.ID, enrollment.ContactID)
}

func TestEnrollNoUsableContact(t *testing.T) {
	rig := newTestRig(t)
	_, contact, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	require.NoError(t, rig.db.Model(contact).Update("is_active", false).Error)

	_, _, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, nil, models.SourceManual)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestEnrollExplicitUnusableContactConflicts(t *testing.T) {
	rig := newTestRig(t)
	_, contact, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	require.NoError(t, rig.db.Model(contact).Update("email_invalid", true).Error)

	_, _, err := rig.engine.Enroll(context.Background(), opportunity.ID, sequence.ID, &contact.ID, models.SourceManual)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestPauseResumeLifecycle(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	require.NoError(t, rig.engine.Pause(context.Background(), enrollment.ID, models.ReasonManual))
	reloaded := rig.reloadEnrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentPaused, reloaded.Status)
	assert.Equal(t, models.ReasonManual, reloaded.PauseReason)

	// Pausing twice is illegal.
	err := rig.engine.Pause(context.Background(), enrollment.ID, models.ReasonManual)
	assert.Equal(t, KindInvalidTransition, KindOf(err))

	require.NoError(t, rig.engine.Resume(context.Background(), enrollment.ID))
	reloaded = rig.reloadEnrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentActive, reloaded.Status)
	assert.Empty(t, reloaded.PauseReason)

	// The held execution is pushed out rather than firing immediately.
	executions := rig.executions(t, enrollment.ID)
	require.Len(t, executions, 1)
	assert.True(t, executions[0].ScheduledFor.Equal(rig.clock.Now().Add(24*time.Hour)))
}

func TestResumeActiveEnrollmentFails(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)

	err := rig.engine.Resume(context.Background(), enrollment.ID)
	require.Error(t, err)
	assert.Equal(t, KindInvalidTransition, KindOf(err))
}

func TestTrackOpenFirstHitOnly(t *testing.T) {
	rig := newTestRig(t)
	_, _, opportunity, _ := rig.seedCRM(t)
	sequence := rig.seedSequence(t, emailStep(1, 0))
	enrollment := rig.enrollAndDue(t, opportunity.ID, sequence.ID)
	outbound := rig.sendFirstEmail(t, enrollment.ID)

	require.NoError(t, rig.engine.TrackOpen(outbound.TrackingToken))
	var reloaded models.OutboundEmail
	require.NoError(t, rig.db.First(&reloaded, outbound.ID).Error)
	assert.Equal(t, models.OutboundOpened, reloaded.Status)

	// Repeat hits are a no-op; unknown tokens report not found.
	require.NoError(t, rig.engine.TrackOpen(outbound.TrackingToken))
	err := rig.engine.TrackOpen("nope-nope-nope-nope-nope-nope-32")
	assert.Equal(t, KindNotFound, KindOf(err))
}
