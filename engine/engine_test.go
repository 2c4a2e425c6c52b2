package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"soundreach/models"
)

// baseTime is a Monday morning, after the 09:00 send boundary.
var baseTime = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

// fakeSender records outbound messages and pops queued errors.
type fakeSender struct {
	mu   sync.Mutex
	sent []OutboundMessage
	errs []error
}

func (f *fakeSender) Send(_ context.Context, msg OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	f.sent = append(f.sent, msg)
	return "", nil
}

func (f *fakeSender) failWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) lastSent() OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// fakeGenerator returns a fixed response, or a queued error.
type fakeGenerator struct {
	mu       sync.Mutex
	response string
	errs     []error
	calls    int
}

func (f *fakeGenerator) Generate(_ context.Context, _, _ string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return f.response, nil
}

func (f *fakeGenerator) respond(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.response = s
}

func (f *fakeGenerator) failWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

type testRig struct {
	engine    *Engine
	db        *gorm.DB
	clock     *FakeClock
	sender    *fakeSender
	generator *fakeGenerator
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	clock := NewFakeClock(baseTime)
	sender := &fakeSender{}
	generator := &fakeGenerator{response: `{"subject": "Hello", "body_html": "<p>Hi there</p>"}`}

	opts := DefaultOptions()
	opts.BusinessTZ = "UTC"
	opts.FromEmail = "outreach@example.com"
	opts.FromName = "Outreach"
	opts.TrackingBase = "https://app.example.com"

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	eng, err := New(db, opts, clock, NewLocalLocker(), sender, generator, log)
	require.NoError(t, err)
	return &testRig{engine: eng, db: db, clock: clock, sender: sender, generator: generator}
}

// seedCRM creates a company with one usable contact, an owner, and an
// opportunity.
func (r *testRig) seedCRM(t *testing.T) (*models.Company, *models.Contact, *models.Opportunity, *models.User) {
	t.Helper()
	owner := &models.User{Name: "Sam Rivera", Email: fmt.Sprintf("sam-%s@example.com", uuid.NewString()[:8])}
	require.NoError(t, r.db.Create(owner).Error)

	company := &models.Company{Name: "Blue Fin Bistro", BillingEntity: "emea"}
	require.NoError(t, r.db.Create(company).Error)

	contact := &models.Contact{
		CompanyID: company.ID,
		FirstName: "Ava",
		LastName:  "Martin",
		Email:     fmt.Sprintf("ava-%s@bluefin.example", uuid.NewString()[:8]),
		IsActive:  true, IsPrimary: true, ReceivesNotifications: true,
	}
	require.NoError(t, r.db.Create(contact).Error)

	opportunity := &models.Opportunity{
		CompanyID:        company.ID,
		OwnerID:          owner.ID,
		PrimaryContactID: &contact.ID,
		Name:             "Blue Fin renewal",
		Stage:            "prospecting",
		BillingEntity:    "emea",
	}
	require.NoError(t, r.db.Create(opportunity).Error)
	return company, contact, opportunity, owner
}

// seedSequence creates an active manual sequence with the given steps.
func (r *testRig) seedSequence(t *testing.T, steps ...models.SequenceStep) *models.Sequence {
	t.Helper()
	sequence := &models.Sequence{
		Name:                     "Prospecting touchpoints",
		TriggerType:              models.TriggerManual,
		IsActive:                 true,
		StopOnReply:              true,
		MaxEnrollmentsPerCompany: 1,
	}
	require.NoError(t, r.db.Create(sequence).Error)
	for i := range steps {
		steps[i].SequenceID = sequence.ID
		require.NoError(t, r.db.Create(&steps[i]).Error)
	}
	return sequence
}

func emailStep(number, delayDays int) models.SequenceStep {
	return models.SequenceStep{
		StepNumber:      number,
		DelayDays:       delayDays,
		ActionType:      models.ActionEmail,
		SubjectTemplate: "Music for {{company_name}}",
		BodyTemplate:    "<p>Hi {{contact_name}}, a quick note about {{company_name}}.</p>",
	}
}

// enrollAndDue enrolls and advances the clock past the first step's
// send boundary.
func (r *testRig) enrollAndDue(t *testing.T, opportunityID, sequenceID uint) *models.Enrollment {
	t.Helper()
	enrollment, existing, err := r.engine.Enroll(context.Background(), opportunityID, sequenceID, nil, models.SourceManual)
	require.NoError(t, err)
	require.False(t, existing)

	var execution models.StepExecution
	require.NoError(t, r.db.Where("enrollment_id = ?", enrollment.ID).First(&execution).Error)
	if r.clock.Now().Before(execution.ScheduledFor) {
		r.clock.Set(execution.ScheduledFor)
	}
	return enrollment
}

func (r *testRig) reloadEnrollment(t *testing.T, id uint) models.Enrollment {
	t.Helper()
	var enrollment models.Enrollment
	require.NoError(t, r.db.First(&enrollment, id).Error)
	return enrollment
}

func (r *testRig) executions(t *testing.T, enrollmentID uint) []models.StepExecution {
	t.Helper()
	var executions []models.StepExecution
	require.NoError(t, r.db.Where("enrollment_id = ?", enrollmentID).
		Order("step_number ASC").Find(&executions).Error)
	return executions
}
