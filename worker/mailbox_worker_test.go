package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"soundreach/engine"
	"soundreach/models"
)

type stubReader struct {
	messages []engine.InboundMessage
	last     uint32
}

func (s *stubReader) FetchSince(_ context.Context, lastUID uint32) ([]engine.InboundMessage, uint32, error) {
	var out []engine.InboundMessage
	for _, m := range s.messages {
		if m.UID > lastUID {
			out = append(out, m)
		}
	}
	newLast := s.last
	if newLast < lastUID {
		newLast = lastUID
	}
	return out, newLast, nil
}

type nopSender struct{}

func (nopSender) Send(context.Context, engine.OutboundMessage) (string, error) { return "", nil }

type nopGenerator struct{}

func (nopGenerator) Generate(context.Context, string, string, int) (string, error) {
	return `{"classification": "other", "confidence": 0.9}`, nil
}

func newMailboxRig(t *testing.T, reader engine.MailboxReader) (*MailboxWorker, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	opts := engine.DefaultOptions()
	opts.BusinessTZ = "UTC"

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	clock := engine.NewFakeClock(time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC))
	eng, err := engine.New(db, opts, clock, engine.NewLocalLocker(), nopSender{}, nopGenerator{}, log)
	require.NoError(t, err)

	return NewMailboxWorker(db, eng, reader, "INBOX", time.Minute, log), db
}

func TestPollHoldsCheckpointOnTransientIngestFailure(t *testing.T) {
	token := engine.GenerateTrackingToken()
	reader := &stubReader{
		messages: []engine.InboundMessage{{
			UID:        7,
			MessageID:  "m7@remote",
			From:       "ava@example.com",
			BodyText:   "see " + token,
			Headers:    map[string]string{},
			ReceivedAt: time.Now().UTC(),
		}},
		last: 7,
	}
	mw, db := newMailboxRig(t, reader)

	// The message correlates to an outbound row whose enrollment is
	// gone, so ingestion fails with a transient error.
	require.NoError(t, db.Create(&models.OutboundEmail{
		EnrollmentID:   999,
		ExecutionID:    1,
		ToAddress:      "ava@example.com",
		TrackingToken:  token,
		Status:         models.OutboundSent,
		IdempotencyKey: "exec-1",
	}).Error)

	require.Error(t, mw.poll(context.Background()))

	var checkpoint models.MailboxCheckpoint
	err := db.Where("mailbox = ?", "INBOX").First(&checkpoint).Error
	assert.Equal(t, gorm.ErrRecordNotFound, err)

	var replies int64
	require.NoError(t, db.Model(&models.InboundReply{}).Count(&replies).Error)
	assert.Zero(t, replies)

	// Once the broken outbound row is cleared the refetched message
	// drains cleanly and the checkpoint moves.
	require.NoError(t, db.Where("tracking_token = ?", token).
		Delete(&models.OutboundEmail{}).Error)
	require.NoError(t, mw.poll(context.Background()))
	require.NoError(t, db.Where("mailbox = ?", "INBOX").First(&checkpoint).Error)
	assert.EqualValues(t, 7, checkpoint.LastUID)
}

func TestPollAdvancesCheckpointPastCleanBatch(t *testing.T) {
	reader := &stubReader{
		messages: []engine.InboundMessage{
			{UID: 3, MessageID: "m3@remote", From: "someone@example.com", BodyText: "hello", Headers: map[string]string{}, ReceivedAt: time.Now().UTC()},
			{UID: 5, MessageID: "m5@remote", From: "someone@example.com", BodyText: "hello again", Headers: map[string]string{}, ReceivedAt: time.Now().UTC()},
		},
		last: 5,
	}
	mw, db := newMailboxRig(t, reader)

	require.NoError(t, mw.poll(context.Background()))

	var checkpoint models.MailboxCheckpoint
	require.NoError(t, db.Where("mailbox = ?", "INBOX").First(&checkpoint).Error)
	assert.EqualValues(t, 5, checkpoint.LastUID)

	// A second poll finds nothing new and leaves the row alone.
	require.NoError(t, mw.poll(context.Background()))
	require.NoError(t, db.Where("mailbox = ?", "INBOX").First(&checkpoint).Error)
	assert.EqualValues(t, 5, checkpoint.LastUID)
}
