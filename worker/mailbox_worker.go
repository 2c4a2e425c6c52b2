package worker

import (
	"context"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"soundreach/engine"
	"soundreach/models"
)

// MailboxWorker polls the shared mailbox and feeds new messages to the
// reply pipeline. The UID checkpoint is persisted per mailbox so a
// restart never re-ingests old mail.
type MailboxWorker struct {
	DB       *gorm.DB
	Engine   *engine.Engine
	Reader   engine.MailboxReader
	Mailbox  string
	Interval time.Duration
	Logger   *logrus.Logger
}

func NewMailboxWorker(db *gorm.DB, eng *engine.Engine, reader engine.MailboxReader, mailbox string, interval time.Duration, logger *logrus.Logger) *MailboxWorker {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &MailboxWorker{
		DB:       db,
		Engine:   eng,
		Reader:   reader,
		Mailbox:  mailbox,
		Interval: interval,
		Logger:   logger,
	}
}

func (mw *MailboxWorker) Start(ctx context.Context) {
	time.Sleep(10 * time.Second)

	mw.Logger.Info("Mailbox worker started")

	ticker := time.NewTicker(mw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mw.Logger.Info("Mailbox worker shutting down...")
			return
		case <-ticker.C:
			if err := mw.poll(ctx); err != nil {
				mw.Logger.WithError(err).Error("Mailbox poll failed")
			}
		}
	}
}

func (mw *MailboxWorker) poll(ctx context.Context) error {
	var checkpoint models.MailboxCheckpoint
	err := mw.DB.Where("mailbox = ?", mw.Mailbox).First(&checkpoint).Error
	if err == gorm.ErrRecordNotFound {
		checkpoint = models.MailboxCheckpoint{Mailbox: mw.Mailbox}
	} else if err != nil {
		return err
	}

	var messages []engine.InboundMessage
	var newLast uint32

	backoff := retry.WithMaxRetries(3, retry.NewExponential(2*time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var fetchErr error
		messages, newLast, fetchErr = mw.Reader.FetchSince(ctx, checkpoint.LastUID)
		if engine.IsTransient(fetchErr) {
			return retry.RetryableError(fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })

	// The checkpoint only moves past messages that ingested. A transient
	// failure stops the batch so the next poll refetches from there;
	// permanently broken messages are dropped, not retried forever.
	advanced := checkpoint.LastUID
	var ingestErr error
	for _, msg := range messages {
		if _, err := mw.Engine.IngestMessage(ctx, msg); err != nil {
			if engine.IsTransient(err) {
				mw.Logger.WithError(err).WithField("message_id", msg.MessageID).Warn("Transient ingest failure, holding checkpoint")
				ingestErr = err
				break
			}
			mw.Logger.WithError(err).WithField("message_id", msg.MessageID).Error("Dropping unprocessable inbound message")
		}
		if msg.UID > advanced {
			advanced = msg.UID
		}
	}
	if ingestErr == nil && newLast > advanced {
		advanced = newLast
	}
	if advanced == checkpoint.LastUID {
		return ingestErr
	}

	checkpoint.LastUID = advanced
	if checkpoint.ID == 0 {
		if err := mw.DB.Create(&checkpoint).Error; err != nil {
			return err
		}
		return ingestErr
	}
	if err := mw.DB.Model(&checkpoint).Update("last_uid", advanced).Error; err != nil {
		return err
	}
	return ingestErr
}
