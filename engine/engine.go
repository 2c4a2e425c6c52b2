package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboundMessage is what the engine hands to the mail sender.
type OutboundMessage struct {
	From     string
	FromName string
	To       string
	CC       []string
	Subject  string
	BodyHTML string
	BodyText string
	Headers  map[string]string // Message-ID, X-Tracking-Token
}

// MailSender delivers one outbound email. Implementations must respect
// the context deadline and distinguish bounces from transport failures
// by returning KindBouncedAddress / KindTransientMail errors.
type MailSender interface {
	Send(ctx context.Context, msg OutboundMessage) (messageID string, err error)
}

// InboundMessage is one message pulled from the mailbox.
type InboundMessage struct {
	UID        uint32
	MessageID  string
	From       string
	Subject    string
	BodyText   string
	InReplyTo  string
	References string
	Headers    map[string]string
	ReceivedAt time.Time
}

// MailboxReader pulls messages newer than a UID checkpoint.
type MailboxReader interface {
	FetchSince(ctx context.Context, lastUID uint32) (messages []InboundMessage, newLastUID uint32, err error)
}

// TextGenerator produces text from a prompt pair. Implementations must
// respect the context deadline.
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Options are the engine's process-wide knobs.
type Options struct {
	DraftTTL              time.Duration
	MaxRetryAttempts      int
	BackoffBase           time.Duration
	BackoffCap            time.Duration
	AutoApprovalWindow    int
	AutoApprovalThreshold float64
	OutOfOfficeDelayDays  int
	TriggerWindow         time.Duration
	TickBatchSize         int

	BusinessTZ   string
	FromEmail    string
	FromName     string
	TrackingBase string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		DraftTTL:              24 * time.Hour,
		MaxRetryAttempts:      5,
		BackoffBase:           5 * time.Minute,
		BackoffCap:            time.Hour,
		AutoApprovalWindow:    20,
		AutoApprovalThreshold: 0.90,
		OutOfOfficeDelayDays:  3,
		TriggerWindow:         time.Hour,
		TickBatchSize:         100,
		BusinessTZ:            "Europe/Paris",
		FromName:              "Soundreach",
	}
}

// Engine is the prospect outreach automation core: trigger-driven
// enrollments, scheduled step execution, AI draft approval, and
// reply-driven suppression.
type Engine struct {
	db        *gorm.DB
	opts      Options
	clock     Clock
	locker    Locker
	sender    MailSender
	generator TextGenerator
	log       *logrus.Logger
	loc       *time.Location
}

func New(db *gorm.DB, opts Options, clock Clock, locker Locker, sender MailSender, generator TextGenerator, log *logrus.Logger) (*Engine, error) {
	if opts.TickBatchSize <= 0 {
		opts.TickBatchSize = 100
	}
	if opts.AutoApprovalWindow <= 0 {
		opts.AutoApprovalWindow = 20
	}
	if opts.BusinessTZ == "" {
		opts.BusinessTZ = "UTC"
	}
	loc, err := time.LoadLocation(opts.BusinessTZ)
	if err != nil {
		return nil, E(KindConflict, "invalid business time zone %q", opts.BusinessTZ)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		db:        db,
		opts:      opts,
		clock:     clock,
		locker:    locker,
		sender:    sender,
		generator: generator,
		log:       log,
		loc:       loc,
	}, nil
}

// DB exposes the engine's database handle to the HTTP layer.
func (e *Engine) DB() *gorm.DB { return e.db }

// Now returns the engine's current instant.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Tick runs one scheduler pass: executes due steps. A second call with
// no elapsed time finds nothing due and changes nothing.
func (e *Engine) Tick(ctx context.Context) error {
	return e.ExecuteDue(ctx)
}
