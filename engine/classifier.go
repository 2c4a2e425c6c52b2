package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"soundreach/models"
)

const replyCorrelationWindow = 30 * 24 * time.Hour

// Confidence below this sends the reply to a human regardless of class.
const minClassifierConfidence = 0.6

const classifierSystemPrompt = `You classify replies to B2B prospecting emails.
Answer with JSON only: {"classification": "...", "confidence": 0.0}
classification must be one of: interested, not_interested, question, objection, meeting_request, referral, other.
confidence is your probability in [0,1].`

// IngestMessage runs one mailbox message through deduplication,
// correlation, classification and the enrollment side effects. Messages
// that correlate to no outbound record are discarded. Ingesting the
// same Message-ID twice is a no-op.
func (e *Engine) IngestMessage(ctx context.Context, msg InboundMessage) (*models.InboundReply, error) {
	if strings.TrimSpace(msg.MessageID) == "" {
		return nil, nil
	}

	var seen models.InboundReply
	err := e.db.Where("message_id = ?", msg.MessageID).First(&seen).Error
	if err == nil {
		return &seen, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, Wrap(KindTransientDB, err, "checking reply dedup")
	}

	outbound, err := e.correlateOutbound(msg)
	if err != nil {
		return nil, err
	}
	if outbound == nil {
		e.log.WithField("message_id", msg.MessageID).Debug("inbound message matches no outbound record")
		return nil, nil
	}

	var enrollment models.Enrollment
	if err := e.db.First(&enrollment, outbound.EnrollmentID).Error; err != nil {
		return nil, Wrap(KindTransientDB, err, "loading enrollment %d", outbound.EnrollmentID)
	}
	var sequence models.Sequence
	if err := e.db.First(&sequence, enrollment.SequenceID).Error; err != nil {
		return nil, Wrap(KindTransientDB, err, "loading sequence %d", enrollment.SequenceID)
	}

	classification, confidence, method := e.classify(ctx, msg)

	release, ok, err := e.locker.TryLock(ctx, fmt.Sprintf("enrollment:%d", enrollment.ID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, E(KindLockHeld, "enrollment %d is locked", enrollment.ID)
	}
	defer release()

	reply := &models.InboundReply{
		EnrollmentID:             enrollment.ID,
		OutboundEmailID:          outbound.ID,
		MessageID:                msg.MessageID,
		FromAddress:              msg.From,
		Subject:                  msg.Subject,
		BodyText:                 msg.BodyText,
		ReceivedAt:               msg.ReceivedAt,
		Classification:           classification,
		ClassificationConfidence: confidence,
		ClassificationMethod:     method,
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := e.applyReplyEffects(tx, reply, &enrollment, &sequence, outbound); err != nil {
			return err
		}
		if err := tx.Create(reply).Error; err != nil {
			return Wrap(KindTransientDB, err, "recording inbound reply")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"message_id":     msg.MessageID,
		"enrollment_id":  enrollment.ID,
		"classification": classification,
		"confidence":     confidence,
		"method":         method,
	}).Info("inbound reply ingested")
	return reply, nil
}

// correlateOutbound finds the outbound record a message answers:
// tracking token first, then the references headers, then the sender
// address against recent outbound.
func (e *Engine) correlateOutbound(msg InboundMessage) (*models.OutboundEmail, error) {
	haystack := strings.Join([]string{
		msg.Headers["X-Tracking-Token"], msg.InReplyTo, msg.References, msg.Subject, msg.BodyText,
	}, "\n")
	for _, candidate := range TokenPattern.FindAllString(haystack, -1) {
		var outbound models.OutboundEmail
		err := e.db.Where("tracking_token = ?", candidate).First(&outbound).Error
		if err == nil {
			return &outbound, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, Wrap(KindTransientDB, err, "correlating by token")
		}
	}

	for _, ref := range strings.Fields(msg.InReplyTo + " " + msg.References) {
		ref = strings.Trim(ref, "<>")
		if ref == "" {
			continue
		}
		var outbound models.OutboundEmail
		err := e.db.Where("message_id = ?", ref).First(&outbound).Error
		if err == nil {
			return &outbound, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, Wrap(KindTransientDB, err, "correlating by references")
		}
	}

	addr := extractAddress(msg.From)
	if addr != "" {
		var outbound models.OutboundEmail
		err := e.db.Where("to_address = ? AND created_at >= ?", addr,
			e.clock.Now().Add(-replyCorrelationWindow)).
			Order("created_at DESC").First(&outbound).Error
		if err == nil {
			return &outbound, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, Wrap(KindTransientDB, err, "correlating by address")
		}
	}
	return nil, nil
}

// classify runs the rule layer, falling back to the AI layer. Rule hits
// carry confidence 1.0.
func (e *Engine) classify(ctx context.Context, msg InboundMessage) (string, float64, string) {
	if class, ok := ruleClassify(msg); ok {
		return class, 1.0, models.MethodRule
	}
	class, confidence, err := e.aiClassify(ctx, msg)
	if err != nil {
		e.log.WithFields(logrus.Fields{"message_id": msg.MessageID, "error": err.Error()}).
			Warn("AI classification failed; treating reply as other")
		return models.ClassOther, 0, models.MethodAI
	}
	return class, confidence, models.MethodAI
}

var bounceSenders = []string{"mailer-daemon", "postmaster", "mail delivery subsystem"}

var autoReplyMarkers = []string{"out of office", "autoreply", "auto-reply", "automatic reply", "ooo:"}

var unsubscribePhrases = []string{"unsubscribe", "remove me", "stop emailing", "take me off"}

var bookingDomains = []string{"calendly.com", "cal.com", "savvycal.com", "meetings.hubspot.com"}

func ruleClassify(msg InboundMessage) (string, bool) {
	from := strings.ToLower(msg.From)
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.BodyText)

	if v := msg.Headers["Auto-Submitted"]; v != "" && !strings.EqualFold(v, "no") {
		return models.ClassOutOfOffice, true
	}
	if msg.Headers["X-Autoreply"] != "" || msg.Headers["X-Autorespond"] != "" {
		return models.ClassOutOfOffice, true
	}
	for _, marker := range autoReplyMarkers {
		if strings.Contains(subject, marker) {
			return models.ClassOutOfOffice, true
		}
	}

	for _, sender := range bounceSenders {
		if strings.Contains(from, sender) {
			return models.ClassBounce, true
		}
	}
	if strings.Contains(subject, "undeliver") || strings.Contains(subject, "delivery status notification") ||
		msg.Headers["Content-Type"] == "multipart/report" {
		return models.ClassBounce, true
	}

	for _, phrase := range unsubscribePhrases {
		if strings.Contains(body, phrase) {
			return models.ClassUnsubscribe, true
		}
	}

	for _, domain := range bookingDomains {
		if strings.Contains(body, domain) {
			return models.ClassMeetingRequest, true
		}
	}
	return "", false
}

func (e *Engine) aiClassify(ctx context.Context, msg InboundMessage) (string, float64, error) {
	prompt := fmt.Sprintf("From: %s\nSubject: %s\n\n%s", msg.From, msg.Subject, excerpt(msg.BodyText, 2000))
	genCtx, cancel := context.WithTimeout(ctx, aiCallTimeout)
	defer cancel()
	raw, err := e.generator.Generate(genCtx, classifierSystemPrompt, prompt, 128)
	if err != nil {
		return "", 0, Wrap(KindTransientAI, err, "classifying reply")
	}

	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	var parsed struct {
		Classification string  `json:"classification"`
		Confidence     float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &parsed); err != nil {
		return models.ClassOther, 0, nil
	}
	switch parsed.Classification {
	case models.ClassInterested, models.ClassNotInterested, models.ClassQuestion,
		models.ClassObjection, models.ClassMeetingRequest, models.ClassReferral, models.ClassOther:
		return parsed.Classification, parsed.Confidence, nil
	}
	return models.ClassOther, parsed.Confidence, nil
}

// applyReplyEffects maps a classification onto the enrollment, the
// contact and the review queue.
func (e *Engine) applyReplyEffects(tx *gorm.DB, reply *models.InboundReply, enrollment *models.Enrollment, sequence *models.Sequence, outbound *models.OutboundEmail) error {
	class := reply.Classification
	lowConfidence := reply.ClassificationMethod == models.MethodAI &&
		reply.ClassificationConfidence < minClassifierConfidence
	if lowConfidence {
		class = models.ClassOther
	}

	pause := func(reason string) error {
		if !sequence.StopOnReply && reason == models.ReasonReplyReceived {
			// Outreach continues; the reply still surfaces for review.
			reply.NeedsHumanReview = true
			return nil
		}
		if enrollment.Status != models.EnrollmentActive {
			return nil
		}
		if err := e.Transition(tx, enrollment, models.EnrollmentPaused, reason); err != nil {
			return err
		}
		reply.EnrollmentPaused = true
		return nil
	}
	cancel := func(reason string) error {
		if enrollment.IsTerminal() {
			return nil
		}
		if err := e.Transition(tx, enrollment, models.EnrollmentCancelled, reason); err != nil {
			return err
		}
		reply.EnrollmentPaused = true
		return nil
	}

	switch class {
	case models.ClassInterested:
		// A clear positive reply closes the sequence's work; the deal
		// moves to the humans.
		if sequence.StopOnReply && enrollment.Status == models.EnrollmentActive {
			if err := e.Transition(tx, enrollment, models.EnrollmentReplied, models.ReasonReplyReceived); err != nil {
				return err
			}
			reply.EnrollmentPaused = true
		}
		reply.NeedsHumanReview = true
		return e.createReviewTask(tx, reply, enrollment, "Interested reply from")

	case models.ClassQuestion, models.ClassObjection, models.ClassMeetingRequest, models.ClassReferral:
		if err := pause(models.ReasonReplyReceived); err != nil {
			return err
		}
		reply.NeedsHumanReview = true
		return e.createReviewTask(tx, reply, enrollment, "Reply needs attention from")

	case models.ClassNotInterested:
		if err := cancel(models.ReasonNotInterested); err != nil {
			return err
		}
		return e.createReviewTask(tx, reply, enrollment, "Close out declined prospect")

	case models.ClassUnsubscribe:
		if err := cancel(models.ReasonUnsubscribe); err != nil {
			return err
		}
		// Global flag: no further outbound in any sequence.
		if err := tx.Model(&models.Contact{}).Where("id = ?", enrollment.ContactID).
			Update("is_unsubscribed", true).Error; err != nil {
			return Wrap(KindTransientDB, err, "setting contact unsubscribe flag")
		}
		return nil

	case models.ClassOutOfOffice:
		// No state change; give the pending clock a push so the next
		// touch lands after the absence.
		delay := time.Duration(e.opts.OutOfOfficeDelayDays) * 24 * time.Hour
		var pending []models.StepExecution
		if err := tx.Where("enrollment_id = ? AND status = ?", enrollment.ID, models.ExecutionPending).
			Find(&pending).Error; err != nil {
			return Wrap(KindTransientDB, err, "loading pending executions")
		}
		for i := range pending {
			if err := tx.Model(&pending[i]).
				Update("scheduled_for", pending[i].ScheduledFor.Add(delay)).Error; err != nil {
				return Wrap(KindTransientDB, err, "deferring pending execution")
			}
		}
		return nil

	case models.ClassBounce:
		if err := pause(models.ReasonError); err != nil {
			return err
		}
		if err := tx.Model(&models.Contact{}).Where("id = ?", enrollment.ContactID).
			Update("email_invalid", true).Error; err != nil {
			return Wrap(KindTransientDB, err, "flagging contact email invalid")
		}
		if err := tx.Model(&models.OutboundEmail{}).Where("id = ?", outbound.ID).
			Update("status", models.OutboundBounced).Error; err != nil {
			return Wrap(KindTransientDB, err, "marking outbound bounced")
		}
		reply.NeedsHumanReview = true
		return e.createReviewTask(tx, reply, enrollment, "Bounced address for")

	default: // other / unclassified
		if err := pause(models.ReasonReplyReceived); err != nil {
			return err
		}
		reply.NeedsHumanReview = true
		return nil
	}
}

func (e *Engine) createReviewTask(tx *gorm.DB, reply *models.InboundReply, enrollment *models.Enrollment, prefix string) error {
	var opportunity models.Opportunity
	if err := tx.First(&opportunity, enrollment.OpportunityID).Error; err != nil {
		return Wrap(KindTransientDB, err, "loading opportunity %d", enrollment.OpportunityID)
	}
	task := models.Task{
		OpportunityID: opportunity.ID,
		ContactID:     &enrollment.ContactID,
		AssignedToID:  opportunity.OwnerID,
		Title:         fmt.Sprintf("%s %s", prefix, reply.FromAddress),
		TaskType:      "reply_review",
	}
	if err := tx.Create(&task).Error; err != nil {
		return Wrap(KindTransientDB, err, "creating review task")
	}
	reply.CreatedTaskID = &task.ID
	return nil
}

// extractAddress pulls the bare address out of "Name <addr>" forms.
func extractAddress(from string) string {
	from = strings.TrimSpace(from)
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.Index(from[i:], ">"); j > 0 {
			return strings.ToLower(from[i+1 : i+j])
		}
	}
	return strings.ToLower(from)
}
