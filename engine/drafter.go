package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"soundreach/models"
)

const drafterSystemPrompt = `You write short, warm prospecting emails for a background-music service provider.
Rules:
- Never invent pricing, discounts, or contract terms.
- Never fabricate names, references, or past conversations.
- Match the requested tone and stay under the word limit.
- Write HTML paragraphs only, no <html> or <head> wrapper.
- Sign off with the sender's first name only.
Return JSON: {"subject": "...", "body_html": "..."}`

// draftEmail asks the text generator for a subject and body following
// the step's prompt instructions, the rendered context, and the
// enrollment's outbound history.
func (e *Engine) draftEmail(ctx context.Context, tx *gorm.DB, scope *enrollmentScope, step *models.SequenceStep, renderCtx RenderContext) (subject, bodyHTML string, err error) {
	history, err := e.outboundHistory(tx, scope.Enrollment.ID)
	if err != nil {
		return "", "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Step instructions:\n%s\n\n", step.PromptInstructions)
	fmt.Fprintf(&b, "Word limit: %d\n\n", step.MaxWords)
	b.WriteString("Context:\n")
	for _, key := range []string{"company_name", "contact_name", "opportunity_name", "owner_name", "days_since_enrollment"} {
		fmt.Fprintf(&b, "- %s: %s\n", key, renderCtx[key])
	}
	if len(history) > 0 {
		b.WriteString("\nPrevious emails in this sequence:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- subject %q: %s\n", h.Subject, excerpt(h.BodyText, 200))
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, aiCallTimeout)
	defer cancel()
	raw, err := e.generator.Generate(genCtx, drafterSystemPrompt, b.String(), 1024)
	if err != nil {
		if KindOf(err) == "" {
			err = Wrap(KindTransientAI, err, "generating draft for step %d", step.StepNumber)
		}
		return "", "", err
	}

	subject, bodyHTML, perr := parseDraft(raw)
	if perr != nil {
		return "", "", Wrap(KindTransientAI, perr, "unparseable draft for step %d", step.StepNumber)
	}
	return subject, bodyHTML, nil
}

// parseDraft accepts the JSON contract, or falls back to a
// "Subject: ..." first line when the model ignores it.
func parseDraft(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed struct {
		Subject  string `json:"subject"`
		BodyHTML string `json:"body_html"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil &&
		parsed.Subject != "" && parsed.BodyHTML != "" {
		return parsed.Subject, parsed.BodyHTML, nil
	}

	lines := strings.SplitN(trimmed, "\n", 2)
	if len(lines) == 2 && strings.HasPrefix(strings.ToLower(lines[0]), "subject:") {
		subject := strings.TrimSpace(lines[0][len("subject:"):])
		body := strings.TrimSpace(lines[1])
		if subject != "" && body != "" {
			return subject, body, nil
		}
	}
	return "", "", fmt.Errorf("response carries no subject/body pair")
}

type historyEntry struct {
	Subject  string
	BodyText string
}

func (e *Engine) outboundHistory(tx *gorm.DB, enrollmentID uint) ([]historyEntry, error) {
	var sent []models.OutboundEmail
	if err := tx.Where("enrollment_id = ? AND status <> ?", enrollmentID, models.OutboundFailed).
		Order("created_at ASC").Find(&sent).Error; err != nil {
		return nil, Wrap(KindTransientDB, err, "loading outbound history")
	}
	history := make([]historyEntry, 0, len(sent))
	for _, o := range sent {
		history = append(history, historyEntry{Subject: o.Subject, BodyText: o.BodyText})
	}
	return history, nil
}

func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// executeAIEmail drafts the email and either auto-approves it (sending
// in the same pass) or parks it in the review queue with a TTL.
func (e *Engine) executeAIEmail(ctx context.Context, tx *gorm.DB, execution *models.StepExecution, scope *enrollmentScope, step *models.SequenceStep, renderCtx RenderContext) error {
	// A crash between draft creation and status flip leaves an orphan
	// draft; reuse it instead of paying for a second generation.
	var draft models.AIEmailDraft
	err := tx.Where("execution_id = ?", execution.ID).First(&draft).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return Wrap(KindTransientDB, err, "looking up draft for execution %d", execution.ID)
	}

	now := e.clock.Now()
	switch draft.Status {
	case models.DraftApproved, models.DraftEdited:
		// Retried send after a transient failure post-approval.
		return e.sendStepEmail(ctx, tx, execution, scope, draft.FinalSubject(), draft.FinalBody())
	case models.DraftRejected, models.DraftExpired:
		return e.updateExecution(tx, execution, map[string]interface{}{
			"status": models.ExecutionSkipped, "executed_at": now,
		})
	}
	if err == gorm.ErrRecordNotFound {
		subject, body, derr := e.draftEmail(ctx, tx, scope, step, renderCtx)
		if derr != nil {
			return derr
		}
		draft = models.AIEmailDraft{
			ExecutionID: execution.ID,
			Subject:     subject,
			BodyHTML:    body,
			Status:      models.DraftPendingReview,
			ExpiresAt:   now.Add(e.opts.DraftTTL),
		}
	}

	reviewerID := scope.Opportunity.OwnerID
	if draft.Status == models.DraftPendingReview && e.autoApprovalEligible(tx, step.ID, reviewerID) {
		draft.Status = models.DraftApproved
		draft.AutoApproved = true
		draft.ReviewedAt = &now
		if err := tx.Save(&draft).Error; err != nil {
			return Wrap(KindTransientDB, err, "saving auto-approved draft")
		}
		e.log.WithField("execution_id", execution.ID).Info("draft auto-approved")
		return e.sendStepEmail(ctx, tx, execution, scope, draft.Subject, draft.BodyHTML)
	}

	if draft.ID == 0 {
		if err := tx.Create(&draft).Error; err != nil {
			return Wrap(KindTransientDB, err, "creating draft")
		}
	}
	return e.updateExecution(tx, execution, map[string]interface{}{
		"status": models.ExecutionPendingApproval, "last_error": "",
	})
}
