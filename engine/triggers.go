package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"soundreach/models"
)

// RunTriggers scans every active sequence and enrolls the opportunities
// its trigger matches. Designed for an hourly loop; Enroll's duplicate
// and cap guards make re-runs idempotent.
func (e *Engine) RunTriggers(ctx context.Context) error {
	var sequences []models.Sequence
	if err := e.db.Where("is_active = ? AND trigger_type <> ?", true, models.TriggerManual).
		Find(&sequences).Error; err != nil {
		return Wrap(KindTransientDB, err, "loading active sequences")
	}

	for i := range sequences {
		sequence := &sequences[i]
		var err error
		switch sequence.TriggerType {
		case models.TriggerNewOpportunity:
			err = e.triggerNewOpportunities(ctx, sequence)
		case models.TriggerQuoteSent:
			err = e.triggerQuoteSent(ctx, sequence)
		case models.TriggerStaleDeal:
			err = e.triggerStaleDeals(ctx, sequence)
		default:
			e.log.WithFields(logrus.Fields{
				"sequence_id": sequence.ID, "trigger_type": sequence.TriggerType,
			}).Warn("sequence has unknown trigger type")
		}
		if err != nil {
			e.log.WithFields(logrus.Fields{
				"sequence_id": sequence.ID, "error": err.Error(),
			}).Error("trigger pass failed")
		}
	}
	return nil
}

func (e *Engine) triggerNewOpportunities(ctx context.Context, sequence *models.Sequence) error {
	stages := sequence.TargetStageList()
	if len(stages) == 0 {
		return nil
	}
	since := e.clock.Now().Add(-e.opts.TriggerWindow)
	var opportunities []models.Opportunity
	if err := e.db.Where("stage IN ? AND created_at >= ?", stages, since).
		Find(&opportunities).Error; err != nil {
		return Wrap(KindTransientDB, err, "selecting new opportunities")
	}
	e.enrollMatches(ctx, sequence, opportunities)
	return nil
}

func (e *Engine) triggerQuoteSent(ctx context.Context, sequence *models.Sequence) error {
	since := e.clock.Now().Add(-e.opts.TriggerWindow)
	var quotes []models.Quote
	if err := e.db.Where("state = ? AND state_changed_at >= ?", models.QuoteSent, since).
		Find(&quotes).Error; err != nil {
		return Wrap(KindTransientDB, err, "selecting sent quotes")
	}
	var opportunities []models.Opportunity
	for _, q := range quotes {
		var opportunity models.Opportunity
		if err := e.db.First(&opportunity, q.OpportunityID).Error; err != nil {
			continue
		}
		// Only the opportunity's most recent quote counts.
		var newer int64
		e.db.Model(&models.Quote{}).
			Where("opportunity_id = ? AND created_at > ?", q.OpportunityID, q.CreatedAt).
			Count(&newer)
		if newer > 0 {
			continue
		}
		opportunities = append(opportunities, opportunity)
	}
	e.enrollMatches(ctx, sequence, opportunities)
	return nil
}

func (e *Engine) triggerStaleDeals(ctx context.Context, sequence *models.Sequence) error {
	stages := sequence.TargetStageList()
	if len(stages) == 0 {
		return nil
	}
	cutoff := e.clock.Now().Add(-time.Duration(sequence.StaleDaysThreshold) * 24 * time.Hour)
	var opportunities []models.Opportunity
	if err := e.db.Where("stage IN ?", stages).Find(&opportunities).Error; err != nil {
		return Wrap(KindTransientDB, err, "selecting stale candidates")
	}

	var stale []models.Opportunity
	for _, opportunity := range opportunities {
		changed := opportunity.UpdatedAt
		if opportunity.StageChangedAt != nil {
			changed = *opportunity.StageChangedAt
		}
		if !changed.Before(cutoff) {
			continue
		}
		// Stale-deal outreach stays out of any deal already being
		// worked by another sequence.
		var anywhere int64
		if err := e.db.Model(&models.Enrollment{}).
			Where("opportunity_id = ? AND status IN ?", opportunity.ID,
				[]string{models.EnrollmentActive, models.EnrollmentPaused}).
			Count(&anywhere).Error; err != nil {
			return Wrap(KindTransientDB, err, "counting enrollments for opportunity %d", opportunity.ID)
		}
		if anywhere > 0 {
			continue
		}
		stale = append(stale, opportunity)
	}
	e.enrollMatches(ctx, sequence, stale)
	return nil
}

// enrollMatches applies the entity filter and enrolls each match,
// logging and moving on when a single opportunity cannot be enrolled.
func (e *Engine) enrollMatches(ctx context.Context, sequence *models.Sequence, opportunities []models.Opportunity) {
	for _, opportunity := range opportunities {
		if sequence.EntityFilter != "" && opportunity.BillingEntity != sequence.EntityFilter {
			continue
		}
		_, existing, err := e.Enroll(ctx, opportunity.ID, sequence.ID, nil, models.SourceAutoTrigger)
		if err != nil {
			switch KindOf(err) {
			case KindConflict, KindNotFound, KindLockHeld:
				// Cap reached, no eligible contact, or another worker
				// is on it. Skip quietly.
				e.log.WithFields(logrus.Fields{
					"sequence_id":    sequence.ID,
					"opportunity_id": opportunity.ID,
					"reason":         err.Error(),
				}).Debug("trigger skipped opportunity")
			default:
				e.log.WithFields(logrus.Fields{
					"sequence_id":    sequence.ID,
					"opportunity_id": opportunity.ID,
					"error":          err.Error(),
				}).Error("trigger enrollment failed")
			}
			continue
		}
		if !existing {
			e.log.WithFields(logrus.Fields{
				"sequence_id":    sequence.ID,
				"opportunity_id": opportunity.ID,
				"trigger_type":   sequence.TriggerType,
			}).Info("trigger enrolled opportunity")
		}
	}
}
