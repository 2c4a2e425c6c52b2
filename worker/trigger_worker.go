package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"soundreach/engine"
)

// TriggerWorker scans the CRM for trigger conditions and auto-enrolls
// matching opportunities.
type TriggerWorker struct {
	Engine   *engine.Engine
	Interval time.Duration
	Logger   *logrus.Logger
}

func NewTriggerWorker(eng *engine.Engine, interval time.Duration, logger *logrus.Logger) *TriggerWorker {
	return &TriggerWorker{Engine: eng, Interval: interval, Logger: logger}
}

func (tw *TriggerWorker) Start(ctx context.Context) {
	time.Sleep(15 * time.Second)

	tw.Logger.Info("Trigger worker started")

	ticker := time.NewTicker(tw.Interval)
	defer ticker.Stop()

	// Run once at startup so a restart does not wait a full interval.
	if err := tw.Engine.RunTriggers(ctx); err != nil {
		tw.Logger.WithError(err).Error("Trigger scan failed")
	}

	for {
		select {
		case <-ctx.Done():
			tw.Logger.Info("Trigger worker shutting down...")
			return
		case <-ticker.C:
			if err := tw.Engine.RunTriggers(ctx); err != nil {
				tw.Logger.WithError(err).Error("Trigger scan failed")
			}
		}
	}
}
