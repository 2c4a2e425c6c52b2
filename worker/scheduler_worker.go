package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"soundreach/engine"
)

// SchedulerWorker drives step execution on a fixed tick.
type SchedulerWorker struct {
	Engine   *engine.Engine
	Interval time.Duration
	Logger   *logrus.Logger
}

func NewSchedulerWorker(eng *engine.Engine, interval time.Duration, logger *logrus.Logger) *SchedulerWorker {
	return &SchedulerWorker{Engine: eng, Interval: interval, Logger: logger}
}

func (sw *SchedulerWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(5 * time.Second)

	sw.Logger.Info("Scheduler worker started")

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.Logger.Info("Scheduler worker shutting down...")
			return
		case <-ticker.C:
			if err := sw.Engine.Tick(ctx); err != nil {
				sw.Logger.WithError(err).Error("Scheduler tick failed")
			}
		}
	}
}
