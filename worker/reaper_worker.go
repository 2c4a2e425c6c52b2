package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"soundreach/engine"
)

// ReaperWorker expires AI drafts whose review deadline has passed.
type ReaperWorker struct {
	Engine   *engine.Engine
	Interval time.Duration
	Logger   *logrus.Logger
}

func NewReaperWorker(eng *engine.Engine, interval time.Duration, logger *logrus.Logger) *ReaperWorker {
	return &ReaperWorker{Engine: eng, Interval: interval, Logger: logger}
}

func (rw *ReaperWorker) Start(ctx context.Context) {
	time.Sleep(20 * time.Second)

	rw.Logger.Info("Draft reaper worker started")

	ticker := time.NewTicker(rw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Info("Draft reaper worker shutting down...")
			return
		case <-ticker.C:
			if err := rw.Engine.ReapExpiredDrafts(ctx); err != nil {
				rw.Logger.WithError(err).Error("Draft reaping failed")
			}
		}
	}
}
