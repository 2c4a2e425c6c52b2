package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "soundreach/controllers"
	"soundreach/engine"
)

// Setup wires every HTTP endpoint onto the app.
func Setup(app *fiber.App, db *gorm.DB, eng *engine.Engine, log *logrus.Logger) {
	enrollments := controller.NewEnrollmentController(db, eng, log)
	drafts := controller.NewDraftController(db, eng, log)
	engineCtrl := controller.NewEngineController(db, eng, log)

	api := app.Group("/api", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	api.Post("/enrollments", enrollments.CreateEnrollment)
	api.Get("/enrollments/:id", enrollments.GetEnrollment)
	api.Post("/enrollments/:id/pause", enrollments.PauseEnrollment)
	api.Post("/enrollments/:id/resume", enrollments.ResumeEnrollment)
	api.Post("/enrollments/:id/cancel", enrollments.CancelEnrollment)

	api.Get("/drafts", drafts.ListDrafts)
	api.Post("/drafts/:id/approve", drafts.ApproveDraft)
	api.Post("/drafts/:id/reject", drafts.RejectDraft)

	api.Post("/engine/tick", engineCtrl.Tick)
	api.Post("/inbound/mail", engineCtrl.DeliverMail)

	// The tracking pixel sits outside /api so email clients hit a short path.
	app.Get("/track/open/:token", engineCtrl.TrackOpen)

	log.Info("Routes initialized successfully")
}
