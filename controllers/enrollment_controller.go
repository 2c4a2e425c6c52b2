package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"soundreach/engine"
	"soundreach/models"
	"soundreach/utils"
)

type EnrollmentController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *logrus.Logger
}

func NewEnrollmentController(db *gorm.DB, eng *engine.Engine, logger *logrus.Logger) *EnrollmentController {
	return &EnrollmentController{DB: db, Engine: eng, Logger: logger}
}

type createEnrollmentRequest struct {
	SequenceID    uint  `json:"sequence_id" validate:"required"`
	OpportunityID uint  `json:"opportunity_id" validate:"required"`
	ContactID     *uint `json:"contact_id"`
}

// statusForKind maps engine error kinds onto HTTP statuses.
func statusForKind(err error) int {
	switch engine.KindOf(err) {
	case engine.KindNotFound:
		return fiber.StatusNotFound
	case engine.KindConflict, engine.KindInvalidTransition:
		return fiber.StatusConflict
	case engine.KindLockHeld:
		return fiber.StatusLocked
	case engine.KindInvalidEmailAddress, engine.KindUnsubscribedContact:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

// CreateEnrollment enrolls an opportunity into a sequence.
func (ec *EnrollmentController) CreateEnrollment(c *fiber.Ctx) error {
	var req createEnrollmentRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	enrollment, existing, err := ec.Engine.Enroll(c.Context(), req.OpportunityID, req.SequenceID, req.ContactID, models.SourceManual)
	if err != nil {
		ec.Logger.WithError(err).Warn("Enrollment failed")
		return utils.ErrorResponse(c, statusForKind(err), err.Error())
	}

	status := fiber.StatusCreated
	if existing {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"enrollment": enrollment,
		"existing":   existing,
	})
}

// GetEnrollment returns one enrollment with its step executions.
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	id, err := utils.ParseUintParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID")
	}

	var enrollment models.Enrollment
	if err := ec.DB.First(&enrollment, id).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found")
	}

	var executions []models.StepExecution
	if err := ec.DB.Where("enrollment_id = ?", enrollment.ID).
		Order("step_number ASC").Find(&executions).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load executions")
	}

	return utils.SuccessResponse(c, fiber.Map{
		"enrollment": enrollment,
		"executions": executions,
	})
}

// PauseEnrollment puts an active enrollment on hold.
func (ec *EnrollmentController) PauseEnrollment(c *fiber.Ctx) error {
	id, err := utils.ParseUintParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID")
	}
	if err := ec.Engine.Pause(c.Context(), id, models.ReasonManual); err != nil {
		return utils.ErrorResponse(c, statusForKind(err), err.Error())
	}
	return utils.SuccessResponse(c, fiber.Map{"message": "Enrollment paused"})
}

// ResumeEnrollment restarts a paused enrollment.
func (ec *EnrollmentController) ResumeEnrollment(c *fiber.Ctx) error {
	id, err := utils.ParseUintParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID")
	}
	if err := ec.Engine.Resume(c.Context(), id); err != nil {
		return utils.ErrorResponse(c, statusForKind(err), err.Error())
	}
	return utils.SuccessResponse(c, fiber.Map{"message": "Enrollment resumed"})
}

// CancelEnrollment permanently stops an enrollment.
func (ec *EnrollmentController) CancelEnrollment(c *fiber.Ctx) error {
	id, err := utils.ParseUintParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID")
	}
	if err := ec.Engine.Cancel(c.Context(), id, models.ReasonManual); err != nil {
		return utils.ErrorResponse(c, statusForKind(err), err.Error())
	}
	return utils.SuccessResponse(c, fiber.Map{"message": "Enrollment cancelled"})
}
