package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"soundreach/engine"
	"soundreach/models"
	"soundreach/utils"
)

type DraftController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *logrus.Logger
}

func NewDraftController(db *gorm.DB, eng *engine.Engine, logger *logrus.Logger) *DraftController {
	return &DraftController{DB: db, Engine: eng, Logger: logger}
}

// ListDrafts returns drafts awaiting review, oldest deadline first.
func (dc *DraftController) ListDrafts(c *fiber.Ctx) error {
	status := c.Query("status", models.DraftPendingReview)

	var drafts []models.AIEmailDraft
	if err := dc.DB.Where("status = ?", status).
		Order("expires_at ASC").Limit(100).Find(&drafts).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load drafts")
	}

	return utils.SuccessResponse(c, fiber.Map{
		"drafts": drafts,
		"count":  len(drafts),
	})
}

type reviewDraftRequest struct {
	ReviewerID    uint   `json:"reviewer_id" validate:"required"`
	EditedSubject string `json:"edited_subject"`
	EditedBody    string `json:"edited_body"`
}

// ApproveDraft approves (optionally with edits) and sends a pending draft.
func (dc *DraftController) ApproveDraft(c *fiber.Ctx) error {
	id, err := utils.ParseUintParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid draft ID")
	}

	var req reviewDraftRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	if err := dc.Engine.ApproveDraft(c.Context(), id, req.ReviewerID, req.EditedSubject, req.EditedBody); err != nil {
		dc.Logger.WithError(err).WithField("draft_id", id).Warn("Draft approval failed")
		return utils.ErrorResponse(c, statusForKind(err), err.Error())
	}
	return utils.SuccessResponse(c, fiber.Map{"message": "Draft approved and sent"})
}

// RejectDraft rejects a pending draft and skips its step.
func (dc *DraftController) RejectDraft(c *fiber.Ctx) error {
	id, err := utils.ParseUintParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid draft ID")
	}

	var req reviewDraftRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	if err := dc.Engine.RejectDraft(c.Context(), id, req.ReviewerID); err != nil {
		return utils.ErrorResponse(c, statusForKind(err), err.Error())
	}
	return utils.SuccessResponse(c, fiber.Map{"message": "Draft rejected"})
}
