package controller

import (
	"bytes"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"soundreach/engine"
	"soundreach/utils"
)

type EngineController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *logrus.Logger
}

func NewEngineController(db *gorm.DB, eng *engine.Engine, logger *logrus.Logger) *EngineController {
	return &EngineController{DB: db, Engine: eng, Logger: logger}
}

// transparent 1x1 GIF served for open tracking
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Tick runs one pass of due step executions. Exposed for operators and
// tests; the scheduler worker calls the same path on its interval.
func (ec *EngineController) Tick(c *fiber.Ctx) error {
	if err := ec.Engine.Tick(c.Context()); err != nil {
		ec.Logger.WithError(err).Error("Manual tick failed")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, err.Error())
	}
	return utils.SuccessResponse(c, fiber.Map{"message": "Tick completed"})
}

// DeliverMail accepts a raw RFC 822 message and runs it through the
// reply pipeline. Used by inbound webhooks from mail providers.
func (ec *EngineController) DeliverMail(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Empty message body")
	}

	msg, err := utils.ParseRawMessage(bytes.NewReader(body))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unparseable message: "+err.Error())
	}

	reply, err := ec.Engine.IngestMessage(c.Context(), msg)
	if err != nil {
		ec.Logger.WithError(err).WithField("message_id", msg.MessageID).Error("Inbound ingestion failed")
		return utils.ErrorResponse(c, statusForKind(err), err.Error())
	}
	if reply == nil {
		// Not correlated to any outbound email; acknowledged and dropped.
		return utils.SuccessResponse(c, fiber.Map{"message": "Message discarded"})
	}
	return utils.SuccessResponse(c, fiber.Map{"reply": reply})
}

// TrackOpen records the first open of a tracked email and serves the pixel.
func (ec *EngineController) TrackOpen(c *fiber.Ctx) error {
	token := c.Params("token")
	if err := ec.Engine.TrackOpen(token); err != nil {
		ec.Logger.WithError(err).WithField("token", token).Debug("Open tracking miss")
	}
	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(trackingPixel)
}
