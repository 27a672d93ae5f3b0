package controller

import (
	"time"

	"crmflow/models"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 1x1 transparent GIF served for open-tracking pixels.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type TrackingController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewTrackingController(db *gorm.DB, logger *logrus.Logger) *TrackingController {
	return &TrackingController{
		DB:     db,
		Logger: logger.WithField("component", "tracking_controller"),
	}
}

// HandleOpenTracking records the first open for a sent email and returns the
// pixel regardless of outcome.
func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")

	var sent models.SentEmail
	err := tc.DB.Where("tracking_id = ? AND tracking_id <> ''", trackingID).First(&sent).Error
	if err == nil && sent.OpenedAt == nil {
		if err := tc.DB.Model(&sent).Update("opened_at", time.Now()).Error; err != nil {
			tc.Logger.WithError(err).Warn("failed to record email open")
		}
	} else if err != nil && err != gorm.ErrRecordNotFound {
		tc.Logger.WithError(err).Warn("open tracking lookup failed")
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store")
	return c.Send(trackingPixel)
}

// HandleClickTracking records the first click and redirects to the original
// destination.
func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	destination := c.Query("url")
	if destination == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}

	var sent models.SentEmail
	err := tc.DB.Where("tracking_id = ? AND tracking_id <> ''", trackingID).First(&sent).Error
	if err == nil && sent.ClickedAt == nil {
		if err := tc.DB.Model(&sent).Update("clicked_at", time.Now()).Error; err != nil {
			tc.Logger.WithError(err).Warn("failed to record email click")
		}
	} else if err != nil && err != gorm.ErrRecordNotFound {
		tc.Logger.WithError(err).Warn("click tracking lookup failed")
	}

	return c.Redirect(destination, fiber.StatusFound)
}
