package controller

import (
	"time"

	"crmflow/models"
	"crmflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ConnectionController struct {
	DB     *gorm.DB
	Mailer utils.MailTransport
	Logger *logrus.Entry
}

func NewConnectionController(db *gorm.DB, mailer utils.MailTransport, logger *logrus.Logger) *ConnectionController {
	return &ConnectionController{
		DB:     db,
		Mailer: mailer,
		Logger: logger.WithField("component", "connection_controller"),
	}
}

type connectionInput struct {
	UserID    uint   `json:"user_id" validate:"required"`
	ProjectID uint   `json:"project_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name" validate:"required"`

	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port" validate:"required,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username" validate:"required"`
	SMTPPassword string `json:"smtp_password" validate:"required"`
	Encryption   string `json:"encryption" validate:"required,oneof=SSL TLS STARTTLS NONE"`

	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPEncryption string `json:"imap_encryption"`
	IMAPMailbox    string `json:"imap_mailbox"`
}

// CreateConnection stores a sender connection with encrypted credentials.
func (cc *ConnectionController) CreateConnection(c *fiber.Ctx) error {
	var input connectionInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	smtpPassword, err := utils.Encrypt(input.SMTPPassword)
	if err != nil {
		cc.Logger.WithError(err).Error("failed to encrypt SMTP password")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to store credentials", nil)
	}
	imapPassword, err := utils.Encrypt(input.IMAPPassword)
	if err != nil {
		cc.Logger.WithError(err).Error("failed to encrypt IMAP password")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to store credentials", nil)
	}

	connection := models.SenderConnection{
		UserID:         input.UserID,
		ProjectID:      input.ProjectID,
		Name:           input.Name,
		FromEmail:      input.FromEmail,
		FromName:       input.FromName,
		ProviderType:   "smtp",
		SMTPHost:       input.SMTPHost,
		SMTPPort:       input.SMTPPort,
		SMTPUsername:   input.SMTPUsername,
		SMTPPassword:   smtpPassword,
		Encryption:     input.Encryption,
		IMAPHost:       input.IMAPHost,
		IMAPPort:       input.IMAPPort,
		IMAPUsername:   input.IMAPUsername,
		IMAPPassword:   imapPassword,
		IMAPEncryption: input.IMAPEncryption,
		IMAPMailbox:    input.IMAPMailbox,
		Status:         models.ConnectionStatusDisconnected,
	}
	if err := cc.DB.Create(&connection).Error; err != nil {
		cc.Logger.WithError(err).Error("failed to create connection")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create connection", nil)
	}

	connection.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(connection))
}

// GetConnections lists connections for a user or project.
func (cc *ConnectionController) GetConnections(c *fiber.Ctx) error {
	query := cc.DB.Model(&models.SenderConnection{})
	if userID := c.Query("user_id"); userID != "" {
		query = query.Where("user_id = ?", utils.ParseUint(userID))
	}
	if projectID := c.Query("project_id"); projectID != "" {
		query = query.Where("project_id = ?", utils.ParseUint(projectID))
	}

	var connections []models.SenderConnection
	if err := query.Find(&connections).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch connections", nil)
	}
	for i := range connections {
		connections[i].Sanitize()
	}
	return c.JSON(utils.SuccessResponse(connections))
}

// TestConnection sends a probe email through the connection and flips its
// status to connected on success.
func (cc *ConnectionController) TestConnection(c *fiber.Ctx) error {
	var connection models.SenderConnection
	if err := cc.DB.First(&connection, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Connection not found", nil)
	}

	var input struct {
		To string `json:"to" validate:"required,email"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	now := time.Now()
	_, err := cc.Mailer.Send(&connection, utils.OutgoingEmail{
		To:       input.To,
		Subject:  "Connection test",
		BodyText: "This message confirms your sender connection is working.",
	})
	if err != nil {
		if dbErr := cc.DB.Model(&connection).Updates(map[string]interface{}{
			"status":         models.ConnectionStatusError,
			"last_tested_at": now,
			"last_error":     err.Error(),
		}).Error; dbErr != nil {
			cc.Logger.WithError(dbErr).Error("failed to update connection status")
		}
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Test send failed", err)
	}

	if err := cc.DB.Model(&connection).Updates(map[string]interface{}{
		"status":         models.ConnectionStatusConnected,
		"last_tested_at": now,
		"last_error":     nil,
	}).Error; err != nil {
		cc.Logger.WithError(err).Error("failed to update connection status")
	}

	return c.JSON(fiber.Map{"message": "Test email sent"})
}

// DeleteConnection removes a connection that no active enrollment uses.
func (cc *ConnectionController) DeleteConnection(c *fiber.Ctx) error {
	var connection models.SenderConnection
	if err := cc.DB.First(&connection, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Connection not found", nil)
	}

	var inUse int64
	cc.DB.Model(&models.SequenceEnrollment{}).
		Where("connection_id = ? AND status = ?", connection.ID, models.EnrollmentStatusActive).
		Count(&inUse)
	if inUse > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Connection is used by active enrollments", nil)
	}

	if err := cc.DB.Delete(&connection).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete connection", nil)
	}
	return c.JSON(fiber.Map{"message": "Connection deleted"})
}
