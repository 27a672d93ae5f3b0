package controller

import (
	"time"

	"crmflow/models"
	"crmflow/utils"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewSequenceController(db *gorm.DB, logger *logrus.Logger) *SequenceController {
	return &SequenceController{
		DB:     db,
		Logger: logger.WithField("component", "sequence_controller"),
	}
}

type SequenceSettings struct {
	SendAsReply       *bool `json:"send_as_reply"`
	StopOnReply       *bool `json:"stop_on_reply"`
	StopOnBounce      *bool `json:"stop_on_bounce"`
	TrackOpens        *bool `json:"track_opens"`
	TrackClicks       *bool `json:"track_clicks"`
	FollowUpDelayDays *int  `json:"follow_up_delay_days" validate:"omitempty,min=1,max=90"`
}

type sequenceInput struct {
	ProjectID      uint   `json:"project_id" validate:"required"`
	OrganizationID *uint  `json:"organization_id"`
	Name           string `json:"name" validate:"required,min=1,max=200"`
	SequenceSettings
}

// CreateSequence creates a draft sequence without steps.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input sequenceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	sequence := models.Sequence{
		ProjectID:         input.ProjectID,
		OrganizationID:    input.OrganizationID,
		Name:              input.Name,
		Status:            models.SequenceStatusDraft,
		StopOnReply:       true,
		StopOnBounce:      true,
		TrackOpens:        true,
		TrackClicks:       true,
		FollowUpDelayDays: 3,
	}
	applySequenceSettings(&sequence, input.SequenceSettings)

	if err := sc.DB.Create(&sequence).Error; err != nil {
		sc.Logger.WithError(err).Error("failed to create sequence")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", nil)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sequence))
}

func applySequenceSettings(sequence *models.Sequence, input SequenceSettings) {
	if input.SendAsReply != nil {
		sequence.SendAsReply = *input.SendAsReply
	}
	if input.StopOnReply != nil {
		sequence.StopOnReply = *input.StopOnReply
	}
	if input.StopOnBounce != nil {
		sequence.StopOnBounce = *input.StopOnBounce
	}
	if input.TrackOpens != nil {
		sequence.TrackOpens = *input.TrackOpens
	}
	if input.TrackClicks != nil {
		sequence.TrackClicks = *input.TrackClicks
	}
	if input.FollowUpDelayDays != nil {
		sequence.FollowUpDelayDays = *input.FollowUpDelayDays
	}
}

// GetSequences lists sequences, optionally filtered by project and status.
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	query := sc.DB.Model(&models.Sequence{})
	if projectID := c.Query("project_id"); projectID != "" {
		query = query.Where("project_id = ?", utils.ParseUint(projectID))
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var sequences []models.Sequence
	if err := query.Order("created_at DESC").Find(&sequences).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequences", nil)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

// GetSequence returns one sequence with its ordered steps.
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	err := sc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_number ASC")
	}).First(&sequence, c.Params("id")).Error
	if err == gorm.ErrRecordNotFound {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequence", nil)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// UpdateSequence updates a sequence's name, settings and lifecycle status.
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var input struct {
		Name           string  `json:"name" validate:"omitempty,min=1,max=200"`
		OrganizationID *uint   `json:"organization_id"`
		Status         *string `json:"status" validate:"omitempty,oneof=draft active paused archived"`
		SequenceSettings
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if input.Name != "" {
		sequence.Name = input.Name
	}
	if input.OrganizationID != nil {
		sequence.OrganizationID = input.OrganizationID
	}
	applySequenceSettings(&sequence, input.SequenceSettings)

	if input.Status != nil && *input.Status != sequence.Status {
		if *input.Status == models.SequenceStatusActive {
			var stepCount int64
			sc.DB.Model(&models.SequenceStep{}).Where("sequence_id = ?", sequence.ID).Count(&stepCount)
			if stepCount == 0 {
				return utils.ErrorResponse(c, fiber.StatusBadRequest, "Cannot activate a sequence without steps", nil)
			}
		}
		sequence.Status = *input.Status
	}

	if err := sc.DB.Save(&sequence).Error; err != nil {
		sc.Logger.WithError(err).Error("failed to update sequence")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sequence", nil)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// DeleteSequence archives and soft-deletes a sequence and its steps.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var activeCount int64
	sc.DB.Model(&models.SequenceEnrollment{}).
		Where("sequence_id = ? AND status = ?", sequence.ID, models.EnrollmentStatusActive).
		Count(&activeCount)
	if activeCount > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence has active enrollments", nil)
	}

	if err := sc.DB.Where("sequence_id = ?", sequence.ID).Delete(&models.SequenceStep{}).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence steps", nil)
	}
	if err := sc.DB.Delete(&sequence).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", nil)
	}
	return c.JSON(fiber.Map{"message": "Sequence deleted successfully"})
}

type stepInput struct {
	StepNumber  int    `json:"step_number"`
	StepType    string `json:"step_type"`
	Subject     string `json:"subject"`
	BodyHTML    string `json:"body_html"`
	BodyText    string `json:"body_text"`
	DelayAmount int    `json:"delay_amount"`
	DelayUnit   string `json:"delay_unit"`
}

// UpdateSequenceSteps replaces the sequence's full step list. The processor
// re-reads steps live, so edits apply to in-flight enrollments immediately.
func (sc *SequenceController) UpdateSequenceSteps(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var input struct {
		Steps []stepInput `json:"steps"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	steps := make([]models.SequenceStep, 0, len(input.Steps))
	for _, in := range input.Steps {
		steps = append(steps, models.SequenceStep{
			SequenceID:  sequence.ID,
			StepNumber:  in.StepNumber,
			StepType:    in.StepType,
			Subject:     in.Subject,
			BodyHTML:    in.BodyHTML,
			BodyText:    in.BodyText,
			DelayAmount: in.DelayAmount,
			DelayUnit:   in.DelayUnit,
		})
	}
	if err := utils.ValidateSequenceSteps(steps); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid steps", err)
	}

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", sequence.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		if len(steps) == 0 {
			return nil
		}
		return tx.Create(&steps).Error
	})
	if err != nil {
		sc.Logger.WithError(err).Error("failed to replace sequence steps")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update steps", nil)
	}

	return c.JSON(utils.SuccessResponse(steps))
}

type enrollInput struct {
	PersonID     uint `json:"person_id" validate:"required"`
	ConnectionID uint `json:"connection_id" validate:"required"`
	CreatedByID  uint `json:"created_by_id" validate:"required"`
}

// EnrollPerson adds a contact to a sequence, due immediately at step 1.
func (sc *SequenceController) EnrollPerson(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var input enrollInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var person models.Person
	if err := sc.DB.First(&person, input.PersonID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Person not found", nil)
	}
	if person.Email == "" || checkmail.ValidateFormat(person.Email) != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Person has no valid email address", nil)
	}
	if person.IsDoNotContact {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Person is marked do-not-contact", nil)
	}

	var connection models.SenderConnection
	if err := sc.DB.First(&connection, input.ConnectionID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender connection not found", nil)
	}

	var existing int64
	sc.DB.Model(&models.SequenceEnrollment{}).
		Where("sequence_id = ? AND person_id = ? AND status = ?", sequence.ID, person.ID, models.EnrollmentStatusActive).
		Count(&existing)
	if existing > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Person is already enrolled in this sequence", nil)
	}

	enrollment := models.SequenceEnrollment{
		SequenceID:   sequence.ID,
		PersonID:     person.ID,
		ConnectionID: connection.ID,
		CreatedByID:  input.CreatedByID,
		CurrentStep:  1,
		Status:       models.EnrollmentStatusActive,
		NextSendAt:   utils.Pointer(time.Now()),
	}
	if err := sc.DB.Create(&enrollment).Error; err != nil {
		sc.Logger.WithError(err).Error("failed to create enrollment")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll person", nil)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// GetEnrollments lists a sequence's enrollments, optionally by status.
func (sc *SequenceController) GetEnrollments(c *fiber.Ctx) error {
	query := sc.DB.Where("sequence_id = ?", utils.ParseUint(c.Params("id")))
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var enrollments []models.SequenceEnrollment
	if err := query.Order("created_at DESC").Find(&enrollments).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollments", nil)
	}
	return c.JSON(utils.SuccessResponse(enrollments))
}

// StopEnrollment manually removes an enrollment from circulation.
func (sc *SequenceController) StopEnrollment(c *fiber.Ctx) error {
	tx := sc.DB.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", c.Params("enrollmentId"), models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusStopped,
			"next_send_at": nil,
		})
	if tx.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to stop enrollment", nil)
	}
	if tx.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "No active enrollment to stop", nil)
	}
	return c.JSON(fiber.Map{"message": "Enrollment stopped"})
}
