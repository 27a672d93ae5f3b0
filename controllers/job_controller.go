package controller

import (
	"crmflow/utils"
	"crmflow/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// JobController exposes the scheduled-job entry points over HTTP so an
// external cron can drive processing instead of the in-process schedule.
type JobController struct {
	Processor    *worker.SequenceProcessor
	DefaultLimit int
	Logger       *logrus.Entry
}

func NewJobController(processor *worker.SequenceProcessor, defaultLimit int, logger *logrus.Logger) *JobController {
	return &JobController{
		Processor:    processor,
		DefaultLimit: defaultLimit,
		Logger:       logger.WithField("component", "job_controller"),
	}
}

// ProcessSequences runs one processing tick and returns its summary.
func (jc *JobController) ProcessSequences(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", jc.DefaultLimit)
	if limit < 1 {
		limit = jc.DefaultLimit
	}

	result, err := jc.Processor.ProcessDueEnrollments(c.Context(), limit)
	if err != nil {
		jc.Logger.WithError(err).Error("sequence processing tick failed")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Processing failed", err)
	}

	jc.Logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"sent":      result.Sent,
		"completed": result.Completed,
		"errors":    result.Errors,
	}).Info("sequence processing tick finished")

	return c.JSON(result)
}
