package routes

import (
	controller "crmflow/controllers"
	"crmflow/utils"
	"crmflow/worker"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SetupRoutes wires every HTTP surface of the service: sequence and
// connection management, the job trigger, and the tracking endpoints.
func SetupRoutes(app *fiber.App, db *gorm.DB, processor *worker.SequenceProcessor, mailer utils.MailTransport, batchLimit int, logger *logrus.Logger) {
	sequenceController := controller.NewSequenceController(db, logger)
	connectionController := controller.NewConnectionController(db, mailer, logger)
	jobController := controller.NewJobController(processor, batchLimit, logger)
	trackingController := controller.NewTrackingController(db, logger)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1", fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence routes
	sequence := api.Group("/sequences")
	sequence.Post("/", sequenceController.CreateSequence)
	sequence.Get("/", sequenceController.GetSequences)
	sequence.Get("/:id", sequenceController.GetSequence)
	sequence.Put("/:id", sequenceController.UpdateSequence)
	sequence.Delete("/:id", sequenceController.DeleteSequence)
	sequence.Put("/:id/steps", sequenceController.UpdateSequenceSteps)
	sequence.Post("/:id/enrollments", sequenceController.EnrollPerson)
	sequence.Get("/:id/enrollments", sequenceController.GetEnrollments)
	sequence.Post("/:id/enrollments/:enrollmentId/stop", sequenceController.StopEnrollment)

	// Sender connection routes
	connection := api.Group("/connections")
	connection.Post("/", connectionController.CreateConnection)
	connection.Get("/", connectionController.GetConnections)
	connection.Post("/:id/test", connectionController.TestConnection)
	connection.Delete("/:id", connectionController.DeleteConnection)

	// Scheduled-job triggers
	jobs := api.Group("/jobs")
	jobs.Post("/process-sequences", jobController.ProcessSequences)

	// Engagement tracking (no auth, reached from recipient mail clients)
	app.Get("/track/open/:trackingID/:token", trackingController.HandleOpenTracking)
	app.Get("/track/click/:trackingID/:token", trackingController.HandleClickTracking)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
