package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmflow/models"
	"crmflow/utils"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Per-enrollment outcome statuses reported in the tick summary.
const (
	ResultSent      = "sent"
	ResultDelayed   = "delayed"
	ResultCompleted = "completed"
	ResultError     = "error"
	ResultSkipped   = "skipped"
)

// EnrollmentResult is one row in the tick's detail list.
type EnrollmentResult struct {
	EnrollmentID uint   `json:"enrollment_id"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
}

// ProcessResult is the summary returned to the invoking job.
type ProcessResult struct {
	Processed int                `json:"processed"`
	Sent      int                `json:"sent"`
	Errors    int                `json:"errors"`
	Completed int                `json:"completed"`
	Details   []EnrollmentResult `json:"details"`
}

// SequenceProcessor advances due enrollments through their sequences. One
// call to ProcessDueEnrollments is one tick; the processor holds no state
// between ticks beyond what lives in the database.
type SequenceProcessor struct {
	db              *gorm.DB
	mailer          utils.MailTransport
	logger          *logrus.Entry
	trackingBaseURL string

	// now is swappable so tests can pin the clock.
	now func() time.Time
}

func NewSequenceProcessor(db *gorm.DB, mailer utils.MailTransport, logger *logrus.Logger, trackingBaseURL string) *SequenceProcessor {
	return &SequenceProcessor{
		db:              db,
		mailer:          mailer,
		logger:          logger.WithField("component", "sequence_processor"),
		trackingBaseURL: trackingBaseURL,
		now:             time.Now,
	}
}

// ProcessDueEnrollments runs one tick over at most limit due enrollments.
// A storage failure during the initial fetches aborts the whole tick; any
// failure inside a single enrollment is recorded in the result detail list
// and does not touch its siblings.
func (sp *SequenceProcessor) ProcessDueEnrollments(ctx context.Context, limit int) (*ProcessResult, error) {
	now := sp.now()

	var enrollments []models.SequenceEnrollment
	err := sp.db.WithContext(ctx).
		Preload("Sequence").
		Preload("Connection").
		Where("status = ? AND next_send_at IS NOT NULL AND next_send_at <= ?", models.EnrollmentStatusActive, now).
		Limit(limit).
		Find(&enrollments).Error
	if err != nil {
		return nil, fmt.Errorf("fetching due enrollments: %w", err)
	}

	stepsBySequence, err := sp.loadSteps(ctx, enrollments)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{Details: make([]EnrollmentResult, 0, len(enrollments))}

	for i := range enrollments {
		enrollment := &enrollments[i]
		detail := sp.processOne(ctx, enrollment, stepsBySequence[enrollment.SequenceID], now)

		result.Processed++
		switch detail.Status {
		case ResultSent:
			result.Sent++
		case ResultError:
			result.Errors++
		}
		if enrollment.Status == models.EnrollmentStatusCompleted {
			result.Completed++
		}
		result.Details = append(result.Details, detail)
	}

	return result, nil
}

// loadSteps fetches the steps for every sequence in the batch in one query,
// grouped by sequence id and sorted ascending by step number.
func (sp *SequenceProcessor) loadSteps(ctx context.Context, enrollments []models.SequenceEnrollment) (map[uint][]models.SequenceStep, error) {
	grouped := make(map[uint][]models.SequenceStep)
	if len(enrollments) == 0 {
		return grouped, nil
	}

	seen := make(map[uint]bool)
	ids := make([]uint, 0, len(enrollments))
	for _, e := range enrollments {
		if !seen[e.SequenceID] {
			seen[e.SequenceID] = true
			ids = append(ids, e.SequenceID)
		}
	}

	var steps []models.SequenceStep
	err := sp.db.WithContext(ctx).
		Where("sequence_id IN ?", ids).
		Order("step_number ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("fetching sequence steps: %w", err)
	}

	for _, step := range steps {
		grouped[step.SequenceID] = append(grouped[step.SequenceID], step)
	}
	return grouped, nil
}

// processOne advances a single enrollment, converting any panic or error
// into an error detail row so the rest of the batch keeps going.
func (sp *SequenceProcessor) processOne(ctx context.Context, enrollment *models.SequenceEnrollment, steps []models.SequenceStep, now time.Time) (detail EnrollmentResult) {
	defer func() {
		if r := recover(); r != nil {
			sp.logger.WithField("enrollment_id", enrollment.ID).
				Errorf("panic while advancing enrollment: %v", r)
			detail = EnrollmentResult{
				EnrollmentID: enrollment.ID,
				Status:       ResultError,
				Message:      fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	return sp.advance(ctx, enrollment, steps, now)
}

func (sp *SequenceProcessor) advance(ctx context.Context, enrollment *models.SequenceEnrollment, steps []models.SequenceStep, now time.Time) EnrollmentResult {
	// A sequence leaving active pauses its enrollments, it never fails them.
	if enrollment.Sequence.Status != models.SequenceStatusActive {
		return sp.skipped(enrollment, "sequence is not active")
	}
	if enrollment.Connection.Status != models.ConnectionStatusConnected {
		return sp.skipped(enrollment, "sender connection is not connected")
	}

	step := stepAt(steps, enrollment.CurrentStep)
	if step == nil {
		return sp.complete(ctx, enrollment, now, "sequence completed")
	}

	switch step.StepType {
	case models.StepTypeDelay:
		return sp.executeDelay(ctx, enrollment, steps, step, now)
	case models.StepTypeEmail:
		return sp.executeEmail(ctx, enrollment, steps, step, now)
	case models.StepTypeCondition:
		// Recognized but not executable; authoring rejects these, legacy
		// data stalls here until the sequence is repaired.
		return sp.skipped(enrollment, "condition steps are not executable")
	default:
		return sp.skipped(enrollment, fmt.Sprintf("unknown step type %q", step.StepType))
	}
}

func (sp *SequenceProcessor) executeDelay(ctx context.Context, enrollment *models.SequenceEnrollment, steps []models.SequenceStep, step *models.SequenceStep, now time.Time) EnrollmentResult {
	wait := delayDuration(step)
	nextSendAt := now.Add(wait)

	next := stepAt(steps, step.StepNumber+1)
	if next == nil {
		return sp.complete(ctx, enrollment, now, "completed after delay")
	}

	claimed, err := sp.claim(ctx, enrollment, map[string]interface{}{
		"current_step": next.StepNumber,
		"next_send_at": nextSendAt,
	})
	if err != nil {
		return sp.errored(enrollment, err)
	}
	if !claimed {
		return sp.skipped(enrollment, "enrollment already claimed")
	}

	return EnrollmentResult{
		EnrollmentID: enrollment.ID,
		Status:       ResultDelayed,
		Message:      fmt.Sprintf("waiting %s", utils.FormatDuration(wait)),
	}
}

func (sp *SequenceProcessor) executeEmail(ctx context.Context, enrollment *models.SequenceEnrollment, steps []models.SequenceStep, step *models.SequenceStep, now time.Time) EnrollmentResult {
	varCtx, err := sp.buildVariableContext(ctx, enrollment)
	if err != nil {
		return sp.errored(enrollment, err)
	}
	person := varCtx.Person

	if person.Email == "" || checkmail.ValidateFormat(person.Email) != nil {
		// Park the enrollment instead of leaving it perpetually due.
		claimed, err := sp.claim(ctx, enrollment, map[string]interface{}{
			"status":       models.EnrollmentStatusFailedNoContact,
			"next_send_at": nil,
		})
		if err != nil {
			return sp.errored(enrollment, err)
		}
		if !claimed {
			return sp.skipped(enrollment, "enrollment already claimed")
		}
		enrollment.Status = models.EnrollmentStatusFailedNoContact
		return sp.skipped(enrollment, "person has no usable email address")
	}

	subject := utils.SubstituteVariables(step.Subject, varCtx)
	bodyHTML := utils.SubstituteVariables(step.BodyHTML, varCtx)
	bodyText := utils.SubstituteVariables(step.BodyText, varCtx)
	if bodyText == "" {
		bodyText = utils.StripHTMLTags(bodyHTML)
	}
	var trackingID string
	bodyHTML, trackingID = sp.injectTracking(bodyHTML, &enrollment.Sequence)

	var inReplyTo string
	if enrollment.Sequence.SendAsReply {
		var prev models.SentEmail
		err := sp.db.WithContext(ctx).
			Where("enrollment_id = ?", enrollment.ID).
			Order("sent_at DESC").
			First(&prev).Error
		if err == nil {
			inReplyTo = prev.MessageID
		} else if err != gorm.ErrRecordNotFound {
			return sp.errored(enrollment, fmt.Errorf("loading previous send: %w", err))
		}
	}

	messageID, sendErr := sp.mailer.Send(&enrollment.Connection, utils.OutgoingEmail{
		To:        person.Email,
		ToName:    person.FullName(),
		Subject:   subject,
		BodyHTML:  bodyHTML,
		BodyText:  bodyText,
		InReplyTo: inReplyTo,
		PersonID:  person.ID,
	})
	if sendErr != nil {
		var se *utils.SendError
		if !errors.As(sendErr, &se) {
			// Infrastructure failure, not a delivery verdict. The
			// enrollment stays due and retries on a later tick.
			return sp.errored(enrollment, sendErr)
		}
		if !enrollment.Sequence.StopOnBounce {
			return sp.errored(enrollment, sendErr)
		}
		return sp.bounce(ctx, enrollment, now, sendErr)
	}

	// Audit trail for reply detection and engagement tracking. A failure
	// here must not undo a send that already happened.
	sent := models.SentEmail{
		EnrollmentID: enrollment.ID,
		StepID:       step.ID,
		PersonID:     person.ID,
		MessageID:    messageID,
		TrackingID:   trackingID,
		Subject:      subject,
		SentAt:       now,
	}
	if err := sp.db.WithContext(ctx).Create(&sent).Error; err != nil {
		sp.logger.WithError(err).WithField("enrollment_id", enrollment.ID).
			Error("failed to record sent email")
	}

	return sp.scheduleAfterEmail(ctx, enrollment, steps, step, now)
}

// scheduleAfterEmail computes the enrollment's next state after a successful
// send. A delay step directly after the email is folded into next_send_at
// rather than consuming a tick of its own: the pointer jumps past the delay
// to the step that follows it.
func (sp *SequenceProcessor) scheduleAfterEmail(ctx context.Context, enrollment *models.SequenceEnrollment, steps []models.SequenceStep, step *models.SequenceStep, now time.Time) EnrollmentResult {
	next := stepAt(steps, step.StepNumber+1)
	if next == nil {
		detail := sp.complete(ctx, enrollment, now, "email sent, sequence completed")
		if detail.Status == ResultCompleted {
			detail.Status = ResultSent
		}
		return detail
	}

	var updates map[string]interface{}
	var message string

	if next.StepType == models.StepTypeDelay {
		nextSendAt := now.Add(delayDuration(next))
		pointer := next.StepNumber
		if after := stepAt(steps, next.StepNumber+1); after != nil {
			pointer = after.StepNumber
		}
		// When nothing follows the delay the pointer stays on the delay
		// step, and the next tick terminates it as an empty tail.
		updates = map[string]interface{}{
			"current_step": pointer,
			"next_send_at": nextSendAt,
		}
		message = fmt.Sprintf("email sent, next step due in %s", utils.FormatDuration(delayDuration(next)))
	} else {
		// Next email (or legacy condition) becomes eligible on the next
		// scheduler tick; there is no same-tick chaining.
		updates = map[string]interface{}{
			"current_step": next.StepNumber,
			"next_send_at": now,
		}
		message = "email sent"
	}

	claimed, err := sp.claim(ctx, enrollment, updates)
	if err != nil {
		return sp.errored(enrollment, err)
	}
	if !claimed {
		return sp.skipped(enrollment, "enrollment already claimed")
	}

	return EnrollmentResult{
		EnrollmentID: enrollment.ID,
		Status:       ResultSent,
		Message:      message,
	}
}

func (sp *SequenceProcessor) bounce(ctx context.Context, enrollment *models.SequenceEnrollment, now time.Time, sendErr error) EnrollmentResult {
	// current_step stays put so the bounce is attributable to the step that
	// triggered it. No automatic retry within the tick.
	claimed, err := sp.claim(ctx, enrollment, map[string]interface{}{
		"status":             models.EnrollmentStatusBounced,
		"bounce_detected_at": now,
		"next_send_at":       nil,
	})
	if err != nil {
		return sp.errored(enrollment, err)
	}
	if !claimed {
		return sp.skipped(enrollment, "enrollment already claimed")
	}
	enrollment.Status = models.EnrollmentStatusBounced

	// Best-effort contact flag so future enrollments can be screened.
	if err := sp.db.WithContext(ctx).Model(&models.Person{}).
		Where("id = ?", enrollment.PersonID).
		Update("is_bounced", true).Error; err != nil {
		sp.logger.WithError(err).WithField("person_id", enrollment.PersonID).
			Warn("failed to flag person as bounced")
	}

	sp.logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"person_id":     enrollment.PersonID,
	}).WithError(sendErr).Warn("enrollment bounced")

	return EnrollmentResult{
		EnrollmentID: enrollment.ID,
		Status:       ResultError,
		Message:      sendErr.Error(),
	}
}

// complete terminates the enrollment and fires the completion side effects.
func (sp *SequenceProcessor) complete(ctx context.Context, enrollment *models.SequenceEnrollment, now time.Time, message string) EnrollmentResult {
	claimed, err := sp.claim(ctx, enrollment, map[string]interface{}{
		"status":       models.EnrollmentStatusCompleted,
		"completed_at": now,
		"next_send_at": nil,
	})
	if err != nil {
		return sp.errored(enrollment, err)
	}
	if !claimed {
		return sp.skipped(enrollment, "enrollment already claimed")
	}
	enrollment.Status = models.EnrollmentStatusCompleted

	sp.logCompletion(ctx, enrollment, now)

	return EnrollmentResult{
		EnrollmentID: enrollment.ID,
		Status:       ResultCompleted,
		Message:      message,
	}
}

// logCompletion creates the follow-up task and the activity-log entry for a
// finished enrollment, cross-linking the two. Strictly best-effort: the
// enrollment stays completed no matter what fails here.
func (sp *SequenceProcessor) logCompletion(ctx context.Context, enrollment *models.SequenceEnrollment, now time.Time) {
	logger := sp.logger.WithField("enrollment_id", enrollment.ID)

	var person models.Person
	if err := sp.db.WithContext(ctx).First(&person, enrollment.PersonID).Error; err != nil {
		logger.WithError(err).Error("completion logging: failed to load person")
		return
	}

	followUpDays := enrollment.Sequence.FollowUpDelayDays
	if followUpDays <= 0 {
		followUpDays = 3
	}
	dueAt := now.AddDate(0, 0, followUpDays)

	personName := person.FullName()
	if personName == "" {
		personName = person.Email
	}

	task := models.Task{
		ProjectID:    enrollment.Sequence.ProjectID,
		AssignedToID: enrollment.CreatedByID,
		PersonID:     &person.ID,
		Title:        fmt.Sprintf("Follow up with %s after sequence %q", personName, enrollment.Sequence.Name),
		Priority:     models.TaskPriorityMedium,
		DueAt:        &dueAt,
	}
	if err := sp.db.WithContext(ctx).Create(&task).Error; err != nil {
		logger.WithError(err).Error("completion logging: failed to create follow-up task")
		return
	}

	activity := models.Activity{
		ProjectID:      enrollment.Sequence.ProjectID,
		SequenceID:     &enrollment.SequenceID,
		PersonID:       &person.ID,
		OrganizationID: person.OrganizationID,
		TaskID:         &task.ID,
		Type:           models.ActivityTypeSequenceCompleted,
		Detail:         fmt.Sprintf("%s finished sequence %q", personName, enrollment.Sequence.Name),
	}
	if err := sp.db.WithContext(ctx).Create(&activity).Error; err != nil {
		logger.WithError(err).Error("completion logging: failed to create activity")
		return
	}

	if err := sp.db.WithContext(ctx).Model(&task).Update("activity_id", activity.ID).Error; err != nil {
		logger.WithError(err).Error("completion logging: failed to back-link task")
	}
}

// buildVariableContext loads the person, the organization supplying company
// variables and the sending user. The sequence's pinned target organization
// wins over the person's own primary organization.
func (sp *SequenceProcessor) buildVariableContext(ctx context.Context, enrollment *models.SequenceEnrollment) (utils.VariableContext, error) {
	var varCtx utils.VariableContext

	var person models.Person
	if err := sp.db.WithContext(ctx).First(&person, enrollment.PersonID).Error; err != nil {
		return varCtx, fmt.Errorf("loading person %d: %w", enrollment.PersonID, err)
	}
	varCtx.Person = &person

	orgID := person.OrganizationID
	if enrollment.Sequence.OrganizationID != nil {
		orgID = enrollment.Sequence.OrganizationID
	}
	if orgID != nil {
		var org models.Organization
		if err := sp.db.WithContext(ctx).First(&org, *orgID).Error; err == nil {
			varCtx.Organization = &org
		} else if err != gorm.ErrRecordNotFound {
			return varCtx, fmt.Errorf("loading organization %d: %w", *orgID, err)
		}
	}

	var sender models.User
	if err := sp.db.WithContext(ctx).First(&sender, enrollment.CreatedByID).Error; err == nil {
		varCtx.Sender = &sender
	} else if err != gorm.ErrRecordNotFound {
		return varCtx, fmt.Errorf("loading sender %d: %w", enrollment.CreatedByID, err)
	}

	return varCtx, nil
}

func (sp *SequenceProcessor) injectTracking(bodyHTML string, sequence *models.Sequence) (string, string) {
	if sp.trackingBaseURL == "" || bodyHTML == "" {
		return bodyHTML, ""
	}
	if !sequence.TrackOpens && !sequence.TrackClicks {
		return bodyHTML, ""
	}
	trackingID := uuid.New().String()
	if sequence.TrackClicks {
		bodyHTML = utils.InjectClickTracking(bodyHTML, sp.trackingBaseURL, trackingID)
	}
	if sequence.TrackOpens {
		bodyHTML = utils.InjectOpenTracking(bodyHTML, sp.trackingBaseURL, trackingID)
	}
	return bodyHTML, trackingID
}

// claim performs the conditional advancement update. The guard on the
// previously read status, step pointer and due time makes the first writer
// win; a second concurrent invocation updates zero rows and backs off.
func (sp *SequenceProcessor) claim(ctx context.Context, enrollment *models.SequenceEnrollment, updates map[string]interface{}) (bool, error) {
	tx := sp.db.WithContext(ctx).
		Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ? AND current_step = ? AND next_send_at = ?",
			enrollment.ID, enrollment.Status, enrollment.CurrentStep, enrollment.NextSendAt).
		Updates(updates)
	if tx.Error != nil {
		return false, fmt.Errorf("updating enrollment %d: %w", enrollment.ID, tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (sp *SequenceProcessor) skipped(enrollment *models.SequenceEnrollment, message string) EnrollmentResult {
	return EnrollmentResult{
		EnrollmentID: enrollment.ID,
		Status:       ResultSkipped,
		Message:      message,
	}
}

func (sp *SequenceProcessor) errored(enrollment *models.SequenceEnrollment, err error) EnrollmentResult {
	sp.logger.WithError(err).WithField("enrollment_id", enrollment.ID).
		Error("failed to advance enrollment")
	return EnrollmentResult{
		EnrollmentID: enrollment.ID,
		Status:       ResultError,
		Message:      err.Error(),
	}
}

// stepAt finds the step with the given number in the sorted step list.
func stepAt(steps []models.SequenceStep, number int) *models.SequenceStep {
	for i := range steps {
		if steps[i].StepNumber == number {
			return &steps[i]
		}
	}
	return nil
}

func delayDuration(step *models.SequenceStep) time.Duration {
	amount := time.Duration(step.DelayAmount)
	switch step.DelayUnit {
	case models.DelayUnitMinutes:
		return amount * time.Minute
	case models.DelayUnitHours:
		return amount * time.Hour
	case models.DelayUnitDays:
		return amount * 24 * time.Hour
	case models.DelayUnitWeeks:
		return amount * 7 * 24 * time.Hour
	default:
		return amount * time.Hour
	}
}
