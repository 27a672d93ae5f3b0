package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"crmflow/models"
	"crmflow/utils"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Organization{},
		&models.Person{},
		&models.SenderConnection{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceEnrollment{},
		&models.SentEmail{},
		&models.Task{},
		&models.Activity{},
	))
	return db
}

type fakeMailer struct {
	sent []utils.OutgoingEmail
	fail error
}

func (f *fakeMailer) Send(conn *models.SenderConnection, email utils.OutgoingEmail) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.sent = append(f.sent, email)
	return fmt.Sprintf("<msg-%d@test.local>", len(f.sent)), nil
}

func newTestProcessor(db *gorm.DB, mailer utils.MailTransport, now time.Time) *SequenceProcessor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	sp := NewSequenceProcessor(db, mailer, logger, "")
	sp.now = func() time.Time { return now }
	return sp
}

type fixture struct {
	user       models.User
	org        models.Organization
	person     models.Person
	connection models.SenderConnection
	sequence   models.Sequence
}

func newFixture(t *testing.T, db *gorm.DB) *fixture {
	t.Helper()
	f := &fixture{}

	f.user = models.User{Email: "rep@acme.test", Name: "Sam Field"}
	require.NoError(t, db.Create(&f.user).Error)

	f.org = models.Organization{ProjectID: 1, Name: "Initech", Domain: "initech.test", Industry: "Software"}
	require.NoError(t, db.Create(&f.org).Error)

	f.person = models.Person{
		ProjectID:      1,
		OrganizationID: &f.org.ID,
		FirstName:      "Ana",
		LastName:       "Lopez",
		Email:          "ana@initech.test",
		JobTitle:       "CTO",
	}
	require.NoError(t, db.Create(&f.person).Error)

	f.connection = models.SenderConnection{
		UserID:       f.user.ID,
		ProjectID:    1,
		Name:         "Main SMTP",
		FromEmail:    "rep@acme.test",
		FromName:     "Sam Field",
		ProviderType: "smtp",
		SMTPHost:     "smtp.acme.test",
		SMTPPort:     587,
		SMTPUsername: "rep@acme.test",
		SMTPPassword: "irrelevant",
		Encryption:   "STARTTLS",
		Status:       models.ConnectionStatusConnected,
	}
	require.NoError(t, db.Create(&f.connection).Error)

	f.sequence = models.Sequence{
		ProjectID:         1,
		Name:              "Q3 Outreach",
		Status:            models.SequenceStatusActive,
		StopOnReply:       true,
		StopOnBounce:      true,
		FollowUpDelayDays: 3,
	}
	require.NoError(t, db.Create(&f.sequence).Error)

	return f
}

func (f *fixture) addSteps(t *testing.T, db *gorm.DB, steps ...models.SequenceStep) {
	t.Helper()
	for i := range steps {
		steps[i].SequenceID = f.sequence.ID
		require.NoError(t, db.Create(&steps[i]).Error)
	}
}

func (f *fixture) enroll(t *testing.T, db *gorm.DB, currentStep int, nextSendAt time.Time) models.SequenceEnrollment {
	t.Helper()
	enrollment := models.SequenceEnrollment{
		SequenceID:   f.sequence.ID,
		PersonID:     f.person.ID,
		ConnectionID: f.connection.ID,
		CreatedByID:  f.user.ID,
		CurrentStep:  currentStep,
		Status:       models.EnrollmentStatusActive,
		NextSendAt:   &nextSendAt,
	}
	require.NoError(t, db.Create(&enrollment).Error)
	return enrollment
}

func reload(t *testing.T, db *gorm.DB, id uint) models.SequenceEnrollment {
	t.Helper()
	var enrollment models.SequenceEnrollment
	require.NoError(t, db.First(&enrollment, id).Error)
	return enrollment
}

func emailStep(number int, subject, body string) models.SequenceStep {
	return models.SequenceStep{
		StepNumber: number,
		StepType:   models.StepTypeEmail,
		Subject:    subject,
		BodyHTML:   body,
	}
}

func delayStep(number, amount int, unit string) models.SequenceStep {
	return models.SequenceStep{
		StepNumber:  number,
		StepType:    models.StepTypeDelay,
		DelayAmount: amount,
		DelayUnit:   unit,
	}
}

func TestDelayStepSchedulesByUnit(t *testing.T) {
	cases := []struct {
		unit string
		want time.Duration
	}{
		{models.DelayUnitMinutes, 2 * time.Minute},
		{models.DelayUnitHours, 2 * time.Hour},
		{models.DelayUnitDays, 2 * 24 * time.Hour},
		{models.DelayUnitWeeks, 2 * 7 * 24 * time.Hour},
	}

	for _, tc := range cases {
		t.Run(tc.unit, func(t *testing.T) {
			db := newTestDB(t)
			f := newFixture(t, db)
			f.addSteps(t, db,
				delayStep(1, 2, tc.unit),
				emailStep(2, "Hello", "<p>Hello</p>"),
			)
			now := time.Now()
			enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

			mailer := &fakeMailer{}
			result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
			require.NoError(t, err)

			require.Len(t, result.Details, 1)
			assert.Equal(t, ResultDelayed, result.Details[0].Status)
			assert.Empty(t, mailer.sent)

			got := reload(t, db, enrollment.ID)
			assert.Equal(t, 2, got.CurrentStep)
			require.NotNil(t, got.NextSendAt)
			assert.WithinDuration(t, now.Add(tc.want), *got.NextSendAt, 2*time.Second)
		})
	}
}

func TestMissingStepCompletesEnrollment(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	now := time.Now()
	enrollment := f.enroll(t, db, 7, now.Add(-time.Minute))

	result, err := newTestProcessor(db, &fakeMailer{}, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Completed)
	require.Len(t, result.Details, 1)
	assert.Equal(t, ResultCompleted, result.Details[0].Status)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, got.Status)
	assert.Nil(t, got.NextSendAt)
	require.NotNil(t, got.CompletedAt)

	var tasks []models.Task
	require.NoError(t, db.Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskPriorityMedium, tasks[0].Priority)
	assert.Equal(t, f.user.ID, tasks[0].AssignedToID)
	require.NotNil(t, tasks[0].DueAt)
	assert.WithinDuration(t, now.AddDate(0, 0, 3), *tasks[0].DueAt, 2*time.Second)

	var activities []models.Activity
	require.NoError(t, db.Find(&activities).Error)
	require.Len(t, activities, 1)
	assert.Equal(t, models.ActivityTypeSequenceCompleted, activities[0].Type)
	require.NotNil(t, activities[0].TaskID)
	assert.Equal(t, tasks[0].ID, *activities[0].TaskID)
	require.NotNil(t, activities[0].OrganizationID)
	assert.Equal(t, f.org.ID, *activities[0].OrganizationID)

	// Task and activity are cross-linked both ways.
	require.NotNil(t, tasks[0].ActivityID)
	var linked models.Task
	require.NoError(t, db.First(&linked, tasks[0].ID).Error)
	assert.Equal(t, activities[0].ID, *linked.ActivityID)
}

func TestFollowUpDelayFromSequenceSettings(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	require.NoError(t, db.Model(&f.sequence).Update("follow_up_delay_days", 7).Error)
	now := time.Now()
	f.enroll(t, db, 1, now.Add(-time.Minute))

	_, err := newTestProcessor(db, &fakeMailer{}, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	var task models.Task
	require.NoError(t, db.First(&task).Error)
	require.NotNil(t, task.DueAt)
	assert.WithinDuration(t, now.AddDate(0, 0, 7), *task.DueAt, 2*time.Second)
}

// Scenario: single email step, no step after it. The send and the
// completion happen in the same tick.
func TestFinalEmailCompletesSameTick(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db, emailStep(1, "Hi {{first_name}}", "<p>Hi {{first_name}}</p>"))
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Completed)
	require.Len(t, result.Details, 1)
	assert.Equal(t, ResultSent, result.Details[0].Status)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "Hi Ana", mailer.sent[0].Subject)
	assert.Equal(t, "ana@initech.test", mailer.sent[0].To)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, got.Status)
	assert.Nil(t, got.NextSendAt)

	var taskCount, activityCount int64
	db.Model(&models.Task{}).Count(&taskCount)
	db.Model(&models.Activity{}).Count(&activityCount)
	assert.EqualValues(t, 1, taskCount)
	assert.EqualValues(t, 1, activityCount)
}

// Scenario: email followed by a delay and another email. The delay step is
// folded into the schedule; the pointer jumps straight to step 3.
func TestEmailFoldsFollowingDelay(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db,
		emailStep(1, "First touch", "<p>Hello</p>"),
		delayStep(2, 2, models.DelayUnitDays),
		emailStep(3, "Second touch", "<p>Hello again</p>"),
	)
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 0, result.Completed)
	require.Len(t, mailer.sent, 1)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, got.Status)
	assert.Equal(t, 3, got.CurrentStep)
	require.NotNil(t, got.NextSendAt)
	assert.WithinDuration(t, now.Add(48*time.Hour), *got.NextSendAt, 2*time.Second)
}

// A delay with nothing after it keeps the pointer on the delay step; the
// following tick terminates the enrollment without another send.
func TestEmailWithTrailingDelayCompletesNextTick(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db,
		emailStep(1, "Only touch", "<p>Hello</p>"),
		delayStep(2, 1, models.DelayUnitDays),
	)
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	sp := newTestProcessor(db, mailer, now)
	_, err := sp.ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	require.NotNil(t, got.NextSendAt)
	assert.WithinDuration(t, now.Add(24*time.Hour), *got.NextSendAt, 2*time.Second)

	// Second tick, one day later.
	later := now.Add(25 * time.Hour)
	sp.now = func() time.Time { return later }
	result, err := sp.ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Completed)
	require.Len(t, result.Details, 1)
	assert.Equal(t, ResultCompleted, result.Details[0].Status)
	assert.Equal(t, "completed after delay", result.Details[0].Message)
	assert.Len(t, mailer.sent, 1)

	got = reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, got.Status)
}

// Scenario: enrollment parked directly on a trailing delay step completes
// without sending, and the follow-up task is still created.
func TestTrailingDelayCompletes(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db,
		emailStep(1, "First", "<p>Hello</p>"),
		delayStep(2, 1, models.DelayUnitDays),
	)
	now := time.Now()
	enrollment := f.enroll(t, db, 2, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Completed)
	assert.Empty(t, mailer.sent)
	assert.Equal(t, models.EnrollmentStatusCompleted, reload(t, db, enrollment.ID).Status)

	var taskCount int64
	db.Model(&models.Task{}).Count(&taskCount)
	assert.EqualValues(t, 1, taskCount)
}

// Scenario: person without an email address. The enrollment is parked in
// failed_no_contact instead of staying due forever.
func TestMissingRecipientEmail(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	require.NoError(t, db.Model(&f.person).Update("email", "").Error)
	f.addSteps(t, db, emailStep(1, "Hi", "<p>Hi</p>"))
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, result.Details, 1)
	assert.Equal(t, ResultSkipped, result.Details[0].Status)
	assert.Empty(t, mailer.sent)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusFailedNoContact, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Nil(t, got.NextSendAt)
}

func TestBounceTerminatesEnrollment(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db,
		emailStep(1, "Hi", "<p>Hi</p>"),
		emailStep(2, "Again", "<p>Again</p>"),
	)
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{fail: &utils.SendError{Message: "mailbox unavailable"}}
	sp := newTestProcessor(db, mailer, now)
	result, err := sp.ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Errors)
	require.Len(t, result.Details, 1)
	assert.Equal(t, ResultError, result.Details[0].Status)
	assert.Equal(t, "mailbox unavailable", result.Details[0].Message)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusBounced, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	require.NotNil(t, got.BounceDetectedAt)
	assert.Nil(t, got.NextSendAt)

	var person models.Person
	require.NoError(t, db.First(&person, f.person.ID).Error)
	assert.True(t, person.IsBounced)

	// The fetcher never selects the bounced enrollment again.
	later := now.Add(time.Hour)
	sp.now = func() time.Time { return later }
	result, err = sp.ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}

// Only transport-classified failures may bounce. An infrastructure error,
// like a credential that fails to decrypt, leaves the enrollment due for a
// later tick.
func TestInfrastructureSendFailureDoesNotBounce(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db, emailStep(1, "Hi", "<p>Hi</p>"))
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{fail: errors.New("failed to decrypt SMTP password: cipher too short")}
	result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Errors)
	require.Len(t, result.Details, 1)
	assert.Equal(t, ResultError, result.Details[0].Status)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	require.NotNil(t, got.NextSendAt)
	assert.Nil(t, got.BounceDetectedAt)

	var person models.Person
	require.NoError(t, db.First(&person, f.person.ID).Error)
	assert.False(t, person.IsBounced)
}

func TestStopOnBounceDisabledKeepsEnrollmentActive(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	require.NoError(t, db.Model(&f.sequence).Update("stop_on_bounce", false).Error)
	f.addSteps(t, db, emailStep(1, "Hi", "<p>Hi</p>"))
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{fail: &utils.SendError{Message: "mailbox unavailable"}}
	result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Errors)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, got.Status)
	require.NotNil(t, got.NextSendAt)
	assert.Nil(t, got.BounceDetectedAt)
}

func TestSendAsReplyThreadsPriorMessage(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	require.NoError(t, db.Model(&f.sequence).Update("send_as_reply", true).Error)
	f.addSteps(t, db,
		emailStep(1, "First touch", "<p>Hello</p>"),
		emailStep(2, "Second touch", "<p>Hello again</p>"),
	)
	now := time.Now()
	enrollment := f.enroll(t, db, 2, now.Add(-time.Minute))

	var first models.SequenceStep
	require.NoError(t, db.Where("sequence_id = ? AND step_number = 1", f.sequence.ID).First(&first).Error)
	prior := models.SentEmail{
		EnrollmentID: enrollment.ID,
		StepID:       first.ID,
		PersonID:     f.person.ID,
		MessageID:    "<prev@initech.test>",
		Subject:      "First touch",
		SentAt:       now.Add(-48 * time.Hour),
	}
	require.NoError(t, db.Create(&prior).Error)

	mailer := &fakeMailer{}
	_, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "<prev@initech.test>", mailer.sent[0].InReplyTo)
}

func TestFirstSendCarriesNoReplyHeader(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	require.NoError(t, db.Model(&f.sequence).Update("send_as_reply", true).Error)
	f.addSteps(t, db, emailStep(1, "First touch", "<p>Hello</p>"))
	now := time.Now()
	f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	_, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Empty(t, mailer.sent[0].InReplyTo)
}

func TestInactiveSequenceSkipsWithoutChange(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	require.NoError(t, db.Model(&f.sequence).Update("status", models.SequenceStatusPaused).Error)
	f.addSteps(t, db, emailStep(1, "Hi", "<p>Hi</p>"))
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, result.Details, 1)
	assert.Equal(t, ResultSkipped, result.Details[0].Status)
	assert.Empty(t, mailer.sent)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	require.NotNil(t, got.NextSendAt)
}

func TestDisconnectedConnectionSkips(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	require.NoError(t, db.Model(&f.connection).Update("status", models.ConnectionStatusDisconnected).Error)
	f.addSteps(t, db, emailStep(1, "Hi", "<p>Hi</p>"))
	now := time.Now()
	f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, result.Details, 1)
	assert.Equal(t, ResultSkipped, result.Details[0].Status)
	assert.Empty(t, mailer.sent)
}

func TestConditionStepSkips(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db, models.SequenceStep{StepNumber: 1, StepType: models.StepTypeCondition})
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	result, err := newTestProcessor(db, &fakeMailer{}, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, result.Details, 1)
	assert.Equal(t, ResultSkipped, result.Details[0].Status)
	assert.Equal(t, models.EnrollmentStatusActive, reload(t, db, enrollment.ID).Status)
}

func TestVariableSubstitutionUsesContext(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db, emailStep(1,
		"{{full_name}} x {{company_name}}",
		"<p>Hello {{full_name}}, greetings from {{sender_name}}</p>",
	))
	now := time.Now()
	f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	_, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "Ana Lopez x Initech", mailer.sent[0].Subject)
	assert.Contains(t, mailer.sent[0].BodyHTML, "Hello Ana Lopez")
	assert.Contains(t, mailer.sent[0].BodyHTML, "greetings from Sam Field")
	// Plain-text fallback derived from the HTML body.
	assert.Contains(t, mailer.sent[0].BodyText, "Hello Ana Lopez")
	assert.NotContains(t, mailer.sent[0].BodyText, "<p>")
}

func TestPinnedOrganizationWinsOverPersonOrg(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	pinned := models.Organization{ProjectID: 1, Name: "Globex"}
	require.NoError(t, db.Create(&pinned).Error)
	require.NoError(t, db.Model(&f.sequence).Update("organization_id", pinned.ID).Error)
	f.addSteps(t, db, emailStep(1, "About {{company_name}}", "<p>x</p>"))
	now := time.Now()
	f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	_, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "About Globex", mailer.sent[0].Subject)
}

func TestSendIsAudited(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db, emailStep(1, "Hi {{first_name}}", "<p>Hi</p>"))
	now := time.Now()
	enrollment := f.enroll(t, db, 1, now.Add(-time.Minute))

	_, err := newTestProcessor(db, &fakeMailer{}, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	var sent models.SentEmail
	require.NoError(t, db.First(&sent).Error)
	assert.Equal(t, enrollment.ID, sent.EnrollmentID)
	assert.Equal(t, f.person.ID, sent.PersonID)
	assert.Equal(t, "Hi Ana", sent.Subject)
	assert.NotEmpty(t, sent.MessageID)
}

func TestBatchLimitAndDueFilter(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db, emailStep(1, "Hi", "<p>Hi</p>"))
	now := time.Now()

	for i := 0; i < 3; i++ {
		person := models.Person{ProjectID: 1, FirstName: "P", Email: fmt.Sprintf("p%d@initech.test", i)}
		require.NoError(t, db.Create(&person).Error)
		enrollment := models.SequenceEnrollment{
			SequenceID:   f.sequence.ID,
			PersonID:     person.ID,
			ConnectionID: f.connection.ID,
			CreatedByID:  f.user.ID,
			CurrentStep:  1,
			Status:       models.EnrollmentStatusActive,
			NextSendAt:   utils.Pointer(now.Add(-time.Minute)),
		}
		require.NoError(t, db.Create(&enrollment).Error)
	}
	// Not yet due; must never be selected.
	future := f.enroll(t, db, 1, now.Add(time.Hour))

	result, err := newTestProcessor(db, &fakeMailer{}, now).ProcessDueEnrollments(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	for _, detail := range result.Details {
		assert.NotEqual(t, future.ID, detail.EnrollmentID)
	}
}

func TestOneFailureDoesNotAbortBatch(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	f.addSteps(t, db, emailStep(1, "Hi", "<p>Hi</p>"))
	now := time.Now()

	// First enrollment points at a person that no longer exists.
	orphan := models.SequenceEnrollment{
		SequenceID:   f.sequence.ID,
		PersonID:     9999,
		ConnectionID: f.connection.ID,
		CreatedByID:  f.user.ID,
		CurrentStep:  1,
		Status:       models.EnrollmentStatusActive,
		NextSendAt:   utils.Pointer(now.Add(-2 * time.Minute)),
	}
	require.NoError(t, db.Create(&orphan).Error)
	healthy := f.enroll(t, db, 1, now.Add(-time.Minute))

	mailer := &fakeMailer{}
	result, err := newTestProcessor(db, mailer, now).ProcessDueEnrollments(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.Sent)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, models.EnrollmentStatusCompleted, reload(t, db, healthy.ID).Status)
}

func TestConcurrentClaimIsNoOp(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	now := time.Now()
	created := f.enroll(t, db, 1, now.Add(-time.Minute))

	var enrollment models.SequenceEnrollment
	require.NoError(t, db.First(&enrollment, created.ID).Error)

	// Another invocation wins the race after our read.
	require.NoError(t, db.Model(&models.SequenceEnrollment{}).
		Where("id = ?", enrollment.ID).
		Update("current_step", 2).Error)

	sp := newTestProcessor(db, &fakeMailer{}, now)
	claimed, err := sp.claim(context.Background(), &enrollment, map[string]interface{}{
		"current_step": 3,
	})
	require.NoError(t, err)
	assert.False(t, claimed)

	got := reload(t, db, enrollment.ID)
	assert.Equal(t, 2, got.CurrentStep)
}
