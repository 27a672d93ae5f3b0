package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence statuses
const (
	SequenceStatusDraft    = "draft"
	SequenceStatusActive   = "active"
	SequenceStatusPaused   = "paused"
	SequenceStatusArchived = "archived"
)

// Step types
const (
	StepTypeEmail     = "email"
	StepTypeDelay     = "delay"
	StepTypeCondition = "condition"
)

// Delay units
const (
	DelayUnitMinutes = "minutes"
	DelayUnitHours   = "hours"
	DelayUnitDays    = "days"
	DelayUnitWeeks   = "weeks"
)

// Enrollment statuses
const (
	EnrollmentStatusActive          = "active"
	EnrollmentStatusCompleted       = "completed"
	EnrollmentStatusBounced         = "bounced"
	EnrollmentStatusReplied         = "replied"
	EnrollmentStatusStopped         = "stopped"
	EnrollmentStatusFailedNoContact = "failed_no_contact"
)

// Sequence represents an automated outbound campaign definition
type Sequence struct {
	gorm.Model
	ProjectID uint `gorm:"not null;index" json:"project_id"`

	// Optional pinned target organization; when nil the enrolled person's
	// own primary organization supplies the company variables.
	OrganizationID *uint `gorm:"index" json:"organization_id,omitempty"`

	Name   string `gorm:"not null" json:"name"`
	Status string `gorm:"default:'draft';index" json:"status"` // draft, active, paused, archived

	// Settings
	SendAsReply       bool `gorm:"default:false" json:"send_as_reply"`
	StopOnReply       bool `gorm:"default:true" json:"stop_on_reply"`
	StopOnBounce      bool `gorm:"default:true" json:"stop_on_bounce"`
	TrackOpens        bool `gorm:"default:true" json:"track_opens"`
	TrackClicks       bool `gorm:"default:true" json:"track_clicks"`
	FollowUpDelayDays int  `gorm:"default:3" json:"follow_up_delay_days"`

	// Relations
	Steps       []SequenceStep       `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	Enrollments []SequenceEnrollment `gorm:"foreignKey:SequenceID" json:"enrollments,omitempty"`
}

// SequenceStep represents one ordered unit of a sequence
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	// 1-based position; ordering defines execution order. Gaps are
	// tolerated, duplicates are rejected at write time.
	StepNumber int    `gorm:"not null" json:"step_number"`
	StepType   string `gorm:"not null" json:"step_type"` // email, delay, condition

	// Email payload
	Subject  string `json:"subject,omitempty"`
	BodyHTML string `gorm:"type:text" json:"body_html,omitempty"`
	BodyText string `gorm:"type:text" json:"body_text,omitempty"`

	// Delay payload
	DelayAmount int    `json:"delay_amount,omitempty"`
	DelayUnit   string `json:"delay_unit,omitempty"` // minutes, hours, days, weeks
}

// SequenceEnrollment represents one person's progress through one sequence
type SequenceEnrollment struct {
	gorm.Model
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"`
	PersonID     uint `gorm:"not null;index" json:"person_id"`
	ConnectionID uint `gorm:"not null;index" json:"connection_id"`
	CreatedByID  uint `gorm:"not null" json:"created_by_id"`

	// CurrentStep is the step number the enrollment executes on its next
	// tick. When no step with that number exists the enrollment completes.
	CurrentStep int        `gorm:"not null;default:1" json:"current_step"`
	Status      string     `gorm:"default:'active';index" json:"status"`
	NextSendAt  *time.Time `gorm:"index" json:"next_send_at"`

	CompletedAt      *time.Time `json:"completed_at"`
	BounceDetectedAt *time.Time `json:"bounce_detected_at"`

	// Relations
	Sequence   Sequence         `json:"-"`
	Person     Person           `json:"-"`
	Connection SenderConnection `json:"-"`
}

// SentEmail is the audit record for every email a sequence step sends
type SentEmail struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	StepID       uint `gorm:"not null;index" json:"step_id"`
	PersonID     uint `gorm:"not null;index" json:"person_id"`

	MessageID  string    `gorm:"not null;uniqueIndex" json:"message_id"`
	TrackingID string    `gorm:"index" json:"tracking_id,omitempty"`
	Subject    string    `json:"subject"`
	SentAt     time.Time `gorm:"not null" json:"sent_at"`

	// Engagement
	OpenedAt  *time.Time `json:"opened_at"`
	ClickedAt *time.Time `json:"clicked_at"`
	RepliedAt *time.Time `json:"replied_at"`
}
