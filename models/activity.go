package models

import (
	"time"

	"gorm.io/gorm"
)

// Activity types
const (
	ActivityTypeSequenceCompleted = "sequence_completed"
	ActivityTypeSequenceReplied   = "sequence_replied"
)

// Task priorities
const (
	TaskPriorityLow    = "low"
	TaskPriorityMedium = "medium"
	TaskPriorityHigh   = "high"
)

// Task represents a follow-up item assigned to a user
type Task struct {
	gorm.Model
	ProjectID    uint  `gorm:"index" json:"project_id"`
	AssignedToID uint  `gorm:"not null;index" json:"assigned_to_id"`
	PersonID     *uint `gorm:"index" json:"person_id,omitempty"`

	Title    string     `gorm:"not null" json:"title"`
	Priority string     `gorm:"default:'medium'" json:"priority"` // low, medium, high
	Status   string     `gorm:"default:'open'" json:"status"`     // open, done
	DueAt    *time.Time `json:"due_at"`

	// Back-link to the activity that produced this task
	ActivityID *uint `gorm:"index" json:"activity_id,omitempty"`
}

// Activity is an entry in the CRM activity log
type Activity struct {
	gorm.Model
	ProjectID      uint  `gorm:"index" json:"project_id"`
	SequenceID     *uint `gorm:"index" json:"sequence_id,omitempty"`
	PersonID       *uint `gorm:"index" json:"person_id,omitempty"`
	OrganizationID *uint `gorm:"index" json:"organization_id,omitempty"`
	TaskID         *uint `gorm:"index" json:"task_id,omitempty"`

	Type   string `gorm:"not null;index" json:"type"`
	Detail string `gorm:"type:text" json:"detail"`
}
