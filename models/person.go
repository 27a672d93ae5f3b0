package models

import (
	"strings"

	"gorm.io/gorm"
)

// Person represents a single contact in the CRM
type Person struct {
	gorm.Model
	ProjectID      uint  `gorm:"not null;index" json:"project_id"`
	OrganizationID *uint `gorm:"index" json:"organization_id,omitempty"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `gorm:"index" json:"email"`
	JobTitle  string `json:"job_title"`
	Phone     string `json:"phone"`
	Mobile    string `json:"mobile"`
	LinkedIn  string `json:"linkedin"`

	// Status
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	// Relations
	Organization *Organization        `json:"organization,omitempty"`
	Enrollments  []SequenceEnrollment `gorm:"foreignKey:PersonID" json:"enrollments,omitempty"`
}

// FullName joins first and last name, skipping whichever is empty.
func (p *Person) FullName() string {
	parts := make([]string, 0, 2)
	if p.FirstName != "" {
		parts = append(parts, p.FirstName)
	}
	if p.LastName != "" {
		parts = append(parts, p.LastName)
	}
	return strings.Join(parts, " ")
}
