package models

import "gorm.io/gorm"

// Organization represents a company in the CRM
type Organization struct {
	gorm.Model
	ProjectID uint `gorm:"not null;index" json:"project_id"`

	Name     string `gorm:"not null" json:"name"`
	Domain   string `gorm:"index" json:"domain"`
	Industry string `json:"industry"`
	Website  string `json:"website"`

	// Relations
	People []Person `gorm:"foreignKey:OrganizationID" json:"people,omitempty"`
}
