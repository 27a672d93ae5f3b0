package models

import "gorm.io/gorm"

// User represents an account that owns sequences and sends on their behalf
type User struct {
	gorm.Model
	Email string `gorm:"uniqueIndex;not null" json:"email"`
	Name  string `json:"name"`

	// Relations
	Connections []SenderConnection `gorm:"foreignKey:UserID" json:"connections,omitempty"`
}
