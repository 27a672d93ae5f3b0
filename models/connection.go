package models

import (
	"time"

	"gorm.io/gorm"
)

// Connection statuses
const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
)

// SenderConnection represents email sending and receiving credentials
type SenderConnection struct {
	gorm.Model
	UserID    uint `gorm:"not null;index" json:"user_id"`
	ProjectID uint `gorm:"not null;index" json:"project_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// Connection type: smtp, gmail, outlook
	ProviderType string `gorm:"not null;default:'smtp'" json:"provider_type"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`          // Encrypted in application layer
	Encryption   string `gorm:"not null" json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration (reply detection) =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status =========
	Status       string     `gorm:"not null;default:'disconnected';index" json:"status"`
	LastTestedAt *time.Time `json:"last_tested_at"`
	LastError    *string    `json:"last_error"`

	// ========= Usage metrics =========
	SentToday int `gorm:"default:0" json:"sent_today"`
	TotalSent int `gorm:"default:0" json:"total_sent"`
}

// Sanitize clears credential fields before the record leaves the API.
func (sc *SenderConnection) Sanitize() {
	sc.SMTPPassword = ""
	sc.IMAPPassword = ""
}
