package utils

import (
	"crypto/tls"
	"fmt"
	"strings"

	"crmflow/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// OutgoingEmail is one message handed to the mail transport. InReplyTo
// carries the message id of an earlier send when the sequence threads its
// emails as replies.
type OutgoingEmail struct {
	To        string
	ToName    string
	Subject   string
	BodyHTML  string
	BodyText  string
	InReplyTo string
	PersonID  uint
}

// SendError is a transport-classified delivery failure. The processor treats
// any SendError as a hard bounce for the enrollment.
type SendError struct {
	Message string
	Err     error
}

func (e *SendError) Error() string { return e.Message }
func (e *SendError) Unwrap() error { return e.Err }

// MailTransport sends a single email through a sender connection and returns
// the message id recorded for reply and engagement tracking.
type MailTransport interface {
	Send(conn *models.SenderConnection, email OutgoingEmail) (string, error)
}

// SMTPMailer delivers through the connection's own SMTP credentials.
type SMTPMailer struct {
	logger *logrus.Entry
}

func NewSMTPMailer(logger *logrus.Logger) *SMTPMailer {
	return &SMTPMailer{
		logger: logger.WithField("component", "smtp_mailer"),
	}
}

func (m *SMTPMailer) Send(conn *models.SenderConnection, email OutgoingEmail) (string, error) {
	password, err := Decrypt(conn.SMTPPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	messageID := generateMessageID(conn.FromEmail)

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(conn.FromEmail, conn.FromName))
	msg.SetHeader("To", msg.FormatAddress(email.To, email.ToName))
	msg.SetHeader("Subject", email.Subject)
	msg.SetHeader("Message-ID", messageID)
	if email.InReplyTo != "" {
		msg.SetHeader("In-Reply-To", email.InReplyTo)
		msg.SetHeader("References", email.InReplyTo)
	}
	msg.SetBody("text/plain", email.BodyText)
	if email.BodyHTML != "" {
		msg.AddAlternative("text/html", email.BodyHTML)
	}

	dialer := gomail.NewDialer(conn.SMTPHost, conn.SMTPPort, conn.SMTPUsername, password)
	switch strings.ToUpper(conn.Encryption) {
	case "SSL", "TLS":
		dialer.SSL = true
	}
	dialer.TLSConfig = &tls.Config{ServerName: conn.SMTPHost}

	if err := dialer.DialAndSend(msg); err != nil {
		m.logger.WithError(err).WithField("connection_id", conn.ID).Warn("SMTP delivery failed")
		return "", &SendError{
			Message: fmt.Sprintf("mail delivery failed: %v", err),
			Err:     err,
		}
	}

	return messageID, nil
}

func generateMessageID(fromEmail string) string {
	domain := "crmflow.local"
	if at := strings.LastIndex(fromEmail, "@"); at != -1 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}
