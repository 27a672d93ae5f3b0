package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"crmflow/models"
	"crmflow/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReplyWorker polls the IMAP inbox of every connected sender connection and
// stops active enrollments whose sequence has stop_on_reply set when an
// inbound message answers one of our sent emails.
type ReplyWorker struct {
	db           *gorm.DB
	logger       *logrus.Entry
	pollInterval time.Duration
}

func NewReplyWorker(db *gorm.DB, logger *logrus.Logger, pollInterval time.Duration) *ReplyWorker {
	return &ReplyWorker{
		db:           db,
		logger:       logger.WithField("component", "reply_worker"),
		pollInterval: pollInterval,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.Info("reply worker started")
	ticker := time.NewTicker(rw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("reply worker shutting down...")
			return
		case <-ticker.C:
			rw.pollAllConnections(ctx)
		}
	}
}

func (rw *ReplyWorker) pollAllConnections(ctx context.Context) {
	var connections []models.SenderConnection
	err := rw.db.WithContext(ctx).
		Where("status = ? AND imap_host <> ''", models.ConnectionStatusConnected).
		Find(&connections).Error
	if err != nil {
		rw.logger.WithError(err).Error("failed to fetch connections")
		return
	}

	for i := range connections {
		if err := rw.pollConnection(ctx, &connections[i]); err != nil {
			rw.logger.WithError(err).WithField("connection_id", connections[i].ID).
				Warn("reply poll failed")
		}
	}
}

func (rw *ReplyWorker) pollConnection(ctx context.Context, conn *models.SenderConnection) error {
	password, err := utils.Decrypt(conn.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	var imapClient *client.Client
	imapAddr := fmt.Sprintf("%s:%d", conn.IMAPHost, conn.IMAPPort)

	switch strings.ToUpper(conn.IMAPEncryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(imapAddr, &tls.Config{ServerName: conn.IMAPHost})
	case "STARTTLS":
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{ServerName: conn.IMAPHost})
		}
	default:
		imapClient, err = client.Dial(imapAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(conn.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := conn.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	for msg := range messages {
		if err := rw.handleMessage(ctx, msg); err != nil {
			rw.logger.WithError(err).WithField("seq_num", msg.SeqNum).
				Warn("failed to process inbound message")
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}
	return nil
}

func (rw *ReplyWorker) handleMessage(ctx context.Context, msg *imap.Message) error {
	if msg.Envelope == nil || msg.Envelope.InReplyTo == "" {
		return nil
	}

	var sent models.SentEmail
	err := rw.db.WithContext(ctx).
		Where("message_id = ?", msg.Envelope.InReplyTo).
		First(&sent).Error
	if err == gorm.ErrRecordNotFound {
		return nil // not a reply to anything we sent
	}
	if err != nil {
		return err
	}

	if sent.RepliedAt == nil {
		now := time.Now()
		if err := rw.db.WithContext(ctx).Model(&sent).Update("replied_at", now).Error; err != nil {
			return err
		}
	}

	var enrollment models.SequenceEnrollment
	err = rw.db.WithContext(ctx).Preload("Sequence").First(&enrollment, sent.EnrollmentID).Error
	if err != nil {
		return err
	}

	if !enrollment.Sequence.StopOnReply || enrollment.Status != models.EnrollmentStatusActive {
		return nil
	}

	tx := rw.db.WithContext(ctx).
		Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusReplied,
			"next_send_at": nil,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return nil
	}

	activity := models.Activity{
		ProjectID:  enrollment.Sequence.ProjectID,
		SequenceID: &enrollment.SequenceID,
		PersonID:   &enrollment.PersonID,
		Type:       models.ActivityTypeSequenceReplied,
		Detail:     replyExcerpt(msg),
	}
	if err := rw.db.WithContext(ctx).Create(&activity).Error; err != nil {
		rw.logger.WithError(err).WithField("enrollment_id", enrollment.ID).
			Warn("failed to record reply activity")
	}

	rw.logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"sequence_id":   enrollment.SequenceID,
	}).Info("enrollment stopped on reply")
	return nil
}

// replyExcerpt pulls a short plain-text snippet out of the inbound message
// body for the activity log.
func replyExcerpt(msg *imap.Message) string {
	if msg.Body == nil {
		return ""
	}
	section := imap.BodySectionName{}
	literal := msg.GetBody(&section)
	if literal == nil {
		return ""
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return ""
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return ""
		}

		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			if strings.Contains(contentType, "text/plain") {
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return ""
				}
				return truncateRunes(strings.TrimSpace(string(b)), 280)
			}
		}
	}
	return ""
}

// truncateRunes cuts s to at most limit characters without splitting a
// multi-byte rune.
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
