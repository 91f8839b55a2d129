// Package email dispatches notifications through a database outbox: the
// sweep queues a pending email_logs row, and a separate tick drains pending
// rows through SES. Queueing is cheap and transactional; delivery is
// best-effort and its failures never reach the occasion state machine.
package email

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/sirupsen/logrus"

	"github.com/occasionalert/occasion-alerts/internal/models"
	"github.com/occasionalert/occasion-alerts/internal/store"
	pkgConfig "github.com/occasionalert/occasion-alerts/pkg/config"
)

// sesSender is the slice of *ses.Client the outbox needs; tests substitute a
// fake.
type sesSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type Service struct {
	store  store.Store
	sender sesSender
	config *pkgConfig.Config
}

func NewService(st store.Store, cfg *pkgConfig.Config) (*Service, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.AWSSESRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Service{
		store:  st,
		sender: ses.NewFromConfig(awsCfg),
		config: cfg,
	}, nil
}

// NewServiceWithSender wires an explicit sender, used by tests.
func NewServiceWithSender(st store.Store, cfg *pkgConfig.Config, sender sesSender) *Service {
	return &Service{store: st, sender: sender, config: cfg}
}

// QueueOccasionNotification renders the occasion email and inserts it into
// the outbox as pending. It satisfies the scheduler's Notifier.
func (s *Service) QueueOccasionNotification(ctx context.Context, occ *models.Occasion, summary string) error {
	subject, body, err := RenderOccasionEmail(occ.Label, occ.RecipientEmail, occ.Date, summary)
	if err != nil {
		return fmt.Errorf("failed to render occasion email: %w", err)
	}

	userID := occ.UserID
	e := &models.EmailLog{
		UserID:         &userID,
		RecipientEmail: occ.RecipientEmail,
		EmailType:      models.EmailTypeOccasion,
		Subject:        subject,
		BodyText:       body,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.store.QueueEmail(ctx, e); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     occ.UserID,
		"occasion_id": occ.ID,
		"recipient":   occ.RecipientEmail,
	}).Info("Occasion notification queued")

	return nil
}

// ProcessOutbox sends a batch of pending emails. Per-email failures mark the
// row failed and move on.
func (s *Service) ProcessOutbox(ctx context.Context) error {
	pending, err := s.store.ListPendingEmails(ctx, s.config.OutboxBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list pending emails: %w", err)
	}

	for _, e := range pending {
		if err := s.sendEmail(ctx, e); err != nil {
			logrus.WithError(err).WithField("email_id", e.ID).Error("Failed to send email")
			if err := s.store.MarkEmailFailed(ctx, e.ID, err.Error()); err != nil {
				logrus.WithError(err).Error("Failed to mark email as failed")
			}
		}
	}

	return nil
}

func (s *Service) sendEmail(ctx context.Context, e *models.EmailLog) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.config.EmailFrom),
		Destination: &types.Destination{
			ToAddresses: []string{e.RecipientEmail},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(e.Subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(e.BodyText),
				},
			},
		},
	}

	result, err := s.sender.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email via SES: %w", err)
	}

	if err := s.store.MarkEmailSent(ctx, e.ID, *result.MessageId, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark email as sent: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"email_id":   e.ID,
		"ses_msg_id": *result.MessageId,
	}).Info("Email sent")

	return nil
}
