// Package mailbox is the write path of the mail core. Every mutating call
// commits to the store first and only then hands the committed record to
// the notifier, so no push hint ever names state a crash could roll back.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.io/infrasutra/intramail/internal/notify"
	"github.io/infrasutra/intramail/internal/store"
)

var (
	ErrNoRecipients = errors.New("at least one recipient required")
	ErrEmptyMessage = errors.New("subject or body required")
	ErrNotSender    = errors.New("only the sender can list readers")
)

type Service struct {
	store    *store.Store
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(st *store.Store, notifier *notify.Notifier, logger *slog.Logger) *Service {
	return &Service{store: st, notifier: notifier, logger: logger, now: time.Now}
}

type SendRequest struct {
	SenderID    string
	To          []string
	Cc          []string
	Subject     string
	Body        string
	Priority    string
	Attachments []store.Attachment
}

// Send resolves recipient addresses against the directory, persists the
// email and then notifies the recipient set.
func (s *Service) Send(ctx context.Context, req SendRequest) (store.Email, error) {
	to := normalizeAddresses(req.To)
	cc := normalizeAddresses(req.Cc)
	if len(to)+len(cc) == 0 {
		return store.Email{}, ErrNoRecipients
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
		return store.Email{}, ErrEmptyMessage
	}

	toIDs, err := s.store.ResolveUsers(ctx, to)
	if err != nil {
		return store.Email{}, err
	}
	ccIDs, err := s.store.ResolveUsers(ctx, cc)
	if err != nil {
		return store.Email{}, err
	}

	email, err := s.store.CreateEmail(ctx, store.NewEmail{
		SenderID:    req.SenderID,
		To:          toIDs,
		Cc:          ccIDs,
		Subject:     req.Subject,
		Body:        req.Body,
		Priority:    req.Priority,
		Attachments: req.Attachments,
	}, s.now())
	if err != nil {
		return store.Email{}, fmt.Errorf("persist email: %w", err)
	}

	delivered := s.notifier.EmailCreated(ctx, email)
	s.logger.Info("email sent", "email_id", email.ID, "sender_id", email.SenderID,
		"recipients", len(email.Recipients()), "connections", delivered)
	return email, nil
}

// Open returns the email and, when the viewer is a recipient, records the
// read. Opening twice is harmless.
func (s *Service) Open(ctx context.Context, userID, emailID string) (store.Email, []store.Attachment, error) {
	email, attachments, err := s.store.GetEmail(ctx, userID, emailID)
	if err != nil {
		return store.Email{}, nil, err
	}
	if isRecipient(email, userID) {
		if _, err := s.MarkRead(ctx, userID, emailID); err != nil {
			return store.Email{}, nil, err
		}
	}
	return email, attachments, nil
}

// MarkRead records the receipt and notifies the sender only when this call
// created it.
func (s *Service) MarkRead(ctx context.Context, userID, emailID string) (store.ReadReceipt, error) {
	receipt, inserted, err := s.store.RecordRead(ctx, emailID, userID, s.now())
	if err != nil {
		return store.ReadReceipt{}, err
	}
	if inserted {
		s.notifier.EmailRead(ctx, receipt)
	}
	return receipt, nil
}

// MarkUnread removes the user's receipt. Emails the user cannot see are
// reported as not found; an absent receipt is not an error.
func (s *Service) MarkUnread(ctx context.Context, userID, emailID string) error {
	if _, _, err := s.store.GetEmail(ctx, userID, emailID); err != nil {
		return err
	}
	if _, err := s.store.RemoveRead(ctx, emailID, userID); err != nil {
		return err
	}
	return nil
}

// ReadHistory lists the receipts the user holds, oldest first.
func (s *Service) ReadHistory(ctx context.Context, userID string) ([]store.ReadReceipt, error) {
	return s.store.ListReadEmailsFor(ctx, userID)
}

func (s *Service) Archive(ctx context.Context, userID, emailID string) error {
	return s.setArchived(ctx, userID, emailID, true)
}

func (s *Service) Unarchive(ctx context.Context, userID, emailID string) error {
	return s.setArchived(ctx, userID, emailID, false)
}

func (s *Service) setArchived(ctx context.Context, userID, emailID string, archived bool) error {
	if err := s.store.SetArchived(ctx, userID, emailID, archived, s.now()); err != nil {
		return err
	}
	s.notifier.ArchiveChanged(userID, emailID, archived)
	return nil
}

func (s *Service) Delete(ctx context.Context, userID, emailID string) error {
	return s.store.DeleteForUser(ctx, userID, emailID, s.now())
}

func (s *Service) Restore(ctx context.Context, userID, emailID string) error {
	return s.store.RestoreForUser(ctx, userID, emailID)
}

func (s *Service) EmptyTrash(ctx context.Context, userID string) (int64, error) {
	purged, err := s.store.PurgeTrash(ctx, userID, s.now())
	if err != nil {
		return 0, err
	}
	s.logger.Info("trash emptied", "user_id", userID, "purged", purged)
	return purged, nil
}

func (s *Service) Mailbox(ctx context.Context, userID, folder string, offset, limit int32) ([]store.MailboxItem, int32, error) {
	return s.store.GetMailbox(ctx, userID, folder, offset, limit)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.UnreadCount(ctx, userID)
}

type Reader struct {
	UserID string
	Name   string
	Email  string
	ReadAt time.Time
}

type ReadersReport struct {
	EmailID        string
	Readers        []Reader
	RecipientCount int
}

// Readers reports which recipients have read an email the caller sent.
func (s *Service) Readers(ctx context.Context, userID, emailID string) (ReadersReport, error) {
	email, _, err := s.store.GetEmail(ctx, userID, emailID)
	if err != nil {
		return ReadersReport{}, err
	}
	if email.SenderID != userID {
		return ReadersReport{}, ErrNotSender
	}
	receipts, err := s.store.ListReadersFor(ctx, emailID)
	if err != nil {
		return ReadersReport{}, err
	}
	report := ReadersReport{EmailID: emailID, RecipientCount: len(email.Recipients())}
	for _, receipt := range receipts {
		reader := Reader{UserID: receipt.UserID, ReadAt: receipt.ReadAt}
		if user, err := s.store.GetUser(ctx, receipt.UserID); err == nil {
			reader.Name = user.Name
			reader.Email = user.Email
		}
		report.Readers = append(report.Readers, reader)
	}
	return report, nil
}

func isRecipient(email store.Email, userID string) bool {
	for _, id := range email.Recipients() {
		if id == userID {
			return true
		}
	}
	return false
}

func normalizeAddresses(addresses []string) []string {
	seen := map[string]struct{}{}
	result := []string{}
	for _, address := range addresses {
		trimmed := strings.ToLower(strings.TrimSpace(address))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}
