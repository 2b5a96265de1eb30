// Package notify turns durable mailbox writes into push hints on the bus.
// It must only be called after the corresponding write has committed.
package notify

import (
	"context"
	"log/slog"

	"github.io/infrasutra/intramail/internal/event"
	"github.io/infrasutra/intramail/internal/store"
)

type Emitter interface {
	EmitToUser(userID, name string, payload any) int
}

type Directory interface {
	GetUser(ctx context.Context, id string) (store.User, error)
	EmailSender(ctx context.Context, id string) (string, string, error)
}

type Notifier struct {
	bus    Emitter
	dir    Directory
	logger *slog.Logger
}

func New(bus Emitter, dir Directory, logger *slog.Logger) *Notifier {
	return &Notifier{bus: bus, dir: dir, logger: logger}
}

// EmailCreated pushes new-email to every member of the recipient set. An
// offline recipient does not affect the others. It returns the number of
// connections reached.
func (n *Notifier) EmailCreated(ctx context.Context, email store.Email) int {
	payload := event.NewEmailPayload{
		EmailID:     email.ID,
		Subject:     email.Subject,
		Priority:    email.Priority,
		BodyPreview: store.Preview(email.Body),
		Timestamp:   email.CreatedAt.UTC(),
	}
	if sender, err := n.dir.GetUser(ctx, email.SenderID); err == nil {
		payload.SenderName = sender.Name
		payload.SenderEmail = sender.Email
	} else {
		n.logger.Warn("resolve sender for notification", "email_id", email.ID, "error", err)
	}

	delivered := 0
	for _, recipientID := range email.Recipients() {
		reached := n.bus.EmitToUser(recipientID, event.NewEmail, payload)
		if reached == 0 {
			n.logger.Debug("new-email not delivered", "email_id", email.ID, "user_id", recipientID)
		}
		delivered += reached
	}
	return delivered
}

// EmailRead pushes email-read to the sender of the receipt's email. Callers
// invoke it only when RecordRead performed an insert.
func (n *Notifier) EmailRead(ctx context.Context, receipt store.ReadReceipt) int {
	senderID, subject, err := n.dir.EmailSender(ctx, receipt.EmailID)
	if err != nil {
		n.logger.Warn("resolve email for read notification", "email_id", receipt.EmailID, "error", err)
		return 0
	}
	payload := event.EmailReadPayload{
		EmailID:      receipt.EmailID,
		ReaderID:     receipt.UserID,
		ReadAt:       receipt.ReadAt.UTC(),
		EmailSubject: subject,
	}
	if reader, err := n.dir.GetUser(ctx, receipt.UserID); err == nil {
		payload.ReaderName = reader.Name
	} else {
		n.logger.Warn("resolve reader for notification", "user_id", receipt.UserID, "error", err)
	}

	reached := n.bus.EmitToUser(senderID, event.EmailRead, payload)
	if reached == 0 {
		n.logger.Debug("email-read not delivered", "email_id", receipt.EmailID, "user_id", senderID)
	}
	return reached
}

// ArchiveChanged tells the acting user's other connections that an email
// moved in or out of the archive.
func (n *Notifier) ArchiveChanged(userID, emailID string, archived bool) int {
	name := event.EmailUnarchived
	if archived {
		name = event.EmailArchived
	}
	return n.bus.EmitToUser(userID, name, event.ArchivePayload{EmailID: emailID})
}
