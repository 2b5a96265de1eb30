package store

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const (
	FolderInbox   = "inbox"
	FolderArchive = "archive"
	FolderSent    = "sent"
	FolderTrash   = "trash"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

type User struct {
	ID        string
	Email     string
	Name      string
	Role      string
	CreatedAt time.Time
	LastLogin time.Time
}

type Email struct {
	ID        string
	SenderID  string
	Subject   string
	Body      string
	Priority  string
	To        []string
	Cc        []string
	CreatedAt time.Time
}

// Recipients returns the union of To and Cc without duplicates, in order.
func (e Email) Recipients() []string {
	seen := make(map[string]struct{}, len(e.To)+len(e.Cc))
	result := make([]string, 0, len(e.To)+len(e.Cc))
	for _, list := range [][]string{e.To, e.Cc} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	return result
}

type Attachment struct {
	ID          int64
	EmailID     string
	Filename    string
	ContentType string
	Data        []byte
	Size        int64
}

// NewEmail is the input to CreateEmail.
type NewEmail struct {
	SenderID    string
	To          []string
	Cc          []string
	Subject     string
	Body        string
	Priority    string
	Attachments []Attachment
}

// MailboxItem is one row of a folder listing as seen by its owner.
type MailboxItem struct {
	ID             string
	SenderID       string
	SenderName     string
	SenderEmail    string
	Subject        string
	Preview        string
	Priority       string
	CreatedAt      time.Time
	To             []string
	Cc             []string
	HasAttachments bool
	// IsRead is the owner's own read state; always true in the sent folder.
	IsRead         bool
	ReadCount      int
	RecipientCount int
}

type ReadReceipt struct {
	EmailID string
	UserID  string
	ReadAt  time.Time
}

type ActiveSession struct {
	UserID         string
	UserEmail      string
	UserName       string
	ConnectionID   string
	LoginTime      time.Time
	LastActivityAt time.Time
}
