package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/intramail/internal/mailbox"
	"github.io/infrasutra/intramail/internal/pagination"
	"github.io/infrasutra/intramail/internal/rfc822"
	"github.io/infrasutra/intramail/internal/store"
)

type mailboxItem struct {
	ID             string   `json:"id"`
	SenderID       string   `json:"senderId"`
	SenderName     string   `json:"senderName"`
	SenderEmail    string   `json:"senderEmail"`
	Subject        string   `json:"subject"`
	Preview        string   `json:"preview"`
	Priority       string   `json:"priority"`
	CreatedAt      string   `json:"createdAt"`
	To             []string `json:"to"`
	Cc             []string `json:"cc"`
	HasAttachments bool     `json:"hasAttachments"`
	IsRead         bool     `json:"isRead"`
	ReadCount      int      `json:"readCount"`
	RecipientCount int      `json:"recipientCount"`
}

type mailboxResponse struct {
	Folder  string        `json:"folder"`
	Items   []mailboxItem `json:"items"`
	Total   int32         `json:"total"`
	Page    int32         `json:"page"`
	Limit   int32         `json:"limit"`
	HasNext bool          `json:"hasNext"`
}

type attachmentSummary struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type emailDetail struct {
	ID          string              `json:"id"`
	SenderID    string              `json:"senderId"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Priority    string              `json:"priority"`
	CreatedAt   string              `json:"createdAt"`
	To          []string            `json:"to"`
	Cc          []string            `json:"cc"`
	Attachments []attachmentSummary `json:"attachments"`
}

type sendAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type sendRequest struct {
	To          []string         `json:"to"`
	Cc          []string         `json:"cc"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	Priority    string           `json:"priority"`
	Attachments []sendAttachment `json:"attachments"`
}

type readerResponse struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	ReadAt string `json:"readAt"`
}

func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	folder := strings.TrimSpace(r.URL.Query().Get("folder"))
	if folder == "" {
		folder = store.FolderInbox
	}
	params := pagination.FromQuery(r.URL.Query())
	items, total, err := s.mail.Mailbox(r.Context(), user.ID, folder, params.Offset, params.Limit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.writeError(w, err)
		return
	}

	response := mailboxResponse{
		Folder:  folder,
		Items:   make([]mailboxItem, 0, len(items)),
		Total:   total,
		Page:    params.Page,
		Limit:   params.Limit,
		HasNext: pagination.HasNext(params.Offset, params.Limit, total),
	}
	for _, item := range items {
		response.Items = append(response.Items, toMailboxItem(item))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	count, err := s.mail.UnreadCount(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"unread": count})
}

type receiptResponse struct {
	EmailID string `json:"emailId"`
	ReadAt  string `json:"readAt"`
}

func (s *Server) handleReadReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	receipts, err := s.mail.ReadHistory(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	response := make([]receiptResponse, 0, len(receipts))
	for _, receipt := range receipts {
		response = append(response, receiptResponse{EmailID: receipt.EmailID, ReadAt: formatTime(receipt.ReadAt)})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"receipts": response})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload sendRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	req := mailbox.SendRequest{
		SenderID: user.ID,
		To:       payload.To,
		Cc:       payload.Cc,
		Subject:  strings.TrimSpace(payload.Subject),
		Body:     payload.Body,
		Priority: payload.Priority,
	}
	for _, attachment := range payload.Attachments {
		req.Attachments = append(req.Attachments, store.Attachment{
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Data:        attachment.Data,
			Size:        int64(len(attachment.Data)),
		})
	}

	email, err := s.mail.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": email.ID})
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/emails/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleEmailDetail(w, r, user.ID, id)
		case http.MethodDelete:
			s.respondAction(w, s.mail.Delete(r.Context(), user.ID, id))
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "read":
			switch r.Method {
			case http.MethodPost:
				_, err := s.mail.MarkRead(r.Context(), user.ID, id)
				s.respondAction(w, err)
			case http.MethodDelete:
				s.respondAction(w, s.mail.MarkUnread(r.Context(), user.ID, id))
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		case "archive":
			switch r.Method {
			case http.MethodPost:
				s.respondAction(w, s.mail.Archive(r.Context(), user.ID, id))
			case http.MethodDelete:
				s.respondAction(w, s.mail.Unarchive(r.Context(), user.ID, id))
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		case "restore":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.respondAction(w, s.mail.Restore(r.Context(), user.ID, id))
			return
		case "readers":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleReaders(w, r, user.ID, id)
			return
		case "raw":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleEmailRaw(w, r, user.ID, id)
			return
		}
	}

	if len(parts) == 3 && parts[1] == "attachments" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		attachmentID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			http.Error(w, "invalid attachment id", http.StatusBadRequest)
			return
		}
		s.handleAttachment(w, r, user.ID, id, attachmentID)
		return
	}

	http.NotFound(w, r)
}

func (s *Server) handleEmailDetail(w http.ResponseWriter, r *http.Request, userID, id string) {
	email, attachments, err := s.mail.Open(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.writeError(w, err)
		return
	}

	detail := emailDetail{
		ID:          email.ID,
		SenderID:    email.SenderID,
		Subject:     email.Subject,
		Body:        email.Body,
		Priority:    email.Priority,
		CreatedAt:   formatTime(email.CreatedAt),
		To:          nonNil(email.To),
		Cc:          nonNil(email.Cc),
		Attachments: []attachmentSummary{},
	}
	for _, attachment := range attachments {
		detail.Attachments = append(detail.Attachments, attachmentSummary{
			ID:          attachment.ID,
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Size:        attachment.Size,
		})
	}
	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request, userID, id string) {
	report, err := s.mail.Readers(r.Context(), userID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	readers := make([]readerResponse, 0, len(report.Readers))
	for _, reader := range report.Readers {
		readers = append(readers, readerResponse{
			UserID: reader.UserID,
			Name:   reader.Name,
			Email:  reader.Email,
			ReadAt: formatTime(reader.ReadAt),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"emailId":        report.EmailID,
		"readers":        readers,
		"readCount":      len(readers),
		"recipientCount": report.RecipientCount,
	})
}

// handleEmailRaw renders the stored email as an RFC 5322 message. It does
// not record a read.
func (s *Server) handleEmailRaw(w http.ResponseWriter, r *http.Request, userID, id string) {
	ctx := r.Context()
	email, _, err := s.store.GetEmail(ctx, userID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	attachments, err := s.store.AttachmentData(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	msg := rfc822.Message{
		ID:          email.ID,
		Subject:     email.Subject,
		Body:        email.Body,
		Priority:    email.Priority,
		Date:        email.CreatedAt,
		Attachments: attachments,
	}
	if msg.From, err = s.party(ctx, email.SenderID); err != nil {
		s.writeError(w, err)
		return
	}
	for _, recipientID := range email.To {
		party, err := s.party(ctx, recipientID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		msg.To = append(msg.To, party)
	}
	for _, recipientID := range email.Cc {
		party, err := s.party(ctx, recipientID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		msg.Cc = append(msg.Cc, party)
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=email-%s.eml", email.ID))
	w.WriteHeader(http.StatusOK)
	if err := rfc822.Write(w, msg); err != nil {
		s.logger.Error("render raw email", "email_id", email.ID, "error", err)
	}
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, userID, emailID string, attachmentID int64) {
	attachment, err := s.store.GetAttachment(r.Context(), userID, emailID, attachmentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(attachment.Data)
}

func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	purged, err := s.mail.EmptyTrash(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int64{"purged": purged})
}

func (s *Server) respondAction(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) party(ctx context.Context, userID string) (rfc822.Party, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return rfc822.Party{}, err
	}
	return rfc822.Party{Name: user.Name, Email: user.Email}, nil
}

func toMailboxItem(item store.MailboxItem) mailboxItem {
	return mailboxItem{
		ID:             item.ID,
		SenderID:       item.SenderID,
		SenderName:     item.SenderName,
		SenderEmail:    item.SenderEmail,
		Subject:        item.Subject,
		Preview:        item.Preview,
		Priority:       item.Priority,
		CreatedAt:      formatTime(item.CreatedAt),
		To:             nonNil(item.To),
		Cc:             nonNil(item.Cc),
		HasAttachments: item.HasAttachments,
		IsRead:         item.IsRead,
		ReadCount:      item.ReadCount,
		RecipientCount: item.RecipientCount,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
