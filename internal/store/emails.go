package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const previewLength = 120

const participantClause = `((m.sender_id = ? AND m.sender_purged_at IS NULL)
        OR EXISTS (SELECT 1 FROM recipients rp WHERE rp.email_id = m.id AND rp.user_id = ? AND rp.purged_at IS NULL))`

// Preview collapses whitespace and truncates body text for list rows and
// notification hints.
func Preview(body string) string {
	fields := strings.FieldsFunc(body, unicode.IsSpace)
	collapsed := strings.Join(fields, " ")
	runes := []rune(collapsed)
	if len(runes) <= previewLength {
		return collapsed
	}
	return strings.TrimSpace(string(runes[:previewLength])) + "…"
}

func NormalizePriority(priority string) string {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// CreateEmail durably writes the email, its recipient rows and attachments
// in one transaction. Recipients are user ids; a user listed in both To and
// Cc is stored once, as To.
func (s *Store) CreateEmail(ctx context.Context, input NewEmail, now time.Time) (Email, error) {
	email := Email{
		ID:        uuid.NewString(),
		SenderID:  input.SenderID,
		Subject:   strings.TrimSpace(input.Subject),
		Body:      input.Body,
		Priority:  NormalizePriority(input.Priority),
		CreatedAt: time.Unix(0, now.UnixNano()),
	}
	seen := map[string]struct{}{}
	for _, id := range input.To {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		email.To = append(email.To, id)
	}
	for _, id := range input.Cc {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		email.Cc = append(email.Cc, id)
	}
	if len(email.To)+len(email.Cc) == 0 {
		return Email{}, fmt.Errorf("%w: at least one recipient required", ErrUnknownRecipient)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Email{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range append([]string{email.SenderID}, email.Recipients()...) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?);`, id).Scan(&exists); err != nil {
			return Email{}, fmt.Errorf("check user: %w", err)
		}
		if !exists {
			return Email{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, id)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO emails
        (id, sender_id, subject, body, priority, created_at)
        VALUES (?, ?, ?, ?, ?, ?);`,
		email.ID,
		email.SenderID,
		email.Subject,
		email.Body,
		email.Priority,
		email.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Email{}, fmt.Errorf("insert email: %w", err)
	}

	insertRecipients := func(ids []string, rtype string) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `INSERT INTO recipients (email_id, user_id, type)
                VALUES (?, ?, ?);`, email.ID, id, rtype)
			if err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
		}
		return nil
	}
	if err := insertRecipients(email.To, "to"); err != nil {
		return Email{}, err
	}
	if err := insertRecipients(email.Cc, "cc"); err != nil {
		return Email{}, err
	}

	for _, attachment := range input.Attachments {
		_, err = tx.ExecContext(ctx, `INSERT INTO attachments
            (email_id, filename, content_type, data, size)
            VALUES (?, ?, ?, ?, ?);`,
			email.ID,
			attachment.Filename,
			attachment.ContentType,
			attachment.Data,
			int64(len(attachment.Data)),
		)
		if err != nil {
			return Email{}, fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Email{}, fmt.Errorf("commit email: %w", err)
	}
	return email, nil
}

// GetEmail loads an email the viewer participates in, with attachment
// metadata (no data).
func (s *Store) GetEmail(ctx context.Context, viewerID, id string) (Email, []Attachment, error) {
	var email Email
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT m.id, m.sender_id, m.subject, m.body, m.priority, m.created_at
        FROM emails m
        WHERE m.id = ? AND `+participantClause+`;`,
		id, viewerID, viewerID)
	if err := row.Scan(
		&email.ID,
		&email.SenderID,
		&email.Subject,
		&email.Body,
		&email.Priority,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Email{}, nil, ErrNotFound
		}
		return Email{}, nil, fmt.Errorf("get email: %w", err)
	}
	email.CreatedAt = time.Unix(0, createdAt)

	groups, err := s.listRecipients(ctx, []string{id})
	if err != nil {
		return Email{}, nil, err
	}
	email.To = groups[id]["to"]
	email.Cc = groups[id]["cc"]

	attachments, err := s.getAttachments(ctx, id)
	if err != nil {
		return Email{}, nil, err
	}
	return email, attachments, nil
}

// EmailSender returns the sender id and subject of an email regardless of
// viewer. Used by notification paths only.
func (s *Store) EmailSender(ctx context.Context, id string) (string, string, error) {
	var senderID, subject string
	err := s.db.QueryRowContext(ctx, `SELECT sender_id, subject FROM emails WHERE id = ?;`, id).Scan(&senderID, &subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("email sender: %w", err)
	}
	return senderID, subject, nil
}

// GetMailbox lists one folder for its owner, newest first. It reads only
// committed rows, so anything it returns is durable.
func (s *Store) GetMailbox(ctx context.Context, userID, folder string, offset, limit int32) ([]MailboxItem, int32, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	baseQuery := " FROM emails m JOIN users u ON u.id = m.sender_id"
	var whereQuery string
	var args []any

	switch folder {
	case FolderInbox:
		whereQuery = ` WHERE EXISTS (SELECT 1 FROM recipients r WHERE r.email_id = m.id AND r.user_id = ?
            AND r.archived_at IS NULL AND r.deleted_at IS NULL)`
		args = append(args, userID)
	case FolderArchive:
		whereQuery = ` WHERE EXISTS (SELECT 1 FROM recipients r WHERE r.email_id = m.id AND r.user_id = ?
            AND r.archived_at IS NOT NULL AND r.deleted_at IS NULL)`
		args = append(args, userID)
	case FolderSent:
		whereQuery = " WHERE m.sender_id = ? AND m.sender_deleted_at IS NULL"
		args = append(args, userID)
	case FolderTrash:
		whereQuery = ` WHERE (EXISTS (SELECT 1 FROM recipients r WHERE r.email_id = m.id AND r.user_id = ?
            AND r.deleted_at IS NOT NULL AND r.purged_at IS NULL)
            OR (m.sender_id = ? AND m.sender_deleted_at IS NOT NULL AND m.sender_purged_at IS NULL))`
		args = append(args, userID, userID)
	default:
		return nil, 0, ErrInvalidFolder
	}

	countQuery := "SELECT COUNT(1)" + baseQuery + whereQuery
	var totalCount int64
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("count mailbox: %w", err)
	}
	if totalCount > int64(^uint32(0)>>1) {
		totalCount = int64(^uint32(0) >> 1)
	}

	listQuery := `SELECT m.id, m.sender_id, u.name, u.email, m.subject, substr(m.body, 1, 400), m.priority, m.created_at,
        EXISTS(SELECT 1 FROM attachments a WHERE a.email_id = m.id),
        EXISTS(SELECT 1 FROM read_receipts rr WHERE rr.email_id = m.id AND rr.user_id = ?),
        (SELECT COUNT(1) FROM read_receipts rc WHERE rc.email_id = m.id),
        (SELECT COUNT(1) FROM recipients rn WHERE rn.email_id = m.id)` +
		baseQuery + whereQuery + " ORDER BY m.created_at DESC, m.id DESC LIMIT ? OFFSET ?"
	listArgs := append([]any{userID}, args...)
	listArgs = append(listArgs, limit, offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list mailbox: %w", err)
	}
	defer rows.Close()

	var items []MailboxItem
	var ids []string
	for rows.Next() {
		var item MailboxItem
		var createdAt int64
		var body string
		if err := rows.Scan(
			&item.ID,
			&item.SenderID,
			&item.SenderName,
			&item.SenderEmail,
			&item.Subject,
			&body,
			&item.Priority,
			&createdAt,
			&item.HasAttachments,
			&item.IsRead,
			&item.ReadCount,
			&item.RecipientCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan mailbox: %w", err)
		}
		item.CreatedAt = time.Unix(0, createdAt)
		item.Preview = Preview(body)
		if folder == FolderSent {
			item.IsRead = true
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list mailbox: %w", err)
	}
	if len(ids) == 0 {
		return items, int32(totalCount), nil
	}

	groups, err := s.listRecipients(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range items {
		items[i].To = groups[items[i].ID]["to"]
		items[i].Cc = groups[items[i].ID]["cc"]
	}
	return items, int32(totalCount), nil
}

// UnreadCount counts inbox emails the user has no receipt for.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM recipients r
        WHERE r.user_id = ? AND r.archived_at IS NULL AND r.deleted_at IS NULL
        AND NOT EXISTS (SELECT 1 FROM read_receipts rr WHERE rr.email_id = r.email_id AND rr.user_id = r.user_id);`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// SetArchived flips the per-recipient archive flag. Deleted copies cannot
// be archived.
func (s *Store) SetArchived(ctx context.Context, userID, emailID string, archived bool, now time.Time) error {
	var value any
	if archived {
		value = now.UnixNano()
	}
	result, err := s.db.ExecContext(ctx, `UPDATE recipients SET archived_at = ?
        WHERE email_id = ? AND user_id = ? AND deleted_at IS NULL;`, value, emailID, userID)
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	return requireAffected(result, "set archived")
}

// DeleteForUser moves the user's copy (sent, received or both) to trash.
func (s *Store) DeleteForUser(ctx context.Context, userID, emailID string, now time.Time) error {
	return s.updateOwnCopies(ctx, "delete email",
		`UPDATE recipients SET deleted_at = ? WHERE email_id = ? AND user_id = ? AND deleted_at IS NULL AND purged_at IS NULL;`,
		`UPDATE emails SET sender_deleted_at = ? WHERE id = ? AND sender_id = ? AND sender_deleted_at IS NULL AND sender_purged_at IS NULL;`,
		now.UnixNano(), emailID, userID)
}

// RestoreForUser moves the user's trashed copy back to its folder.
func (s *Store) RestoreForUser(ctx context.Context, userID, emailID string) error {
	return s.updateOwnCopies(ctx, "restore email",
		`UPDATE recipients SET deleted_at = ? WHERE email_id = ? AND user_id = ? AND deleted_at IS NOT NULL AND purged_at IS NULL;`,
		`UPDATE emails SET sender_deleted_at = ? WHERE id = ? AND sender_id = ? AND sender_deleted_at IS NOT NULL AND sender_purged_at IS NULL;`,
		nil, emailID, userID)
}

func (s *Store) updateOwnCopies(ctx context.Context, op, recipientQuery, senderQuery string, value any, emailID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var affected int64
	for _, query := range []string{recipientQuery, senderQuery} {
		result, err := tx.ExecContext(ctx, query, value, emailID, userID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		affected += rows
	}
	if affected == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PurgeTrash permanently removes the user's trashed copies. Emails no
// participant still holds are hard deleted along with their receipts.
func (s *Store) PurgeTrash(ctx context.Context, userID string, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var purged int64
	for _, query := range []string{
		`UPDATE recipients SET purged_at = ? WHERE user_id = ? AND deleted_at IS NOT NULL AND purged_at IS NULL;`,
		`UPDATE emails SET sender_purged_at = ? WHERE sender_id = ? AND sender_deleted_at IS NOT NULL AND sender_purged_at IS NULL;`,
	} {
		result, err := tx.ExecContext(ctx, query, now.UnixNano(), userID)
		if err != nil {
			return 0, fmt.Errorf("purge trash: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("purge trash: %w", err)
		}
		purged += rows
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM emails
        WHERE sender_purged_at IS NOT NULL
        AND NOT EXISTS (SELECT 1 FROM recipients r WHERE r.email_id = emails.id AND r.purged_at IS NULL);`)
	if err != nil {
		return 0, fmt.Errorf("purge trash: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge trash: %w", err)
	}
	return purged, nil
}

func (s *Store) GetAttachment(ctx context.Context, viewerID, emailID string, attachmentID int64) (Attachment, error) {
	var attachment Attachment
	row := s.db.QueryRowContext(ctx, `SELECT a.id, a.email_id, a.filename, a.content_type, a.data, a.size
        FROM attachments a
        JOIN emails m ON m.id = a.email_id
        WHERE a.id = ? AND a.email_id = ? AND `+participantClause+`;`,
		attachmentID, emailID, viewerID, viewerID)
	if err := row.Scan(
		&attachment.ID,
		&attachment.EmailID,
		&attachment.Filename,
		&attachment.ContentType,
		&attachment.Data,
		&attachment.Size,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attachment{}, ErrNotFound
		}
		return Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return attachment, nil
}

// AttachmentData loads every attachment body of an email, used for raw
// export once GetEmail has checked access.
func (s *Store) AttachmentData(ctx context.Context, emailID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email_id, filename, content_type, data, size FROM attachments WHERE email_id = ? ORDER BY id;`, emailID)
	if err != nil {
		return nil, fmt.Errorf("attachment data: %w", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var attachment Attachment
		if err := rows.Scan(&attachment.ID, &attachment.EmailID, &attachment.Filename, &attachment.ContentType, &attachment.Data, &attachment.Size); err != nil {
			return nil, fmt.Errorf("attachment data: %w", err)
		}
		attachments = append(attachments, attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attachment data: %w", err)
	}
	return attachments, nil
}

func (s *Store) getAttachments(ctx context.Context, emailID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email_id, filename, content_type, size FROM attachments WHERE email_id = ? ORDER BY id;`, emailID)
	if err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var attachment Attachment
		if err := rows.Scan(&attachment.ID, &attachment.EmailID, &attachment.Filename, &attachment.ContentType, &attachment.Size); err != nil {
			return nil, fmt.Errorf("get attachments: %w", err)
		}
		attachments = append(attachments, attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	return attachments, nil
}

func (s *Store) listRecipients(ctx context.Context, emailIDs []string) (map[string]map[string][]string, error) {
	if len(emailIDs) == 0 {
		return map[string]map[string][]string{}, nil
	}
	placeholders := strings.Repeat("?,", len(emailIDs))
	placeholders = strings.TrimSuffix(placeholders, ",")
	query := fmt.Sprintf(`SELECT email_id, user_id, type FROM recipients WHERE email_id IN (%s) ORDER BY id;`, placeholders)

	args := make([]any, len(emailIDs))
	for i, id := range emailIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	result := make(map[string]map[string][]string)
	for rows.Next() {
		var emailID, userID, rtype string
		if err := rows.Scan(&emailID, &userID, &rtype); err != nil {
			return nil, fmt.Errorf("list recipients: %w", err)
		}
		if _, ok := result[emailID]; !ok {
			result[emailID] = map[string][]string{}
		}
		result[emailID][rtype] = append(result[emailID][rtype], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	return result, nil
}

func requireAffected(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
