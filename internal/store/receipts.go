package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordRead inserts a receipt for (emailID, userID) unless one exists. The
// boolean reports whether this call performed the insert; when it did not,
// the stored receipt is returned unchanged. Readers outside the email's
// recipient set are rejected with ErrNotRecipient.
func (s *Store) RecordRead(ctx context.Context, emailID, userID string, at time.Time) (ReadReceipt, bool, error) {
	readAt := time.Unix(0, at.UnixNano())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReadReceipt{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `INSERT INTO read_receipts (email_id, user_id, read_at)
        SELECT ?, ?, ?
        WHERE EXISTS (SELECT 1 FROM recipients WHERE email_id = ? AND user_id = ?)
        ON CONFLICT(email_id, user_id) DO NOTHING;`,
		emailID, userID, readAt.UnixNano(), emailID, userID)
	if err != nil {
		return ReadReceipt{}, false, fmt.Errorf("record read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return ReadReceipt{}, false, fmt.Errorf("record read: %w", err)
	}
	if rows == 1 {
		if err := tx.Commit(); err != nil {
			return ReadReceipt{}, false, fmt.Errorf("record read: %w", err)
		}
		return ReadReceipt{EmailID: emailID, UserID: userID, ReadAt: readAt}, true, nil
	}

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT read_at FROM read_receipts WHERE email_id = ? AND user_id = ?;`,
		emailID, userID).Scan(&stored)
	if err == nil {
		return ReadReceipt{EmailID: emailID, UserID: userID, ReadAt: time.Unix(0, stored)}, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ReadReceipt{}, false, fmt.Errorf("record read: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM emails WHERE id = ?);`, emailID).Scan(&exists); err != nil {
		return ReadReceipt{}, false, fmt.Errorf("record read: %w", err)
	}
	if !exists {
		return ReadReceipt{}, false, ErrNotFound
	}
	return ReadReceipt{}, false, ErrNotRecipient
}

// RemoveRead deletes the receipt for (emailID, userID). Absent receipts are
// not an error; the boolean reports whether a row was removed.
func (s *Store) RemoveRead(ctx context.Context, emailID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM read_receipts WHERE email_id = ? AND user_id = ?;`, emailID, userID)
	if err != nil {
		return false, fmt.Errorf("remove read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove read: %w", err)
	}
	return rows > 0, nil
}

// GetReceipt returns ErrNotFound when the user has not read the email.
func (s *Store) GetReceipt(ctx context.Context, emailID, userID string) (ReadReceipt, error) {
	var readAt int64
	err := s.db.QueryRowContext(ctx, `SELECT read_at FROM read_receipts WHERE email_id = ? AND user_id = ?;`,
		emailID, userID).Scan(&readAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReadReceipt{}, ErrNotFound
		}
		return ReadReceipt{}, fmt.Errorf("get receipt: %w", err)
	}
	return ReadReceipt{EmailID: emailID, UserID: userID, ReadAt: time.Unix(0, readAt)}, nil
}

func (s *Store) ListReadersFor(ctx context.Context, emailID string) ([]ReadReceipt, error) {
	return s.listReceipts(ctx, `SELECT email_id, user_id, read_at FROM read_receipts WHERE email_id = ? ORDER BY read_at, user_id;`, emailID)
}

func (s *Store) ListReadEmailsFor(ctx context.Context, userID string) ([]ReadReceipt, error) {
	return s.listReceipts(ctx, `SELECT email_id, user_id, read_at FROM read_receipts WHERE user_id = ? ORDER BY read_at, email_id;`, userID)
}

// RecipientCount is the size of the email's recipient set.
func (s *Store) RecipientCount(ctx context.Context, emailID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM recipients WHERE email_id = ?;`, emailID).Scan(&count); err != nil {
		return 0, fmt.Errorf("recipient count: %w", err)
	}
	return count, nil
}

func (s *Store) listReceipts(ctx context.Context, query, arg string) ([]ReadReceipt, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []ReadReceipt
	for rows.Next() {
		var receipt ReadReceipt
		var readAt int64
		if err := rows.Scan(&receipt.EmailID, &receipt.UserID, &readAt); err != nil {
			return nil, fmt.Errorf("list receipts: %w", err)
		}
		receipt.ReadAt = time.Unix(0, readAt)
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	return receipts, nil
}
