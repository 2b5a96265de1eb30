package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNotRecipient     = errors.New("reader is not a recipient of this email")
	ErrUserExists       = errors.New("user already exists")
	ErrUnknownRecipient = errors.New("recipient is not a provisioned user")
	ErrInvalidFolder    = errors.New("invalid folder")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers, which is what makes
	// RecordRead's insert-or-keep atomic across goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            email TEXT NOT NULL UNIQUE,
            name TEXT NOT NULL,
            role TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            last_login INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS emails (
            id TEXT PRIMARY KEY,
            sender_id TEXT NOT NULL,
            subject TEXT NOT NULL,
            body TEXT NOT NULL,
            priority TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            sender_deleted_at INTEGER,
            sender_purged_at INTEGER,
            FOREIGN KEY(sender_id) REFERENCES users(id)
        );`,
		`CREATE TABLE IF NOT EXISTS recipients (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            email_id TEXT NOT NULL,
            user_id TEXT NOT NULL,
            type TEXT NOT NULL,
            archived_at INTEGER,
            deleted_at INTEGER,
            purged_at INTEGER,
            UNIQUE(email_id, user_id),
            FOREIGN KEY(email_id) REFERENCES emails(id) ON DELETE CASCADE,
            FOREIGN KEY(user_id) REFERENCES users(id)
        );`,
		`CREATE TABLE IF NOT EXISTS attachments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            email_id TEXT NOT NULL,
            filename TEXT NOT NULL,
            content_type TEXT NOT NULL,
            data BLOB NOT NULL,
            size INTEGER NOT NULL,
            FOREIGN KEY(email_id) REFERENCES emails(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS read_receipts (
            email_id TEXT NOT NULL,
            user_id TEXT NOT NULL,
            read_at INTEGER NOT NULL,
            PRIMARY KEY(email_id, user_id),
            FOREIGN KEY(email_id) REFERENCES emails(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS active_sessions (
            connection_id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            login_time INTEGER NOT NULL,
            last_activity_at INTEGER NOT NULL,
            FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_user ON recipients(user_id, email_id);`,
		`CREATE INDEX IF NOT EXISTS idx_emails_sender_created ON emails(sender_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_emails_created_id ON emails(created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_read_receipts_user ON read_receipts(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_active_sessions_user ON active_sessions(user_id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, email, name, role string, now time.Time) (User, error) {
	if role != RoleAdmin {
		role = RoleUser
	}
	user := User{
		ID:        uuid.NewString(),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Name:      strings.TrimSpace(name),
		Role:      role,
		CreatedAt: now,
	}
	if user.Name == "" {
		user.Name = user.Email
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO users (id, email, name, role, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(email) DO NOTHING;`,
		user.ID, user.Email, user.Name, user.Role, now.UnixNano())
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	if rows == 0 {
		return User{}, ErrUserExists
	}
	return user, nil
}

// EnsureUser returns the user with the given email, creating it when absent.
func (s *Store) EnsureUser(ctx context.Context, email, name, role string, now time.Time) (User, error) {
	user, err := s.CreateUser(ctx, email, name, role, now)
	if errors.Is(err, ErrUserExists) {
		return s.GetUserByEmail(ctx, email)
	}
	return user, err
}

func (s *Store) TouchLogin(ctx context.Context, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?;`, now.UnixNano(), userID)
	if err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, name, role, created_at, last_login FROM users WHERE id = ?;`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, name, role, created_at, last_login FROM users WHERE email = ?;`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, name, role, created_at, last_login FROM users ORDER BY email;`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ResolveUsers maps email addresses to user ids, failing on the first
// address that is not provisioned.
func (s *Store) ResolveUsers(ctx context.Context, emails []string) ([]string, error) {
	ids := make([]string, 0, len(emails))
	for _, email := range emails {
		user, err := s.GetUserByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, email)
			}
			return nil, err
		}
		ids = append(ids, user.ID)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var createdAt, lastLogin int64
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Role, &createdAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	user.CreatedAt = time.Unix(0, createdAt)
	if lastLogin > 0 {
		user.LastLogin = time.Unix(0, lastLogin)
	}
	return user, nil
}
