package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertSession creates the presence record for a live connection or
// refreshes its activity time.
func (s *Store) UpsertSession(ctx context.Context, connectionID, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO active_sessions (connection_id, user_id, login_time, last_activity_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(connection_id) DO UPDATE SET last_activity_at = excluded.last_activity_at;`,
		connectionID, userID, now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// TouchSession refreshes last activity for one connection, or for every
// connection of userID when connectionID is empty.
func (s *Store) TouchSession(ctx context.Context, userID, connectionID string, now time.Time) (int64, error) {
	query := `UPDATE active_sessions SET last_activity_at = ? WHERE user_id = ?`
	args := []any{now.UnixNano(), userID}
	if connectionID != "" {
		query += " AND connection_id = ?"
		args = append(args, connectionID)
	}
	result, err := s.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	return rows, nil
}

func (s *Store) DeleteSession(ctx context.Context, connectionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE connection_id = ?;`, connectionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE user_id = ?;`, userID); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	return nil
}

// DeleteStaleSessions removes presence records idle since before cutoff.
func (s *Store) DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE last_activity_at < ?;`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return rows, nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT a.connection_id, a.user_id, u.email, u.name, a.login_time, a.last_activity_at
        FROM active_sessions a
        JOIN users u ON u.id = a.user_id
        ORDER BY a.last_activity_at DESC, a.connection_id;`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ActiveSession
	for rows.Next() {
		var session ActiveSession
		var loginTime, lastActivity int64
		if err := rows.Scan(&session.ConnectionID, &session.UserID, &session.UserEmail, &session.UserName, &loginTime, &lastActivity); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		session.LoginTime = time.Unix(0, loginTime)
		session.LastActivityAt = time.Unix(0, lastActivity)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}
