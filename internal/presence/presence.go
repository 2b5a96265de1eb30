// Package presence ties live connections to the event bus and keeps the
// best-effort ActiveSession records used by the admin live queue.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/intramail/internal/bus"
	"github.io/infrasutra/intramail/internal/event"
	"github.io/infrasutra/intramail/internal/store"
)

type Registry interface {
	Register(userID, connectionID string) (<-chan event.Event, error)
	Unregister(connectionID string)
	UnregisterUser(userID string) []string
	Sessions(userID string) []bus.Session
	Len() int
}

type Sessions interface {
	UpsertSession(ctx context.Context, connectionID, userID string, now time.Time) error
	TouchSession(ctx context.Context, userID, connectionID string, now time.Time) (int64, error)
	DeleteSession(ctx context.Context, connectionID string) error
	DeleteUserSessions(ctx context.Context, userID string) error
	DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
	ListActiveSessions(ctx context.Context) ([]store.ActiveSession, error)
}

type Tracker struct {
	registry   Registry
	sessions   Sessions
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

func NewTracker(registry Registry, sessions Sessions, logger *slog.Logger, staleAfter time.Duration) *Tracker {
	return &Tracker{
		registry:   registry,
		sessions:   sessions,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Connection is a registered live connection. Events stops delivering once
// the connection is disconnected.
type Connection struct {
	ID     string
	UserID string
	Events <-chan event.Event
}

// Connect registers a new connection on the bus and records presence. A
// presence write failure is logged, not returned: the bus entry is what
// delivery depends on.
func (t *Tracker) Connect(ctx context.Context, userID string) (*Connection, error) {
	connectionID := uuid.NewString()
	events, err := t.registry.Register(userID, connectionID)
	if err != nil {
		return nil, err
	}
	if err := t.sessions.UpsertSession(ctx, connectionID, userID, t.now()); err != nil {
		t.logger.Warn("record presence", "user_id", userID, "connection_id", connectionID, "error", err)
	}
	t.logger.Debug("connection opened", "user_id", userID, "connection_id", connectionID)
	return &Connection{ID: connectionID, UserID: userID, Events: events}, nil
}

// Heartbeat refreshes lastActivityAt for one connection, or for all of the
// user's connections when connectionID is empty.
func (t *Tracker) Heartbeat(ctx context.Context, userID, connectionID string) error {
	_, err := t.sessions.TouchSession(ctx, userID, connectionID, t.now())
	return err
}

// Disconnect removes the bus entry synchronously, then drops presence.
func (t *Tracker) Disconnect(ctx context.Context, conn *Connection) {
	t.registry.Unregister(conn.ID)
	if err := t.sessions.DeleteSession(ctx, conn.ID); err != nil {
		t.logger.Warn("drop presence", "connection_id", conn.ID, "error", err)
	}
	t.logger.Debug("connection closed", "user_id", conn.UserID, "connection_id", conn.ID)
}

// Logout closes every live connection of the user, then drops their
// presence records. Stream handlers see the closed channel and exit.
func (t *Tracker) Logout(ctx context.Context, userID string) error {
	closed := t.registry.UnregisterUser(userID)
	t.logger.Debug("logout", "user_id", userID, "connections", len(closed))
	return t.sessions.DeleteUserSessions(ctx, userID)
}

// Connections is the number of streams registered on the bus.
func (t *Tracker) Connections() int {
	return t.registry.Len()
}

// LiveSession is a presence record. Connected reports whether the bus still
// routes to it; a record can outlive its stream until the reaper runs.
type LiveSession struct {
	store.ActiveSession
	Stale     bool
	Connected bool
}

// Live lists presence records, flagging those without a recent heartbeat.
func (t *Tracker) Live(ctx context.Context) ([]LiveSession, error) {
	sessions, err := t.sessions.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := t.now().Add(-t.staleAfter)
	registered := map[string]map[string]bool{}
	live := make([]LiveSession, 0, len(sessions))
	for _, session := range sessions {
		conns, ok := registered[session.UserID]
		if !ok {
			conns = map[string]bool{}
			for _, s := range t.registry.Sessions(session.UserID) {
				conns[s.ConnectionID] = true
			}
			registered[session.UserID] = conns
		}
		live = append(live, LiveSession{
			ActiveSession: session,
			Stale:         session.LastActivityAt.Before(cutoff),
			Connected:     conns[session.ConnectionID],
		})
	}
	return live, nil
}

// Reap deletes presence records idle for longer than twice the staleness
// window. It never touches the bus.
func (t *Tracker) Reap(ctx context.Context) (int64, error) {
	return t.sessions.DeleteStaleSessions(ctx, t.now().Add(-2*t.staleAfter))
}

// RunReaper calls Reap every interval until ctx is done.
func (t *Tracker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := t.Reap(ctx)
			if err != nil {
				t.logger.Error("reap sessions", "error", err)
				continue
			}
			if reaped > 0 {
				t.logger.Info("reaped stale sessions", "count", reaped)
			}
		}
	}
}
