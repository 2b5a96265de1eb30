// Package bus routes push events to the live connections of a user.
//
// Delivery is best-effort and at-most-once: events for users with no
// registered connection are dropped, and a connection whose buffer is full
// misses the event. Clients recover by resyncing from the store.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.io/infrasutra/intramail/internal/event"
)

const defaultBufferSize = 16

var ErrConnectionOwned = errors.New("connection registered to another user")

type connection struct {
	id       string
	userID   string
	joinedAt time.Time
	ch       chan event.Event
}

// Session describes one registered connection.
type Session struct {
	UserID       string
	ConnectionID string
	JoinedAt     time.Time
}

type Bus struct {
	mu      sync.RWMutex
	users   map[string]map[string]*connection
	conns   map[string]*connection
	bufSize int
	now     func() time.Time
}

func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Bus{
		users:   make(map[string]map[string]*connection),
		conns:   make(map[string]*connection),
		bufSize: bufSize,
		now:     time.Now,
	}
}

// Register adds connectionID under userID and returns its event channel.
// Registering the same pair again returns the existing channel.
func (b *Bus) Register(userID, connectionID string) (<-chan event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.conns[connectionID]; ok {
		if existing.userID != userID {
			return nil, ErrConnectionOwned
		}
		return existing.ch, nil
	}

	conn := &connection{
		id:       connectionID,
		userID:   userID,
		joinedAt: b.now(),
		ch:       make(chan event.Event, b.bufSize),
	}
	if _, ok := b.users[userID]; !ok {
		b.users[userID] = make(map[string]*connection)
	}
	b.users[userID][connectionID] = conn
	b.conns[connectionID] = conn
	return conn.ch, nil
}

// Unregister removes the connection and closes its channel. Unknown ids are
// ignored.
func (b *Bus) Unregister(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, ok := b.conns[connectionID]
	if !ok {
		return
	}
	delete(b.conns, connectionID)
	if connections, ok := b.users[conn.userID]; ok {
		delete(connections, connectionID)
		if len(connections) == 0 {
			delete(b.users, conn.userID)
		}
	}
	close(conn.ch)
}

// UnregisterUser removes every connection of userID and closes their
// channels. It returns the removed connection ids.
func (b *Bus) UnregisterUser(userID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	connections := b.users[userID]
	ids := make([]string, 0, len(connections))
	for id, conn := range connections {
		delete(b.conns, id)
		close(conn.ch)
		ids = append(ids, id)
	}
	delete(b.users, userID)
	return ids
}

// EmitToUser encodes payload and offers it to every connection of userID
// without blocking. It returns how many connections accepted the event.
func (b *Bus) EmitToUser(userID, name string, payload any) int {
	ev, err := event.New(name, payload)
	if err != nil {
		return 0
	}
	return b.Publish(userID, ev)
}

// Publish offers an already encoded event to every connection of userID.
func (b *Bus) Publish(userID string, ev event.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, conn := range b.users[userID] {
		select {
		case conn.ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Sessions lists the registered connections of userID.
func (b *Bus) Sessions(userID string) []Session {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sessions := make([]Session, 0, len(b.users[userID]))
	for _, conn := range b.users[userID] {
		sessions = append(sessions, Session{UserID: conn.userID, ConnectionID: conn.id, JoinedAt: conn.joinedAt})
	}
	return sessions
}

// Len is the total number of registered connections.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}
