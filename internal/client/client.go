// Package client keeps a local, eventually correct copy of one user's
// mailbox. Push events patch the copy for latency; a full fetch on every
// (re)connect and on a timer is what makes it correct.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.io/infrasutra/intramail/internal/event"
)

// ErrOffline is returned by Run once reconnect attempts are exhausted. The
// local view stays readable.
var ErrOffline = errors.New("client offline")

type State int

const (
	StateConnecting State = iota
	StateOnline
	StateReconnecting
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Handler func(event.Event)

type Options struct {
	Backoff           Backoff
	HeartbeatInterval time.Duration
	ResyncInterval    time.Duration
	Logger            *slog.Logger
}

type Client struct {
	transport Transport
	view      *View
	opts      Options
	logger    *slog.Logger

	mu            sync.RWMutex
	state         State
	handlers      map[string][]Handler
	stateHandlers []func(State)
}

func New(transport Transport, opts Options) *Client {
	opts.Backoff = opts.Backoff.withDefaults()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: transport,
		view:      NewView(),
		opts:      opts,
		logger:    logger,
		state:     StateConnecting,
		handlers:  map[string][]Handler{},
	}
}

// On registers h for a push event name. Handlers run after the event has
// been merged into the view.
func (c *Client) On(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = append(c.handlers[name], h)
}

func (c *Client) OnStateChange(h func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, h)
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) Snapshot(folder string) []Item {
	return c.view.Snapshot(folder)
}

// Run connects and keeps the client connected until ctx is done or the
// backoff budget runs out.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	next := StateConnecting
	for {
		c.setState(next)
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateOffline)
			return ctx.Err()
		}
		if connected {
			failures = 0
		} else {
			failures++
		}
		if failures >= c.opts.Backoff.MaxAttempts {
			c.setState(StateOffline)
			return fmt.Errorf("%w after %d attempts: %v", ErrOffline, failures, err)
		}

		delay := c.opts.Backoff.Delay(failures)
		c.logger.Warn("stream lost, reconnecting", "error", err, "attempt", failures, "delay", delay)
		next = StateReconnecting
		c.setState(next)
		if err := sleepWithContext(ctx, delay); err != nil {
			c.setState(StateOffline)
			return err
		}
	}
}

// session runs one connection. It reports whether the connection got as
// far as a completed resync.
func (c *Client) session(ctx context.Context) (bool, error) {
	stream, err := c.transport.Connect(ctx)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event.Event)
	errc := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Next()
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- ev:
			case <-sctx.Done():
				return
			}
		}
	}()

	// Subscribed before fetching, so nothing committed after the fetch
	// can be missed.
	if err := c.Resync(ctx); err != nil {
		return false, err
	}
	c.setState(StateOnline)

	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	resync := time.NewTicker(c.opts.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-errc:
			return true, err
		case ev := <-events:
			c.dispatch(ev)
		case <-heartbeat.C:
			if err := stream.Heartbeat(); err != nil {
				return true, err
			}
		case <-resync.C:
			if err := c.Resync(ctx); err != nil {
				c.logger.Warn("periodic resync", "error", err)
			}
		}
	}
}

// Resync fetches every folder and replaces the local view. A partial
// failure leaves the view untouched.
func (c *Client) Resync(ctx context.Context) error {
	fetched := folders{}
	for _, folder := range Folders {
		items, err := c.transport.FetchFolder(ctx, folder)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", folder, err)
		}
		fetched[folder] = items
	}
	c.view.replace(fetched)
	return nil
}

func (c *Client) dispatch(ev event.Event) {
	if _, err := c.view.apply(ev); err != nil {
		c.logger.Warn("apply event", "event", ev.Name, "error", err)
	}
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[ev.Name]...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	handlers := append([]func(State){}, c.stateHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(state)
	}
}

func (c *Client) MarkRead(ctx context.Context, emailID string) error {
	return c.optimistic(ctx, emailID, func(f folders) { f.setRead(emailID, true) },
		func() error { return c.transport.MarkRead(ctx, emailID) })
}

func (c *Client) MarkUnread(ctx context.Context, emailID string) error {
	return c.optimistic(ctx, emailID, func(f folders) { f.setRead(emailID, false) },
		func() error { return c.transport.MarkUnread(ctx, emailID) })
}

func (c *Client) Archive(ctx context.Context, emailID string) error {
	return c.optimistic(ctx, emailID, func(f folders) { f.move(FolderInbox, FolderArchive, emailID) },
		func() error { return c.transport.Archive(ctx, emailID) })
}

func (c *Client) Unarchive(ctx context.Context, emailID string) error {
	return c.optimistic(ctx, emailID, func(f folders) { f.move(FolderArchive, FolderInbox, emailID) },
		func() error { return c.transport.Unarchive(ctx, emailID) })
}

func (c *Client) Delete(ctx context.Context, emailID string) error {
	return c.optimistic(ctx, emailID, func(f folders) {
		for _, folder := range []string{FolderInbox, FolderArchive, FolderSent} {
			if item, ok := f.remove(folder, emailID); ok {
				f.insert(FolderTrash, item)
			}
		}
	}, func() error { return c.transport.Delete(ctx, emailID) })
}

// optimistic applies a local change to one email, confirms it with the
// server and undoes it on failure. When other changes landed while the
// call was in flight only this email is put back, and a resync settles any
// interleaving on the same email.
func (c *Client) optimistic(ctx context.Context, emailID string, apply func(folders), confirm func() error) error {
	prior := c.view.mutate(apply, emailID)
	err := confirm()
	if err == nil {
		return nil
	}
	switch c.view.restore(prior) {
	case rollbackSuperseded:
		c.logger.Debug("resync superseded rollback", "email_id", emailID)
	case rollbackItems:
		if rerr := c.Resync(ctx); rerr != nil {
			c.logger.Warn("resync after rollback", "email_id", emailID, "error", rerr)
		}
	}
	return err
}
