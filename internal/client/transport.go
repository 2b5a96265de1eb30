package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.io/infrasutra/intramail/internal/event"
	"github.io/infrasutra/intramail/internal/pagination"
)

// Transport is what the client needs from the server.
type Transport interface {
	// FetchFolder returns every item of a folder, walking all pages.
	FetchFolder(ctx context.Context, folder string) ([]Item, error)
	MarkRead(ctx context.Context, emailID string) error
	MarkUnread(ctx context.Context, emailID string) error
	Archive(ctx context.Context, emailID string) error
	Unarchive(ctx context.Context, emailID string) error
	Delete(ctx context.Context, emailID string) error
	// Connect opens the push channel.
	Connect(ctx context.Context) (Stream, error)
}

// Stream is an open push channel.
type Stream interface {
	// Next blocks until an event arrives or the stream fails.
	Next() (event.Event, error)
	Heartbeat() error
	Close() error
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// HTTPTransport talks to the API over HTTP and the websocket stream.
type HTTPTransport struct {
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
}

func NewHTTPTransport(baseURL string) (*HTTPTransport, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &HTTPTransport{
		baseURL: parsed,
		http:    &http.Client{Jar: jar, Timeout: 15 * time.Second},
		dialer:  &websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Login establishes the session cookie used by every later call.
func (t *HTTPTransport) Login(ctx context.Context, email string) error {
	return t.call(ctx, http.MethodPost, "/api/login", map[string]string{"email": email}, nil)
}

func (t *HTTPTransport) FetchFolder(ctx context.Context, folder string) ([]Item, error) {
	seen := map[string]struct{}{}
	items := []Item{}
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("folder", folder)
		query.Set("page", strconv.Itoa(page))
		query.Set("limit", strconv.Itoa(int(pagination.MaxLimit)))

		var response struct {
			Items   []Item `json:"items"`
			HasNext bool   `json:"hasNext"`
		}
		if err := t.call(ctx, http.MethodGet, "/api/mailbox?"+query.Encode(), nil, &response); err != nil {
			return nil, err
		}
		// Rows shift between pages when mail arrives mid-walk.
		for _, item := range response.Items {
			if _, ok := seen[item.ID]; ok {
				continue
			}
			seen[item.ID] = struct{}{}
			items = append(items, item)
		}
		if !response.HasNext || len(response.Items) == 0 {
			return items, nil
		}
	}
}

func (t *HTTPTransport) MarkRead(ctx context.Context, emailID string) error {
	return t.call(ctx, http.MethodPost, "/api/emails/"+url.PathEscape(emailID)+"/read", nil, nil)
}

func (t *HTTPTransport) MarkUnread(ctx context.Context, emailID string) error {
	return t.call(ctx, http.MethodDelete, "/api/emails/"+url.PathEscape(emailID)+"/read", nil, nil)
}

func (t *HTTPTransport) Archive(ctx context.Context, emailID string) error {
	return t.call(ctx, http.MethodPost, "/api/emails/"+url.PathEscape(emailID)+"/archive", nil, nil)
}

func (t *HTTPTransport) Unarchive(ctx context.Context, emailID string) error {
	return t.call(ctx, http.MethodDelete, "/api/emails/"+url.PathEscape(emailID)+"/archive", nil, nil)
}

func (t *HTTPTransport) Delete(ctx context.Context, emailID string) error {
	return t.call(ctx, http.MethodDelete, "/api/emails/"+url.PathEscape(emailID), nil, nil)
}

func (t *HTTPTransport) Connect(ctx context.Context) (Stream, error) {
	wsURL := *t.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/api/ws"

	conn, resp, err := t.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

func (t *HTTPTransport) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(message))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

type wsStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsStream) Next() (event.Event, error) {
	var ev event.Event
	if err := s.conn.ReadJSON(&ev); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return event.Event{}, io.EOF
		}
		return event.Event{}, err
	}
	return ev, nil
}

func (s *wsStream) Heartbeat() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(event.Event{Name: event.Heartbeat})
}

func (s *wsStream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	err := s.conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
