package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/intramail/internal/auth"
	"github.io/infrasutra/intramail/internal/bus"
	"github.io/infrasutra/intramail/internal/event"
	"github.io/infrasutra/intramail/internal/mailbox"
	"github.io/infrasutra/intramail/internal/notify"
	"github.io/infrasutra/intramail/internal/presence"
	"github.io/infrasutra/intramail/internal/store"
)

type testEnv struct {
	server *httptest.Server
	store  *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(ctx))

	now := time.Now()
	for _, u := range []struct{ email, name, role string }{
		{"sam@corp.example", "Sam", store.RoleAdmin},
		{"ada@corp.example", "Ada", store.RoleUser},
		{"ben@corp.example", "Ben", store.RoleUser},
		{"carl@corp.example", "Carl", store.RoleUser},
	} {
		_, err := st.CreateUser(ctx, u.email, u.name, u.role, now)
		require.NoError(t, err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(16)
	svc := mailbox.NewService(st, notify.New(b, st, logger), logger)
	tracker := presence.NewTracker(b, st, logger, 90*time.Second)
	authManager, err := auth.New("test-secret", time.Hour)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(st, svc, tracker, authManager, 30*time.Second, logger))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: st}
}

type session struct {
	t      *testing.T
	env    *testEnv
	client *http.Client
	jar    http.CookieJar
}

func (e *testEnv) login(t *testing.T, email string) *session {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	s := &session{t: t, env: e, client: &http.Client{Jar: jar, Timeout: 5 * time.Second}, jar: jar}
	resp := s.do(http.MethodPost, "/api/login", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	return s
}

func (s *session) do(method, path string, body any) *http.Response {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.env.server.URL+path, reader)
	require.NoError(s.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	require.NoError(s.t, err)
	return resp
}

func (s *session) status(method, path string, body any) int {
	s.t.Helper()
	resp := s.do(method, path, body)
	defer resp.Body.Close()
	return resp.StatusCode
}

func (s *session) decode(method, path string, body any, out any) int {
	s.t.Helper()
	resp := s.do(method, path, body)
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *session) send(to, cc []string, subject string) string {
	s.t.Helper()
	var created struct {
		ID string `json:"id"`
	}
	status := s.decode(http.MethodPost, "/api/emails", map[string]any{
		"to": to, "cc": cc, "subject": subject, "body": "body of " + subject,
	}, &created)
	require.Equal(s.t, http.StatusCreated, status)
	require.NotEmpty(s.t, created.ID)
	return created.ID
}

func (s *session) folder(name string) mailboxResponse {
	s.t.Helper()
	var page mailboxResponse
	require.Equal(s.t, http.StatusOK, s.decode(http.MethodGet, "/api/mailbox?folder="+name, nil, &page))
	return page
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/api/login", "application/json", strings.NewReader(`{"email":"nobody@corp.example"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/api/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ada := env.login(t, " ADA@corp.example ")
	var me userResponse
	require.Equal(t, http.StatusOK, ada.decode(http.MethodGet, "/api/me", nil, &me))
	assert.Equal(t, "ada@corp.example", me.Email)
	assert.Equal(t, store.RoleUser, me.Role)

	assert.Equal(t, http.StatusNoContent, ada.status(http.MethodPost, "/api/logout", nil))
	assert.Equal(t, http.StatusUnauthorized, ada.status(http.MethodGet, "/api/me", nil))
}

func TestSendOpenAndReaders(t *testing.T) {
	env := newTestEnv(t)
	sam := env.login(t, "sam@corp.example")
	ada := env.login(t, "ada@corp.example")
	carl := env.login(t, "carl@corp.example")

	id := sam.send([]string{"ada@corp.example"}, []string{"ben@corp.example"}, "Launch")

	inbox := ada.folder(store.FolderInbox)
	require.Len(t, inbox.Items, 1)
	assert.Equal(t, id, inbox.Items[0].ID)
	assert.False(t, inbox.Items[0].IsRead)
	assert.Equal(t, "Sam", inbox.Items[0].SenderName)

	var unread map[string]int
	require.Equal(t, http.StatusOK, ada.decode(http.MethodGet, "/api/unread-count", nil, &unread))
	assert.Equal(t, 1, unread["unread"])

	var detail emailDetail
	require.Equal(t, http.StatusOK, ada.decode(http.MethodGet, "/api/emails/"+id, nil, &detail))
	assert.Equal(t, "Launch", detail.Subject)
	assert.Len(t, detail.Cc, 1)
	assert.True(t, ada.folder(store.FolderInbox).Items[0].IsRead)

	var readers struct {
		Readers        []readerResponse `json:"readers"`
		ReadCount      int              `json:"readCount"`
		RecipientCount int              `json:"recipientCount"`
	}
	require.Equal(t, http.StatusOK, sam.decode(http.MethodGet, "/api/emails/"+id+"/readers", nil, &readers))
	assert.Equal(t, 1, readers.ReadCount)
	assert.Equal(t, 2, readers.RecipientCount)
	require.Len(t, readers.Readers, 1)
	assert.Equal(t, "ada@corp.example", readers.Readers[0].Email)

	assert.Equal(t, http.StatusForbidden, ada.status(http.MethodGet, "/api/emails/"+id+"/readers", nil))
	assert.Equal(t, http.StatusNotFound, carl.status(http.MethodGet, "/api/emails/"+id, nil))
	assert.Equal(t, http.StatusForbidden, sam.status(http.MethodPost, "/api/emails/"+id+"/read", nil))

	assert.Equal(t, http.StatusNoContent, ada.status(http.MethodDelete, "/api/emails/"+id+"/read", nil))
	assert.False(t, ada.folder(store.FolderInbox).Items[0].IsRead)
	assert.Equal(t, http.StatusNoContent, ada.status(http.MethodPost, "/api/emails/"+id+"/read", nil))
	assert.Equal(t, http.StatusNoContent, ada.status(http.MethodPost, "/api/emails/"+id+"/read", nil))
	assert.True(t, ada.folder(store.FolderInbox).Items[0].IsRead)

	var history struct {
		Receipts []receiptResponse `json:"receipts"`
	}
	require.Equal(t, http.StatusOK, ada.decode(http.MethodGet, "/api/read-receipts", nil, &history))
	require.Len(t, history.Receipts, 1)
	assert.Equal(t, id, history.Receipts[0].EmailID)
	require.Equal(t, http.StatusOK, carl.decode(http.MethodGet, "/api/read-receipts", nil, &history))
	assert.Empty(t, history.Receipts)
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t)
	sam := env.login(t, "sam@corp.example")

	assert.Equal(t, http.StatusBadRequest, sam.status(http.MethodPost, "/api/emails", map[string]any{
		"to": []string{"ghost@corp.example"}, "subject": "hi",
	}))
	assert.Equal(t, http.StatusBadRequest, sam.status(http.MethodPost, "/api/emails", map[string]any{
		"subject": "hi",
	}))
	assert.Equal(t, http.StatusBadRequest, sam.status(http.MethodGet, "/api/mailbox?folder=spam", nil))
}

func TestArchiveDeleteAndTrash(t *testing.T) {
	env := newTestEnv(t)
	sam := env.login(t, "sam@corp.example")
	ada := env.login(t, "ada@corp.example")
	id := sam.send([]string{"ada@corp.example"}, nil, "Cleanup")

	assert.Equal(t, http.StatusNoContent, ada.status(http.MethodPost, "/api/emails/"+id+"/archive", nil))
	assert.Empty(t, ada.folder(store.FolderInbox).Items)
	assert.Len(t, ada.folder(store.FolderArchive).Items, 1)
	assert.Len(t, sam.folder(store.FolderSent).Items, 1)

	assert.Equal(t, http.StatusNoContent, ada.status(http.MethodDelete, "/api/emails/"+id+"/archive", nil))
	assert.Len(t, ada.folder(store.FolderInbox).Items, 1)

	assert.Equal(t, http.StatusNoContent, ada.status(http.MethodDelete, "/api/emails/"+id, nil))
	assert.Empty(t, ada.folder(store.FolderInbox).Items)
	assert.Len(t, ada.folder(store.FolderTrash).Items, 1)

	assert.Equal(t, http.StatusNoContent, ada.status(http.MethodPost, "/api/emails/"+id+"/restore", nil))
	assert.Len(t, ada.folder(store.FolderInbox).Items, 1)

	assert.Equal(t, http.StatusNoContent, ada.status(http.MethodDelete, "/api/emails/"+id, nil))
	var purged map[string]int64
	require.Equal(t, http.StatusOK, ada.decode(http.MethodPost, "/api/trash/empty", nil, &purged))
	assert.Equal(t, int64(1), purged["purged"])
	assert.Empty(t, ada.folder(store.FolderTrash).Items)
	assert.Len(t, sam.folder(store.FolderSent).Items, 1)
}

func TestRawExport(t *testing.T) {
	env := newTestEnv(t)
	sam := env.login(t, "sam@corp.example")
	ada := env.login(t, "ada@corp.example")
	id := sam.send([]string{"ada@corp.example"}, nil, "Export me")

	resp := ada.do(http.MethodGet, "/api/emails/"+id+"/raw", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "message/rfc822", resp.Header.Get("Content-Type"))

	reader, err := mail.CreateReader(resp.Body)
	require.NoError(t, err)
	subject, err := reader.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Export me", subject)
	from, err := reader.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "sam@corp.example", from[0].Address)

	assert.False(t, ada.folder(store.FolderInbox).Items[0].IsRead)
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	sam := env.login(t, "sam@corp.example")
	ada := env.login(t, "ada@corp.example")

	newUser := map[string]string{"email": "dora@corp.example", "name": "Dora"}
	assert.Equal(t, http.StatusForbidden, ada.status(http.MethodPost, "/api/admin/users", newUser))
	assert.Equal(t, http.StatusCreated, sam.status(http.MethodPost, "/api/admin/users", newUser))
	assert.Equal(t, http.StatusConflict, sam.status(http.MethodPost, "/api/admin/users", newUser))
	env.login(t, "dora@corp.example")

	assert.Equal(t, http.StatusForbidden, ada.status(http.MethodGet, "/api/admin/sessions", nil))
	var sessions struct {
		Sessions []liveSessionResponse `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, sam.decode(http.MethodGet, "/api/admin/sessions", nil, &sessions))
	assert.Empty(t, sessions.Sessions)
}

func dialWebsocket(t *testing.T, s *session) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.env.server.URL, "http") + "/api/ws"
	dialer := websocket.Dialer{Jar: s.jar, HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) event.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev event.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebsocketPushAndPresence(t *testing.T) {
	env := newTestEnv(t)
	sam := env.login(t, "sam@corp.example")
	ada := env.login(t, "ada@corp.example")

	adaConn := dialWebsocket(t, ada)
	ready := readEvent(t, adaConn)
	require.Equal(t, event.Ready, ready.Name)
	var readyPayload event.ReadyPayload
	require.NoError(t, ready.Decode(&readyPayload))
	assert.NotEmpty(t, readyPayload.ConnectionID)
	assert.Equal(t, int64(30000), readyPayload.HeartbeatMillis)

	samConn := dialWebsocket(t, sam)
	require.Equal(t, event.Ready, readEvent(t, samConn).Name)

	var sessions struct {
		Sessions []liveSessionResponse `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, sam.decode(http.MethodGet, "/api/admin/sessions", nil, &sessions))
	assert.Len(t, sessions.Sessions, 2)

	id := sam.send([]string{"ada@corp.example"}, nil, "Ping")
	ev := readEvent(t, adaConn)
	require.Equal(t, event.NewEmail, ev.Name)
	var payload event.NewEmailPayload
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, id, payload.EmailID)
	assert.Equal(t, "Ping", payload.Subject)
	assert.Equal(t, "sam@corp.example", payload.SenderEmail)

	require.Equal(t, http.StatusNoContent, ada.status(http.MethodPost, "/api/emails/"+id+"/read", nil))
	ev = readEvent(t, samConn)
	require.Equal(t, event.EmailRead, ev.Name)
	var readPayload event.EmailReadPayload
	require.NoError(t, ev.Decode(&readPayload))
	assert.Equal(t, id, readPayload.EmailID)
	assert.Equal(t, "Ada", readPayload.ReaderName)

	require.NoError(t, adaConn.WriteJSON(event.Event{Name: event.Heartbeat}))
	require.Equal(t, http.StatusNoContent, ada.status(http.MethodPost, "/api/heartbeat",
		map[string]string{"connectionId": readyPayload.ConnectionID}))
}

func TestLogoutClosesOpenStreams(t *testing.T) {
	env := newTestEnv(t)
	sam := env.login(t, "sam@corp.example")
	ada := env.login(t, "ada@corp.example")

	adaConn := dialWebsocket(t, ada)
	require.Equal(t, event.Ready, readEvent(t, adaConn).Name)

	var sessions struct {
		Sessions    []liveSessionResponse `json:"sessions"`
		Connections int                   `json:"connections"`
	}
	require.Equal(t, http.StatusOK, sam.decode(http.MethodGet, "/api/admin/sessions", nil, &sessions))
	require.Len(t, sessions.Sessions, 1)
	assert.True(t, sessions.Sessions[0].Connected)
	assert.Equal(t, 1, sessions.Connections)

	require.Equal(t, http.StatusNoContent, ada.status(http.MethodPost, "/api/logout", nil))

	require.NoError(t, adaConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := adaConn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	sam.send([]string{"ada@corp.example"}, nil, "After logout")
	sessions.Sessions, sessions.Connections = nil, 0
	require.Equal(t, http.StatusOK, sam.decode(http.MethodGet, "/api/admin/sessions", nil, &sessions))
	assert.Empty(t, sessions.Sessions)
	assert.Zero(t, sessions.Connections)
}

func TestServerSentEvents(t *testing.T) {
	env := newTestEnv(t)
	sam := env.login(t, "sam@corp.example")
	ada := env.login(t, "ada@corp.example")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := (&http.Client{Jar: ada.jar}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readFrame := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if name != "" {
					return name, data
				}
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	name, data := readFrame()
	require.Equal(t, event.Ready, name)
	assert.Contains(t, data, "connectionId")

	id := sam.send([]string{"ada@corp.example"}, nil, "Streamed")
	name, data = readFrame()
	require.Equal(t, event.NewEmail, name)
	assert.Contains(t, data, id)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
