package smtpserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/intramail/internal/mailbox"
	"github.io/infrasutra/intramail/internal/store"
)

type mapDirectory map[string]store.User

func (d mapDirectory) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := d[email]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

type recordingSender struct {
	mu   sync.Mutex
	reqs []mailbox.SendRequest
}

func (r *recordingSender) Send(_ context.Context, req mailbox.SendRequest) (store.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return store.Email{ID: "e-1"}, nil
}

func TestParseMessage_SplitsToAndCc(t *testing.T) {
	raw := "From: sam@corp.example\r\n" +
		"To: ada@corp.example\r\n" +
		"Cc: Ben <BEN@corp.example>\r\n" +
		"Subject: Release notes\r\n" +
		"X-Priority: 1 (Highest)\r\n" +
		"\r\n" +
		"Shipping Thursday.\r\n"

	req, err := parseMessage("sam-id", []string{"ada@corp.example", "ben@corp.example", "eve@corp.example"}, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "sam-id", req.SenderID)
	assert.Equal(t, []string{"ada@corp.example", "eve@corp.example"}, req.To)
	assert.Equal(t, []string{"ben@corp.example"}, req.Cc)
	assert.Equal(t, "Release notes", req.Subject)
	assert.Equal(t, store.PriorityHigh, req.Priority)
	assert.Contains(t, req.Body, "Shipping Thursday.")
}

func TestParseMessage_Unparseable(t *testing.T) {
	req, err := parseMessage("sam-id", []string{"ada@corp.example"}, []byte("this is not a header\r\n\r\nbody\r\n"))
	assert.Error(t, err)
	assert.Equal(t, []string{"ada@corp.example"}, req.To)
	assert.Equal(t, "(no subject)", req.Subject)
}

func TestPriorityFromHeader(t *testing.T) {
	assert.Equal(t, store.PriorityHigh, priorityFromHeader("2", ""))
	assert.Equal(t, store.PriorityLow, priorityFromHeader("5 (Lowest)", ""))
	assert.Equal(t, store.PriorityNormal, priorityFromHeader("3", ""))
	assert.Equal(t, store.PriorityLow, priorityFromHeader("1", "Low"))
	assert.Equal(t, store.PriorityNormal, priorityFromHeader("", ""))
}

func TestServer_AcceptsProvisionedSubmission(t *testing.T) {
	dir := mapDirectory{
		"sam@corp.example": {ID: "sam-id", Email: "sam@corp.example"},
		"ada@corp.example": {ID: "ada-id", Email: "ada@corp.example"},
	}
	sender := &recordingSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(dir, sender, logger, "", "submit-pass")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.smtp.Serve(listener) }()
	t.Cleanup(func() { _ = srv.Close() })

	addr := listener.Addr().String()
	auth := smtp.PlainAuth("", "sam@corp.example", "submit-pass", "127.0.0.1")
	msg := []byte("Subject: Hello\r\nTo: ada@corp.example\r\n\r\nHi Ada\r\n")

	err = smtp.SendMail(addr, auth, "sam@corp.example", []string{"ada@corp.example"}, msg)
	require.NoError(t, err)

	sender.mu.Lock()
	require.Len(t, sender.reqs, 1)
	assert.Equal(t, "sam-id", sender.reqs[0].SenderID)
	assert.Equal(t, []string{"ada@corp.example"}, sender.reqs[0].To)
	sender.mu.Unlock()

	err = smtp.SendMail(addr, auth, "sam@corp.example", []string{"stranger@corp.example"}, msg)
	assert.Error(t, err)

	err = smtp.SendMail(addr, auth, "ada@corp.example", []string{"sam@corp.example"}, msg)
	assert.Error(t, err)

	badAuth := smtp.PlainAuth("", "sam@corp.example", "wrong", "127.0.0.1")
	err = smtp.SendMail(addr, badAuth, "sam@corp.example", []string{"ada@corp.example"}, msg)
	assert.Error(t, err)
}
