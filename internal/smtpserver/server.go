package smtpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/intramail/internal/mailbox"
	"github.io/infrasutra/intramail/internal/store"
)

const (
	defaultDomain = "intramail"
)

var (
	errUnknownUser  = &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "Mailbox not provisioned"}
	errSenderDenied = &smtp.SMTPError{Code: 553, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "Sender must match authenticated user"}
)

// Directory resolves SMTP identities against provisioned users.
type Directory interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
}

// Sender is the persist-then-notify write path.
type Sender interface {
	Send(ctx context.Context, req mailbox.SendRequest) (store.Email, error)
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

// New builds the SMTP ingress. Clients authenticate with PLAIN using their
// mailbox address and the shared submission password.
func New(dir Directory, sender Sender, logger *slog.Logger, addr, password string) *Server {
	backend := &backend{
		dir:      dir,
		sender:   sender,
		logger:   logger,
		password: password,
	}
	server := smtp.NewServer(backend)
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	dir      Directory
	sender   Sender
	logger   *slog.Logger
	password string
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend *backend
	user    *store.User
	to      []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if password != s.backend.password {
			return errors.New("invalid credentials")
		}
		user, err := s.backend.dir.GetUserByEmail(context.Background(), normalizeEmail(username))
		if err != nil {
			return errors.New("invalid credentials")
		}
		s.user = &user
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.user == nil {
		return smtp.ErrAuthRequired
	}
	if normalizeEmail(from) != s.user.Email {
		return errSenderDenied
	}
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.user == nil {
		return smtp.ErrAuthRequired
	}
	address := normalizeEmail(to)
	if _, err := s.backend.dir.GetUserByEmail(context.Background(), address); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errUnknownUser
		}
		return err
	}
	s.to = append(s.to, address)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.user == nil {
		return smtp.ErrAuthRequired
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	req, err := parseMessage(s.user.ID, s.to, data)
	if err != nil {
		s.backend.logger.Warn("parse smtp message", "error", err)
	}

	email, err := s.backend.sender.Send(context.Background(), req)
	if err != nil {
		s.backend.logger.Error("store smtp message", "error", err)
		return err
	}
	s.backend.logger.Info("smtp message accepted", "email_id", email.ID, "sender", s.user.Email)
	return nil
}

func (s *session) Reset() {
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// parseMessage maps an SMTP submission onto a send request. Envelope
// recipients decide who receives the email; the Cc header only decides how
// each is listed. Envelope-only recipients are listed as To.
func parseMessage(senderID string, envelopeTo []string, raw []byte) (mailbox.SendRequest, error) {
	req := mailbox.SendRequest{SenderID: senderID}
	ccHeader := map[string]struct{}{}

	finish := func() mailbox.SendRequest {
		for _, address := range envelopeTo {
			if _, ok := ccHeader[address]; ok {
				req.Cc = append(req.Cc, address)
			} else {
				req.To = append(req.To, address)
			}
		}
		if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
			req.Subject = "(no subject)"
		}
		return req
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return finish(), err
	}

	if subject, err := reader.Header.Subject(); err == nil {
		req.Subject = subject
	}
	req.Priority = priorityFromHeader(reader.Header.Get("X-Priority"), reader.Header.Get("Importance"))
	if list, err := reader.Header.AddressList("Cc"); err == nil {
		for _, addr := range list {
			ccHeader[normalizeEmail(addr.Address)] = struct{}{}
		}
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return finish(), err
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			if !strings.HasPrefix(mediaType, "text/plain") && mediaType != "" {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if req.Body == "" {
				req.Body = string(body)
			} else {
				req.Body += "\n" + string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			req.Attachments = append(req.Attachments, store.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Data:        body,
				Size:        int64(len(body)),
			})
		}
	}

	return finish(), nil
}

func priorityFromHeader(xPriority, importance string) string {
	switch strings.ToLower(strings.TrimSpace(importance)) {
	case "high":
		return store.PriorityHigh
	case "low":
		return store.PriorityLow
	}
	xPriority = strings.TrimSpace(xPriority)
	if xPriority == "" {
		return store.PriorityNormal
	}
	switch xPriority[0] {
	case '1', '2':
		return store.PriorityHigh
	case '4', '5':
		return store.PriorityLow
	}
	return store.PriorityNormal
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
