package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/intramail/internal/auth"
	"github.io/infrasutra/intramail/internal/mailbox"
	"github.io/infrasutra/intramail/internal/presence"
	"github.io/infrasutra/intramail/internal/store"
)

type Server struct {
	store    *store.Store
	mail     *mailbox.Service
	presence *presence.Tracker
	auth     *auth.Manager
	logger   *slog.Logger
	mux      *http.ServeMux

	heartbeat time.Duration
}

func NewServer(st *store.Store, mail *mailbox.Service, tracker *presence.Tracker, authManager *auth.Manager, heartbeat time.Duration, logger *slog.Logger) *Server {
	server := &Server{
		store:     st,
		mail:      mail,
		presence:  tracker,
		auth:      authManager,
		logger:    logger,
		heartbeat: heartbeat,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", server.handleLogin)
	mux.HandleFunc("/api/logout", server.handleLogout)
	mux.HandleFunc("/api/me", server.handleMe)
	mux.HandleFunc("/api/users", server.handleUsers)
	mux.HandleFunc("/api/mailbox", server.handleMailbox)
	mux.HandleFunc("/api/unread-count", server.handleUnreadCount)
	mux.HandleFunc("/api/read-receipts", server.handleReadReceipts)
	mux.HandleFunc("/api/emails", server.handleSend)
	mux.HandleFunc("/api/emails/", server.handleEmail)
	mux.HandleFunc("/api/trash/empty", server.handleEmptyTrash)
	mux.HandleFunc("/api/heartbeat", server.handleHeartbeat)
	mux.HandleFunc("/api/stream", server.handleStream)
	mux.HandleFunc("/api/ws", server.handleWebsocket)
	mux.HandleFunc("/api/admin/users", server.handleAdminUsers)
	mux.HandleFunc("/api/admin/sessions", server.handleAdminSessions)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		s.respondText(w, http.StatusOK, "ok")
		return
	case "/ready":
		if err := s.store.Ping(r.Context()); err != nil {
			s.respondText(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		s.respondText(w, http.StatusOK, "ready")
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	email, err := auth.NormalizeEmail(payload.Email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown user", http.StatusUnauthorized)
			return
		}
		http.Error(w, "unable to load user", http.StatusInternalServerError)
		return
	}
	now := time.Now()
	if err := s.store.TouchLogin(r.Context(), user.ID, now); err != nil {
		s.logger.Warn("touch login", "user_id", user.ID, "error", err)
	}
	token, err := s.auth.Issue(user.ID, now)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, now)
	s.respondJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if user, err := s.sessionUser(r); err == nil {
		if err := s.presence.Logout(r.Context(), user.ID); err != nil {
			s.logger.Warn("logout presence", "user_id", user.ID, "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.respondJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.sessionUser(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	response := make([]userResponse, 0, len(users))
	for _, user := range users {
		response = append(response, toUserResponse(user))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"users": response})
}

func (s *Server) sessionUser(r *http.Request) (store.User, error) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return store.User{}, auth.ErrMissingToken
	}
	userID, err := s.auth.Parse(cookie.Value, time.Now())
	if err != nil {
		return store.User{}, err
	}
	return s.store.GetUser(r.Context(), userID)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeError maps store and mailbox errors to status codes. Internal
// failures are logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrNotRecipient), errors.Is(err, mailbox.ErrNotSender):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrUnknownRecipient), errors.Is(err, store.ErrInvalidFolder),
		errors.Is(err, mailbox.ErrNoRecipients), errors.Is(err, mailbox.ErrEmptyMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrUserExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func toUserResponse(user store.User) userResponse {
	return userResponse{ID: user.ID, Email: user.Email, Name: user.Name, Role: user.Role}
}
