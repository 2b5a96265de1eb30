package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/intramail/internal/auth"
	"github.io/infrasutra/intramail/internal/store"
)

type liveSessionResponse struct {
	UserID         string `json:"userId"`
	UserEmail      string `json:"userEmail"`
	UserName       string `json:"userName"`
	ConnectionID   string `json:"connectionId"`
	LoginTime      string `json:"loginTime"`
	LastActivityAt string `json:"lastActivityAt"`
	Stale          bool   `json:"stale"`
	Connected      bool   `json:"connected"`
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	user, err := s.sessionUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return store.User{}, false
	}
	if user.Role != store.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return store.User{}, false
	}
	return user, true
}

// handleAdminSessions lists the live session queue. Records past the
// staleness window are flagged, not hidden. Connections counts the streams
// the bus routes to right now.
func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	sessions, err := s.presence.Live(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	response := make([]liveSessionResponse, 0, len(sessions))
	for _, session := range sessions {
		response = append(response, liveSessionResponse{
			UserID:         session.UserID,
			UserEmail:      session.UserEmail,
			UserName:       session.UserName,
			ConnectionID:   session.ConnectionID,
			LoginTime:      formatTime(session.LoginTime),
			LastActivityAt: formatTime(session.LastActivityAt),
			Stale:          session.Stale,
			Connected:      session.Connected,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"sessions":    response,
		"connections": s.presence.Connections(),
	})
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}

	var payload struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Role  string `json:"role"`
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
	role := strings.TrimSpace(payload.Role)
	switch role {
	case "":
		role = store.RoleUser
	case store.RoleUser, store.RoleAdmin:
	default:
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		name = email
	}

	user, err := s.store.CreateUser(r.Context(), email, name, role, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("user provisioned", "user_id", user.ID, "email", user.Email, "by", admin.ID)
	s.respondJSON(w, http.StatusCreated, toUserResponse(user))
}
