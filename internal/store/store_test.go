package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func mustUser(t *testing.T, s *Store, email, name string) User {
	t.Helper()
	user, err := s.CreateUser(context.Background(), email, name, RoleUser, baseTime)
	require.NoError(t, err)
	return user
}

func mustEmail(t *testing.T, s *Store, sender User, to, cc []User, subject string, at time.Time) Email {
	t.Helper()
	input := NewEmail{SenderID: sender.ID, Subject: subject, Body: "body of " + subject}
	for _, u := range to {
		input.To = append(input.To, u.ID)
	}
	for _, u := range cc {
		input.Cc = append(input.Cc, u.ID)
	}
	email, err := s.CreateEmail(context.Background(), input, at)
	require.NoError(t, err)
	return email
}
