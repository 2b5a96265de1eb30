package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessions_UpsertTouchReap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@corp.example", "Alice")
	bob := mustUser(t, s, "bob@corp.example", "Bob")

	require.NoError(t, s.UpsertSession(ctx, "c1", alice.ID, baseTime))
	require.NoError(t, s.UpsertSession(ctx, "c2", alice.ID, baseTime))
	require.NoError(t, s.UpsertSession(ctx, "c3", bob.ID, baseTime))

	touched, err := s.TouchSession(ctx, alice.ID, "c1", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched)

	touched, err = s.TouchSession(ctx, bob.ID, "c1", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, touched, "a user cannot refresh another user's connection")

	reaped, err := s.DeleteStaleSessions(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), reaped)

	sessions, err := s.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "c1", sessions[0].ConnectionID)
	assert.Equal(t, "alice@corp.example", sessions[0].UserEmail)
	assert.True(t, sessions[0].LoginTime.Equal(baseTime))

	require.NoError(t, s.DeleteSession(ctx, "c1"))
	sessions, err = s.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessions_DeleteUserSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@corp.example", "Alice")

	require.NoError(t, s.UpsertSession(ctx, "c1", alice.ID, baseTime))
	require.NoError(t, s.UpsertSession(ctx, "c2", alice.ID, baseTime))
	require.NoError(t, s.DeleteUserSessions(ctx, alice.ID))

	sessions, err := s.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
