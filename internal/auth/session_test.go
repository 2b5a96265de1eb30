package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueParseRoundTrip(t *testing.T) {
	m, err := New("secret", time.Hour)
	require.NoError(t, err)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	token, err := m.Issue("user-1", now)
	require.NoError(t, err)

	userID, err := m.Parse(token, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestParse_Rejections(t *testing.T) {
	m, err := New("secret", time.Hour)
	require.NoError(t, err)
	other, err := New("other-secret", time.Hour)
	require.NoError(t, err)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	token, err := m.Issue("user-1", now)
	require.NoError(t, err)

	_, err = m.Parse("", now)
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = m.Parse(token, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrExpired)

	_, err = other.Parse(token, now)
	assert.ErrorIs(t, err, ErrInvalidToken)

	forged := base64.RawURLEncoding.EncodeToString([]byte("admin|1|bogus"))
	_, err = m.Parse(forged, now)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGeneratedSecretWhenEmpty(t *testing.T) {
	m, err := New("  ", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, m.secret)
}

func TestNormalizeEmail(t *testing.T) {
	email, err := NormalizeEmail("  Ada Lovelace <ADA@Corp.Example> ")
	require.NoError(t, err)
	assert.Equal(t, "ada@corp.example", email)

	_, err = NormalizeEmail("not an address")
	assert.Error(t, err)
}
