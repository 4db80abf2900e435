package auth

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledByDefault(t *testing.T) {
	s := NewStore(t.TempDir())
	require.False(t, s.Enabled())

	_, err := s.Login("whatever")
	require.ErrorIs(t, err, ErrNotEnabled)
	require.False(t, s.Valid("sometoken"))
	require.False(t, s.Valid(""))
}

func TestSetPasswordRules(t *testing.T) {
	s := NewStore(t.TempDir())

	require.EqualError(t, s.SetPassword("abc"), "password must be at least 4 characters")
	require.False(t, s.Enabled())

	require.NoError(t, s.SetPassword("abcd"))
	require.True(t, s.Enabled())

	fi, err := os.Stat(s.path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestLoginFlow(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.SetPassword("hunter2"))

	_, err := s.Login("wrong")
	require.ErrorIs(t, err, ErrWrongPassword)

	t1, err := s.Login("hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, t1)
	require.True(t, s.Valid(t1))

	t2, err := s.Login("hunter2")
	require.NoError(t, err)
	require.NotEqual(t, t1, t2)
	require.True(t, s.Valid(t2))

	s.Logout(t1)
	require.False(t, s.Valid(t1))
	require.True(t, s.Valid(t2))

	s.Logout("unknown")
	require.True(t, s.Valid(t2))
}

func TestSessionExpiry(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.SetPassword("hunter2"))
	s.ttl = 10 * time.Millisecond

	token, err := s.Login("hunter2")
	require.NoError(t, err)
	require.True(t, s.Valid(token))

	time.Sleep(30 * time.Millisecond)
	require.False(t, s.Valid(token))

	s.mu.Lock()
	_, still := s.sessions[token]
	s.mu.Unlock()
	require.False(t, still, "expired session must be pruned")
}

func TestPasswordHashing(t *testing.T) {
	h1, err := HashPassword("secret")
	require.NoError(t, err)
	h2, err := HashPassword("secret")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2, "bcrypt salts every hash")

	require.True(t, CheckPassword(h1, "secret"))
	require.True(t, CheckPassword(h2, "secret"))
	require.False(t, CheckPassword(h1, "Secret"))
	require.False(t, CheckPassword("not-a-hash", "secret"))
}
