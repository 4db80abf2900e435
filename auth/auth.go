// Package auth guards the web surface with one shared password and
// opaque server-side sessions.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const passwordFile = "auth.txt"

// SessionTTL bounds how long a login stays valid.
const SessionTTL = 24 * time.Hour

var (
	ErrNotEnabled    = errors.New("auth not enabled")
	ErrWrongPassword = errors.New("wrong password")
)

// Store keeps the bcrypt password hash on disk and live sessions in
// memory. Sessions do not survive a restart; the password does.
type Store struct {
	path string
	ttl  time.Duration

	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewStore manages the password file under dir.
func NewStore(dir string) *Store {
	return &Store{
		path:     filepath.Join(dir, passwordFile),
		ttl:      SessionTTL,
		sessions: make(map[string]time.Time),
	}
}

// Enabled reports whether a password has been configured.
func (s *Store) Enabled() bool {
	fi, err := os.Stat(s.path)
	return err == nil && !fi.IsDir()
}

// SetPassword hashes and stores the password. Changing the password
// does not invalidate existing sessions.
func (s *Store) SetPassword(password string) error {
	if len(password) < 4 {
		return errors.New("password must be at least 4 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(hash), 0o600)
}

// Login checks the password and issues a session token.
func (s *Store) Login(password string) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", ErrNotEnabled
	}
	if !CheckPassword(strings.TrimSpace(string(data)), password) {
		return "", ErrWrongPassword
	}
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[token] = time.Now().Add(s.ttl)
	s.mu.Unlock()
	return token, nil
}

// Logout drops the session. Unknown tokens are ignored.
func (s *Store) Logout(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Valid reports whether token belongs to a live session, pruning the
// entry once it has expired.
func (s *Store) Valid(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(s.sessions, token)
		return false
	}
	return true
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// newSessionToken returns a cryptographically random 32-byte base64 string.
func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
