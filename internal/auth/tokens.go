package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hdhq1504/chatsync/internal/storage"
	"go.uber.org/zap"
)

// User is the authenticated account as persisted locally.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// expirySkew refreshes tokens slightly before their actual deadline so an
// in-flight request doesn't race the expiry.
const expirySkew = 30 * time.Second

// Manager holds the authenticated user and token pair, persisting them
// through the local store so a restart resumes the session. It performs no
// network I/O itself; the REST client drives refresh and feeds new tokens
// back through SetTokens.
type Manager struct {
	mu           sync.RWMutex
	store        *storage.Store
	logger       *zap.Logger
	user         *User
	accessToken  string
	refreshToken string
}

// NewManager creates a manager, restoring any persisted session.
func NewManager(store *storage.Store, logger *zap.Logger) *Manager {
	m := &Manager{store: store, logger: logger}

	var u User
	if store.Get(storage.KeyAuthenticatedUser, &u) && u.ID != "" {
		m.user = &u
	}
	store.Get(storage.KeyAuthToken, &m.accessToken)
	store.Get(storage.KeyRefreshToken, &m.refreshToken)
	return m
}

// LoggedIn reports whether a persisted session exists.
func (m *Manager) LoggedIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user != nil && m.accessToken != ""
}

// CurrentUser returns a copy of the authenticated user, or nil.
func (m *Manager) CurrentUser() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// SelfID returns the authenticated user id, or empty string.
func (m *Manager) SelfID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return ""
	}
	return m.user.ID
}

// AccessToken returns the current access token.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken
}

// RefreshToken returns the current refresh token.
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshToken
}

// SetSession stores a freshly authenticated user and token pair.
func (m *Manager) SetSession(user User, access, refresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = &user
	m.accessToken = access
	m.refreshToken = refresh
	m.store.Set(storage.KeyAuthenticatedUser, user)
	m.store.Set(storage.KeyAuthToken, access)
	m.store.Set(storage.KeyRefreshToken, refresh)
}

// SetTokens replaces the token pair after a refresh. An empty refresh token
// keeps the existing one, since some backends rotate only the access token.
func (m *Manager) SetTokens(access, refresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = access
	m.store.Set(storage.KeyAuthToken, access)
	if refresh != "" {
		m.refreshToken = refresh
		m.store.Set(storage.KeyRefreshToken, refresh)
	}
}

// Expired reports whether the access token is missing, unparseable, or past
// (or within skew of) its exp claim. The signature is NOT verified: the
// client only needs the deadline, the server remains the authority.
func (m *Manager) Expired() bool {
	m.mu.RLock()
	token := m.accessToken
	m.mu.RUnlock()

	if token == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		m.logger.Warn("access token unparseable", zap.Error(err))
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		// No exp claim: treat as non-expiring, let the server 401 decide.
		return false
	}
	return time.Now().Add(expirySkew).After(exp.Time)
}

// Clear wipes the session, both in memory and in the store. Called on
// explicit logout and on refresh failure (forced logout).
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = nil
	m.accessToken = ""
	m.refreshToken = ""
	m.store.Remove(storage.KeyAuthenticatedUser)
	m.store.Remove(storage.KeyAuthToken)
	m.store.Remove(storage.KeyRefreshToken)
}
