package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acc-tracker/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the session token claims
type Claims struct {
	jwt.RegisteredClaims

	Username string    `json:"username"`
	Email    string    `json:"email"`
	Admin    bool      `json:"adm,omitempty"`
	Joined   time.Time `json:"joined"`
}

// SessionManager issues and checks HS256 session tokens. Revoked session
// ids are remembered until the token would have expired anyway.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewSessionManager creates a session manager. An empty secret is replaced
// by a random one, which invalidates sessions on restart.
func NewSessionManager(secret string, ttl time.Duration, issuer string, logger *slog.Logger) (*SessionManager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating session secret: %w", err)
		}
		logger.Warn("no session secret configured, sessions will not survive a restart")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &SessionManager{
		secret:  key,
		ttl:     ttl,
		issuer:  issuer,
		now:     time.Now,
		logger:  logger,
		revoked: make(map[string]time.Time),
	}, nil
}

// Issue creates a session for user and its signed token
func (m *SessionManager) Issue(user domain.User) (string, *domain.Session, error) {
	now := m.now().UTC().Truncate(time.Second)
	session := &domain.Session{
		ID:        newID(now),
		User:      user,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			NotBefore: jwt.NewNumericDate(session.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			ID:        session.ID,
		},
		Username: user.Username,
		Email:    user.Email,
		Admin:    user.IsAdmin,
		Joined:   user.JoinedAt,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing session: %w", err)
	}
	return token, session, nil
}

// Verify returns the session carried by token
func (m *SessionManager) Verify(token string) (*domain.Session, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}

	if m.isRevoked(claims.ID) {
		return nil, domain.ErrSessionExpired
	}

	return &domain.Session{
		ID: claims.ID,
		User: domain.User{
			Username: claims.Username,
			Email:    claims.Email,
			IsAdmin:  claims.Admin,
			JoinedAt: claims.Joined,
		},
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// Revoke ends the session carried by token
func (m *SessionManager) Revoke(token string) error {
	session, err := m.Verify(token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[session.ID] = session.ExpiresAt
	m.pruneLocked()
	return nil
}

func (m *SessionManager) isRevoked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[id]
	return ok
}

func (m *SessionManager) pruneLocked() {
	now := m.now()
	for id, expiresAt := range m.revoked {
		if now.After(expiresAt) {
			delete(m.revoked, id)
		}
	}
}
