package auth

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/relaypool/relaypool/internal/typ"
)

// TokenStore is the keyed OAuth token source consumed by the resolver. The
// authorization-code flow that fills it is an external collaborator.
type TokenStore interface {
	// GetTokenByEmail returns the access token for the given account email.
	// Lookup is case-insensitive.
	GetTokenByEmail(email string) (string, error)

	// GetCurrentToken returns a token chosen round-robin over all stored
	// accounts.
	GetCurrentToken() (string, error)
}

// StoredToken is a single account credential.
type StoredToken struct {
	Email       string    `json:"email"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token is within the expiry buffer.
func (t *StoredToken) Expired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(5 * time.Minute).After(t.ExpiresAt)
}

// MemoryTokenStore is an in-memory TokenStore with an atomic round-robin
// cursor. Reads vastly outnumber writes.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*StoredToken // lowercased email -> token
	order  []string                // stable iteration order for round-robin
	cursor atomic.Uint64
}

// NewMemoryTokenStore creates an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens: make(map[string]*StoredToken),
	}
}

// SetToken stores or replaces the token for an account. When expiresAt is
// zero, the expiry claim embedded in the JWT access token is used if present.
func (s *MemoryTokenStore) SetToken(email, accessToken string, expiresAt time.Time) {
	key := strings.ToLower(email)
	if expiresAt.IsZero() {
		expiresAt = expiryFromJWT(accessToken)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[key]; !exists {
		s.order = append(s.order, key)
		sort.Strings(s.order)
	}
	s.tokens[key] = &StoredToken{
		Email:       email,
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
	}
}

// RemoveToken deletes the token for an account.
func (s *MemoryTokenStore) RemoveToken(email string) {
	key := strings.ToLower(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[key]; !exists {
		return
	}
	delete(s.tokens, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// GetTokenByEmail implements TokenStore.
func (s *MemoryTokenStore) GetTokenByEmail(email string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[strings.ToLower(email)]
	if !ok {
		return "", typ.ErrOAuthTokenUnavailable
	}
	if tok.Expired() {
		logrus.Warnf("OAuth token for %s is expired", email)
		return "", typ.ErrOAuthTokenUnavailable
	}
	return tok.AccessToken, nil
}

// GetCurrentToken implements TokenStore. Expired tokens are skipped; the
// cursor advances regardless so accounts share load evenly.
func (s *MemoryTokenStore) GetCurrentToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if n == 0 {
		return "", typ.ErrOAuthTokenUnavailable
	}
	start := s.cursor.Add(1)
	for i := 0; i < n; i++ {
		key := s.order[(int(start)+i)%n]
		tok := s.tokens[key]
		if tok != nil && !tok.Expired() {
			return tok.AccessToken, nil
		}
	}
	return "", typ.ErrOAuthTokenUnavailable
}

// Accounts lists the stored account emails.
func (s *MemoryTokenStore) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.tokens))
	for _, tok := range s.tokens {
		out = append(out, tok.Email)
	}
	sort.Strings(out)
	return out
}

// expiryFromJWT extracts the exp claim without verifying the signature. The
// proxy does not validate upstream tokens; it only avoids sending ones that
// are already dead.
func expiryFromJWT(accessToken string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
