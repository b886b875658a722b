package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTokenValidity is assumed when the platform does not report an
	// expiry with the token.
	DefaultTokenValidity = 4 * time.Hour

	// refreshSkew is how long before expiry Acquire refreshes proactively,
	// so a request never races the expiry boundary.
	refreshSkew = 5 * time.Minute
)

// Credentials holds the platform login pair.
type Credentials struct {
	Email    string
	Password string
}

// Token is an authentication token plus the generation counter of the
// refresh that produced it. Callers hand the generation back on failure so
// the session can tell a stale complaint from a fresh one.
type Token struct {
	Value string
	Gen   int64
}

// AuthFunc performs one login. It returns the bearer token and how long
// the platform says it is valid for (zero means unknown).
type AuthFunc func(ctx context.Context, creds Credentials) (token string, validFor time.Duration, err error)

// Session owns the shared authentication state. All access goes through
// Acquire and RefreshOnFailure; refresh is exclusive, so concurrent
// callers never trigger duplicate logins.
type Session struct {
	creds  Credentials
	authFn AuthFunc
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
	gen    int64
}

// NewSession creates a session. No login happens until first Acquire.
func NewSession(creds Credentials, authFn AuthFunc, logger *zap.Logger) *Session {
	return &Session{
		creds:  creds,
		authFn: authFn,
		logger: logger,
		now:    time.Now,
	}
}

// Acquire returns the current valid token, logging in first if no token
// exists or the current one is within refreshSkew of expiry.
func (s *Session) Acquire(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(refreshSkew).Before(s.expiry) {
		return Token{Value: s.token, Gen: s.gen}, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return Token{}, err
	}
	return Token{Value: s.token, Gen: s.gen}, nil
}

// RefreshOnFailure is called by a caller that just observed an
// authentication failure using a token of generation observedGen. If a
// newer token already exists the caller simply receives it; only the first
// complainant for a given generation performs the login.
func (s *Session) RefreshOnFailure(ctx context.Context, observedGen int64) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen > observedGen && s.token != "" {
		return Token{Value: s.token, Gen: s.gen}, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return Token{}, err
	}
	return Token{Value: s.token, Gen: s.gen}, nil
}

// Refreshes reports how many logins this session has performed.
func (s *Session) Refreshes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// refreshLocked performs one login. Caller holds s.mu. Rejected
// credentials surface as AuthError; any other login failure (network,
// 5xx) keeps its own classification so callers can retry it.
func (s *Session) refreshLocked(ctx context.Context) error {
	token, validFor, err := s.authFn(ctx, s.creds)
	if err != nil {
		s.token = ""
		if IsAuth(err) {
			return err
		}
		return fmt.Errorf("login: %w", err)
	}
	if validFor <= 0 {
		validFor = DefaultTokenValidity
	}
	s.token = token
	s.expiry = s.now().Add(validFor)
	s.gen++
	s.logger.Info("session refreshed",
		zap.Int64("generation", s.gen),
		zap.Time("expiry", s.expiry))
	return nil
}
