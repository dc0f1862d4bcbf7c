package remote

import (
	"context"
	"sync"
)

// TokenSource is the only credential capability the core consumes. The
// supplier refreshes tokens itself; the core reacts to change
// notifications by forcing a reconnect and an outbox flush.
type TokenSource interface {
	// Token returns a currently valid token, blocking at most until ctx
	// expires. Returns ErrNoToken when no credential is available.
	Token(ctx context.Context) (string, error)
	// OnChange registers a callback invoked whenever the credential
	// changes (refresh, sign-in).
	OnChange(func())
}

// StaticTokenSource serves a fixed token. Used by the daemon and tests;
// SetToken fires registered callbacks so the refresh paths are
// exercisable without a real credential supplier.
type StaticTokenSource struct {
	mu        sync.RWMutex
	token     string
	callbacks []func()
}

func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

func (s *StaticTokenSource) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// SetToken replaces the token and notifies listeners.
func (s *StaticTokenSource) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	cbs := make([]func(), len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}
