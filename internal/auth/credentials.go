package auth

import (
	"context"
	"errors"
	"sync"
)

// Common errors.
var (
	ErrListenerRegistered = errors.New("user change listener already registered")
	ErrNoListener         = errors.New("no user change listener registered")
)

// Token is an access token for user.
type Token struct {
	Value string
	User  User
}

// AuthHeaders returns the request headers carrying the token.
func (t *Token) AuthHeaders() map[string]string {
	if t == nil || t.Value == "" {
		return nil
	}

	return map[string]string{"Authorization": "Bearer " + t.Value}
}

// UserChangeListener is notified with the current user on registration and
// whenever the user changes.
type UserChangeListener func(User)

// CredentialsProvider supplies tokens and user changes. Only one listener may
// be registered at a time.
type CredentialsProvider interface {
	// GetToken returns a token for the current user, or nil when no token
	// is available.
	GetToken(ctx context.Context, forceRefresh bool) (*Token, error)
	SetUserChangeListener(l UserChangeListener) error
	RemoveUserChangeListener() error
}

// EmptyCredentialsProvider never has a token and always reports the
// unauthenticated user.
type EmptyCredentialsProvider struct {
	mu       sync.Mutex
	listener UserChangeListener
}

// GetToken implements CredentialsProvider.
func (p *EmptyCredentialsProvider) GetToken(context.Context, bool) (*Token, error) {
	return nil, nil
}

// SetUserChangeListener implements CredentialsProvider.
func (p *EmptyCredentialsProvider) SetUserChangeListener(l UserChangeListener) error {
	p.mu.Lock()
	if p.listener != nil {
		p.mu.Unlock()

		return ErrListenerRegistered
	}

	p.listener = l
	p.mu.Unlock()

	l(Unauthenticated)

	return nil
}

// RemoveUserChangeListener implements CredentialsProvider.
func (p *EmptyCredentialsProvider) RemoveUserChangeListener() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener == nil {
		return ErrNoListener
	}

	p.listener = nil

	return nil
}

// StaticCredentialsProvider hands out a fixed token for a settable user.
// Changing the user notifies the registered listener.
type StaticCredentialsProvider struct {
	mu       sync.Mutex
	user     User
	token    string
	listener UserChangeListener
}

// NewStaticCredentialsProvider creates a provider for user with token.
func NewStaticCredentialsProvider(user User, token string) *StaticCredentialsProvider {
	return &StaticCredentialsProvider{user: user, token: token}
}

// GetToken implements CredentialsProvider.
func (p *StaticCredentialsProvider) GetToken(ctx context.Context, _ bool) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.user.IsAuthenticated() {
		return nil, nil
	}

	return &Token{Value: p.token, User: p.user}, nil
}

// SetUser changes the current user and notifies the listener if it differs.
func (p *StaticCredentialsProvider) SetUser(user User, token string) {
	p.mu.Lock()
	changed := user != p.user
	p.user = user
	p.token = token
	l := p.listener
	p.mu.Unlock()

	if changed && l != nil {
		l(user)
	}
}

// SetUserChangeListener implements CredentialsProvider.
func (p *StaticCredentialsProvider) SetUserChangeListener(l UserChangeListener) error {
	p.mu.Lock()
	if p.listener != nil {
		p.mu.Unlock()

		return ErrListenerRegistered
	}

	p.listener = l
	user := p.user
	p.mu.Unlock()

	l(user)

	return nil
}

// RemoveUserChangeListener implements CredentialsProvider.
func (p *StaticCredentialsProvider) RemoveUserChangeListener() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener == nil {
		return ErrNoListener
	}

	p.listener = nil

	return nil
}

// Ensure both providers implement CredentialsProvider.
var (
	_ CredentialsProvider = (*EmptyCredentialsProvider)(nil)
	_ CredentialsProvider = (*StaticCredentialsProvider)(nil)
)
