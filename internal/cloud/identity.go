package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSignedOut    = errors.New("signed out")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Identity is an authenticated user. Token is the bearer credential sent to
// the document server.
type Identity struct {
	UID   string
	Email string
	Token string
}

// IdentityFromToken reads the subject and email claims of a bearer JWT. The
// signature is not checked here; the server verifies it on every request.
func IdentityFromToken(token string, now time.Time) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && !now.Before(exp.Time) {
		return Identity{}, ErrTokenExpired
	}
	email, _ := claims["email"].(string)
	return Identity{UID: subject, Email: email, Token: token}, nil
}

type TokenSource func(ctx context.Context) (string, error)

// TokenProvider is an identity provider backed by a bearer token obtained
// from a TokenSource (a flag, an env var, a token file).
type TokenProvider struct {
	source TokenSource
	now    func() time.Time

	mu        sync.Mutex
	current   *Identity
	listeners map[int]func(*Identity)
	nextID    int
}

func NewTokenProvider(source TokenSource) *TokenProvider {
	return &TokenProvider{
		source:    source,
		now:       time.Now,
		listeners: map[int]func(*Identity){},
	}
}

// StaticToken is a TokenSource that always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		if strings.TrimSpace(token) == "" {
			return "", ErrSignedOut
		}
		return token, nil
	}
}

func (p *TokenProvider) SignIn(ctx context.Context) (Identity, error) {
	if p.source == nil {
		return Identity{}, ErrSignedOut
	}
	token, err := p.source(ctx)
	if err != nil {
		return Identity{}, err
	}
	identity, err := IdentityFromToken(token, p.now())
	if err != nil {
		return Identity{}, err
	}
	p.mu.Lock()
	p.current = &identity
	p.mu.Unlock()
	p.notify(&identity)
	return identity, nil
}

func (p *TokenProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	wasSignedIn := p.current != nil
	p.current = nil
	p.mu.Unlock()
	if wasSignedIn {
		p.notify(nil)
	}
	return nil
}

func (p *TokenProvider) Current() *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	identity := *p.current
	return &identity
}

// OnAuthStateChanged calls cb with the current identity (nil when signed out)
// right away and again after every sign-in and sign-out. The returned func
// removes the listener.
func (p *TokenProvider) OnAuthStateChanged(cb func(*Identity)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = cb
	p.mu.Unlock()

	cb(p.Current())

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

func (p *TokenProvider) notify(identity *Identity) {
	p.mu.Lock()
	listeners := make([]func(*Identity), 0, len(p.listeners))
	for i := 0; i < p.nextID; i++ {
		if cb, ok := p.listeners[i]; ok {
			listeners = append(listeners, cb)
		}
	}
	p.mu.Unlock()
	for _, cb := range listeners {
		if identity == nil {
			cb(nil)
			continue
		}
		copied := *identity
		cb(&copied)
	}
}
