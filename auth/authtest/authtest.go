// Package authtest provides an in-memory Authenticator for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/httpl-go/auth"
)

// Tokens maps bearer tokens to principals.
type Tokens struct {
	mu     sync.RWMutex
	tokens map[string]User
}

// User is the principal behind a token. A token whose user has Denied set
// authenticates but fails with auth.ErrInsufficientScope.
type User struct {
	ID     string
	Claims map[string]any
	Denied bool
}

func NewTokens() *Tokens {
	return &Tokens{tokens: make(map[string]User)}
}

// Add registers tok for u.
func (t *Tokens) Add(tok string, u User) *Tokens {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[tok] = u
	return t
}

func (t *Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	t.mu.RLock()
	u, ok := t.tokens[tok]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	if u.Denied {
		return nil, fmt.Errorf("%w: token lacks required scope", auth.ErrInsufficientScope)
	}
	return userInfo{u}, nil
}

type userInfo struct{ User }

func (u userInfo) UserID() string { return u.ID }

func (u userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.User.Claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
