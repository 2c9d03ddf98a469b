package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ggoodman/httpl-go/internal/jwtauth"
)

// SecurityConfig describes how bearer tokens are validated.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"]
	JWKSURL     string   // skips discovery when set

	RequiredScopes []string
	AnyScope       bool // any of RequiredScopes suffices

	Leeway time.Duration // clock skew tolerance (default 60s)
}

// Normalize fills defaults.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// Validate returns an error if required fields are missing.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	dup.RequiredScopes = append([]string(nil), c.RequiredScopes...)
	return dup
}

// Scope returns the required scopes as a space-delimited string, for use
// in insufficient_scope challenges.
func (c SecurityConfig) Scope() string {
	return strings.Join(c.RequiredScopes, " ")
}

// SecurityProvider is an Authenticator that also describes its
// configuration.
type SecurityProvider interface {
	Authenticator
	SecurityConfig() SecurityConfig
}

// NewAuthenticator builds a JWT access token authenticator from c. JWKS
// keys are refreshed in the background until ctx is done.
func NewAuthenticator(ctx context.Context, c SecurityConfig) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = cc.Issuer
	cfg.ExpectedAudiences = append([]string(nil), cc.Audiences...)
	cfg.AllowedAlgs = append([]string(nil), cc.AllowedAlgs...)
	cfg.RequiredScopes = append([]string(nil), cc.RequiredScopes...)
	cfg.ScopeModeAny = cc.AnyScope
	cfg.Leeway = cc.Leeway

	var (
		v   *jwtauth.Validator
		err error
	)
	if cc.JWKSURL != "" {
		v, err = jwtauth.NewStatic(ctx, cfg, cc.JWKSURL)
	} else {
		v, err = jwtauth.NewFromDiscovery(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	return &adapter{a: v, sec: cc}, nil
}

// adapter maps the internal validator errors onto the public sentinels.
type adapter struct {
	a   jwtauth.Authenticator
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }
