// Package jwtauth validates RFC 9068 JWT access tokens against an issuer's
// JWKS, found either through OpenID Connect discovery or configured
// directly.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/httpl-go/internal/jsoncodec"
)

// ErrUnauthorized indicates that the access token failed validation
// (signature, issuer, audience, exp/nbf, typ).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates a valid token that does not satisfy the
// required scopes.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation.
type Config struct {
	Issuer string
	// ExpectedAudiences lists accepted audiences; a token must carry at
	// least one of them.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient
	AllowedAlgs       []string
	Leeway            time.Duration
	// RequireTyp enforces the at+jwt header of RFC 9068.
	RequireTyp bool
}

// DefaultConfig returns a Config with RS256 only and a minute of leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
		RequireTyp:  true,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	for _, a := range c.ExpectedAudiences {
		if a == "" {
			return errors.New("empty audience entry")
		}
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	return nil
}

// UserInfo is the validated principal.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := jsoncodec.Marshal(u.claims)
	if err != nil {
		return err
	}
	return jsoncodec.Unmarshal(b, ref)
}

// Authenticator validates access tokens.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Validator is the Authenticator returned by NewFromDiscovery and
// NewStatic.
type Validator struct {
	cfg     Config
	issuer  string
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*Validator)(nil)

// NewFromDiscovery performs OIDC discovery on cfg.Issuer to find the JWKS.
// Keys are refreshed in the background until ctx is done.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Validator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	issuer := meta.Issuer
	if issuer == "" {
		issuer = cfg.Issuer
	}
	return newValidator(ctx, *cfg, issuer, meta.JwksURI)
}

// NewStatic validates against a configured JWKS URI without discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Validator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newValidator(ctx, *cfg, cfg.Issuer, jwksURI)
}

func newValidator(ctx context.Context, cfg Config, issuer, jwksURI string) (*Validator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	algs := append([]string(nil), cfg.AllowedAlgs...)
	return &Validator{
		cfg:    cfg,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(algs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

func (v *Validator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.cfg.RequireTyp {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(v.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}
	if !v.scopesSatisfied(claims) {
		return nil, ErrInsufficientScope
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (v *Validator) scopesSatisfied(claims jwt.MapClaims) bool {
	if len(v.cfg.RequiredScopes) == 0 {
		return true
	}
	scope, _ := claims["scope"].(string)
	have := strings.Fields(scope)
	if v.cfg.ScopeModeAny {
		for _, want := range v.cfg.RequiredScopes {
			if slices.Contains(have, want) {
				return true
			}
		}
		return false
	}
	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
