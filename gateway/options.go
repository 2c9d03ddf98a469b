package gateway

import (
	"io"
	"log/slog"

	"github.com/ggoodman/httpl-go/auth"
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger  *slog.Logger
	auth    auth.Authenticator
	realm   string
	scope   string
	scheme  string
	maxBody int64

	resource    string
	authServers []string
	scopes      []string
}

func newOptions(opts []Option) newConfig {
	cfg := newConfig{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		scheme:  "httpl",
		maxBody: 10 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator requires a bearer token on every request except the
// schema document.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. The
// attribute is omitted when empty.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = realm }
}

// WithScope sets the scope hint sent with insufficient_scope challenges.
func WithScope(scope string) Option {
	return func(c *newConfig) { c.scope = scope }
}

// WithScheme sets the scheme of the protocol URLs built from HTTP
// requests. Defaults to httpl, the worker registry's scheme.
func WithScheme(scheme string) Option {
	return func(c *newConfig) { c.scheme = scheme }
}

// WithMaxBodyBytes caps request bodies. Defaults to 10 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBody = n }
}

// WithProtectedResource publishes RFC 9728 metadata for the gateway at
// resource, naming the authorization servers that issue its tokens. Bearer
// challenges then point clients at the document.
func WithProtectedResource(resource string, authServers []string, scopes []string) Option {
	return func(c *newConfig) {
		c.resource = resource
		c.authServers = authServers
		c.scopes = scopes
	}
}
