// Package auth provides the bearer token authentication used by the HTTP
// gateway. An Authenticator validates a token string and returns a
// UserInfo or an error; the gateway extracts the token from the request
// and maps the sentinel errors to RFC 6750 challenges.
//
// NewAuthenticator builds an RFC 9068 JWT access token validator from a
// SecurityConfig. With a JWKSURL it validates against those keys directly;
// otherwise it performs OpenID Connect discovery on the issuer.
//
//	authn, err := auth.NewAuthenticator(ctx, auth.SecurityConfig{
//	    Issuer:    "https://issuer.example",
//	    Audiences: []string{"https://httpl.example"},
//	})
//	ui, err := authn.CheckAuthentication(ctx, bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 invalid_token */ }
//	if errors.Is(err, auth.ErrInsufficientScope) { /* 403 insufficient_scope */ }
package auth
