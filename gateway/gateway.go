// Package gateway mounts a dispatcher on net/http. A request for
// /{authority}/{path} becomes a protocol request to that authority, and its
// response is streamed back, flushing each increment of an event stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/httpl-go/auth"
	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/internal/jsoncodec"
	"github.com/ggoodman/httpl-go/internal/logctx"
	"github.com/ggoodman/httpl-go/internal/wellknown"
	"github.com/ggoodman/httpl-go/message"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	negotiable           = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	// SchemaPath serves the JSON Schemas of the wire envelopes.
	SchemaPath = "/.well-known/httpl/schema"
	// DispatchPath accepts a request envelope and answers with a response
	// envelope.
	DispatchPath = "/.well-known/httpl/dispatch"

	lastEventIDHeader     = "Last-Event-ID"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	reasonHeader          = "Httpl-Reason"

	// UserHeader carries the authenticated subject on protocol requests.
	UserHeader = "httpl-user"
)

// Headers that describe the HTTP connection rather than the message.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"content-length":      true,
	"authorization":       true,
}

// Dispatcher is the part of dispatch.Dispatcher the gateway needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *message.Request) *dispatch.Future
}

// Handler is the HTTP face of a dispatcher.
type Handler struct {
	d       Dispatcher
	log     *slog.Logger
	auth    auth.Authenticator
	realm   string
	scope   string
	scheme  string
	maxBody int64
	schema  []byte
	mux     *http.ServeMux

	prm    []byte
	prmURL string
}

// New builds a Handler serving requests through d.
func New(d Dispatcher, opts ...Option) (*Handler, error) {
	if d == nil {
		return nil, errors.New("gateway: dispatcher is required")
	}
	cfg := newOptions(opts)
	schema, err := buildSchema()
	if err != nil {
		return nil, fmt.Errorf("gateway: reflect schema: %w", err)
	}

	h := &Handler{
		d:       d,
		log:     cfg.logger,
		auth:    cfg.auth,
		realm:   cfg.realm,
		scope:   cfg.scope,
		scheme:  cfg.scheme,
		maxBody: cfg.maxBody,
		schema:  schema,
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("GET "+SchemaPath, h.handleSchema)
	if cfg.resource != "" {
		u, err := url.Parse(cfg.resource)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("gateway: protected resource must be an absolute url: %q", cfg.resource)
		}
		prmURL := wellknown.MetadataURL(u)
		h.prm, err = jsoncodec.Marshal(wellknown.ProtectedResourceMetadata{
			Resource:               cfg.resource,
			AuthorizationServers:   cfg.authServers,
			ScopesSupported:        cfg.scopes,
			BearerMethodsSupported: []string{"header"},
		})
		if err != nil {
			return nil, fmt.Errorf("gateway: encode resource metadata: %w", err)
		}
		h.prmURL = prmURL.String()
		h.mux.HandleFunc("GET "+prmURL.Path, h.handleResourceMetadata)
		h.mux.HandleFunc("OPTIONS "+prmURL.Path, h.handleResourceMetadataOptions)
	}
	h.mux.HandleFunc("POST "+DispatchPath, h.authenticated(h.handleEnvelope))
	h.mux.HandleFunc("/", h.authenticated(h.handleProxy))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// writeJSONError emits {"error":{"code":<status>,"message":"<reason>"}} for
// rejections made by the gateway itself.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = jsoncodec.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// lockedWriteFlusher serializes writes coming from response listeners and
// refuses them once the HTTP handler has returned.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu   sync.Mutex
	ctx  context.Context
	done bool
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return 0, io.ErrClosedPipe
	}
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done || l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func (l *lockedWriteFlusher) close() {
	l.mu.Lock()
	l.done = true
	l.mu.Unlock()
}

// target splits /{authority}/{path} .
func target(p string) (authority, path string, ok bool) {
	authority, rest, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	if authority == "" {
		return "", "", false
	}
	return authority, "/" + rest, true
}

// wantsStream reports whether the client prefers an event stream over JSON.
func wantsStream(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	mt, _, err := contenttype.GetAcceptableMediaType(r, negotiable)
	return err == nil && mt.Matches(eventStreamMediaType)
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	authority, path, ok := target(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "request path must name an authority")
		return
	}
	if r.Header.Get("Content-Type") != "" {
		if _, err := contenttype.GetMediaType(r); err != nil {
			writeJSONError(w, http.StatusUnsupportedMediaType, "invalid content-type")
			h.log.WarnContext(ctx, "content_type.unsupported", slog.String("err", err.Error()))
			return
		}
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	headers := make(map[string]any, len(r.Header))
	for k, vs := range r.Header {
		lk := strings.ToLower(k)
		if hopByHop[lk] {
			continue
		}
		headers[lk] = strings.Join(vs, ", ")
	}
	if id := r.Header.Get(lastEventIDHeader); id != "" {
		headers["last-event-id"] = id
	}
	if ui, ok := auth.UserInfoFrom(ctx); ok {
		headers[UserHeader] = ui.UserID()
	}

	u := url.URL{Scheme: h.scheme, Host: authority, Path: path, RawQuery: r.URL.RawQuery}
	req := message.NewRequest(message.Options{
		Method:  r.Method,
		URL:     u.String(),
		Headers: headers,
		Stream:  wantsStream(r),
	})

	fut := h.d.Dispatch(ctx, req)
	go h.pumpBody(ctx, r, req)

	res := fut.Response()
	select {
	case <-res.Head():
	case <-ctx.Done():
		res.Close()
		h.log.InfoContext(ctx, "http.proxy.cancel", slog.Duration("duration", time.Since(start)))
		return
	}

	status := res.Status()
	if status == 0 {
		writeJSONError(w, http.StatusBadGateway, res.Reason())
		res.Close()
		h.log.WarnContext(ctx, "http.proxy.unreachable",
			slog.String("authority", authority),
			slog.String("reason", res.Reason()),
		)
		return
	}

	if err := res.SerializeHeaders(); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		res.Close()
		return
	}
	for _, k := range res.Header().Keys() {
		w.Header().Set(k, res.Header().String(k))
	}
	if reason := res.Reason(); reason != "" {
		w.Header().Set(reasonHeader, reason)
	}
	streaming := res.IsStream()
	if streaming {
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(status)
	f.Flush()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	finished := make(chan struct{})
	res.OnData(func(chunk []byte) {
		if _, err := wf.Write(chunk); err != nil {
			return
		}
		if streaming {
			wf.Flush()
		}
	})
	res.OnClose(func() { close(finished) })

	select {
	case <-finished:
	case <-ctx.Done():
		res.Close()
		<-finished
	}
	wf.close()

	h.log.InfoContext(ctx, "http.proxy.done",
		slog.String("authority", authority),
		slog.Int("status", status),
		slog.Bool("stream", streaming),
		slog.Duration("duration", time.Since(start)),
	)
}

// pumpBody copies the HTTP body into req increment by increment and ends
// it. A read failure closes the request.
func (h *Handler) pumpBody(ctx context.Context, r *http.Request, req *message.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		_ = req.End()
		return
	}
	// The response writer belongs to the handler goroutine.
	body := http.MaxBytesReader(nil, r.Body, h.maxBody)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := req.Write(append([]byte(nil), buf[:n]...)); werr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			_ = req.End()
			return
		}
		if err != nil {
			h.log.InfoContext(ctx, "http.body.fail", slog.String("err", err.Error()))
			req.Close()
			return
		}
	}
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(h.schema)
}

func (h *Handler) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", jsonMediaType.String())
	_, _ = w.Write(h.prm)
}

func (h *Handler) handleResourceMetadataOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			next(w, r)
			return
		}
		ui := h.checkAuthentication(r.Context(), r, w)
		if ui == nil {
			return
		}
		next(w, r.WithContext(auth.WithUserInfo(r.Context(), ui)))
	}
}

// buildBearerChallenge renders an RFC 6750 WWW-Authenticate value. The
// resource_metadata attribute (RFC 9728) is omitted when empty.
func buildBearerChallenge(realm, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok && v != "" {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request carries no credentials.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, nil))
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || strings.TrimSpace(authHeader[len(bearerPrefix):]) == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return userInfo
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.scope", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, map[string]string{"error": "insufficient_scope", "error_description": "insufficient scope", "scope": h.scope}))
		writeJSONError(w, http.StatusForbidden, "insufficient scope")
		return nil
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, map[string]string{"error": "invalid_token", "error_description": "the access token is invalid"}))
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return nil
	default:
		h.log.ErrorContext(ctx, "auth.check.error", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
		return nil
	}
}
