package gateway

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/httpl-go/auth/authtest"
	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/message"
)

func newServer(t *testing.T, d *dispatch.Dispatcher, opts ...Option) *httptest.Server {
	t.Helper()
	h, err := New(d, opts...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func echoDispatcher() *dispatch.Dispatcher {
	d := dispatch.New()
	d.HandleFunc("echo.test", func(req *message.Request, res *message.Response) {
		body, err := req.Body(req.Context())
		if err != nil {
			res.Fail(400, err.Error())
			return
		}
		res.WriteHead(201, "created", map[string]any{
			"content-type": content.TypeJSON,
			"x-trace":      "abc",
		})
		_ = res.End(map[string]any{
			"method": req.Method,
			"scheme": req.Scheme,
			"path":   req.Path,
			"q":      req.Query.Get("x"),
			"body":   body,
			"user":   req.Header().String(UserHeader),
		})
	})
	d.HandleFunc("missing.test", func(req *message.Request, res *message.Response) {
		res.Fail(404, "no such item")
	})
	return d
}

func decodeJSON(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestProxyRoundTrip(t *testing.T) {
	t.Parallel()

	srv := newServer(t, echoDispatcher())
	resp, err := http.Post(srv.URL+"/echo.test/items/7?x=1", "application/json", strings.NewReader(`{"name":"widget"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Trace"); got != "abc" {
		t.Fatalf("x-trace header = %q", got)
	}
	if got := resp.Header.Get(reasonHeader); got != "created" {
		t.Fatalf("reason header = %q", got)
	}
	out := decodeJSON(t, resp.Body)
	if out["method"] != "POST" || out["path"] != "/items/7" || out["q"] != "1" || out["scheme"] != "httpl" {
		t.Fatalf("unexpected echo: %v", out)
	}
	body, _ := out["body"].(map[string]any)
	if body["name"] != "widget" {
		t.Fatalf("body not forwarded: %v", out["body"])
	}
}

func TestProxyFailures(t *testing.T) {
	t.Parallel()

	srv := newServer(t, echoDispatcher())
	tests := []struct {
		name   string
		path   string
		ctype  string
		status int
	}{
		{name: "no authority", path: "/", status: http.StatusNotFound},
		{name: "handler 404", path: "/missing.test/x", status: http.StatusNotFound},
		{name: "unreachable", path: "/nowhere.test/x", status: http.StatusBadGateway},
		{name: "bad content type", path: "/echo.test/x", ctype: "/;;", status: http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, srv.URL+tt.path, strings.NewReader("x"))
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("want %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestProxyFlushesEventStream(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	lastID := make(chan string, 1)
	streamed := make(chan bool, 1)
	d := dispatch.New()
	d.HandleFunc("feed.test", func(req *message.Request, res *message.Response) {
		lastID <- req.Header().String("last-event-id")
		streamed <- req.Stream
		res.WriteHead(200, "ok", map[string]any{"content-type": content.TypeEventStream})
		_ = res.Write("id: 4\r\ndata: one\r\n\r\n")
		select {
		case <-release:
		case <-req.Context().Done():
			return
		}
		_ = res.End("id: 5\r\ndata: two\r\n\r\n")
	})
	srv := newServer(t, d)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/feed.test/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", "3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if got := <-lastID; got != "3" {
		t.Fatalf("last-event-id = %q", got)
	}
	if !<-streamed {
		t.Fatal("request not marked as streaming")
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	readUntil := func(want string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream ended before %q", want)
				}
				if strings.TrimRight(l, "\r") == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	// The first frame arrives while the handler is still blocked.
	readUntil("data: one")
	close(release)
	readUntil("data: two")
}

func TestEnvelopeDispatch(t *testing.T) {
	t.Parallel()

	srv := newServer(t, echoDispatcher())
	post := func(body string) *http.Response {
		t.Helper()
		resp, err := http.Post(srv.URL+DispatchPath, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"method":"put","url":"httpl://echo.test/items","query":{"x":"9"},"body":{"n":1}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	var env ResponseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Status != 201 || env.Reason != "created" || env.Headers["x-trace"] != "abc" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	body, _ := env.Body.(map[string]any)
	if body["method"] != "PUT" || body["q"] != "9" {
		t.Fatalf("unexpected body: %v", env.Body)
	}

	resp = post(`{"url":"httpl://missing.test/"}`)
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Status != 404 || env.Reason != "no such item" {
		t.Fatalf("unexpected failure envelope: %+v", env)
	}

	if resp := post(`{"url":"https://example.com/"}`); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("remote target: want 403, got %d", resp.StatusCode)
	}
	if resp := post(`{"url":"not a url"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad url: want 400, got %d", resp.StatusCode)
	}

	plain, err := http.Post(srv.URL+DispatchPath, "text/plain", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	plain.Body.Close()
	if plain.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text body: want 415, got %d", plain.StatusCode)
	}
}

func TestSchemaDocument(t *testing.T) {
	t.Parallel()

	srv := newServer(t, echoDispatcher(), WithAuthenticator(authtest.NewTokens()))
	resp, err := http.Get(srv.URL + SchemaPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("schema is public: want 200, got %d", resp.StatusCode)
	}
	doc := decodeJSON(t, resp.Body)
	for _, name := range []string{"request", "response", "frame"} {
		s, ok := doc[name].(map[string]any)
		if !ok {
			t.Fatalf("missing %s schema", name)
		}
		if _, ok := s["properties"].(map[string]any); !ok {
			t.Fatalf("%s schema has no properties", name)
		}
	}
	props := doc["frame"].(map[string]any)["properties"].(map[string]any)
	if _, ok := props["sid"]; !ok {
		t.Fatalf("frame schema lacks sid: %v", props)
	}
}

func TestBearerAuthentication(t *testing.T) {
	t.Parallel()

	tokens := authtest.NewTokens().
		Add("good", authtest.User{ID: "user-1"}).
		Add("limited", authtest.User{ID: "user-2", Denied: true})
	srv := newServer(t, echoDispatcher(),
		WithAuthenticator(tokens),
		WithRealm("httpl"),
		WithScope("workers:write"),
	)

	tests := []struct {
		name      string
		header    string
		status    int
		challenge string
	}{
		{name: "missing", status: http.StatusUnauthorized, challenge: `Bearer realm="httpl"`},
		{name: "malformed", header: "Basic abc", status: http.StatusBadRequest, challenge: `error="invalid_request"`},
		{name: "empty token", header: "Bearer  ", status: http.StatusBadRequest, challenge: `error="invalid_request"`},
		{name: "unknown token", header: "Bearer nope", status: http.StatusUnauthorized, challenge: `error="invalid_token"`},
		{name: "insufficient scope", header: "Bearer limited", status: http.StatusForbidden, challenge: `scope="workers:write"`},
		{name: "valid", header: "Bearer good", status: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/echo.test/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("want %d, got %d", tt.status, resp.StatusCode)
			}
			got := resp.Header.Get("WWW-Authenticate")
			if tt.challenge == "" {
				if got != "" {
					t.Fatalf("unexpected challenge %q", got)
				}
				out := decodeJSON(t, resp.Body)
				if out["user"] != "user-1" {
					t.Fatalf("subject not forwarded: %v", out)
				}
				return
			}
			if !strings.Contains(got, tt.challenge) {
				t.Fatalf("challenge %q lacks %q", got, tt.challenge)
			}
		})
	}
}

func TestBuildBearerChallenge(t *testing.T) {
	t.Parallel()

	if got := buildBearerChallenge("", "", nil); got != "Bearer" {
		t.Fatalf("bare challenge = %q", got)
	}
	got := buildBearerChallenge(`a"b`, "https://gw.test/.well-known/oauth-protected-resource", map[string]string{"error": "invalid_token", "error_description": "bad"})
	want := `Bearer realm="a\"b", resource_metadata="https://gw.test/.well-known/oauth-protected-resource", error="invalid_token", error_description="bad"`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	t.Parallel()

	srv := newServer(t, echoDispatcher(),
		WithAuthenticator(authtest.NewTokens()),
		WithRealm("httpl"),
		WithProtectedResource("https://gw.test/", []string{"https://issuer.test"}, []string{"workers:write"}),
	)

	resp, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata is public: want 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors header = %q", got)
	}
	doc := decodeJSON(t, resp.Body)
	if doc["resource"] != "https://gw.test/" {
		t.Fatalf("resource = %v", doc["resource"])
	}
	servers, _ := doc["authorization_servers"].([]any)
	if len(servers) != 1 || servers[0] != "https://issuer.test" {
		t.Fatalf("authorization_servers = %v", doc["authorization_servers"])
	}

	unauth, err := http.Get(srv.URL + "/echo.test/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	unauth.Body.Close()
	want := `resource_metadata="https://gw.test/.well-known/oauth-protected-resource"`
	if got := unauth.Header.Get("WWW-Authenticate"); !strings.Contains(got, want) {
		t.Fatalf("challenge %q lacks %q", got, want)
	}

	if _, err := New(dispatch.New(), WithProtectedResource("relative/path", nil, nil)); err == nil {
		t.Fatal("expected error for relative resource")
	}
}

func TestNewRequiresDispatcher(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); err == nil {
		t.Fatal("expected error")
	}
}
