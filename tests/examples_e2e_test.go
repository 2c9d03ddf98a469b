package tests

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/httpl-go/auth/authtest"
	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/eventlog/memory"
	"github.com/ggoodman/httpl-go/events"
	"github.com/ggoodman/httpl-go/examples/echo"
	"github.com/ggoodman/httpl-go/gateway"
	"github.com/ggoodman/httpl-go/unit"
	"github.com/ggoodman/httpl-go/workers"
)

const testToken = "test-token"

// authRT injects an Authorization header for test requests.
type authRT struct{ base http.RoundTripper }

func (t authRT) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+testToken)
	return t.base.RoundTrip(r)
}

// newStack assembles a gateway over a dispatcher with the echo worker
// registered at httpl://apps.test/echo.js and an event host at
// httpl://events.
func newStack(t *testing.T) (*httptest.Server, *http.Client) {
	t.Helper()

	d := dispatch.New()
	ps := workers.NewPipeSpawner()
	ps.Register("apps.test/echo.js", unit.Program(echo.New()))
	loader := workers.LoaderFunc(func(_ context.Context, id workers.Identity) (workers.Source, error) {
		return workers.Source{URL: "mem://" + id.String()}, nil
	})
	reg := workers.NewRegistry(d, workers.WithLoader(loader), workers.WithSpawner(ps))
	d.SetWorkers(reg)

	host := events.NewHost(events.WithJournal(memory.New(0), "e2e"))
	d.Handle("events", events.Service(host, nil, ""))

	tokens := authtest.NewTokens().Add(testToken, authtest.User{ID: "user-1"})
	h, err := gateway.New(d, gateway.WithAuthenticator(tokens), gateway.WithRealm("httpl"))
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		host.EndAllStreams()
		srv.Close()
		reg.Close()
	})
	return srv, &http.Client{Transport: authRT{base: http.DefaultTransport}}
}

// TestExamples_Echo_E2E sends a request through the gateway to the echo
// worker running behind a pipe and checks the worker saw it whole.
func TestExamples_Echo_E2E(t *testing.T) {
	t.Parallel()

	srv, client := newStack(t)
	resp, err := client.Post(srv.URL+"/apps.test/echo.js/items?x=1", "application/json", strings.NewReader(`{"n":2}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("want 200, got %d: %s", resp.StatusCode, b)
	}

	var out struct {
		Method string            `json:"method"`
		Path   string            `json:"path"`
		Query  map[string]string `json:"query"`
		Body   map[string]any    `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Method != "POST" || out.Path != "/items" || out.Query["x"] != "1" || out.Body["n"] != float64(2) {
		t.Fatalf("unexpected echo: %+v", out)
	}
}

func TestExamples_Unauthenticated(t *testing.T) {
	t.Parallel()

	srv, _ := newStack(t)
	resp, err := http.Get(srv.URL + "/apps.test/echo.js")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}
}

// TestExamples_EventsResume emits through the envelope endpoint while one
// subscriber listens, then checks a late subscriber replays from its
// last event id.
func TestExamples_EventsResume(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv, client := newStack(t)

	subscribe := func(lastID string) io.ReadCloser {
		t.Helper()
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/", nil)
		req.Header.Set("Accept", "text/event-stream")
		if lastID != "" {
			req.Header.Set("Last-Event-ID", lastID)
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("subscribe: want 200, got %d", resp.StatusCode)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp.Body
	}
	emit := func(name string, body string) {
		t.Helper()
		env := `{"method":"POST","url":"httpl://events/` + name + `","body":` + body + `}`
		resp, err := client.Post(srv.URL+gateway.DispatchPath, "application/json", strings.NewReader(env))
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
		defer resp.Body.Close()
		var out gateway.ResponseEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Status != 202 {
			t.Fatalf("emit: want 202, got %+v", out)
		}
	}

	live := subscribe("")
	// The subscription is registered once the head has been flushed.
	emit("deploy", `{"v":1}`)
	ev, err := waitForEvent(ctx, live, "deploy", 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != "1" {
		t.Fatalf("first event id = %q", ev.ID)
	}
	emit("deploy", `{"v":2}`)
	if _, err := waitForEvent(ctx, live, "deploy", 2*time.Second); err != nil {
		t.Fatal(err)
	}

	late := subscribe("1")
	ev, err = waitForEvent(ctx, late, "deploy", 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := ev.Data.(map[string]any)
	if ev.ID != "2" || data["v"] != float64(2) {
		t.Fatalf("replayed event = %+v", ev)
	}
}
