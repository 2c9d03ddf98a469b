package workers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/message"
	"github.com/ggoodman/httpl-go/unit"
	"github.com/ggoodman/httpl-go/wire"
)

func memLoader() Loader {
	return LoaderFunc(func(_ context.Context, id Identity) (Source, error) {
		if strings.Contains(id.Path, "missing") {
			return Source{}, ErrNotFound
		}
		return Source{URL: "mem://" + id.String()}, nil
	})
}

func newTestHost(t *testing.T, ps *PipeSpawner, opts ...Option) (*dispatch.Dispatcher, *Registry) {
	t.Helper()
	d := dispatch.New()
	reg := NewRegistry(d, append([]Option{WithLoader(memLoader()), WithSpawner(ps)}, opts...)...)
	d.SetWorkers(reg)
	t.Cleanup(reg.Close)
	return d, reg
}

func send(t *testing.T, d *dispatch.Dispatcher, rawURL string) (*message.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return d.Send(ctx, message.Options{Method: "GET", URL: rawURL}).Wait(ctx)
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var rerr *dispatch.ResponseError
	require.True(t, errors.As(err, &rerr), "expected a response error, got %v", err)
	return rerr.Status()
}

func TestParseIdentity(t *testing.T) {
	t.Parallel()

	base, _ := url.Parse("httpl://app.example.com/apps/main.js")
	cases := []struct {
		raw  string
		want Identity
	}{
		{"https://Cdn.Example.com/w/x.js", Identity{Authority: "cdn.example.com", Path: "/w/x.js"}},
		{"helper.js", Identity{Authority: "app.example.com", Path: "/apps/helper.js"}},
		{"./lib/../helper.js", Identity{Authority: "app.example.com", Path: "/apps/helper.js"}},
		{"/root.js", Identity{Authority: "app.example.com", Path: "/root.js"}},
		{"localhost/x.js", Identity{Authority: "app.example.com", Path: "/apps/localhost/x.js"}},
	}
	for _, tc := range cases {
		got, err := ParseIdentity(tc.raw, base)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	_, err := ParseIdentity("  ", base)
	assert.Error(t, err)
	assert.Equal(t, ".js", Identity{Path: "/a/b.js"}.Suffix())
}

func TestFileLoaderAndChain(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a.com"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.com", "w.js"), []byte("scoped"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "shared.js"), []byte("shared"), 0o644))

	fl := FileLoader{Root: root}
	src, err := fl.Load(context.Background(), Identity{Authority: "a.com", Path: "/w.js"})
	require.NoError(t, err)
	assert.Equal(t, "scoped", string(src.Code))
	assert.True(t, filepath.IsAbs(src.File))

	src, err = fl.Load(context.Background(), Identity{Authority: "b.com", Path: "/shared.js"})
	require.NoError(t, err)
	assert.Equal(t, "shared", string(src.Code))

	_, err = fl.Load(context.Background(), Identity{Path: "/../../etc/passwd"})
	assert.ErrorIs(t, err, ErrNotFound)

	chain := Loaders{FileLoader{Root: t.TempDir()}, fl}
	src, err = chain.Load(context.Background(), Identity{Path: "/shared.js"})
	require.NoError(t, err)
	assert.Equal(t, "shared", string(src.Code))

	boom := LoaderFunc(func(context.Context, Identity) (Source, error) { return Source{}, errors.New("boom") })
	_, err = Loaders{boom, fl}.Load(context.Background(), Identity{Path: "/shared.js"})
	assert.EqualError(t, err, "boom")
}

func TestHTTPLoaderFallsBackToHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/w.js" {
			_, _ = io.WriteString(w, "code")
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	l := NewHTTPLoader(srv.Client())
	src, err := l.Load(context.Background(), Identity{Authority: host, Path: "/w.js"})
	require.NoError(t, err)
	assert.Equal(t, "code", string(src.Code))
	assert.Equal(t, "http://"+host+"/w.js", src.URL)

	_, err = l.Load(context.Background(), Identity{Authority: host, Path: "/nope.js"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryServesWorkerRequests(t *testing.T) {
	t.Parallel()

	ps := NewPipeSpawner()
	ps.Register("example.com/svc.js", unit.Program(dispatch.HandlerFunc(func(req *message.Request, res *message.Response) {
		_ = res.End("hello from " + req.Path)
	})))
	d, reg := newTestHost(t, ps)

	res, err := send(t, d, "httpl://example.com/svc.js/greet")
	require.NoError(t, err)
	body, err := res.Body(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello from /greet", body)
	assert.Equal(t, []string{"example.com/svc.js"}, reg.Active())

	b, ok := reg.Lookup("httpl://example.com/svc.js")
	require.True(t, ok)
	assert.True(t, b.Temporary())
	require.Eventually(t, func() bool { return !b.InTransaction() }, time.Second, 5*time.Millisecond)

	// A second request reuses the live bridge.
	res, err = send(t, d, "httpl://example.com/svc.js")
	require.NoError(t, err)
	body, _ = res.Body(context.Background())
	assert.Equal(t, "hello from /", body)
	assert.Len(t, reg.Active(), 1)
}

func TestRegistryFailures(t *testing.T) {
	t.Parallel()

	ps := NewPipeSpawner()
	d, _ := newTestHost(t, ps)

	_, err := send(t, d, "httpl://example.com/missing.js")
	assert.Equal(t, StatusNotFound, statusOf(t, err))

	_, err = send(t, d, "httpl://example.com/unregistered.js")
	assert.Equal(t, StatusLoadFailed, statusOf(t, err))

	_, err = send(t, d, "httpl://example.com/not-a-worker")
	assert.Equal(t, 0, statusOf(t, err))
}

func TestReadyTimeout(t *testing.T) {
	t.Parallel()

	ps := NewPipeSpawner()
	ps.Register("example.com/slow.js", func(ctx context.Context, conn io.ReadWriteCloser) error {
		<-ctx.Done()
		return nil
	})
	d, _ := newTestHost(t, ps, WithReadyTimeout(50*time.Millisecond))

	res, err := send(t, d, "httpl://example.com/slow.js")
	assert.Equal(t, StatusReadyTimeout, statusOf(t, err))
	assert.Equal(t, "Worker Ready Timeout", res.Reason())
}

// rawProgram speaks frames directly so tests can misbehave on purpose.
func rawProgram(fn func(conn io.ReadWriteCloser) error) Program {
	return func(_ context.Context, conn io.ReadWriteCloser) error {
		if err := wire.WriteFrame(conn, &wire.Frame{Op: wire.OpReady}); err != nil {
			return err
		}
		return fn(conn)
	}
}

func TestUnitTerminateFailsPending(t *testing.T) {
	t.Parallel()

	ps := NewPipeSpawner()
	ps.Register("example.com/quit.js", rawProgram(func(conn io.ReadWriteCloser) error {
		if _, err := wire.ReadFrame(conn); err != nil {
			return err
		}
		if err := wire.WriteFrame(conn, &wire.Frame{Op: wire.OpTerminate, Status: 410, Reason: "gone"}); err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, conn)
		return nil
	}))
	d, reg := newTestHost(t, ps)

	res, err := send(t, d, "httpl://example.com/quit.js")
	assert.Equal(t, 410, statusOf(t, err))
	assert.Equal(t, "gone", res.Reason())
	require.Eventually(t, func() bool { return len(reg.Active()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestChannelLossIs502(t *testing.T) {
	t.Parallel()

	ps := NewPipeSpawner()
	ps.Register("example.com/crash.js", rawProgram(func(conn io.ReadWriteCloser) error {
		_, err := wire.ReadFrame(conn)
		return err
	}))
	d, _ := newTestHost(t, ps)

	_, err := send(t, d, "httpl://example.com/crash.js")
	assert.Equal(t, StatusConnectionLost, statusOf(t, err))
}

func TestUnitInitiatedRequest(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	ps := NewPipeSpawner()
	ps.Register("example.com/caller.js", rawProgram(func(conn io.ReadWriteCloser) error {
		err := wire.WriteFrame(conn, &wire.Frame{
			SID: "u1", Origin: wire.OriginUnit, Kind: wire.KindRequest,
			Method: "GET", URL: "local://svc.test/ping", Host: "svc.test", Path: "/ping",
		})
		if err != nil {
			return err
		}
		if err := wire.WriteFrame(conn, &wire.Frame{SID: "u1", Origin: wire.OriginUnit, Kind: wire.KindRequestEnd}); err != nil {
			return err
		}
		var body strings.Builder
		for {
			f, err := wire.ReadFrame(conn)
			if err != nil {
				return err
			}
			switch f.Kind {
			case wire.KindResponseData:
				body.WriteString(f.Data)
			case wire.KindResponseClose:
				got <- body.String()
				_, _ = io.Copy(io.Discard, conn)
				return nil
			}
		}
	}))
	d, reg := newTestHost(t, ps)
	d.HandleFunc("svc.test", func(req *message.Request, res *message.Response) {
		_ = res.End("pong " + req.Path)
	})

	_, err := reg.Spawn("httpl://example.com/caller.js")
	require.NoError(t, err)

	select {
	case body := <-got:
		assert.Equal(t, "pong /ping", body)
	case <-time.After(3 * time.Second):
		t.Fatal("unit never received a response")
	}
}

func TestEvictsLeastRecentlyUsedTemp(t *testing.T) {
	t.Parallel()

	ps := NewPipeSpawner()
	idle := func(ctx context.Context, conn io.ReadWriteCloser) error {
		if err := wire.WriteFrame(conn, &wire.Frame{Op: wire.OpReady}); err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, conn)
		return nil
	}
	for _, k := range []string{"example.com/keep.js", "example.com/a.js", "example.com/b.js"} {
		ps.Register(k, idle)
	}
	_, reg := newTestHost(t, ps, WithMaxActive(2))

	keep, err := reg.Spawn("httpl://example.com/keep.js")
	require.NoError(t, err)
	a, err := reg.SpawnTemp("httpl://example.com/a.js")
	require.NoError(t, err)
	_, err = reg.SpawnTemp("httpl://example.com/b.js")
	require.NoError(t, err)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("temporary bridge was not evicted")
	}
	status, reason := a.TerminationStatus()
	assert.Equal(t, StatusTerminated, status)
	assert.Equal(t, "Worker Evicted", reason)
	assert.ElementsMatch(t, []string{"example.com/b.js", "example.com/keep.js"}, reg.Active())

	select {
	case <-keep.Done():
		t.Fatal("persistent bridge was evicted")
	default:
	}
}

func TestWatchRespawnsOnSourceChange(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	file := filepath.Join(root, "example.com", "svc.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))

	ps := NewPipeSpawner()
	ps.Register("example.com/svc.js", unit.Program(dispatch.HandlerFunc(func(_ *message.Request, res *message.Response) {
		_ = res.End("ok")
	})))
	d := dispatch.New()
	reg := NewRegistry(d, WithLoader(FileLoader{Root: root}), WithSpawner(ps))
	t.Cleanup(reg.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = reg.Watch(ctx) }()
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.watcher != nil
	}, time.Second, 5*time.Millisecond)

	first, err := reg.Spawn("httpl://example.com/svc.js")
	require.NoError(t, err)
	require.Eventually(t, first.Active, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(file, []byte("v2"), 0o644))

	select {
	case <-first.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("bridge was not terminated on change")
	}
	_, reason := first.TerminationStatus()
	assert.Equal(t, "Worker Source Changed", reason)

	require.Eventually(t, func() bool {
		b, ok := reg.Lookup("httpl://example.com/svc.js")
		return ok && b != first && b.Active()
	}, 3*time.Second, 10*time.Millisecond)
}
