package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/message"
)

const streamURL = "local://sse.test/events"

type collector struct {
	mu     sync.Mutex
	events []content.Event
}

func (c *collector) add(ev content.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []content.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]content.Event(nil), c.events...)
}

func newStreamDispatcher(t *testing.T, fn func(n int, req *message.Request, res *message.Response)) (*dispatch.Dispatcher, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	d := dispatch.New()
	d.HandleFunc("sse.test", func(req *message.Request, res *message.Response) {
		n := int(conns.Add(1))
		fn(n, req, res)
	})
	return d, &conns
}

func openSSE(res *message.Response) {
	res.WriteHead(200, "ok", map[string]any{"content-type": content.TypeEventStream})
}

func waitDone(t *testing.T, s *EventStream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestSubscribeDefaults(t *testing.T) {
	t.Parallel()

	seen := make(chan *message.Request, 1)
	d, _ := newStreamDispatcher(t, func(_ int, req *message.Request, res *message.Response) {
		seen <- req
		openSSE(res)
		_ = res.End()
	})
	s := Subscribe(context.Background(), d, message.Options{URL: streamURL})
	req := <-seen
	assert.Equal(t, MethodSubscribe, req.Method)
	assert.Equal(t, content.TypeEventStream, req.GetHeader("accept"))
	assert.True(t, req.Stream)
	assert.Nil(t, req.GetHeader("last-event-id"))
	waitDone(t, s)
	assert.Equal(t, StateClosed, s.State())
}

func TestSplitFramesAreReassembled(t *testing.T) {
	t.Parallel()

	run := func(chunks ...string) []content.Event {
		d, _ := newStreamDispatcher(t, func(_ int, _ *message.Request, res *message.Response) {
			openSSE(res)
			for _, c := range chunks {
				_ = res.Write(c)
			}
			_ = res.End()
		})
		var got collector
		s := Subscribe(context.Background(), d, message.Options{URL: streamURL}, OnEvent("message", got.add))
		waitDone(t, s)
		return got.snapshot()
	}

	split := run(`data: {"c"`, ":1}\r\n\r\n")
	whole := run("data: {\"c\":1}\r\n\r\n")
	require.Len(t, split, 1)
	assert.Equal(t, whole, split)
	assert.Equal(t, map[string]any{"c": float64(1)}, split[0].Data)

	many := run("data: a\r\n\r\ndata: b\r", "\n\r\ndata: c\r\n", "\r\n")
	require.Len(t, many, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, many[i].Data)
	}
}

func TestNamedEventsAndLastEventID(t *testing.T) {
	t.Parallel()

	d, _ := newStreamDispatcher(t, func(_ int, _ *message.Request, res *message.Response) {
		openSSE(res)
		_ = res.Write("id: 5\r\nevent: ping\r\ndata: 1\r\n\r\n")
		_ = res.Write("id: 3\r\ndata: stale\r\n\r\n")
		_ = res.Write("id: abc\r\ndata: odd\r\n\r\n")
		_ = res.End()
	})
	var all, pings collector
	s := Subscribe(context.Background(), d, message.Options{URL: streamURL},
		OnEvent("message", all.add),
		OnEvent("ping", pings.add),
	)
	waitDone(t, s)

	assert.Len(t, all.snapshot(), 3)
	require.Len(t, pings.snapshot(), 1)
	assert.Equal(t, float64(1), pings.snapshot()[0].Data)
	assert.Equal(t, int64(5), s.LastEventID())
}

func TestFaultReconnectsWithLastEventID(t *testing.T) {
	t.Parallel()

	resumed := make(chan any, 1)
	d, conns := newStreamDispatcher(t, func(n int, req *message.Request, res *message.Response) {
		openSSE(res)
		if n == 1 {
			_ = res.Write("id: 1\r\ndata: a\r\n\r\n")
			_ = res.Write("id: 2\r\ndata: b\r\n\r\n")
			res.Close()
			return
		}
		resumed <- req.GetHeader("last-event-id")
		_ = res.Write("id: 3\r\ndata: c\r\n\r\n")
		_ = res.End()
	})

	var got collector
	closes := atomic.Int32{}
	s := Subscribe(context.Background(), d, message.Options{URL: streamURL},
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		OnEvent("message", got.add),
		OnClose(func() { closes.Add(1) }),
	)

	select {
	case h := <-resumed:
		assert.Equal(t, "2", h)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not reconnect")
	}
	waitDone(t, s)

	assert.Equal(t, int32(2), conns.Load())
	assert.Equal(t, int32(1), closes.Load())
	assert.Len(t, got.snapshot(), 3)
	assert.Equal(t, int64(3), s.LastEventID())
}

func TestExplicitCloseNeverReconnects(t *testing.T) {
	t.Parallel()

	opened := make(chan struct{})
	d, conns := newStreamDispatcher(t, func(_ int, req *message.Request, res *message.Response) {
		openSSE(res)
		_ = res.Write("data: hello\r\n\r\n")
		close(opened)
		<-req.Closed()
	})

	closes := atomic.Int32{}
	s := Subscribe(context.Background(), d, message.Options{URL: streamURL},
		WithBackoff(time.Millisecond, time.Millisecond),
		OnClose(func() { closes.Add(1) }),
	)
	<-opened
	require.Eventually(t, func() bool { return s.State() == StateOpen }, time.Second, time.Millisecond)

	s.Close()
	s.Close()
	waitDone(t, s)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), conns.Load())
	assert.Equal(t, int32(1), closes.Load())
	assert.False(t, s.Request().IsOpen())
}

func TestRejectedConnectEmitsErrorAndCloses(t *testing.T) {
	t.Parallel()

	d, conns := newStreamDispatcher(t, func(_ int, _ *message.Request, res *message.Response) {
		res.Fail(403, "nope")
	})

	errs := make(chan error, 1)
	var all, named collector
	s := Subscribe(context.Background(), d, message.Options{URL: streamURL},
		WithBackoff(time.Millisecond, time.Millisecond),
		OnError(func(err error) { errs <- err }),
		OnEvent("message", all.add),
		OnEvent("error", named.add),
	)
	waitDone(t, s)

	err := <-errs
	var rerr *dispatch.ResponseError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, 403, rerr.Status())

	require.Len(t, all.snapshot(), 1)
	require.Len(t, named.snapshot(), 1)
	ev := all.snapshot()[0]
	assert.Equal(t, "error", ev.Name())
	evErr, ok := ev.Data.(*dispatch.ResponseError)
	require.True(t, ok)
	assert.Equal(t, 403, evErr.Status())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), conns.Load())
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	d, conns := newStreamDispatcher(t, func(n int, _ *message.Request, res *message.Response) {
		if n == 1 {
			openSSE(res)
			res.Close()
			return
		}
		res.Fail(503, "down")
	})

	errs := make(chan error, 1)
	s := Subscribe(context.Background(), d, message.Options{URL: streamURL},
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxReconnectAttempts(2),
		OnError(func(err error) { errs <- err }),
	)
	waitDone(t, s)

	assert.ErrorIs(t, <-errs, ErrReconnectExhausted)
	assert.Equal(t, int32(3), conns.Load())
}

func TestContextCancelSuppressesReconnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	d, conns := newStreamDispatcher(t, func(_ int, req *message.Request, res *message.Response) {
		openSSE(res)
		<-req.Closed()
	})
	s := Subscribe(ctx, d, message.Options{URL: streamURL}, WithBackoff(time.Millisecond, time.Millisecond))
	require.Eventually(t, func() bool { return s.State() == StateOpen }, time.Second, time.Millisecond)

	cancel()
	waitDone(t, s)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), conns.Load())
}

func TestResumeFromConfiguredLastEventID(t *testing.T) {
	t.Parallel()

	seen := make(chan any, 1)
	d, _ := newStreamDispatcher(t, func(_ int, req *message.Request, res *message.Response) {
		seen <- req.GetHeader("last-event-id")
		openSSE(res)
		_ = res.End()
	})
	s := Subscribe(context.Background(), d, message.Options{URL: streamURL}, WithLastEventID(0))
	assert.Equal(t, "0", <-seen)
	waitDone(t, s)
}
