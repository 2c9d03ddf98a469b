// Package events implements event-stream subscriptions over dispatched
// requests and the server-side host that fans events out to subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/internal/logctx"
	"github.com/ggoodman/httpl-go/message"
)

// MethodSubscribe is the method given to subscription requests that set
// none.
const MethodSubscribe = "SUBSCRIBE"

// ErrReconnectExhausted is reported when reconnection gives up.
var ErrReconnectExhausted = errors.New("events: reconnect attempts exhausted")

// Dispatcher is the part of dispatch.Dispatcher a stream needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *message.Request) *dispatch.Future
}

// State is the connection state of an EventStream.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// EventStream is a client subscription to an event-stream response. A
// response that closes without ending is a fault and triggers a reconnect
// carrying the last seen event id; an ended response or an explicit Close
// closes the stream for good.
type EventStream struct {
	d    Dispatcher
	base message.Options
	cfg  settings
	log  *slog.Logger
	bo   *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       State
	gen         int
	attempts    int
	lastEventID int64
	req         *message.Request
	res         *message.Response
	closed      bool
	handlers    map[string][]func(content.Event)
	onError     []func(error)
	onClose     []func()
}

// Subscribe opens an event stream for the request described by o. The
// request always streams; its method defaults to SUBSCRIBE and its accept
// header to text/event-stream. Cancelling ctx closes the stream without
// reconnecting.
func Subscribe(ctx context.Context, d Dispatcher, o message.Options, opts ...Option) *EventStream {
	cfg := newSettings(opts)

	o.Stream = true
	if o.Method == "" {
		o.Method = MethodSubscribe
	}
	headers := make(map[string]any, len(o.Headers)+1)
	for k, v := range o.Headers {
		headers[k] = v
	}
	hasAccept := false
	for k := range headers {
		if strings.EqualFold(k, "accept") {
			hasAccept = true
		}
	}
	if !hasAccept {
		headers["accept"] = content.TypeEventStream
	}
	o.Headers = headers

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.initialBackoff
	bo.MaxInterval = cfg.maxBackoff

	s := &EventStream{
		d:           d,
		base:        o,
		cfg:         cfg,
		bo:          bo,
		done:        make(chan struct{}),
		lastEventID: cfg.lastEventID,
		handlers:    cfg.handlers,
		onError:     cfg.onError,
		onClose:     cfg.onClose,
	}
	s.ctx, s.cancel = context.WithCancel(logctx.WithStreamData(ctx, &logctx.StreamData{
		URL:         o.URL + o.Path,
		LastEventID: cfg.lastEventID,
	}))
	s.log = cfg.log
	s.connect()
	return s
}

// On registers fn for events named name. "message" receives every event.
func (s *EventStream) On(name string, fn func(content.Event)) {
	s.mu.Lock()
	s.handlers[name] = append(s.handlers[name], fn)
	s.mu.Unlock()
}

// OnError registers fn for failures: a rejected initial connection, or
// reconnection giving up. A rejected connection is also delivered to
// "message" and "error" event handlers.
func (s *EventStream) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
}

// OnClose registers fn for the terminal close. It runs immediately if the
// stream is already closed.
func (s *EventStream) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *EventStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastEventID returns the highest numeric event id seen, or -1.
func (s *EventStream) LastEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Request returns the request of the current connection attempt.
func (s *EventStream) Request() *message.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

// Done is closed once the stream is closed.
func (s *EventStream) Done() <-chan struct{} { return s.done }

func (s *EventStream) connect() {
	o := s.base
	headers := make(map[string]any, len(o.Headers)+1)
	for k, v := range o.Headers {
		headers[k] = v
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.lastEventID != -1 {
		headers["last-event-id"] = strconv.FormatInt(s.lastEventID, 10)
	}
	o.Headers = headers
	req := message.NewRequest(o, s.cfg.msgOpts...)
	s.gen++
	gen := s.gen
	s.req = req
	s.res = nil
	attempt := s.attempts
	if attempt == 0 {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	s.log.DebugContext(s.ctx, "sse.stream.connect", slog.Int("attempt", attempt))
	fut := s.d.Dispatch(s.ctx, req)
	if err := req.End(o.Body); err != nil {
		s.log.WarnContext(s.ctx, "sse.stream.request.fail", slog.String("err", err.Error()))
	}
	go s.await(fut, gen)
}

func (s *EventStream) await(fut *dispatch.Future, gen int) {
	select {
	case <-fut.Done():
	case <-s.ctx.Done():
		s.Close()
		return
	}
	res := fut.Response()

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		res.Close()
		return
	}
	reconnecting := s.attempts > 0
	if st := res.Status(); st == 0 || st >= 400 {
		s.mu.Unlock()
		rerr := &dispatch.ResponseError{Response: res}
		if reconnecting {
			s.log.WarnContext(s.ctx, "sse.stream.reconnect.rejected", slog.Int("status", st))
			s.fault(gen)
			return
		}
		s.log.WarnContext(s.ctx, "sse.stream.rejected", slog.Int("status", st), slog.String("reason", res.Reason()))
		s.emitRejected(rerr)
		s.Close()
		return
	}
	s.state = StateOpen
	s.res = res
	s.attempts = 0
	s.bo.Reset()
	s.mu.Unlock()

	if reconnecting {
		s.cfg.metrics.Reconnect("success")
	}
	s.log.InfoContext(s.ctx, "sse.stream.open", slog.Int("status", res.Status()))

	// The frame buffer belongs to this connection; only lastEventID carries
	// across reconnects.
	var buf string
	ended := false
	res.OnData(func(chunk []byte) {
		buf += string(chunk)
		for {
			frame, rest, ok := content.NextFrame(buf)
			if !ok {
				break
			}
			buf = rest
			s.deliver(gen, frame)
		}
	})
	res.OnEnd(func() { ended = true })
	res.OnClose(func() {
		if ended {
			s.log.DebugContext(s.ctx, "sse.stream.end")
			s.Close()
			return
		}
		s.fault(gen)
	})
}

func (s *EventStream) deliver(gen int, frame string) {
	ev := content.ParseEvent(frame)

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if id, ok := ev.NumericID(); ok && id > s.lastEventID {
		s.lastEventID = id
	}
	all := append(([]func(content.Event))(nil), s.handlers["message"]...)
	var named []func(content.Event)
	if name := ev.Name(); name != "message" {
		named = append(named, s.handlers[name]...)
	}
	s.mu.Unlock()

	for _, fn := range all {
		fn(ev)
	}
	for _, fn := range named {
		fn(ev)
	}
}

// fault handles a connection that closed without ending: the stream waits
// out the backoff and reconnects, unless it was closed, its context is
// done, or the attempts are used up.
func (s *EventStream) fault(gen int) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		s.Close()
		return
	}
	s.attempts++
	attempt := s.attempts
	wait := s.bo.NextBackOff()
	if (s.cfg.maxAttempts > 0 && attempt > s.cfg.maxAttempts) || wait == backoff.Stop {
		s.mu.Unlock()
		s.cfg.metrics.Reconnect("exhausted")
		s.log.ErrorContext(s.ctx, "sse.stream.reconnect.exhausted", slog.Int("attempts", attempt-1))
		s.emitError(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempt-1))
		s.Close()
		return
	}
	s.state = StateReconnecting
	s.res = nil
	last := s.lastEventID
	s.mu.Unlock()

	s.cfg.metrics.Reconnect("attempt")
	s.log.InfoContext(s.ctx, "sse.stream.reconnect",
		slog.Int("attempt", attempt),
		slog.Int64("last_event_id", last),
		slog.Duration("wait", wait),
	)
	go func() {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
			s.connect()
		case <-s.ctx.Done():
			s.Close()
		}
	}()
}

// emitRejected reports a rejected connection to error listeners and, as an
// event named "error" carrying the *dispatch.ResponseError, to "message"
// and "error" event handlers.
func (s *EventStream) emitRejected(rerr *dispatch.ResponseError) {
	ev := content.Event{Event: "error", Data: rerr}
	s.mu.Lock()
	fns := append(([]func(content.Event))(nil), s.handlers["message"]...)
	fns = append(fns, s.handlers["error"]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	s.emitError(rerr)
}

func (s *EventStream) emitError(err error) {
	s.mu.Lock()
	fns := append(([]func(error))(nil), s.onError...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Close ends the subscription. It is idempotent, closes the current
// request and response, and emits close exactly once. No reconnect follows.
func (s *EventStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	req, res := s.req, s.res
	fns := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	s.cancel()
	if req != nil {
		req.Close()
	}
	if res != nil {
		res.Close()
	}
	close(s.done)
	s.log.DebugContext(s.ctx, "sse.stream.close")
	for _, fn := range fns {
		fn()
	}
}
