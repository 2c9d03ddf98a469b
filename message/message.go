// Package message implements the Request and Response values exchanged by
// the runtime.
//
// Both kinds share the same stream model: a message carries headers, is
// written in increments, ends at most once and closes at most once. Every
// message buffers its increments into a body that is materialized and
// deserialized on end. Listeners are delivered serially, in emission order,
// per message. A listener attached late is not starved: increments emitted
// before any data listener exists are held and replayed to the first one,
// and end or close listeners attached after the fact run immediately.
package message

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/httpl-go/content"
)

var (
	// ErrClosed is returned by writes to a closed message and by Body when
	// the message closed before it ended.
	ErrClosed = errors.New("message closed")
	// ErrEnded is returned by writes after End.
	ErrEnded = errors.New("message ended")
)

// Option configures the codec registries of a message.
type Option func(*codecs)

type codecs struct {
	types   *content.Registry
	headers *content.HeaderRegistry
}

// WithRegistry selects the media type registry used for bodies.
func WithRegistry(r *content.Registry) Option {
	return func(c *codecs) { c.types = r }
}

// WithHeaderRegistry selects the registry used for structured headers.
func WithHeaderRegistry(r *content.HeaderRegistry) Option {
	return func(c *codecs) { c.headers = r }
}

func newCodecs(opts []Option) codecs {
	c := codecs{types: content.Default(), headers: content.DefaultHeaders()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

type stream struct {
	codecs codecs
	q      serialQueue

	mu      sync.Mutex
	header  Header
	parsed  map[string]any
	binary  bool
	ended   bool
	closed  bool
	buf     []byte
	body    any
	bodyErr error
	done    chan struct{}
	closeCh chan struct{}
	timer   *time.Timer

	// beforeWrite runs (without mu held) ahead of every increment and
	// beforeClose ahead of Close; Response uses them to settle its head.
	beforeWrite func()
	beforeClose func()

	onData     []func([]byte)
	onEnd      []func()
	onClose    []func()
	backlog    [][]byte
	endFired   bool
	closeFired bool
}

func (s *stream) init(h Header, binary bool, opts []Option) {
	s.codecs = newCodecs(opts)
	if h == nil {
		h = Header{}
	}
	s.header = h
	s.binary = binary
	s.done = make(chan struct{})
	s.closeCh = make(chan struct{})
}

// Header returns the live header map. Mutate it only before the message is
// handed to another goroutine.
func (s *stream) Header() Header { return s.header }

func (s *stream) GetHeader(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.Get(name)
}

func (s *stream) SetHeader(name string, v any) {
	s.mu.Lock()
	s.header.Set(name, v)
	s.mu.Unlock()
}

func (s *stream) RemoveHeader(name string) {
	s.mu.Lock()
	s.header.Del(name)
	s.mu.Unlock()
}

// ContentType returns the content-type header as text.
func (s *stream) ContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.String("content-type")
}

// Binary reports whether increments replace rather than extend the body.
func (s *stream) Binary() bool { return s.binary }

// SerializeHeaders renders every structured header value to text through
// the header registry.
func (s *stream) SerializeHeaders() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.header {
		if _, ok := v.(string); ok {
			continue
		}
		str, err := s.codecs.headers.Serialize(k, v)
		if err != nil {
			return err
		}
		s.header[k] = str
	}
	return nil
}

// DeserializeHeaders parses every header that has a registered codec and
// stores the result for ParsedHeader. Headers without a codec are left as
// they are.
func (s *stream) DeserializeHeaders() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parsed == nil {
		s.parsed = make(map[string]any)
	}
	for k, v := range s.header {
		str, ok := v.(string)
		if !ok {
			s.parsed[k] = v
			continue
		}
		pv, found, err := s.codecs.headers.Deserialize(k, str)
		if err != nil {
			return err
		}
		if found {
			s.parsed[k] = pv
		}
	}
	return nil
}

// ParsedHeader returns the structured form of a header produced by
// DeserializeHeaders, if any.
func (s *stream) ParsedHeader(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.parsed[strings.ToLower(name)]
	return v, ok
}

// Write emits one increment. Strings and byte slices are raw; any other
// value is serialized with the message's content type (application/json is
// assumed, and recorded, when none is set).
func (s *stream) Write(v any) error {
	if v == nil {
		return nil
	}
	if s.beforeWrite != nil {
		s.beforeWrite()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.ended {
		s.mu.Unlock()
		return ErrEnded
	}

	ct := s.header.String("content-type")
	switch v.(type) {
	case string, []byte:
	default:
		if ct == "" {
			ct = content.TypeJSON
			s.header.Set("content-type", ct)
		}
	}
	b, err := s.codecs.types.Serialize(ct, v)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if len(b) == 0 {
		s.mu.Unlock()
		return nil
	}

	chunk := append([]byte(nil), b...)
	if s.binary {
		s.buf = chunk
	} else {
		s.buf = append(s.buf, chunk...)
	}
	s.q.push(func() { s.deliverData(chunk) })
	s.mu.Unlock()
	s.q.drain()
	return nil
}

// End optionally writes a final increment and then signals end. The
// message stays open until Close.
func (s *stream) End(v ...any) error {
	if len(v) > 0 && v[0] != nil {
		if err := s.Write(v[0]); err != nil {
			return err
		}
	} else if s.beforeWrite != nil {
		s.beforeWrite()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.materialize()
	close(s.done)
	s.q.push(s.deliverEnd)
	s.mu.Unlock()
	s.q.drain()
	return nil
}

func (s *stream) materialize() {
	raw := append([]byte(nil), s.buf...)
	ct := s.header.String("content-type")
	switch {
	case s.binary:
		s.body = raw
	case ct != "":
		s.body, s.bodyErr = s.codecs.types.Deserialize(ct, raw)
	default:
		s.body = string(raw)
	}
}

// Close shuts the message. It is idempotent; the first call cancels any
// pending timeout, emits close and then releases every listener.
func (s *stream) Close() {
	if s.beforeClose != nil {
		s.beforeClose()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.ended {
		s.bodyErr = ErrClosed
		close(s.done)
	}
	close(s.closeCh)
	s.q.push(s.deliverClose)
	s.mu.Unlock()
	s.q.drain()
}

// SetTimeout closes the message after d unless it is closed first. Only one
// timeout can be pending; later calls are ignored while it is.
func (s *stream) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.Close()
	})
}

// IsOpen reports whether Close has not been called.
func (s *stream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Ended reports whether End has been called.
func (s *stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Done is closed once the body resolves: on End, or on Close before End.
func (s *stream) Done() <-chan struct{} { return s.done }

// Closed is closed by Close.
func (s *stream) Closed() <-chan struct{} { return s.closeCh }

// Body waits for the message to end and returns the deserialized body.
func (s *stream) Body(ctx context.Context) (any, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body, s.bodyErr
}

// BodyBytes returns a copy of the increments buffered so far.
func (s *stream) BodyBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

// ClearBody drops the buffered increments. Long-lived streams call it after
// consuming each increment.
func (s *stream) ClearBody() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

// OnData registers fn for each increment.
func (s *stream) OnData(fn func(chunk []byte)) {
	s.q.run(func() {
		s.mu.Lock()
		backlog := s.backlog
		s.backlog = nil
		if !s.closeFired {
			s.onData = append(s.onData, fn)
		}
		s.mu.Unlock()
		for _, chunk := range backlog {
			fn(chunk)
		}
	})
}

// OnEnd registers fn for end.
func (s *stream) OnEnd(fn func()) {
	s.q.run(func() {
		s.mu.Lock()
		fired := s.endFired
		if !fired && !s.closeFired {
			s.onEnd = append(s.onEnd, fn)
		}
		s.mu.Unlock()
		if fired {
			fn()
		}
	})
}

// OnClose registers fn for close.
func (s *stream) OnClose(fn func()) {
	s.q.run(func() {
		s.mu.Lock()
		fired := s.closeFired
		if !fired {
			s.onClose = append(s.onClose, fn)
		}
		s.mu.Unlock()
		if fired {
			fn()
		}
	})
}

func (s *stream) deliverData(chunk []byte) {
	s.mu.Lock()
	if len(s.onData) == 0 {
		if !s.closeFired {
			s.backlog = append(s.backlog, chunk)
		}
		s.mu.Unlock()
		return
	}
	fns := append(([]func([]byte))(nil), s.onData...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(chunk)
	}
}

func (s *stream) deliverEnd() {
	s.mu.Lock()
	s.endFired = true
	fns := s.onEnd
	s.onEnd = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *stream) deliverClose() {
	s.mu.Lock()
	s.closeFired = true
	fns := s.onClose
	s.onData, s.onEnd, s.onClose = nil, nil, nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
