package events

import (
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/eventlog"
	"github.com/ggoodman/httpl-go/internal/telemetry"
	"github.com/ggoodman/httpl-go/message"
)

// Option configures an EventStream or a Host. Options that only apply to
// one of them are ignored by the other.
type Option func(*settings)

type settings struct {
	log     *slog.Logger
	metrics *telemetry.Metrics

	// streams
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	lastEventID    int64
	msgOpts        []message.Option
	handlers       map[string][]func(content.Event)
	onError        []func(error)
	onClose        []func()

	// host
	journal eventlog.Journal
	channel string
}

func newSettings(opts []Option) settings {
	s := settings{
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxAttempts:    5,
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     10 * time.Second,
		lastEventID:    -1,
		handlers:       make(map[string][]func(content.Event)),
		channel:        "default",
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithMaxReconnectAttempts bounds consecutive failed reconnects before the
// stream gives up. Zero retries forever.
func WithMaxReconnectAttempts(n int) Option {
	return func(s *settings) { s.maxAttempts = n }
}

// WithBackoff sets the exponential backoff bounds between reconnects.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *settings) {
		s.initialBackoff = initial
		s.maxBackoff = max
	}
}

// WithLastEventID starts a stream as if id had already been seen.
func WithLastEventID(id int64) Option {
	return func(s *settings) { s.lastEventID = id }
}

// WithMessageOptions sets the codecs for requests the stream builds.
func WithMessageOptions(opts ...message.Option) Option {
	return func(s *settings) { s.msgOpts = opts }
}

// OnEvent registers fn for events named name before the stream connects.
// "message" receives every event.
func OnEvent(name string, fn func(content.Event)) Option {
	return func(s *settings) { s.handlers[name] = append(s.handlers[name], fn) }
}

// OnError registers fn for stream errors before the stream connects.
func OnError(fn func(error)) Option {
	return func(s *settings) { s.onError = append(s.onError, fn) }
}

// OnClose registers fn for the terminal close before the stream connects.
func OnClose(fn func()) Option {
	return func(s *settings) { s.onClose = append(s.onClose, fn) }
}

// WithJournal makes a Host journal every emitted event under channel and
// number frames with the journal's ids.
func WithJournal(j eventlog.Journal, channel string) Option {
	return func(s *settings) {
		s.journal = j
		if channel != "" {
			s.channel = channel
		}
	}
}
