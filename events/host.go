package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/eventlog"
	"github.com/ggoodman/httpl-go/internal/telemetry"
	"github.com/ggoodman/httpl-go/message"
)

// Host tracks the responses streaming events to subscribers. Each stream
// gets an integer id that is never reused; streams leave the host when
// they close.
type Host struct {
	log     *slog.Logger
	metrics *telemetry.Metrics
	journal eventlog.Journal
	channel string

	mu      sync.Mutex
	next    int
	streams map[int]*message.Response
	ids     map[*message.Response]int
}

func NewHost(opts ...Option) *Host {
	cfg := newSettings(opts)
	return &Host{
		log:     cfg.log,
		metrics: cfg.metrics,
		journal: cfg.journal,
		channel: cfg.channel,
		streams: make(map[int]*message.Response),
		ids:     make(map[*message.Response]int),
	}
}

// AddStream registers res and returns its id. A response without a content
// type is marked as an event stream.
func (h *Host) AddStream(res *message.Response) int {
	if res.ContentType() == "" {
		res.SetHeader("content-type", content.TypeEventStream)
	}

	h.mu.Lock()
	if id, ok := h.ids[res]; ok {
		h.mu.Unlock()
		return id
	}
	id := h.next
	h.next++
	h.streams[id] = res
	h.ids[res] = id
	h.mu.Unlock()

	h.metrics.StreamAdded()
	h.log.Debug("sse.host.stream.add", slog.Int("stream", id))
	res.OnClose(func() { h.remove(id) })
	return id
}

func (h *Host) remove(id int) {
	h.mu.Lock()
	res, ok := h.streams[id]
	if ok {
		delete(h.streams, id)
		delete(h.ids, res)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.StreamRemoved()
		h.log.Debug("sse.host.stream.remove", slog.Int("stream", id))
	}
}

// lookup resolves a stream reference: an int id or a *message.Response.
func (h *Host) lookup(ref any) (int, *message.Response, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch r := ref.(type) {
	case int:
		res, ok := h.streams[r]
		return r, res, ok
	case *message.Response:
		id, ok := h.ids[r]
		return id, r, ok
	}
	return 0, nil, false
}

// Streams returns the ids of registered streams, sorted.
func (h *Host) Streams() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, 0, len(h.streams))
	for id := range h.streams {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// EmitOption configures one Emit call.
type EmitOption func(*emitConfig)

type emitConfig struct {
	exclude []any
}

// Exclude skips the given streams. Each ref is an int id or a
// *message.Response.
func Exclude(refs ...any) EmitOption {
	return func(c *emitConfig) { c.exclude = append(c.exclude, refs...) }
}

// Emit sends one event to every registered stream not excluded. With a
// journal the event is appended first and its journal id becomes the
// frame id.
func (h *Host) Emit(ctx context.Context, name string, data any, opts ...EmitOption) error {
	var cfg emitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ev := content.Event{Event: name, Data: data}
	if h.journal != nil {
		id, err := h.journal.Append(ctx, h.channel, ev)
		if err != nil {
			return fmt.Errorf("journal event: %w", err)
		}
		ev.ID = strconv.FormatInt(id, 10)
	}

	skip := make(map[int]bool, len(cfg.exclude))
	for _, ref := range cfg.exclude {
		if id, _, ok := h.lookup(ref); ok {
			skip[id] = true
		}
	}

	h.mu.Lock()
	targets := make([]int, 0, len(h.streams))
	for id := range h.streams {
		if !skip[id] {
			targets = append(targets, id)
		}
	}
	sort.Ints(targets)
	streams := make([]*message.Response, len(targets))
	for i, id := range targets {
		streams[i] = h.streams[id]
	}
	h.mu.Unlock()

	sent := 0
	for i, res := range streams {
		if err := h.write(res, ev); err != nil {
			h.log.DebugContext(ctx, "sse.host.emit.fail",
				slog.Int("stream", targets[i]),
				slog.String("err", err.Error()),
			)
			continue
		}
		sent++
	}
	h.metrics.EventEmitted(name, sent)
	return nil
}

// EmitTo writes one event to a single stream.
func (h *Host) EmitTo(res *message.Response, name string, data any) error {
	return h.write(res, content.Event{Event: name, Data: data})
}

func (h *Host) write(res *message.Response, ev content.Event) error {
	if err := res.Write(ev); err != nil {
		return err
	}
	res.ClearBody()
	return nil
}

// Resume replays journaled events newer than lastEventID to res and then
// registers it. Without a journal it only registers res.
func (h *Host) Resume(ctx context.Context, res *message.Response, lastEventID int64) (int, error) {
	if h.journal != nil && lastEventID >= 0 {
		evs, err := h.journal.Since(ctx, h.channel, lastEventID)
		if err != nil {
			return 0, fmt.Errorf("replay events: %w", err)
		}
		if res.ContentType() == "" {
			res.SetHeader("content-type", content.TypeEventStream)
		}
		for _, ev := range evs {
			if err := h.write(res, ev); err != nil {
				return 0, err
			}
		}
		h.log.DebugContext(ctx, "sse.host.resume",
			slog.Int64("last_event_id", lastEventID),
			slog.Int("replayed", len(evs)),
		)
	}
	return h.AddStream(res), nil
}

// EndStream ends and closes one stream. ref is an int id or a
// *message.Response. It reports whether the stream was registered.
func (h *Host) EndStream(ref any) bool {
	_, res, ok := h.lookup(ref)
	if !ok {
		return false
	}
	_ = res.End()
	res.Close()
	return true
}

// EndAllStreams ends and closes every stream.
func (h *Host) EndAllStreams() {
	h.mu.Lock()
	streams := make([]*message.Response, 0, len(h.streams))
	for _, res := range h.streams {
		streams = append(streams, res)
	}
	h.mu.Unlock()

	for _, res := range streams {
		_ = res.End()
		res.Close()
	}
}
