package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/eventlog/memory"
	"github.com/ggoodman/httpl-go/message"
)

// sink records the frames written to a response.
type sink struct {
	mu  sync.Mutex
	buf string
	evs []content.Event
}

func attach(res *message.Response) *sink {
	s := &sink{}
	res.OnData(func(chunk []byte) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.buf += string(chunk)
		for {
			frame, rest, ok := content.NextFrame(s.buf)
			if !ok {
				return
			}
			s.buf = rest
			s.evs = append(s.evs, content.ParseEvent(frame))
		}
	})
	return s
}

func (s *sink) events() []content.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]content.Event(nil), s.evs...)
}

func TestHostEmitFansOutWithExclusions(t *testing.T) {
	t.Parallel()

	h := NewHost()
	a, b, c := message.NewResponse(), message.NewResponse(), message.NewResponse()
	ida, idb, idc := h.AddStream(a), h.AddStream(b), h.AddStream(c)
	assert.Equal(t, []int{0, 1, 2}, []int{ida, idb, idc})
	assert.Equal(t, ida, h.AddStream(a))
	assert.True(t, a.IsStream())

	sa, sb, sc := attach(a), attach(b), attach(c)
	require.NoError(t, h.Emit(context.Background(), "update", map[string]any{"n": 1}, Exclude(idb, c)))

	require.Len(t, sa.events(), 1)
	assert.Equal(t, "update", sa.events()[0].Event)
	assert.Equal(t, map[string]any{"n": float64(1)}, sa.events()[0].Data)
	assert.Empty(t, sb.events())
	assert.Empty(t, sc.events())
}

func TestHostStreamsLeaveOnClose(t *testing.T) {
	t.Parallel()

	h := NewHost()
	a, b := message.NewResponse(), message.NewResponse()
	h.AddStream(a)
	idb := h.AddStream(b)

	a.Close()
	assert.Equal(t, []int{idb}, h.Streams())

	// Ids are never reused.
	assert.Equal(t, 2, h.AddStream(message.NewResponse()))

	assert.True(t, h.EndStream(idb))
	assert.False(t, h.EndStream(idb))
	assert.False(t, b.IsOpen())
	assert.True(t, b.Ended())

	h.EndAllStreams()
	assert.Empty(t, h.Streams())
}

func TestEmitToClearsBody(t *testing.T) {
	t.Parallel()

	h := NewHost()
	res := message.NewResponse()
	h.AddStream(res)
	s := attach(res)

	require.NoError(t, h.EmitTo(res, "hello", "world"))
	require.NoError(t, h.EmitTo(res, "hello", "again"))
	assert.Empty(t, res.BodyBytes())
	require.Len(t, s.events(), 2)
	assert.Equal(t, "again", s.events()[1].Data)

	res.Close()
	assert.Error(t, h.EmitTo(res, "hello", "late"))
}

func TestJournalNumbersFramesAndResumes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := NewHost(WithJournal(memory.New(0), "room"))

	live := message.NewResponse()
	h.AddStream(live)
	sl := attach(live)
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, h.Emit(ctx, "msg", v))
	}
	evs := sl.events()
	require.Len(t, evs, 3)
	assert.Equal(t, "3", evs[2].ID)

	late := message.NewResponse()
	s := attach(late)
	id, err := h.Resume(ctx, late, 1)
	require.NoError(t, err)
	assert.Contains(t, h.Streams(), id)

	replayed := s.events()
	require.Len(t, replayed, 2)
	assert.Equal(t, "b", replayed[0].Data)
	assert.Equal(t, "3", replayed[1].ID)
}

func TestFeedEmitsPublishedMessages(t *testing.T) {
	t.Parallel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	h := NewHost()
	res := message.NewResponse()
	h.AddStream(res)
	s := attach(res)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = Feed(ctx, h, pubSub, "updates") }()

	named := wmessage.NewMessage(watermill.NewUUID(), []byte(`{"ok":true}`))
	named.Metadata.Set(MetadataEvent, "status")
	plain := wmessage.NewMessage(watermill.NewUUID(), []byte("just text"))
	require.NoError(t, pubSub.Publish("updates", named, plain))

	require.Eventually(t, func() bool { return len(s.events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	evs := s.events()
	assert.Equal(t, "status", evs[0].Event)
	assert.Equal(t, map[string]any{"ok": true}, evs[0].Data)
	assert.Equal(t, "message", evs[1].Name())
	assert.Equal(t, "just text", evs[1].Data)
}
