// Package journaltest is a conformance suite for eventlog.Journal
// implementations.
package journaltest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/eventlog"
	"github.com/ggoodman/httpl-go/internal/ids"
)

// JournalFactory creates a new Journal instance for testing.
type JournalFactory func(t *testing.T) eventlog.Journal

// RunJournalTests runs the complete Journal test suite against the provided factory.
func RunJournalTests(t *testing.T, factory JournalFactory) {
	t.Run("Append_AssignsIncreasingIDs", func(t *testing.T) { testIncreasingIDs(t, factory) })
	t.Run("Since_ReturnsOnlyNewer", func(t *testing.T) { testSince(t, factory) })
	t.Run("Since_UnknownChannelIsEmpty", func(t *testing.T) { testUnknownChannel(t, factory) })
	t.Run("Channels_AreIsolated", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Cleanup_DropsChannel", func(t *testing.T) { testCleanup(t, factory) })
	t.Run("EmptyChannel_Rejected", func(t *testing.T) { testEmptyChannel(t, factory) })
}

func channel(t *testing.T) string { return "journaltest:" + ids.New() }

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testIncreasingIDs(t *testing.T, factory JournalFactory) {
	j := factory(t)
	ctx := testCtx(t)
	ch := channel(t)

	var last int64
	for i := 0; i < 5; i++ {
		id, err := j.Append(ctx, ch, content.Event{Event: "tick", Data: "x"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d did not increase past %d", id, last)
		}
		last = id
	}
}

func testSince(t *testing.T, factory JournalFactory) {
	j := factory(t)
	ctx := testCtx(t)
	ch := channel(t)

	var idsSeen []int64
	for _, v := range []string{"a", "b", "c"} {
		id, err := j.Append(ctx, ch, content.Event{Event: "letter", Data: v})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		idsSeen = append(idsSeen, id)
	}

	evs, err := j.Since(ctx, ch, idsSeen[0])
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	for i, want := range []string{"b", "c"} {
		if evs[i].Data != want || evs[i].Name() != "letter" {
			t.Fatalf("event %d: got %v (%s)", i, evs[i].Data, evs[i].Name())
		}
		if id, ok := evs[i].NumericID(); !ok || id != idsSeen[i+1] {
			t.Fatalf("event %d: id %q, want %d", i, evs[i].ID, idsSeen[i+1])
		}
	}

	all, err := j.Since(ctx, ch, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected full replay, got %d %v", len(all), err)
	}
}

func testUnknownChannel(t *testing.T, factory JournalFactory) {
	j := factory(t)
	evs, err := j.Since(testCtx(t), channel(t), 0)
	if err != nil || len(evs) != 0 {
		t.Fatalf("expected nothing, got %v %v", evs, err)
	}
}

func testIsolation(t *testing.T, factory JournalFactory) {
	j := factory(t)
	ctx := testCtx(t)
	a, b := channel(t), channel(t)

	if _, err := j.Append(ctx, a, content.Event{Data: "only-a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	evs, err := j.Since(ctx, b, 0)
	if err != nil || len(evs) != 0 {
		t.Fatalf("channel b saw %v %v", evs, err)
	}
}

func testCleanup(t *testing.T, factory JournalFactory) {
	j := factory(t)
	ctx := testCtx(t)
	ch := channel(t)

	if _, err := j.Append(ctx, ch, content.Event{Data: "gone"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Cleanup(ctx, ch); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	evs, err := j.Since(ctx, ch, 0)
	if err != nil || len(evs) != 0 {
		t.Fatalf("expected empty channel, got %v %v", evs, err)
	}
}

func testEmptyChannel(t *testing.T, factory JournalFactory) {
	j := factory(t)
	if _, err := j.Append(testCtx(t), "", content.Event{}); !errors.Is(err, eventlog.ErrEmptyChannel) {
		t.Fatalf("expected ErrEmptyChannel, got %v", err)
	}
}
