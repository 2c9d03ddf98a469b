package memory

import (
	"context"
	"testing"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/eventlog"
	"github.com/ggoodman/httpl-go/eventlog/journaltest"
)

func TestMemoryJournal(t *testing.T) {
	journaltest.RunJournalTests(t, func(t *testing.T) eventlog.Journal {
		return New(0)
	})
}

func TestLimitDropsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := New(2)
	for i := 0; i < 3; i++ {
		if _, err := j.Append(ctx, "c", content.Event{Data: i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	evs, err := j.Since(ctx, "c", 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(evs) != 2 || evs[0].ID != "2" || evs[1].ID != "3" {
		t.Fatalf("unexpected retained events %+v", evs)
	}
}
