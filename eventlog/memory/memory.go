// Package memory is an in-process eventlog.Journal.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/eventlog"
)

type entry struct {
	id int64
	ev content.Event
}

// Journal keeps every event in memory. A positive limit bounds how many
// events are retained per channel; the oldest are dropped first.
type Journal struct {
	limit int

	mu       sync.Mutex
	channels map[string][]entry
	next     map[string]int64
}

var _ eventlog.Journal = (*Journal)(nil)

func New(limit int) *Journal {
	return &Journal{
		limit:    limit,
		channels: make(map[string][]entry),
		next:     make(map[string]int64),
	}
}

func (j *Journal) Append(_ context.Context, channel string, ev content.Event) (int64, error) {
	if channel == "" {
		return 0, eventlog.ErrEmptyChannel
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.next[channel]++
	id := j.next[channel]
	ev.ID = strconv.FormatInt(id, 10)
	entries := append(j.channels[channel], entry{id: id, ev: ev})
	if j.limit > 0 && len(entries) > j.limit {
		entries = append([]entry(nil), entries[len(entries)-j.limit:]...)
	}
	j.channels[channel] = entries
	return id, nil
}

func (j *Journal) Since(_ context.Context, channel string, afterID int64) ([]content.Event, error) {
	if channel == "" {
		return nil, eventlog.ErrEmptyChannel
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []content.Event
	for _, e := range j.channels[channel] {
		if e.id > afterID {
			out = append(out, e.ev)
		}
	}
	return out, nil
}

func (j *Journal) Cleanup(_ context.Context, channel string) error {
	j.mu.Lock()
	delete(j.channels, channel)
	j.mu.Unlock()
	return nil
}
