// Package eventlog persists emitted events per channel so that a
// subscriber reconnecting with a last event id can be caught up.
package eventlog

import (
	"context"
	"errors"

	"github.com/ggoodman/httpl-go/content"
)

// ErrEmptyChannel is returned when a journal call names no channel.
var ErrEmptyChannel = errors.New("eventlog: empty channel")

// Journal appends events under monotonically increasing ids and replays
// them by id. Ids are positive and unique per channel.
type Journal interface {
	// Append stores ev and returns the id assigned to it. The event's own ID
	// field is ignored.
	Append(ctx context.Context, channel string, ev content.Event) (int64, error)
	// Since returns the events with an id greater than afterID, oldest
	// first, with ID set.
	Since(ctx context.Context, channel string, afterID int64) ([]content.Event, error)
	// Cleanup drops everything stored for channel.
	Cleanup(ctx context.Context, channel string) error
}
