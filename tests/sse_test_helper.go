package tests

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ggoodman/httpl-go/content"
)

// waitForEvent scans an event stream until it sees an event named target
// and returns it. It enforces a bounded timeout independent of the stream's
// lifetime.
func waitForEvent(parent context.Context, r io.Reader, target string, timeout time.Duration) (content.Event, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		ev  content.Event
		err error
	}
	found := make(chan result, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var frame strings.Builder
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if line != "" {
				frame.WriteString(line)
				frame.WriteString("\n")
				continue
			}
			ev := content.ParseEvent(frame.String())
			frame.Reset()
			if ev.Name() == target {
				found <- result{ev: ev}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			found <- result{err: fmt.Errorf("scan error before seeing %s: %w", target, err)}
			return
		}
		found <- result{err: fmt.Errorf("stream closed before seeing %s", target)}
	}()

	select {
	case res := <-found:
		return res.ev, res.err
	case <-ctx.Done():
		return content.Event{}, contextError(ctx, target)
	}
}

func contextError(ctx context.Context, target string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timeout waiting for %s", target)
	}
	return fmt.Errorf("context canceled waiting for %s: %v", target, ctx.Err())
}
