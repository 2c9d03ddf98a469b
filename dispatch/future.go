package dispatch

import (
	"context"
	"fmt"

	"github.com/ggoodman/httpl-go/message"
)

// ResponseError is returned by Future.Wait for responses with status 0 or
// at least 400. A response closed before it ended makes Wait return an
// error wrapping message.ErrClosed instead.
type ResponseError struct {
	Response *message.Response
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("dispatch: %d %s", e.Response.Status(), e.Response.Reason())
}

// Status returns the failed response's status.
func (e *ResponseError) Status() int { return e.Response.Status() }

// Future resolves exactly once with the response to a dispatched request:
// when the head is written for streaming requests, and when the response
// ends (or closes) otherwise.
type Future struct {
	req  *message.Request
	res  *message.Response
	done chan struct{}
}

func newFuture(req *message.Request, res *message.Response) *Future {
	f := &Future{req: req, res: res, done: make(chan struct{})}
	go func() {
		if req.Stream {
			<-res.Head()
		} else {
			<-res.Done()
		}
		close(f.done)
	}()
	return f
}

// Request returns the request this future answers.
func (f *Future) Request() *message.Request { return f.req }

// Response returns the response immediately, before it resolves. Use it to
// attach listeners ahead of resolution.
func (f *Future) Response() *message.Response { return f.res }

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s := f.res.Status(); s == 0 || s >= 400 {
		return f.res, &ResponseError{Response: f.res}
	}
	if !f.req.Stream && !f.res.Ended() {
		return f.res, fmt.Errorf("dispatch: %d %s: %w", f.res.Status(), f.res.Reason(), message.ErrClosed)
	}
	return f.res, nil
}

// All waits for every future and returns their responses in order. The
// first failure is returned alongside the responses gathered so far.
func All(ctx context.Context, fs ...*Future) ([]*message.Response, error) {
	out := make([]*message.Response, len(fs))
	for i, f := range fs {
		res, err := f.Wait(ctx)
		out[i] = res
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
