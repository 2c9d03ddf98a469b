package message

import (
	"strings"
	"sync"
)

// Response answers exactly one Request.
type Response struct {
	stream

	headOnce sync.Once
	headMu   sync.Mutex
	status   int
	reason   string
	head     chan struct{}
}

func NewResponse(opts ...Option) *Response {
	r := &Response{head: make(chan struct{})}
	r.stream.init(Header{}, false, opts)
	r.beforeWrite = func() { r.WriteHead(200, "ok", nil) }
	r.beforeClose = func() { r.WriteHead(0, "connection closed", nil) }
	return r
}

// WriteHead fixes status, reason and headers. Only the first call has any
// effect; it reports whether this call wrote the head.
func (r *Response) WriteHead(status int, reason string, headers map[string]any) bool {
	wrote := false
	r.headOnce.Do(func() {
		wrote = true
		r.headMu.Lock()
		r.status = status
		r.reason = reason
		r.headMu.Unlock()
		r.mu.Lock()
		for k, v := range headers {
			r.header.Set(k, v)
		}
		r.mu.Unlock()
		close(r.head)
	})
	return wrote
}

// Head is closed once the head is written, either explicitly or by the
// first increment, End or Close. A response closed before its head was
// written reports status 0.
func (r *Response) Head() <-chan struct{} { return r.head }

func (r *Response) Status() int {
	r.headMu.Lock()
	defer r.headMu.Unlock()
	return r.status
}

func (r *Response) Reason() string {
	r.headMu.Lock()
	defer r.headMu.Unlock()
	return r.reason
}

// IsOK reports a 2xx status.
func (r *Response) IsOK() bool {
	s := r.Status()
	return s >= 200 && s < 300
}

// IsStream reports whether the response is an event stream.
func (r *Response) IsStream() bool {
	return strings.HasPrefix(strings.ToLower(r.ContentType()), "text/event-stream")
}

// Fail writes a head and ends and closes the response in one step. It is
// how synthetic failures (not found, unreachable) are produced.
func (r *Response) Fail(status int, reason string) {
	r.WriteHead(status, reason, nil)
	r.End()
	r.Close()
}

// Abort fails the response like Fail while its head is still unwritten.
// Once the head is out it only closes the response, so readers see a
// close without end.
func (r *Response) Abort(status int, reason string) {
	if r.WriteHead(status, reason, nil) {
		_ = r.End()
	}
	r.Close()
}
