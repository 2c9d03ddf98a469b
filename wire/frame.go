// Package wire is the envelope spoken between the host and a worker unit.
//
// Each frame is a JSON object preceded by its length as a 4-byte big-endian
// integer. Frames with an Op are control messages (ready, log, terminate);
// all others belong to a transaction identified by SID and opened by the
// side named in Origin.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ggoodman/httpl-go/internal/jsoncodec"
	"github.com/ggoodman/httpl-go/message"
)

// MaxFrameSize bounds a single frame.
const MaxFrameSize = 10 * 1024 * 1024

// Control ops.
const (
	OpReady     = "ready"
	OpLog       = "log"
	OpTerminate = "terminate"
)

// Transaction frame kinds. Request kinds travel from the origin to the
// other side; response kinds travel back.
const (
	KindRequest       = "request"
	KindRequestData   = "request.data"
	KindRequestEnd    = "request.end"
	KindRequestClose  = "request.close"
	KindResponse      = "response"
	KindResponseData  = "response.data"
	KindResponseEnd   = "response.end"
	KindResponseClose = "response.close"
)

// Origins.
const (
	OriginHost = "host"
	OriginUnit = "unit"
)

// EncodingBase64 marks Data carrying base64 text.
const EncodingBase64 = "base64"

var (
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrEmptyFrame    = errors.New("wire: empty frame")
)

type Frame struct {
	Op string `json:"op,omitempty"`

	SID    string `json:"sid,omitempty"`
	Origin string `json:"origin,omitempty"`
	Kind   string `json:"kind,omitempty"`

	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Host    string            `json:"host,omitempty"`
	Path    string            `json:"path,omitempty"`
	Query   *message.Query    `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Stream  bool              `json:"stream,omitempty"`
	Binary  bool              `json:"binary,omitempty"`

	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	Data     string `json:"data,omitempty"`
	Encoding string `json:"encoding,omitempty"`

	// Payload carries control arguments: for log, a JSON array whose first
	// element is the level.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsControl reports whether f is a control message.
func (f *Frame) IsControl() bool { return f.Op != "" }

// Chunk decodes Data.
func (f *Frame) Chunk() ([]byte, error) {
	if f.Encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(f.Data)
	}
	return []byte(f.Data), nil
}

// SetChunk stores b in Data, base64 encoding it when binary.
func (f *Frame) SetChunk(b []byte, binary bool) {
	if binary {
		f.Data = base64.StdEncoding.EncodeToString(b)
		f.Encoding = EncodingBase64
		return
	}
	f.Data = string(b)
	f.Encoding = ""
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	var f Frame
	if err := jsoncodec.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return &f, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, f *Frame) error {
	b, err := jsoncodec.Marshal(f)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(b) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	_, err = w.Write(buf)
	return err
}

// Writer serializes concurrent WriteFrame calls onto one stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) WriteFrame(f *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteFrame(w.w, f)
}

// LogPayload encodes the arguments of a log op.
func LogPayload(level string, args ...any) (json.RawMessage, error) {
	return jsoncodec.Marshal(append([]any{level}, args...))
}

// ParseLogPayload validates a log op payload: a non-empty array whose first
// element is a string level.
func ParseLogPayload(p json.RawMessage) (level string, args []any, err error) {
	var arr []any
	if err := jsoncodec.Unmarshal(p, &arr); err != nil {
		return "", nil, fmt.Errorf("log payload must be an array: %w", err)
	}
	if len(arr) == 0 {
		return "", nil, errors.New("log payload is empty")
	}
	level, ok := arr[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("log level must be a string, got %T", arr[0])
	}
	return level, arr[1:], nil
}

// RequestFrame describes req as the opening frame of transaction sid.
// Structured headers are serialized first.
func RequestFrame(sid, origin string, req *message.Request) (*Frame, error) {
	if err := req.SerializeHeaders(); err != nil {
		return nil, err
	}
	f := &Frame{
		SID:     sid,
		Origin:  origin,
		Kind:    KindRequest,
		Method:  req.Method,
		URL:     req.URL,
		Host:    req.Host,
		Path:    req.Path,
		Headers: stringHeaders(req.Header()),
		Stream:  req.Stream,
		Binary:  req.Binary(),
	}
	if req.Query.Len() > 0 {
		f.Query = req.Query.Clone()
	}
	return f, nil
}

// NewRequest rebuilds the request carried by an opening frame. Known
// structured headers are parsed.
func NewRequest(f *Frame, opts ...message.Option) *message.Request {
	h := make(map[string]any, len(f.Headers))
	for k, v := range f.Headers {
		h[k] = v
	}
	req := message.NewRequest(message.Options{
		Method:  f.Method,
		URL:     f.URL,
		Host:    f.Host,
		Path:    f.Path,
		Query:   f.Query,
		Headers: h,
		Stream:  f.Stream,
		Binary:  f.Binary,
	}, opts...)
	_ = req.DeserializeHeaders()
	return req
}

// ResponseFrame describes the head of res for transaction sid.
func ResponseFrame(sid, origin string, res *message.Response) (*Frame, error) {
	if err := res.SerializeHeaders(); err != nil {
		return nil, err
	}
	return &Frame{
		SID:     sid,
		Origin:  origin,
		Kind:    KindResponse,
		Status:  res.Status(),
		Reason:  res.Reason(),
		Headers: stringHeaders(res.Header()),
	}, nil
}

// HeadersOf returns the frame headers as a message header map.
func HeadersOf(f *Frame) map[string]any {
	h := make(map[string]any, len(f.Headers))
	for k, v := range f.Headers {
		h[k] = v
	}
	return h
}

func stringHeaders(h message.Header) map[string]string {
	out := make(map[string]string, len(h))
	for _, k := range h.Keys() {
		out[k] = h.String(k)
	}
	return out
}

// ErrOutboxClosed is returned by Send after Close or a failed write.
var ErrOutboxClosed = errors.New("wire: outbox closed")

// Outbox queues frames without blocking the sender and writes them in order
// from a single goroutine. Over a synchronous pipe this keeps a reader that
// also sends from stalling its peer.
type Outbox struct {
	w io.Writer

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Frame
	closed bool
	err    error
	done   chan struct{}
}

func NewOutbox(w io.Writer) *Outbox {
	o := &Outbox{w: w, done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

// Send queues f.
func (o *Outbox) Send(f *Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		if o.err != nil {
			return o.err
		}
		return ErrOutboxClosed
	}
	o.queue = append(o.queue, f)
	o.cond.Signal()
	return nil
}

// Close stops the outbox once queued frames are written.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Signal()
	o.mu.Unlock()
}

// Done is closed when the writer goroutine exits.
func (o *Outbox) Done() <-chan struct{} { return o.done }

func (o *Outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()

		for _, f := range batch {
			if err := WriteFrame(o.w, f); err != nil {
				o.mu.Lock()
				o.closed = true
				o.err = err
				o.queue = nil
				o.mu.Unlock()
				return
			}
		}
	}
}
