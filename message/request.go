package message

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/ggoodman/httpl-go/content"
)

// Options describes a request to build.
type Options struct {
	Method string
	URL    string
	Path   string
	Host   string
	// Query parameters are applied after those in URL, in their order.
	Query   *Query
	Headers map[string]any
	// Body is not written by NewRequest; callers that send a request in one
	// step (dispatch.Send) end the request with it.
	Body    any
	Stream  bool
	Binary  bool
	Timeout time.Duration
}

// Request is an outbound protocol request.
type Request struct {
	stream

	Method  string
	URL     string
	Scheme  string
	Host    string
	Path    string
	Query   *Query
	Stream  bool
	Timeout time.Duration

	// RouteName and Params are filled in by the router that matched the
	// request: the route's name and its pattern's positional captures.
	RouteName string
	Params    []string

	ctx  context.Context
	body any
	opts []Option
}

// NewRequest builds an open request. The method is uppercased (GET when
// empty), accept defaults to */* and a content-type is inferred from Body
// when none is given.
func NewRequest(o Options, opts ...Option) *Request {
	r := &Request{
		Method:  strings.ToUpper(strings.TrimSpace(o.Method)),
		URL:     o.URL,
		Host:    o.Host,
		Path:    o.Path,
		Query:   NewQuery(),
		Stream:  o.Stream,
		Timeout: o.Timeout,
		body:    o.Body,
		opts:    opts,
	}
	if r.Method == "" {
		r.Method = "GET"
	}

	h := Header{}
	for k, v := range o.Headers {
		h.Set(k, v)
	}
	if !h.Has("accept") {
		h.Set("accept", content.TypeAny)
	}
	if !h.Has("content-type") && o.Body != nil {
		switch o.Body.(type) {
		case string:
			h.Set("content-type", content.TypeText)
		case []byte:
		default:
			h.Set("content-type", content.TypeJSON)
		}
	}
	r.stream.init(h, o.Binary, opts)

	if u, err := url.Parse(o.URL); err == nil && o.URL != "" {
		r.Scheme = u.Scheme
		if r.Host == "" {
			r.Host = u.Host
		}
		if r.Path == "" {
			r.Path = u.Path
		}
		r.Query = ParseQuery(u.RawQuery)
	}
	if r.Path == "" {
		r.Path = "/"
	}
	for _, k := range o.Query.Keys() {
		r.Query.Set(k, o.Query.Get(k))
	}
	if r.Timeout > 0 {
		r.SetTimeout(r.Timeout)
	}
	return r
}

// FromConfig builds a request from a loosely typed option bag. Keys that
// begin with an uppercase letter are treated as headers, with underscores
// standing for dashes: Content_Type becomes content-type.
func FromConfig(bag map[string]any, opts ...Option) (*Request, error) {
	var o Options
	o.Headers = map[string]any{}
	for k, v := range bag {
		if k == "" {
			continue
		}
		if unicode.IsUpper(rune(k[0])) {
			o.Headers[strings.ToLower(strings.ReplaceAll(k, "_", "-"))] = v
			continue
		}
		switch k {
		case "method":
			o.Method = fmt.Sprint(v)
		case "url":
			o.URL = fmt.Sprint(v)
		case "path":
			o.Path = fmt.Sprint(v)
		case "host":
			o.Host = fmt.Sprint(v)
		case "body":
			o.Body = v
		case "stream":
			o.Stream = truthy(v)
		case "binary":
			o.Binary = truthy(v)
		case "timeout":
			d, err := asDuration(v)
			if err != nil {
				return nil, fmt.Errorf("timeout: %w", err)
			}
			o.Timeout = d
		case "query":
			switch q := v.(type) {
			case *Query:
				o.Query = q.Clone()
			case map[string]string:
				o.Query = QueryOf(q)
			case map[string]any:
				sq := make(map[string]string, len(q))
				for qk, qv := range q {
					sq[qk] = fmt.Sprint(qv)
				}
				o.Query = QueryOf(sq)
			default:
				return nil, fmt.Errorf("query: unsupported type %T", v)
			}
		case "headers":
			h, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("headers: unsupported type %T", v)
			}
			for hk, hv := range h {
				o.Headers[strings.ToLower(hk)] = hv
			}
		}
	}
	return NewRequest(o, opts...), nil
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != "" && b != "false" && b != "0"
	case nil:
		return false
	default:
		return fmt.Sprint(b) != "0"
	}
}

func asDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case int64:
		return time.Duration(d) * time.Millisecond, nil
	case float64:
		return time.Duration(d * float64(time.Millisecond)), nil
	case string:
		return time.ParseDuration(d)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

// Context returns the request's context, which is cancelled when the
// dispatch that carries it is abandoned.
func (r *Request) Context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// SetContext replaces the request's context.
func (r *Request) SetContext(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

// InitialBody returns the body given at construction time.
func (r *Request) InitialBody() any { return r.body }

// Authority returns the host the request is addressed to.
func (r *Request) Authority() string { return r.Host }

// Options returns the options this request would be rebuilt from: the
// current method, address, headers and flags. The body is not included.
func (r *Request) Options() Options {
	r.mu.Lock()
	h := make(map[string]any, len(r.header))
	for k, v := range r.header {
		h[k] = v
	}
	r.mu.Unlock()
	return Options{
		Method:  r.Method,
		URL:     r.URL,
		Path:    r.Path,
		Host:    r.Host,
		Query:   r.Query.Clone(),
		Headers: h,
		Stream:  r.Stream,
		Binary:  r.binary,
		Timeout: r.Timeout,
	}
}

// Clone returns a fresh, open request with the same options.
func (r *Request) Clone() *Request {
	c := NewRequest(r.Options(), r.opts...)
	c.Scheme = r.Scheme
	c.Query = r.Query.Clone()
	return c
}

// Accept returns the accept header.
func (r *Request) Accept() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.String("accept")
}

// FullURL renders the request address, preferring URL and otherwise
// composing one from host, path and query.
func (r *Request) FullURL() string {
	if r.URL != "" {
		return r.URL
	}
	u := url.URL{Scheme: r.Scheme, Host: r.Host, Path: r.Path, RawQuery: r.Query.Encode()}
	return u.String()
}
