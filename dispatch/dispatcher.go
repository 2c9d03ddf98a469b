// Package dispatch resolves requests to handlers and hands callers a future
// for the response.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/httpl-go/internal/telemetry"
	"github.com/ggoodman/httpl-go/message"
)

// WorkerResolver finds the handler for a request addressed to a worker
// unit. It reports false when the request is not addressed to one.
type WorkerResolver interface {
	ResolveWorker(req *message.Request) (Handler, bool)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithRoutes installs the route table consulted when no local handler owns
// the request's authority. Routes match against the request path unless the
// router was built with MatchURL.
func WithRoutes(r *Router) Option {
	return func(d *Dispatcher) { d.routes = r }
}

func WithWorkers(w WorkerResolver) Option {
	return func(d *Dispatcher) { d.workers = w }
}

// WithRemote replaces the transport used for http and https URLs. A nil
// transport disables remote dispatch.
func WithRemote(h Handler) Option {
	return func(d *Dispatcher) { d.remote = h }
}

// WithMessageOptions sets the codec options for responses the dispatcher
// creates.
func WithMessageOptions(opts ...message.Option) Option {
	return func(d *Dispatcher) { d.msgOpts = opts }
}

// WithMetrics records response statuses.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher routes requests. It never retries.
type Dispatcher struct {
	mu     sync.RWMutex
	locals map[string]Handler

	routes  *Router
	workers WorkerResolver
	remote  Handler
	msgOpts []message.Option
	log     *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		locals: make(map[string]Handler),
		remote: NewRemoteTransport(nil),
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.tracer = otel.Tracer("github.com/ggoodman/httpl-go/dispatch")
	return d
}

// Handle registers h for requests whose authority is exactly authority.
func (d *Dispatcher) Handle(authority string, h Handler) {
	d.mu.Lock()
	d.locals[strings.ToLower(authority)] = h
	d.mu.Unlock()
}

// HandleFunc registers fn for authority.
func (d *Dispatcher) HandleFunc(authority string, fn func(*message.Request, *message.Response)) {
	d.Handle(authority, HandlerFunc(fn))
}

// Unhandle removes the local handler for authority.
func (d *Dispatcher) Unhandle(authority string) {
	d.mu.Lock()
	delete(d.locals, strings.ToLower(authority))
	d.mu.Unlock()
}

// SetWorkers installs the worker resolver after construction, for callers
// whose registry itself needs the dispatcher.
func (d *Dispatcher) SetWorkers(w WorkerResolver) {
	d.mu.Lock()
	d.workers = w
	d.mu.Unlock()
}

// Resolve picks the handler for req. The second result is false when the
// request falls through to a synthetic failure.
func (d *Dispatcher) Resolve(req *message.Request) (Handler, bool) {
	d.mu.RLock()
	local, ok := d.locals[strings.ToLower(req.Host)]
	workers := d.workers
	d.mu.RUnlock()
	if ok {
		return local, true
	}
	if d.routes != nil {
		if h, ok := d.routes.Match(req); ok {
			return h, true
		}
	}
	if workers != nil {
		if h, ok := workers.ResolveWorker(req); ok {
			return h, true
		}
	}
	if d.remote != nil && (req.Scheme == "http" || req.Scheme == "https") {
		return d.remote, true
	}
	return nil, false
}

// Dispatch runs the handler for req on its own goroutine and returns the
// response future. The response is closed once it ends; cancelling ctx
// closes it early. The request is closed with its response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) *Future {
	ctx, span := d.tracer.Start(ctx, "httpl.dispatch",
		trace.WithAttributes(
			attribute.String("httpl.method", req.Method),
			attribute.String("httpl.url", req.FullURL()),
			attribute.Bool("httpl.stream", req.Stream),
		),
	)
	req.SetContext(ctx)

	res := message.NewResponse(d.msgOpts...)
	f := newFuture(req, res)

	h, ok := d.Resolve(req)
	if !ok {
		h = HandlerFunc(d.unresolved)
	}

	res.OnEnd(res.Close)

	go func() {
		select {
		case <-res.Closed():
		case <-ctx.Done():
			res.Close()
		}
		req.Close()

		status := res.Status()
		d.metrics.Response(status)
		span.SetAttributes(attribute.Int("httpl.status", status))
		if status == 0 || status >= 400 {
			span.SetStatus(codes.Error, res.Reason())
		}
		span.End()
	}()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.log.ErrorContext(ctx, "dispatch.handler.panic",
					slog.String("url", req.FullURL()),
					slog.String("err", fmt.Sprint(p)),
				)
				res.Fail(500, "internal error")
			}
		}()
		h.ServeRequest(req, res)
	}()

	return f
}

func (d *Dispatcher) unresolved(req *message.Request, res *message.Response) {
	if req.Host == "" {
		res.Fail(404, "not found")
		return
	}
	d.log.DebugContext(req.Context(), "dispatch.unresolved", slog.String("url", req.FullURL()))
	res.Fail(0, "no handler for "+req.Host)
}

// Send builds a request from o, dispatches it and ends it with o.Body.
func (d *Dispatcher) Send(ctx context.Context, o message.Options) *Future {
	req := message.NewRequest(o, d.msgOpts...)
	f := d.Dispatch(ctx, req)
	if err := req.End(o.Body); err != nil {
		d.log.WarnContext(ctx, "dispatch.send.body.fail", slog.String("err", err.Error()))
		req.Close()
	}
	return f
}
