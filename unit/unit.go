// Package unit is the runtime for code hosted inside a worker unit. It
// speaks the frame protocol on a pair of streams (stdin and stdout by
// default), serves the host's requests with a dispatch.Handler and lets the
// unit issue requests of its own.
package unit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/internal/ids"
	"github.com/ggoodman/httpl-go/message"
	"github.com/ggoodman/httpl-go/wire"
)

// ErrNotServing is returned when the unit is used before Serve starts or
// after it returns.
var ErrNotServing = errors.New("unit is not serving")

// Unit serves a handler over the frame channel.
type Unit struct {
	r       io.Reader
	w       io.Writer
	l       *slog.Logger
	level   slog.Level
	handler dispatch.Handler

	mu       sync.Mutex
	out      *wire.Outbox
	inbound  map[string]*message.Request
	outbound map[string]*message.Response
}

// New builds a unit serving h.
func New(h dispatch.Handler, opts ...Option) *Unit {
	u := &Unit{
		r:        os.Stdin,
		w:        os.Stdout,
		l:        slog.New(slog.NewTextHandler(os.Stderr, nil)),
		level:    slog.LevelInfo,
		handler:  h,
		inbound:  make(map[string]*message.Request),
		outbound: make(map[string]*message.Response),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Program adapts h to an in-process unit program: a function that serves
// h over conn until the host hangs up or ctx is done.
func Program(h dispatch.Handler, opts ...Option) func(ctx context.Context, conn io.ReadWriteCloser) error {
	return func(ctx context.Context, conn io.ReadWriteCloser) error {
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		u := New(h, append(opts, WithIO(conn, conn))...)
		return u.Serve(ctx)
	}
}

// Serve reports ready and handles frames until the channel closes or ctx is
// done. A clean hang-up by the host returns nil.
func (u *Unit) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := wire.NewOutbox(u.w)
	u.mu.Lock()
	u.out = out
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.out = nil
		inbound, outbound := u.inbound, u.outbound
		u.inbound = make(map[string]*message.Request)
		u.outbound = make(map[string]*message.Response)
		u.mu.Unlock()
		for _, req := range inbound {
			req.Close()
		}
		for _, res := range outbound {
			res.Abort(0, "host connection closed")
		}
		out.Close()
	}()

	if err := out.Send(&wire.Frame{Op: wire.OpReady}); err != nil {
		return err
	}

	for {
		f, err := wire.ReadFrame(u.r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if f.IsControl() {
			u.l.WarnContext(ctx, "unit.control.unexpected", slog.String("op", f.Op))
			continue
		}
		switch f.Origin {
		case wire.OriginHost:
			u.handleHostFrame(ctx, f)
		case wire.OriginUnit:
			u.handleResponseFrame(f)
		default:
			u.l.WarnContext(ctx, "unit.frame.invalid", slog.String("origin", f.Origin))
		}
	}
}

func (u *Unit) send(f *wire.Frame) error {
	u.mu.Lock()
	out := u.out
	u.mu.Unlock()
	if out == nil {
		return ErrNotServing
	}
	return out.Send(f)
}

func (u *Unit) handleHostFrame(ctx context.Context, f *wire.Frame) {
	u.mu.Lock()
	req, ok := u.inbound[f.SID]
	u.mu.Unlock()

	switch f.Kind {
	case wire.KindRequest:
		if ok {
			u.l.WarnContext(ctx, "unit.frame.duplicate", slog.String("sid", f.SID))
			return
		}
		u.serve(ctx, f)
	case wire.KindRequestData:
		if ok {
			if chunk, err := f.Chunk(); err == nil {
				_ = req.Write(chunk)
			}
		}
	case wire.KindRequestEnd:
		if ok {
			_ = req.End()
		}
	case wire.KindRequestClose:
		if ok {
			req.Close()
		}
	default:
		u.l.WarnContext(ctx, "unit.frame.invalid", slog.String("sid", f.SID), slog.String("kind", f.Kind))
	}
}

func (u *Unit) serve(ctx context.Context, f *wire.Frame) {
	sid := f.SID
	req := wire.NewRequest(f)
	req.SetContext(ctx)
	res := message.NewResponse()
	res.OnEnd(res.Close)

	u.mu.Lock()
	u.inbound[sid] = req
	u.mu.Unlock()

	go func() {
		<-res.Head()
		head, err := wire.ResponseFrame(sid, wire.OriginHost, res)
		if err != nil {
			head = &wire.Frame{SID: sid, Origin: wire.OriginHost, Kind: wire.KindResponse, Reason: err.Error()}
		}
		_ = u.send(head)
		res.OnData(func(chunk []byte) {
			df := &wire.Frame{SID: sid, Origin: wire.OriginHost, Kind: wire.KindResponseData}
			df.SetChunk(chunk, res.Binary())
			_ = u.send(df)
		})
		res.OnEnd(func() {
			_ = u.send(&wire.Frame{SID: sid, Origin: wire.OriginHost, Kind: wire.KindResponseEnd})
		})
		res.OnClose(func() {
			_ = u.send(&wire.Frame{SID: sid, Origin: wire.OriginHost, Kind: wire.KindResponseClose})
			u.mu.Lock()
			delete(u.inbound, sid)
			u.mu.Unlock()
			req.Close()
		})
	}()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				u.l.ErrorContext(ctx, "unit.handler.panic", slog.String("err", fmt.Sprint(p)))
				res.Abort(500, "internal error")
			}
		}()
		u.handler.ServeRequest(req, res)
	}()
}

func (u *Unit) handleResponseFrame(f *wire.Frame) {
	u.mu.Lock()
	res, ok := u.outbound[f.SID]
	u.mu.Unlock()
	if !ok {
		return
	}
	switch f.Kind {
	case wire.KindResponse:
		res.WriteHead(f.Status, f.Reason, wire.HeadersOf(f))
		_ = res.DeserializeHeaders()
	case wire.KindResponseData:
		if chunk, err := f.Chunk(); err == nil {
			_ = res.Write(chunk)
		}
	case wire.KindResponseEnd:
		_ = res.End()
	case wire.KindResponseClose:
		res.Close()
	}
}

// Send issues req through the host's dispatcher. The response streams into
// the returned message; it fails with status 0 if the unit stops serving.
func (u *Unit) Send(req *message.Request) *message.Response {
	sid := ids.New()
	res := message.NewResponse()
	res.OnEnd(res.Close)

	open, err := wire.RequestFrame(sid, wire.OriginUnit, req)
	if err != nil {
		res.Fail(0, err.Error())
		return res
	}

	u.mu.Lock()
	if u.out == nil {
		u.mu.Unlock()
		res.Fail(0, ErrNotServing.Error())
		return res
	}
	u.outbound[sid] = res
	u.mu.Unlock()

	res.OnClose(func() {
		u.mu.Lock()
		delete(u.outbound, sid)
		u.mu.Unlock()
	})
	if err := u.send(open); err != nil {
		res.Fail(0, err.Error())
		return res
	}
	req.OnData(func(chunk []byte) {
		df := &wire.Frame{SID: sid, Origin: wire.OriginUnit, Kind: wire.KindRequestData}
		df.SetChunk(chunk, req.Binary())
		_ = u.send(df)
	})
	req.OnEnd(func() {
		_ = u.send(&wire.Frame{SID: sid, Origin: wire.OriginUnit, Kind: wire.KindRequestEnd})
	})
	req.OnClose(func() {
		_ = u.send(&wire.Frame{SID: sid, Origin: wire.OriginUnit, Kind: wire.KindRequestClose})
	})
	return res
}

// Log relays a log line to the host at level.
func (u *Unit) Log(level string, args ...any) error {
	p, err := wire.LogPayload(level, args...)
	if err != nil {
		return err
	}
	return u.send(&wire.Frame{Op: wire.OpLog, Payload: p})
}

// Terminate asks the host to shut the unit down. Pending host requests fail
// with status and reason.
func (u *Unit) Terminate(status int, reason string) error {
	return u.send(&wire.Frame{Op: wire.OpTerminate, Status: status, Reason: reason})
}
