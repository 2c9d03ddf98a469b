package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/internal/ids"
	"github.com/ggoodman/httpl-go/internal/logctx"
	"github.com/ggoodman/httpl-go/message"
	"github.com/ggoodman/httpl-go/wire"
)

// Status codes used when a bridge terminates on its own account.
const (
	StatusNotFound       = 404
	StatusLoadFailed     = 500
	StatusConnectionLost = 502
	StatusTerminated     = 503
	StatusReadyTimeout   = 504
)

// ErrBridgeTerminated is returned by posts to a terminated bridge.
var ErrBridgeTerminated = errors.New("worker bridge terminated")

// Host dispatches requests issued by a unit.
type Host interface {
	Dispatch(ctx context.Context, req *message.Request) *dispatch.Future
}

type transaction struct {
	req *message.Request
	res *message.Response
}

// Bridge connects one unit to the host. Messages posted before the unit
// reports ready are queued and flushed once, in order, when it does.
type Bridge struct {
	id     Identity
	temp   bool
	host   Host
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	onTerminate func(*Bridge, int)

	mu         sync.Mutex
	unit       Unit
	source     Source
	active     bool
	terminated bool
	queue      []*wire.Frame
	pending    map[string]*transaction
	inbound    map[string]*message.Request
	lastUsed   time.Time
	termStatus int
	termReason string
	readyTimer *time.Timer
	done       chan struct{}
}

func newBridge(id Identity, temp bool, host Host, log *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(logctx.WithWorkerData(context.Background(), &logctx.WorkerData{
		Identity: id.String(),
		Temp:     temp,
	}))
	return &Bridge{
		id:       id,
		temp:     temp,
		host:     host,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*transaction),
		inbound:  make(map[string]*message.Request),
		lastUsed: time.Now(),
		done:     make(chan struct{}),
	}
}

func (b *Bridge) Identity() Identity { return b.id }

// Temporary reports whether the bridge may be evicted.
func (b *Bridge) Temporary() bool { return b.temp }

// Active reports whether the unit has signalled ready.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Source returns the source the unit was started from, once loaded.
func (b *Bridge) Source() Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.source
}

// InTransaction reports whether any request is in flight in either
// direction.
func (b *Bridge) InTransaction() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0 || len(b.inbound) > 0
}

func (b *Bridge) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}

// Done is closed once the bridge terminates.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// TerminationStatus returns the status and reason the bridge terminated
// with.
func (b *Bridge) TerminationStatus() (int, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.termStatus, b.termReason
}

// start loads and spawns the unit in the background.
func (b *Bridge) start(loader Loader, spawner Spawner, readyTimeout time.Duration, onLoaded func(*Bridge)) {
	if readyTimeout > 0 {
		b.mu.Lock()
		b.readyTimer = time.AfterFunc(readyTimeout, func() {
			if !b.Active() {
				b.log.WarnContext(b.ctx, "worker.ready.timeout", slog.Duration("after", readyTimeout))
				b.Terminate(StatusReadyTimeout, "Worker Ready Timeout")
			}
		})
		b.mu.Unlock()
	}

	go func() {
		src, err := loader.Load(b.ctx, b.id)
		if err != nil {
			b.log.WarnContext(b.ctx, "worker.load.fail", slog.String("err", err.Error()))
			b.Terminate(StatusNotFound, "Worker Not Found")
			return
		}
		unit, err := spawner.Spawn(b.ctx, b.id, src)
		if err != nil {
			b.log.ErrorContext(b.ctx, "worker.spawn.fail", slog.String("err", err.Error()))
			b.Terminate(StatusLoadFailed, "Worker Failed To Start")
			return
		}

		b.mu.Lock()
		if b.terminated {
			b.mu.Unlock()
			_ = unit.Terminate()
			return
		}
		b.unit = unit
		b.source = src
		b.mu.Unlock()

		b.log.InfoContext(b.ctx, "worker.spawn", slog.String("source", src.URL))
		if onLoaded != nil {
			onLoaded(b)
		}
		b.readLoop(unit)
	}()
}

// post sends f now if the unit is active, queues it otherwise, and drops it
// once the bridge has terminated.
func (b *Bridge) post(f *wire.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated {
		return ErrBridgeTerminated
	}
	if !b.active {
		b.queue = append(b.queue, f)
		return nil
	}
	return b.unit.Post(f)
}

func (b *Bridge) activate() {
	b.mu.Lock()
	if b.active || b.terminated {
		b.mu.Unlock()
		return
	}
	b.active = true
	if b.readyTimer != nil {
		b.readyTimer.Stop()
		b.readyTimer = nil
	}
	queued := len(b.queue)
	var err error
	for _, f := range b.queue {
		if err = b.unit.Post(f); err != nil {
			break
		}
	}
	b.queue = nil
	b.mu.Unlock()

	b.log.InfoContext(b.ctx, "worker.ready", slog.Int("flushed", queued))
	if err != nil {
		b.log.ErrorContext(b.ctx, "worker.flush.fail", slog.String("err", err.Error()))
		b.Terminate(StatusConnectionLost, "Worker Connection Lost")
	}
}

func (b *Bridge) readLoop(unit Unit) {
	for {
		f, err := unit.Recv()
		if err != nil {
			b.mu.Lock()
			terminated := b.terminated
			b.mu.Unlock()
			if !terminated {
				b.log.WarnContext(b.ctx, "worker.channel.closed", slog.String("err", err.Error()))
				b.Terminate(StatusConnectionLost, "Worker Connection Lost")
			}
			return
		}
		if f.IsControl() {
			b.handleControl(f)
			continue
		}
		switch f.Origin {
		case wire.OriginHost:
			b.handleResponseFrame(f)
		case wire.OriginUnit:
			b.handleUnitRequestFrame(f)
		default:
			b.log.WarnContext(b.ctx, "worker.frame.invalid",
				slog.String("sid", f.SID),
				slog.String("origin", f.Origin),
			)
		}
	}
}

func (b *Bridge) handleControl(f *wire.Frame) {
	switch f.Op {
	case wire.OpReady:
		b.activate()
	case wire.OpLog:
		level, args, err := wire.ParseLogPayload(f.Payload)
		if err != nil {
			b.log.WarnContext(b.ctx, "worker.control.invalid",
				slog.String("op", f.Op),
				slog.String("err", err.Error()),
			)
			return
		}
		b.relayLog(level, args)
	case wire.OpTerminate:
		status, reason := f.Status, f.Reason
		if status == 0 {
			status = StatusTerminated
		}
		if reason == "" {
			reason = "Worker Terminated"
		}
		b.Terminate(status, reason)
	default:
		b.log.WarnContext(b.ctx, "worker.control.invalid", slog.String("op", f.Op))
	}
}

func (b *Bridge) relayLog(level string, args []any) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug", "trace":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			parts[i] = s
		} else {
			parts[i] = fmt.Sprint(a)
		}
	}
	b.log.Log(b.ctx, lvl, "worker.log",
		slog.String("source", b.Source().URL),
		slog.String("msg", strings.Join(parts, " ")),
	)
}

func (b *Bridge) handleResponseFrame(f *wire.Frame) {
	b.mu.Lock()
	tx, ok := b.pending[f.SID]
	b.lastUsed = time.Now()
	b.mu.Unlock()
	if !ok {
		b.log.DebugContext(b.ctx, "worker.frame.orphan", slog.String("sid", f.SID), slog.String("kind", f.Kind))
		return
	}

	switch f.Kind {
	case wire.KindResponse:
		tx.res.WriteHead(f.Status, f.Reason, wire.HeadersOf(f))
		_ = tx.res.DeserializeHeaders()
	case wire.KindResponseData:
		chunk, err := f.Chunk()
		if err != nil {
			b.log.WarnContext(b.ctx, "worker.frame.invalid", slog.String("sid", f.SID), slog.String("err", err.Error()))
			return
		}
		_ = tx.res.Write(chunk)
	case wire.KindResponseEnd:
		_ = tx.res.End()
	case wire.KindResponseClose:
		tx.res.Close()
	default:
		b.log.WarnContext(b.ctx, "worker.frame.invalid", slog.String("sid", f.SID), slog.String("kind", f.Kind))
	}
}

func (b *Bridge) handleUnitRequestFrame(f *wire.Frame) {
	b.mu.Lock()
	req, ok := b.inbound[f.SID]
	b.lastUsed = time.Now()
	b.mu.Unlock()

	switch f.Kind {
	case wire.KindRequest:
		if ok {
			b.log.WarnContext(b.ctx, "worker.frame.duplicate", slog.String("sid", f.SID))
			return
		}
		b.dispatchFromUnit(f)
		return
	case wire.KindRequestData, wire.KindRequestEnd, wire.KindRequestClose:
	default:
		b.log.WarnContext(b.ctx, "worker.frame.invalid", slog.String("sid", f.SID), slog.String("kind", f.Kind))
		return
	}
	if !ok {
		b.log.DebugContext(b.ctx, "worker.frame.orphan", slog.String("sid", f.SID), slog.String("kind", f.Kind))
		return
	}
	switch f.Kind {
	case wire.KindRequestData:
		if chunk, err := f.Chunk(); err == nil {
			_ = req.Write(chunk)
		}
	case wire.KindRequestEnd:
		_ = req.End()
	case wire.KindRequestClose:
		req.Close()
	}
}

// dispatchFromUnit serves a request the unit issued, streaming the host's
// response back under the same transaction id.
func (b *Bridge) dispatchFromUnit(f *wire.Frame) {
	sid := f.SID
	if b.host == nil {
		_ = b.post(&wire.Frame{SID: sid, Origin: wire.OriginUnit, Kind: wire.KindResponse, Status: 0, Reason: "host dispatch unavailable"})
		_ = b.post(&wire.Frame{SID: sid, Origin: wire.OriginUnit, Kind: wire.KindResponseClose})
		return
	}

	req := wire.NewRequest(f)
	b.mu.Lock()
	b.inbound[sid] = req
	b.mu.Unlock()

	fut := b.host.Dispatch(b.ctx, req)
	res := fut.Response()
	go func() {
		select {
		case <-res.Head():
		case <-b.done:
			return
		}
		head, err := wire.ResponseFrame(sid, wire.OriginUnit, res)
		if err != nil {
			head = &wire.Frame{SID: sid, Origin: wire.OriginUnit, Kind: wire.KindResponse, Status: 0, Reason: err.Error()}
		}
		_ = b.post(head)
		res.OnData(func(chunk []byte) {
			df := &wire.Frame{SID: sid, Origin: wire.OriginUnit, Kind: wire.KindResponseData}
			df.SetChunk(chunk, res.Binary())
			_ = b.post(df)
		})
		res.OnEnd(func() {
			_ = b.post(&wire.Frame{SID: sid, Origin: wire.OriginUnit, Kind: wire.KindResponseEnd})
		})
		res.OnClose(func() {
			_ = b.post(&wire.Frame{SID: sid, Origin: wire.OriginUnit, Kind: wire.KindResponseClose})
			b.mu.Lock()
			delete(b.inbound, sid)
			b.mu.Unlock()
		})
	}()
}

// serve forwards req to the unit under path and relays the unit's response
// into res.
func (b *Bridge) serve(req *message.Request, res *message.Response, path string) {
	sid := ids.New()

	b.mu.Lock()
	if b.terminated {
		status, reason := b.termStatus, b.termReason
		b.mu.Unlock()
		res.Fail(status, reason)
		return
	}
	b.pending[sid] = &transaction{req: req, res: res}
	b.lastUsed = time.Now()
	b.mu.Unlock()

	open, err := wire.RequestFrame(sid, wire.OriginHost, req)
	if err != nil {
		b.forget(sid)
		res.Fail(0, err.Error())
		return
	}
	open.Path = path
	if err := b.post(open); err != nil {
		b.forget(sid)
		status, reason := b.TerminationStatus()
		res.Fail(status, reason)
		return
	}

	req.OnData(func(chunk []byte) {
		df := &wire.Frame{SID: sid, Origin: wire.OriginHost, Kind: wire.KindRequestData}
		df.SetChunk(chunk, req.Binary())
		_ = b.post(df)
	})
	req.OnEnd(func() {
		_ = b.post(&wire.Frame{SID: sid, Origin: wire.OriginHost, Kind: wire.KindRequestEnd})
	})
	req.OnClose(func() {
		_ = b.post(&wire.Frame{SID: sid, Origin: wire.OriginHost, Kind: wire.KindRequestClose})
	})
	res.OnClose(func() { b.forget(sid) })
}

func (b *Bridge) forget(sid string) {
	b.mu.Lock()
	delete(b.pending, sid)
	b.mu.Unlock()
}

// ServeRequest forwards req to the unit unchanged.
func (b *Bridge) ServeRequest(req *message.Request, res *message.Response) {
	b.serve(req, res, req.Path)
}

// Terminate shuts the bridge down. Pending responses without a head fail
// with status and reason, those already streaming are closed without an
// end, the unit is killed and the bridge leaves its registry. Only the
// first call has any effect.
func (b *Bridge) Terminate(status int, reason string) {
	b.mu.Lock()
	if b.terminated {
		b.mu.Unlock()
		return
	}
	b.terminated = true
	b.active = false
	b.termStatus, b.termReason = status, reason
	if b.readyTimer != nil {
		b.readyTimer.Stop()
		b.readyTimer = nil
	}
	pending := b.pending
	inbound := b.inbound
	b.pending = make(map[string]*transaction)
	b.inbound = make(map[string]*message.Request)
	b.queue = nil
	unit := b.unit
	b.mu.Unlock()

	for _, tx := range pending {
		tx.res.Abort(status, reason)
	}
	for _, req := range inbound {
		req.Close()
	}
	if unit != nil {
		_ = unit.Terminate()
	}
	b.cancel()
	close(b.done)

	b.log.InfoContext(b.ctx, "worker.terminate",
		slog.Int("status", status),
		slog.String("reason", reason),
		slog.Int("failed_pending", len(pending)),
	)
	if b.onTerminate != nil {
		b.onTerminate(b, status)
	}
}

type prefixed struct {
	b      *Bridge
	prefix string
}

// ServeRequest strips the worker's identity path from the request path.
func (p prefixed) ServeRequest(req *message.Request, res *message.Response) {
	rest := strings.TrimPrefix(req.Path, p.prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	p.b.serve(req, res, rest)
}

// failure answers every request with status 0 and a reason.
func failure(reason string) dispatch.Handler {
	return dispatch.HandlerFunc(func(_ *message.Request, res *message.Response) {
		res.Fail(0, reason)
	})
}
