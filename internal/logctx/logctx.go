package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, worker and stream data
// carried on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if wd, ok := ctx.Value(workerDataKey{}).(*WorkerData); ok {
		r.AddAttrs(slog.Group("worker",
			slog.String("identity", wd.Identity),
			slog.Bool("temp", wd.Temp),
		))
	}

	if sd, ok := ctx.Value(streamDataKey{}).(*StreamData); ok {
		r.AddAttrs(slog.Group("stream",
			slog.String("url", sd.URL),
			slog.Int64("last_event_id", sd.LastEventID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type workerDataKey struct{}

type WorkerData struct {
	Identity string
	Temp     bool
}

func WithWorkerData(ctx context.Context, data *WorkerData) context.Context {
	return context.WithValue(ctx, workerDataKey{}, data)
}

type streamDataKey struct{}

type StreamData struct {
	URL         string
	LastEventID int64
}

func WithStreamData(ctx context.Context, data *StreamData) context.Context {
	return context.WithValue(ctx, streamDataKey{}, data)
}
