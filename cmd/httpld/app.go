package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/ggoodman/httpl-go/auth"
	"github.com/ggoodman/httpl-go/config"
	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/eventlog"
	"github.com/ggoodman/httpl-go/eventlog/memory"
	"github.com/ggoodman/httpl-go/eventlog/redis"
	"github.com/ggoodman/httpl-go/events"
	"github.com/ggoodman/httpl-go/gateway"
	"github.com/ggoodman/httpl-go/internal/telemetry"
	"github.com/ggoodman/httpl-go/workers"
)

const (
	// eventsAuthority serves the built-in event host.
	eventsAuthority = "events"
	eventsTopic     = "httpl.events"
	eventsChannel   = "default"
)

// app holds the runtime assembled from a Config.
type app struct {
	log      *slog.Logger
	d        *dispatch.Dispatcher
	registry *workers.Registry
	host     *events.Host
	pubsub   *gochannel.GoChannel
	handler  http.Handler

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger, metrics *telemetry.Metrics) (*app, error) {
	a := &app{log: log}

	a.d = dispatch.New(
		dispatch.WithLogger(log),
		dispatch.WithMetrics(metrics),
	)

	interps := interpreters(cfg.Interpreters)
	regOpts := []workers.Option{
		workers.WithLogger(log),
		workers.WithMetrics(metrics),
		workers.WithLoader(workers.Loaders{
			workers.FileLoader{Root: cfg.WorkerRoot},
			workers.NewHTTPLoader(nil),
		}),
		workers.WithSpawner(&workers.ProcessSpawner{
			Interpreters: interps,
			Log:          log,
		}),
		workers.WithLoadableSuffixes(slices.Sorted(maps.Keys(interps))...),
		workers.WithMaxActive(cfg.MaxActive),
		workers.WithReadyTimeout(cfg.ReadyTimeout),
	}
	if cfg.WorkerBase != "" {
		base, err := url.Parse(cfg.WorkerBase)
		if err != nil {
			return nil, fmt.Errorf("worker base: %w", err)
		}
		regOpts = append(regOpts, workers.WithBase(base))
	}
	a.registry = workers.NewRegistry(a.d, regOpts...)
	a.d.SetWorkers(a.registry)

	journal, err := openJournal(cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := journal.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.host = events.NewHost(
		events.WithLogger(log),
		events.WithMetrics(metrics),
		events.WithJournal(journal, eventsChannel),
	)
	a.pubsub = gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(log))
	a.closers = append(a.closers, a.pubsub.Close)
	a.d.Handle(eventsAuthority, events.Service(a.host, a.pubsub, eventsTopic))

	gwOpts := []gateway.Option{gateway.WithLogger(log)}
	if sec, ok := cfg.Security(); ok {
		authn, err := auth.NewAuthenticator(ctx, sec)
		if err != nil {
			return nil, fmt.Errorf("authenticator: %w", err)
		}
		gwOpts = append(gwOpts,
			gateway.WithAuthenticator(authn),
			gateway.WithRealm(cfg.AuthRealm),
			gateway.WithScope(sec.Scope()),
		)
		if cfg.PublicURL != "" {
			gwOpts = append(gwOpts, gateway.WithProtectedResource(cfg.PublicURL, []string{sec.Issuer}, sec.RequiredScopes))
		}
	}
	gw, err := gateway.New(a.d, gwOpts...)
	if err != nil {
		return nil, err
	}
	a.handler = gw

	for _, raw := range cfg.Preload {
		if _, err := a.registry.Spawn(raw); err != nil {
			log.WarnContext(ctx, "worker.preload.fail",
				slog.String("worker", raw),
				slog.String("err", err.Error()),
			)
		}
	}
	return a, nil
}

// start runs the background loops until ctx is done.
func (a *app) start(ctx context.Context, watch bool) {
	go func() {
		if err := events.Feed(ctx, a.host, a.pubsub, eventsTopic); err != nil {
			a.log.ErrorContext(ctx, "sse.feed.fail", slog.String("err", err.Error()))
		}
	}()
	if watch {
		go func() {
			if err := a.registry.Watch(ctx); err != nil {
				a.log.ErrorContext(ctx, "worker.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}
}

// close ends event streams, terminates workers and releases the journal.
func (a *app) close() error {
	a.host.EndAllStreams()
	a.registry.Close()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func openJournal(cfg config.Config) (eventlog.Journal, error) {
	if cfg.RedisAddr == "" {
		return memory.New(cfg.JournalLimit), nil
	}
	j, err := redis.New(redis.Config{
		RedisAddr: cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		MaxLen:    int64(cfg.JournalLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("event journal: %w", err)
	}
	return j, nil
}

// interpreters overlays configured suffixes on the defaults.
func interpreters(extra map[string][]string) map[string][]string {
	out := workers.DefaultInterpreters()
	maps.Copy(out, extra)
	return out
}
