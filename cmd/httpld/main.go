// Command httpld serves the HTTPL runtime: a worker registry, an event host
// and the HTTP gateway in front of them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/httpl-go/config"
	"github.com/ggoodman/httpl-go/internal/logctx"
	"github.com/ggoodman/httpl-go/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("httpld.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	log.DebugContext(ctx, "httpld.config", slog.String("config", cfg.String()))

	metrics := telemetry.New(prometheus.DefaultRegisterer)
	if err := metrics.Register(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.WarnContext(ctx, "httpld.close.fail", slog.String("err", err.Error()))
		}
	}()
	a.start(ctx, cfg.Watch)

	servers := []*http.Server{{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			log.InfoContext(ctx, "http.listen", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.InfoContext(ctx, "httpld.shutdown")
	case err = <-errc:
	}

	// Streams never finish on their own; end them before draining.
	a.host.EndAllStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}
