package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"efiling/internal/app"
	"efiling/internal/filing/handler"
	"efiling/internal/platform/config"
	"efiling/internal/platform/httpserver"
	"efiling/internal/platform/logger"
	"efiling/internal/platform/metrics"
	"efiling/pkg/platform/middleware/metadata"
	"efiling/pkg/platform/middleware/requesttime"
)

// main wires high-level dependencies, exposes the HTTP router, and runs the
// server next to the status poller and the audit outbox relay.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.Build(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	outbox, err := a.Relay(reg)
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.Server, otelhttp.NewHandler(router(cfg, a, log, reg), "efiling"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting efiling", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Poller.Enabled {
		g.Go(func() error { return a.Poller.Run(gctx) })
	}
	if outbox != nil {
		g.Go(func() error { return outbox.Run(gctx) })
	} else {
		log.Info("audit outbox relay disabled")
	}
	return g.Wait()
}

func router(cfg *config.Config, a *app.App, log *slog.Logger, reg *prometheus.Registry) http.Handler {
	m := metrics.New(reg)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(metadata.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(m.Middleware)
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))

	handler.New(a.Workflow, log).Register(r)
	if cfg.Server.DevRoutes {
		log.Warn("development routes enabled")
		mountDev(r, a)
	}
	return r
}
