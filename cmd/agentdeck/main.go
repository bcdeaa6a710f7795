package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/adapter/agentcli"
	adhttp "github.com/agentdeck/agentdeck/internal/adapter/http"
	adnats "github.com/agentdeck/agentdeck/internal/adapter/nats"
	adotel "github.com/agentdeck/agentdeck/internal/adapter/otel"
	"github.com/agentdeck/agentdeck/internal/adapter/postgres"
	"github.com/agentdeck/agentdeck/internal/adapter/ristretto"
	"github.com/agentdeck/agentdeck/internal/adapter/ws"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/logger"
	"github.com/agentdeck/agentdeck/internal/service"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "observe" {
		err = runObserve(os.Args[2:])
	} else {
		err = runServe()
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logger.New(cfg.Logging))

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"engine_command", cfg.Engine.Command,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	bus, err := adnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = bus.Close() }()

	history, err := ristretto.NewHistoryCache(cfg.Cache.MaxSizeMB<<20, cfg.Cache.HistoryTTL)
	if err != nil {
		return fmt.Errorf("history cache: %w", err)
	}
	defer history.Close()

	if cfg.Metrics.Enabled {
		shutdownMetrics, err := adotel.InitMetrics(ctx, cfg.Logging.Service, cfg.Metrics.Endpoint)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		shutdownTracing, err := adotel.InitTracing(ctx, cfg.Logging.Service, cfg.Metrics.Endpoint)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(flushCtx); err != nil {
				slog.Warn("metrics shutdown", "error", err)
			}
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}
	metrics, err := adotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metric instruments: %w", err)
	}

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	eng := agentcli.New(&cfg.Engine)
	sessions := service.NewSessionService(eng, store, bus, hub, history, metrics, &cfg.Engine)

	// --- HTTP ---

	r := chi.NewRouter()
	r.Use(adhttp.RequestID)
	r.Use(adhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(adhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler(hub))
	r.Get("/ws", hub.HandleWS)

	// The request timeout stays off /ws; it would sever long-lived
	// websocket connections.
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		r.Use(adotel.HTTPMiddleware(cfg.Logging.Service))
		adhttp.MountRoutes(r, &adhttp.Handlers{Sessions: sessions})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sessions.Shutdown(shutdownCtx)
		if err := bus.Drain(); err != nil {
			slog.Warn("bus drain", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// healthHandler reports liveness plus the current websocket fanout size.
func healthHandler(hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","ws_connections":%d}`+"\n", hub.ConnectionCount())
	}
}
