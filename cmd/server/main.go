package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/rescue-dispatch/internal/config"
	"github.com/example/rescue-dispatch/internal/dispatch"
	"github.com/example/rescue-dispatch/internal/eta"
	"github.com/example/rescue-dispatch/internal/geo"
	httpapi "github.com/example/rescue-dispatch/internal/http"
	"github.com/example/rescue-dispatch/internal/ingest"
	"github.com/example/rescue-dispatch/internal/logging"
	"github.com/example/rescue-dispatch/internal/matcher"
	"github.com/example/rescue-dispatch/internal/payments"
	"github.com/example/rescue-dispatch/internal/storage"
)

type tripBackend interface {
	storage.TripStore
	storage.Ledger
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var roster geo.Roster = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		roster = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.RosterRadiusMiles)
		logger.Info("roster backed by redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var trips tripBackend = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, storage.Schema); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("schema migrated")
		}
		trips = ps
	}

	svc := &matcher.Service{
		Roster:      roster,
		Store:       trips,
		Ledger:      trips,
		Logger:      logger,
		RosterSize:  cfg.RosterSize,
		MaxAttempts: cfg.DispatchAttempts,
	}

	var drivers httpapi.DriverPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.DriverTopic, cfg.EventTopic)
		defer kp.Close()
		drivers = kp
		svc.Events = kp
	}

	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	ws := dispatch.NewWSRegistry()
	var push dispatch.Sender
	if cfg.PushEndpoint != "" {
		push = dispatch.NewFCMSender(cfg.PushEndpoint, cfg.PushKey)
	}
	svc.Offers = dispatch.NewPushDispatcher(ws, push, logger)

	srv := httpapi.NewServer(httpapi.Deps{
		Roster:   roster,
		Dispatch: svc,
		Store:    trips,
		Routes:   routeClient(cfg, logger),
		Drivers:  drivers,
		WS:       ws,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("rescue-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// routeClient prefers Google Maps, then OSRM, then straight-line distance.
func routeClient(cfg config.ServerConfig, logger *slog.Logger) eta.RouteClient {
	cache := eta.NewCache(cfg.RouteCacheTTL)
	if cfg.MapsAPIKey != "" {
		gm, err := eta.NewGoogleMapsClient(cfg.MapsAPIKey)
		if err == nil {
			logger.Info("route distances from google maps")
			return &eta.Cached{Client: gm, Cache: cache}
		}
		logger.Warn("google maps client unavailable", "error", err)
	}
	if cfg.OSRMEndpoint != "" {
		logger.Info("route distances from osrm", "endpoint", cfg.OSRMEndpoint)
		return &eta.Cached{Client: eta.NewOSRMClient(cfg.OSRMEndpoint), Cache: cache}
	}
	return eta.Haversine{}
}
