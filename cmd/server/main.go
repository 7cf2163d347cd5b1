package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/httpapi"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/state"
	"github.com/example/trip-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required: the fast-path store and spatial index live on redis")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rc.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	cancel()

	reg := registry.NewRedis(rc, cfg.RedisGeoKey, cfg.MetaTTL)
	stateStore := state.NewStore(rc)

	var store storage.TripStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unreachable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	} else {
		logger.Warn("PG_DSN not set, matched trips are kept in memory only")
		store = storage.NewMemoryStore()
	}

	var locations *ingest.LocationProducer
	var events *ingest.EventProducer
	if len(cfg.KafkaBrokers) > 0 {
		locations = ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer locations.Close()
		events = ingest.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer events.Close()
	}

	gateway := notify.NewGateway(logger)
	coord := dispatch.NewCoordinator(reg, stateStore, store, gateway, eventPublisherOrNil(events), dispatch.Config{
		OfferTTL:       cfg.OfferTTL,
		SearchRadiusKm: cfg.SearchRadiusKm,
		MaxBroadcast:   cfg.MaxBroadcast,
		LockTTL:        cfg.LockTTL,
	}, logger)

	srv := httpapi.NewServer(reg, coord, gateway, locations, logger)

	go sweepLoop(ctx, reg, cfg.SweepInterval, cfg.SweepMaxAge, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// sweepLoop evicts driver positions that have gone stale, on a fixed
// cadence rather than per-request.
func sweepLoop(ctx context.Context, reg registry.Registry, interval, maxAge time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := reg.SweepStale(ctx, maxAge)
			if err != nil {
				logger.Error("staleness sweep", "error", err)
				continue
			}
			if len(evicted) > 0 {
				observability.DriversSwept.Add(float64(len(evicted)))
				observability.DriversOnline.Sub(float64(len(evicted)))
				logger.Info("swept stale drivers", "count", len(evicted))
			}
		}
	}
}

func eventPublisherOrNil(p *ingest.EventProducer) dispatch.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_trips.sql"))
	if err != nil {
		logger.Error("migration read", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_trips.sql")
}
