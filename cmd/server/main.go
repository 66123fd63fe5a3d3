package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"acta/internal/audit"
	"acta/internal/audit/httpcapture"
	"acta/internal/audit/hub"
	"acta/internal/audit/kafka"
	"acta/internal/audit/query"
	"acta/internal/audit/retention"
	"acta/internal/audit/stats"
	"acta/internal/audit/store/postgres"
	"acta/internal/jwttoken"
	"acta/internal/platform/config"
	"acta/internal/platform/httpserver"
	"acta/internal/platform/logger"
	"acta/internal/platform/metrics"
	"acta/internal/platform/middleware"
	platformredis "acta/internal/platform/redis"
	httptransport "acta/internal/transport/http"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := postgres.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	mx := metrics.New(prometheus.DefaultRegisterer)

	// Optional shared cache. Without Redis each replica recomputes its own
	// dashboard snapshot.
	var statsCache stats.Cache = stats.NewMemoryCache()
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, using process-local stats cache", "error", err)
	} else if redisClient != nil {
		defer redisClient.Close()
		statsCache = stats.NewRedisCache(redisClient.Client)
		log.Info("stats cache backed by redis")
	}

	statsSvc := stats.New(store, statsCache,
		stats.WithLogger(log),
		stats.WithMetrics(mx),
		stats.WithTTL(cfg.Stats.CacheTTL),
	)
	querySvc := query.New(store,
		query.WithLogger(log),
		query.WithMetrics(mx),
		query.WithExportLimits(cfg.Export.MaxRangeDays, cfg.Export.MaxRows),
	)

	eventHub := hub.New(
		hub.WithLogger(log),
		hub.WithMetrics(mx),
		hub.WithStatsProvider(statsSvc, cfg.Hub.StatsInterval),
		hub.WithBufferCapacity(cfg.Hub.BufferCapacity),
	)
	go eventHub.Run(ctx)

	sinks := []audit.Sink{eventHub}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink, err := kafka.New(cfg.Kafka.Brokers, kafka.WithLogger(log))
		if err != nil {
			log.Error("kafka sink", "error", err)
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		log.Info("audit stream enabled", "brokers", cfg.Kafka.Brokers)
	}

	sweeper := retention.New(store, cfg.Retention.Window,
		retention.WithLogger(log),
		retention.WithMetrics(mx),
		retention.WithSchedule(cfg.Retention.Schedule),
		retention.WithBatchSize(cfg.Retention.BatchSize),
	)
	stopSweeper, err := sweeper.Start(ctx)
	if err != nil {
		log.Error("retention sweeper", "error", err)
		os.Exit(1)
	}
	defer stopSweeper()

	capture := httpcapture.New(store,
		httpcapture.WithLogger(log),
		httpcapture.WithMetrics(mx),
		httpcapture.WithSinks(sinks...),
		httpcapture.WithMaxBodyBytes(cfg.Capture.MaxBodyBytes),
		httpcapture.WithRedactedHeaders(cfg.Capture.RedactHeaders...),
	)

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)

	apiHandler := httptransport.New(querySvc, statsSvc, log)
	router := httptransport.NewRouter(apiHandler, httptransport.RouterConfig{
		Capture:   capture.Handler,
		Auth:      middleware.RequireAuth(jwtService, log),
		Recover:   middleware.Recover(log),
		WebSocket: eventHub.HandleWS,
		Health:    healthHandler(db, redisClient),
	})

	srv := httpserver.New(cfg.Server.Addr, router)

	go func() {
		log.Info("starting acta", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}

func healthHandler(db *sql.DB, redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded","database":"unreachable"}`))
			return
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded","redis":"unreachable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
