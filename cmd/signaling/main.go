package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/liveroom/config"
	"github.com/mossy-p/liveroom/internal/handlers"
	"github.com/mossy-p/liveroom/internal/logger"
	"github.com/mossy-p/liveroom/internal/metrics"
	"github.com/mossy-p/liveroom/internal/redis"
	"github.com/mossy-p/liveroom/internal/room"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.L()
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "signaling"})
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).Msg("failed to connect to redis")
	}
	defer store.Close()
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("redis connection established")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheusCollector(reg)

	coord := room.NewCoordinator(
		room.WithPresence(store),
		room.WithMetrics(collector),
		room.WithLogger(log),
	)

	hub := handlers.NewHub(handlers.HubConfig{
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	}, coord, store, collector, log)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Hub:            hub,
		Rooms:          handlers.NewRoomHandler(store, coord, log),
		Metrics:        collector.Handler(),
		Logger:         log,
		Ready:          store.Ping,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("environment", cfg.Environment).Msg("starting signaling server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("shutting down signaling server")

		// WebSocket connections are hijacked and not tracked by Shutdown.
		hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("signaling server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("signaling server stopped")
}
