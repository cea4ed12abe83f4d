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
	"time"

	"collab-editor/internal/api"
	"collab-editor/internal/cache"
	"collab-editor/internal/config"
	"collab-editor/internal/db"
	"collab-editor/internal/log"
	"collab-editor/internal/repository"
	"collab-editor/internal/services"
	"collab-editor/internal/services/collaboration"
	"collab-editor/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "collab-editor"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log.SetLevel(cfg.LogLevel)
	logger := log.New(serviceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

// run builds the dependency graph, serves until ctx is cancelled, then tears
// everything down in reverse order: listener, sessions, change feed, tracer,
// database.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Tracing goes first so every later operation is traced
	shutdownTracer := func(context.Context) error { return nil }
	if cfg.TracingEnabled {
		fn, err := telemetry.InitJaeger(serviceName, serviceVersion, cfg.JaegerEndpoint, log.SubLogger(logger, "tracing"))
		if err != nil {
			logger.Warn("failed to initialize jaeger, continuing without tracing", "err", err)
		} else {
			shutdownTracer = fn
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("failed to shutdown tracer", "err", err)
		}
	}()

	database, err := db.NewGorm(cfg, log.SubLogger(logger, "db"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	docRepo := repository.NewDocumentRepository(database.DB)
	changeRepo := repository.NewChangeRepository(database.DB)
	userRepo := repository.NewUserRepository(database.DB)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	registry := collaboration.NewRoomRegistry(metrics, log.SubLogger(logger, "rooms"))
	engine := collaboration.NewChangeEngine(docRepo, changeRepo, registry, cfg.PersistTimeout, metrics, log.SubLogger(logger, "engine"))

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := services.NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		feed := services.NewChangeFeed(producer, cfg.KafkaTopic, services.ChangeFeedOptions{
			Workers:     cfg.ChangeFeedWorkers,
			QueueSize:   cfg.ChangeFeedQueueSize,
			MaxRetry:    3,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
		}, metrics, log.SubLogger(logger, "changefeed"))
		feed.Start()
		defer func() {
			if err := feed.Shutdown(); err != nil {
				logger.Warn("failed to shutdown change feed", "err", err)
			}
		}()
		engine.SetPublisher(feed)
		logger.Info("change feed enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	gateway := collaboration.NewGateway(registry, engine, docRepo, userRepo, collaboration.GatewayOptions{
		Connection: collaboration.ConnectionOptions{
			SendBuffer:      cfg.SendBufferSize,
			PingInterval:    cfg.PingInterval,
			PongWait:        cfg.PongWait,
			WriteWait:       cfg.WriteWait,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
		AllowedOrigins:  cfg.AllowedOrigins,
		PresenceRefresh: cfg.PresenceTTL / 2,
	}, metrics, log.SubLogger(logger, "gateway"))

	var presence *cache.RedisPresence
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb, cfg.PresenceTTL)
		gateway.SetPresenceMirror(presence)
		logger.Info("presence mirror enabled", "addr", cfg.RedisAddr)
	}
	gateway.Start()

	handler := api.NewHandler(docRepo, changeRepo, registry, gateway)
	if presence != nil {
		handler.SetPresenceReader(presence)
	}
	router := api.SetupRoutes(handler, gateway, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
	}, log.SubLogger(logger, "http"))

	// No write timeout: websocket connections are long-lived and the
	// connection pumps set their own deadlines.
	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", server.Addr, "ws", "/ws/collab")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Shutdown does not touch hijacked websocket connections; the
		// gateway closes those itself.
		var errs []error
		if err := server.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := gateway.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
