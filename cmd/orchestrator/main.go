// Package main runs the orchestrator: the service registry, the memory
// service, the interactive chat engine and the HTTP/WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/orchestrator/internal/broker"
	"github.com/R3E-Network/orchestrator/internal/config"
	"github.com/R3E-Network/orchestrator/internal/engine/bus"
	"github.com/R3E-Network/orchestrator/internal/engine/events"
	"github.com/R3E-Network/orchestrator/internal/engine/metrics"
	"github.com/R3E-Network/orchestrator/internal/engine/recovery"
	"github.com/R3E-Network/orchestrator/internal/engine/registry"
	"github.com/R3E-Network/orchestrator/internal/httpapi"
	"github.com/R3E-Network/orchestrator/internal/kvstore"
	"github.com/R3E-Network/orchestrator/internal/logging"
	"github.com/R3E-Network/orchestrator/internal/middleware"
	"github.com/R3E-Network/orchestrator/services/base"
	"github.com/R3E-Network/orchestrator/services/chat"
	"github.com/R3E-Network/orchestrator/services/memory"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{
		Component:  "orchestrator",
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxMB,
		MaxBackups: cfg.LogKeep,
		MaxAgeDays: cfg.LogDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("orchestrator exited")
	}
	logger.Info("orchestrator stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	// Redis
	client, err := kvstore.Dial(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()
	store := kvstore.NewRedisStore(client, kvstore.WithKeyPrefix(cfg.RedisKeyPrefix))

	// RabbitMQ
	conn, ch, err := broker.DialAMQP(cfg.RabbitMQURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()
	br := broker.NewAMQPBroker(ch, "orchestrator")

	collector := metrics.NewCollector("orchestrator")
	ring := events.NewRingBuffer(1024)
	limits := bus.NewSet()
	dispatch := limits.Configure(bus.KindDispatch, bus.LimiterConfig{
		MaxConcurrent:  cfg.DispatchConcurrency,
		AcquireTimeout: cfg.HandlerTimeout,
		QueueSize:      cfg.DispatchConcurrency * 16,
	})
	publish := limits.Configure(bus.KindPublish, bus.LimiterConfig{
		MaxConcurrent:  8,
		AcquireTimeout: cfg.CallTimeout,
	})
	defer limits.Close()

	mem := memory.New(store, memory.WithLogger(logger.Named("memory")))
	engine := chat.NewEngine(store,
		chat.WithLogger(logger.Named("chat")),
		chat.WithEvents(ring),
		chat.WithMetrics(collector),
		chat.WithLimiter(dispatch),
		chat.WithHandlerTimeout(cfg.HandlerTimeout),
		chat.WithContextTTL(cfg.ContextTTL),
	)

	reg := registry.New(store, br,
		registry.WithLogger(logger.Named("registry")),
		registry.WithEvents(ring),
		registry.WithMetrics(collector),
		registry.WithStateKey(cfg.StateKey),
		registry.WithExchange(cfg.Exchange),
		registry.WithQueue(cfg.Queue),
		registry.WithCallTimeout(cfg.CallTimeout),
		registry.WithRetractOnFailure(cfg.RetractOnFailure),
		registry.WithPublishLimiter(publish),
		registry.WithFactory(builtinFactory(logger, mem, engine)),
	)

	engine.RegisterHandler(chat.HelpHandler{})
	engine.RegisterHandler(chat.NewStatusHandler(reg))

	if err := reg.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}
	for _, svc := range []base.Service{mem, engine} {
		if _, ok := reg.Lookup(svc.ID()); ok {
			continue
		}
		if err := reg.RegisterService(ctx, svc); err != nil {
			return fmt.Errorf("register %s: %w", svc.ID(), err)
		}
	}
	servicesCfg, err := config.LoadServicesConfigOrDefault(cfg.ServicesFile)
	if err != nil {
		return fmt.Errorf("services config: %w", err)
	}
	registerConfigured(ctx, servicesCfg, reg, logger)
	if cfg.WatchServices {
		watcher, err := config.NewServicesWatcher(cfg.ServicesFile, config.DefaultWatchDebounce)
		if err != nil {
			logger.WithError(err).Warn("services file will not be watched")
		} else {
			go watcher.Run(ctx, func(sc *config.ServicesConfig, err error) {
				if err != nil {
					logger.WithError(err).WithField("path", watcher.Path()).Warn("services file reload failed")
					return
				}
				registerConfigured(ctx, sc, reg, logger)
			})
		}
	}

	monitor, err := registry.NewHealthMonitor(reg, cfg.HealthSchedule,
		registry.WithResync(cfg.HealthResync),
		registry.WithCheckTimeout(cfg.CallTimeout),
		registry.WithHealthLogger(logger.Named("health")),
	)
	if err != nil {
		return err
	}
	monitor.Start()

	recoveryCfg, err := recoveryConfig(cfg)
	if err != nil {
		return err
	}
	recoverer := recovery.NewManager(reg,
		recovery.WithLogger(logger.Named("recovery")),
		recovery.WithEvents(ring),
		recovery.WithConfig(recoveryCfg),
	)
	unwatch := recoverer.Watch(ring)

	rl := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute, logger.Named("ratelimit"))
	rl.StartCleanup(ctx, time.Minute)

	go logExpired(ctx, store.SubscribeExpired(ctx, client.Options().DB), logger)

	api := httpapi.NewServer(httpapi.Config{
		Chat:     engine,
		Registry: reg,
		Recovery: recoverer,
		Events:   ring,
		Limits:   limits,
		Logger:   logger.Named("http"),
		Checks: map[string]httpapi.HealthCheck{
			"redis": store.Ping,
			"rabbitmq": func(context.Context) error {
				if conn.IsClosed() {
					return errors.New("connection closed")
				}
				return nil
			},
		},
		Metrics:     middleware.NewHTTPMetrics("orchestrator", collector.Registry()),
		Gatherer:    collector.Registry(),
		RateLimiter: rl,
		CORS:        middleware.NewCORSMiddleware(cfg.AllowedOrigins()),
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	monitor.Stop(shutdownCtx)
	unwatch()
	if err := recoverer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("recovery shutdown")
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("registry shutdown")
	}
	return nil
}

func recoveryConfig(cfg *config.Config) (recovery.Config, error) {
	strategy, err := recovery.ParseStrategy(cfg.RecoveryStrategy)
	if err != nil {
		return recovery.Config{}, err
	}
	rc := recovery.DefaultConfig()
	rc.Strategy = strategy
	rc.MaxRetries = cfg.RecoveryMaxRetries
	rc.InitialDelay = cfg.RecoveryDelay
	rc.MaxDelay = cfg.RecoveryMaxDelay
	rc.RestartTimeout = cfg.CallTimeout
	return rc, nil
}

// builtinFactory hands back the live memory service and chat engine when the
// persisted snapshot names them, and plain descriptor-backed services for
// everything else.
func builtinFactory(logger *logging.Logger, builtins ...base.Service) registry.Factory {
	byID := make(map[string]base.Service, len(builtins))
	for _, svc := range builtins {
		byID[svc.ID()] = svc
	}
	return func(d registry.Descriptor) (base.Service, error) {
		if svc, ok := byID[d.ID]; ok {
			return svc, nil
		}
		return base.FromDescriptor(d, logger.Named(d.ID)), nil
	}
}

// registerConfigured registers the enabled services of servicesCfg that are
// not live yet. Services restored from the snapshot or registered by an
// earlier load are skipped; removed entries stay registered.
func registerConfigured(ctx context.Context, servicesCfg *config.ServicesConfig, reg *registry.Registry, logger *logging.Logger) {
	var pending []registry.Descriptor
	for _, d := range servicesCfg.Descriptors() {
		if _, ok := reg.Lookup(d.ID); ok {
			continue
		}
		pending = append(pending, d)
	}
	if len(pending) == 0 {
		return
	}
	ids, err := reg.RegisterDescriptors(ctx, pending)
	if err != nil {
		logger.WithError(err).Warn("some configured services were not registered")
	}
	logger.WithField("services", ids).Info("configured services registered")
}

func logExpired(ctx context.Context, keys <-chan string, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-keys:
			if !ok {
				return
			}
			logger.WithField("key", key).Debug("key expired")
		}
	}
}
