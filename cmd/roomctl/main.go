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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	"roomctl/internal/core/services"
	httphandlers "roomctl/internal/handlers/http"
	"roomctl/internal/infrastructure/distributed"
	"roomctl/internal/infrastructure/middleware"
	"roomctl/internal/infrastructure/monitoring"
	"roomctl/internal/infrastructure/rabbitmq"
	"roomctl/internal/infrastructure/reliability"
	"roomctl/internal/infrastructure/repositories"
	control "roomctl/internal/infrastructure/signal"
	"roomctl/pkg/config"
	"roomctl/pkg/logger"
	"roomctl/pkg/tracing"
)

// loadConfig reads the first config file found. Missing files fall back to
// defaults plus environment overrides.
func loadConfig(explicit string) (*config.Config, error) {
	if explicit != "" {
		return config.Load(explicit)
	}
	configPaths := []string{
		"configs/config.yaml",
		"/etc/roomctl/config.yaml",
		"config.yaml",
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.Load(configPaths[0])
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level).With(zap.String("controller", cfg.Controller.ID))
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Broker
	conn := rabbitmq.NewConnection(rabbitmq.Config{
		URL:      cfg.RabbitMQ.URL,
		Attempts: cfg.RabbitMQ.ConnAttempts,
		WaitTime: cfg.RabbitMQ.ConnWait,
	}, zapLogger)
	if err := conn.AttemptConnect(); err != nil {
		log.Fatalw("failed to connect to RabbitMQ", "error", err)
	}
	rpc, err := rabbitmq.NewClient(conn.Channel, cfg.RabbitMQ.NodeExchange, zapLogger,
		rabbitmq.WithTimeout(cfg.RabbitMQ.ReplyTimeout))
	if err != nil {
		log.Fatalw("failed to start RPC client", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	// A node answering with an error is alive; only transport failures trip its breaker.
	nodeBreaker := cfg.MediaNode.CircuitBreaker
	nodeBreaker.IsFailure = func(err error) bool { return !rabbitmq.IsRemoteError(err) }
	mediaNode := reliability.NewMediaNodeWrapper(rabbitmq.NewMediaNodeClient(rpc), collector, nodeBreaker, log)
	scheduler := reliability.NewSchedulerWrapper(
		rabbitmq.NewSchedulerClient(rpc, cfg.RabbitMQ.SchedulerQueue, cfg.Scheduler.ReserveTime),
		cfg.Scheduler.Retry,
		cfg.Scheduler.CircuitBreaker,
		log,
	)

	// Room documents
	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	roomRepo, err := repoFactory.CreateRoomRepository(ctx)
	if err != nil {
		log.Fatalw("failed to create room repository", "error", err)
	}

	events := services.NewFanoutPublisher()
	var (
		ownership ports.RoomOwnership
		registry  *distributed.RoomRegistry
		eventBus  *distributed.EventBus
	)
	if client := repoFactory.RedisClient(); client != nil {
		eventBus = distributed.NewEventBus(client, cfg.Controller.ID, distributed.Channels{
			Events: cfg.Redis.EventChannel,
			Faults: cfg.Redis.FaultChannel,
		}, log)
		events.Add(eventBus)
		registry = distributed.NewRoomRegistry(client, cfg.Controller.ID, cfg.Redis.OwnershipTTL, log)
		ownership = registry
	}

	manager := services.NewRoomManager(
		services.RoomControllerConfig{
			ControllerID:         cfg.Controller.ID,
			InternalConnProtocol: cfg.Controller.InternalConnProtocol,
			Origin:               domain.Origin{ISP: cfg.Controller.Origin.ISP, Region: cfg.Controller.Origin.Region},
			RPCTimeout:           cfg.Controller.RPCTimeout,
		},
		roomRepo,
		ownership,
		services.RoomDependencies{
			Node:      mediaNode,
			Allocator: services.NewNodeAllocator(scheduler, cfg.Controller.Cluster, zapLogger),
			Events:    events,
			Metrics:   collector,
			Logger:    zapLogger,
		},
	)

	onFault := func(ctx context.Context, fault domain.Fault) {
		collector.RecordFault(fault)
		if fault.Scope == domain.FaultScopeNode {
			mediaNode.Forget(fault.ID)
		}
		manager.OnFaultDetected(ctx, fault)
	}
	brokerFault := onFault
	if eventBus != nil {
		brokerFault = func(ctx context.Context, fault domain.Fault) {
			onFault(ctx, fault)
			if err := eventBus.PublishFault(ctx, fault); err != nil {
				log.Warnw("failed to relay fault", "fault", fault.ID, "error", err)
			}
		}
	}
	faults := rabbitmq.NewFaultConsumer(conn.Channel, cfg.RabbitMQ.FaultExchange, brokerFault, zapLogger)

	wsServer := control.NewWebSocketServer(manager, control.Options{
		PingInterval:         cfg.Signal.PingInterval,
		PongTimeout:          cfg.Signal.PongTimeout,
		AllowedOrigins:       cfg.Signal.AllowedOrigins,
		MaxMessageSize:       cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		ConnectionsPerMinute: rateIf(cfg.RateLimiting.Enabled, cfg.RateLimiting.WebSocket.ConnectionsPerMinute),
		MessagesPerSecond:    rateIf(cfg.RateLimiting.Enabled, cfg.RateLimiting.WebSocket.MessagesPerSecond),
		MessageBurst:         cfg.RateLimiting.WebSocket.Burst,
		MaxConnections:       rateIf(cfg.RateLimiting.Enabled, cfg.RateLimiting.WebSocket.MaxConcurrent),
	}, log.Named("control"))
	events.Add(wsServer)

	// Health
	checker := monitoring.NewHealthChecker()
	checker.AddBrokerCheck(conn.Healthy)
	checker.AddRepositoryCheck(repoFactory.HealthCheck, 2*time.Second)
	checker.AddSchedulerCheck(scheduler.State)
	checker.AddNodeBreakerCheck(mediaNode.OpenBreakers)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 2*time.Second)
	}

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewRoomHandler(manager).SetupRoutes(router)
	httphandlers.NewConfigHandler(roomRepo).SetupRoutes(router)
	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = prometheus.DefaultGatherer
	}
	httphandlers.NewHealthHandler(checker, gatherer).SetupRoutes(router)
	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))
	router.GET(cfg.Signal.Path+"/health", gin.WrapF(wsServer.HealthCheck))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("Starting room controller", "address", cfg.Server.Address, "backend", repoFactory.Backend())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(faults.Run(gctx))
	})
	if eventBus != nil {
		g.Go(func() error {
			return ignoreCanceled(eventBus.SubscribeFaults(gctx, onFault))
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Monitoring.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				rooms := manager.Rooms()
				collector.SetActiveRooms(len(rooms))
				log.Debugw("controller status",
					"rooms", len(rooms),
					"control_connections", wsServer.ConnectionCount(),
					"open_node_breakers", mediaNode.OpenBreakers(),
					"scheduler_breaker", scheduler.State().String(),
				)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down room controller...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during server shutdown", "error", err)
			srv.Close()
		}
		manager.Shutdown(shutdownCtx)
		if registry != nil {
			registry.ReleaseAll(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("Room controller failed", "error", err)
	}

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Errorw("Error closing event bus", "error", err)
		}
	}
	if err := rpc.Shutdown(); err != nil {
		log.Errorw("Error closing RPC client", "error", err)
	}
	if err := conn.Close(); err != nil {
		log.Errorw("Error closing RabbitMQ connection", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(flushCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}

	log.Info("Room controller stopped")
}

func rateIf[T int | float64](enabled bool, v T) T {
	if !enabled {
		return 0
	}
	return v
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
