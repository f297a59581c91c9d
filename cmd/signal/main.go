package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
	"streamgrid/internal/core/services"
	"streamgrid/internal/infrastructure/distributed"
	"streamgrid/internal/infrastructure/engine"
	"streamgrid/internal/infrastructure/monitoring"
	"streamgrid/internal/infrastructure/nodeapi"
	"streamgrid/internal/infrastructure/repositories/memory"
	redisrepo "streamgrid/internal/infrastructure/repositories/redis"
	signalinfra "streamgrid/internal/infrastructure/signal"
	"streamgrid/pkg/config"
	pkgdistributed "streamgrid/pkg/distributed"
	"streamgrid/pkg/logger"
	"streamgrid/pkg/tracing"
	"streamgrid/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redisclient "github.com/redis/go-redis/v9"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/streamgrid/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	node := domain.NodeInfo{
		InstanceID: utils.NewInstanceID(),
		Host:       cfg.Node.Host,
		APIPort:    cfg.Node.APIPort,
	}
	log.Infow("starting signal node", "instance_id", node.InstanceID, "host", node.Host)

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "streamgrid-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Persistence and coordination: Redis when configured, in-process
	// fallbacks for single-node deployments.
	var (
		redisC     *redisclient.Client
		workerRepo ports.WorkerRepository
		roomRepo   ports.RoomRepository
		routerRepo ports.RouterRepository
		streamRepo ports.StreamRepository
		transports ports.TransportRepository
		bus        ports.EventBus
		locker     ports.DomainLocker
	)
	if cfg.Redis.Enabled {
		redisC, err = redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		workerRepo = redisrepo.NewRedisWorkerRepository(redisC)
		roomRepo = redisrepo.NewRedisRoomRepository(redisC)
		routerRepo = redisrepo.NewRedisRouterRepository(redisC)
		streamRepo = redisrepo.NewRedisStreamRepository(redisC)
		transports = redisrepo.NewRedisTransportRepository(redisC, streamRepo)
		bus = distributed.NewRedisEventBus(redisC, node.InstanceID, log)
		locker = pkgdistributed.NewLockManager(redisC, "streamgrid:lock:", cfg.Lock.TTL)
		log.Info("using redis repositories")
	} else {
		workerRepo = memory.NewMemoryWorkerRepository()
		roomRepo = memory.NewMemoryRoomRepository()
		routerRepo = memory.NewMemoryRouterRepository()
		streamRepo = memory.NewMemoryStreamRepository()
		transports = memory.NewMemoryTransportRepository(workerRepo, streamRepo)
		bus = distributed.NewMemoryEventBus()
		locker = pkgdistributed.NewMemoryLockManager(cfg.Lock.TTL)
		log.Info("using in-memory repositories")
	}

	ctx := context.Background()

	announcedIP := cfg.Node.AnnouncedIP
	if announcedIP == "" {
		announcedIP = cfg.Node.Host
	}
	eng := engine.New(engine.Options{
		Binary:      cfg.Engine.Binary,
		AnnouncedIP: announcedIP,
		RTCPortMin:  cfg.Engine.RTCPortRange.Min,
		RTCPortMax:  cfg.Engine.RTCPortRange.Max,
	}, log)

	sourceIDs, err := eng.StartWorkers(ctx, "source", cfg.Engine.SourceWorkers)
	if err != nil {
		log.Fatalw("failed to start source engine processes", "error", err)
	}
	relayIDs, err := eng.StartWorkers(ctx, "relay", cfg.Engine.RelayWorkers)
	if err != nil {
		eng.Close()
		log.Fatalw("failed to start relay engine processes", "error", err)
	}

	specs := make([]services.WorkerSpec, 0, len(sourceIDs)+len(relayIDs))
	for _, id := range sourceIDs {
		specs = append(specs, services.WorkerSpec{ProcessID: id, Role: domain.RoleSource, MaxCapacity: cfg.Engine.WorkerCapacity})
	}
	for _, id := range relayIDs {
		specs = append(specs, services.WorkerSpec{ProcessID: id, Role: domain.RoleRelay, MaxCapacity: cfg.Engine.WorkerCapacity})
	}

	placement := services.NewPlacementService(workerRepo, node, specs, log)
	if err := placement.RegisterLocal(ctx); err != nil {
		eng.Close()
		log.Fatalw("failed to register local workers", "error", err)
	}

	var metrics ports.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	} else {
		metrics = monitoring.NewNoopMetrics()
	}

	local := services.NewLocalGateway(eng, routerRepo, transports, streamRepo, log)
	gateways := services.NewGatewayResolver(node, local, nodeapi.NewDialer(log))

	routerSvc := services.NewRouterService(roomRepo, routerRepo, transports, workerRepo, placement, gateways, node, log)
	relaySvc := services.NewRelayService(routerRepo, workerRepo, placement, gateways, local, locker, metrics, log)

	// ICE servers handed to clients (STUN/TURN from config)
	var iceServers []webrtc.ICEServer
	if len(cfg.WebRTC.ICEServers) > 0 {
		for _, s := range cfg.WebRTC.ICEServers {
			iceServers = append(iceServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	} else {
		// Fallback STUN server if not configured
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	roomSvc := services.NewRoomService(node, routerSvc, relaySvc, placement, gateways, workerRepo, routerRepo, streamRepo, bus, iceServers, metrics, log)
	if err := roomSvc.Start(ctx); err != nil {
		log.Fatalw("failed to start room service", "error", err)
	}

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	apiServer := nodeapi.NewServer(local, log)
	apiServer.Register(router)

	healthChecker := monitoring.NewHealthChecker(workerRepo, node)
	router.GET("/health", healthChecker.Handler)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Periodically export local worker load as gauges.
	loadCtx, stopLoadPoll := context.WithCancel(ctx)
	go pollWorkerLoad(loadCtx, workerRepo, node, metrics)

	wsServer := signalinfra.NewWebSocketServer(roomSvc, cfg, log)
	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/ws", wsServer.HandleWebSocket)

	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Node.APIPort),
		Handler: router,
	}
	signalSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Node.SignalPort),
		Handler: signalMux,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infof("Starting node API server on %s", apiSrv.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infof("Starting signaling server on %s", signalSrv.Addr)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down signal node...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	stopLoadPoll()
	wsServer.Shutdown(shutdownCtx)

	if err := signalSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during signaling server shutdown", "error", err)
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during API server shutdown", "error", err)
	}

	roomSvc.Stop()

	// Deregistration runs to completion before the process exits so peer
	// nodes stop placing load here.
	if err := placement.DeregisterLocal(shutdownCtx); err != nil {
		log.Errorw("failed to deregister local workers", "error", err)
	}

	eng.Close()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}
	if redisC != nil {
		if err := redisrepo.CloseRedisClient(redisC); err != nil {
			log.Errorw("error closing redis client", "error", err)
		}
	}

	log.Info("signal node stopped")
}

func pollWorkerLoad(ctx context.Context, workers ports.WorkerRepository, node domain.NodeInfo, metrics ports.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := workers.ListByAddress(ctx, node.Host, node.APIPort)
			if err != nil {
				continue
			}
			for _, w := range rows {
				metrics.SetWorkerLoad(string(w.ID), string(w.Role), float64(w.CurrentLoad))
			}
		}
	}
}
