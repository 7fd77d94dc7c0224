package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	"github.com/SukunDev/emo-chan-gui/internal/core/services"
	"github.com/SukunDev/emo-chan-gui/internal/infrastructure/audio"
	"github.com/SukunDev/emo-chan-gui/internal/infrastructure/ble"
	"github.com/SukunDev/emo-chan-gui/internal/infrastructure/ble/bluez"
	"github.com/SukunDev/emo-chan-gui/internal/infrastructure/discovery"
	"github.com/SukunDev/emo-chan-gui/internal/infrastructure/distributed"
	"github.com/SukunDev/emo-chan-gui/internal/infrastructure/media/mpris"
	"github.com/SukunDev/emo-chan-gui/internal/infrastructure/middleware"
	"github.com/SukunDev/emo-chan-gui/internal/infrastructure/monitoring"
	"github.com/SukunDev/emo-chan-gui/internal/infrastructure/notifications"
	wsignal "github.com/SukunDev/emo-chan-gui/internal/infrastructure/signal"
	"github.com/SukunDev/emo-chan-gui/pkg/circuitbreaker"
	"github.com/SukunDev/emo-chan-gui/pkg/config"
	apperrors "github.com/SukunDev/emo-chan-gui/pkg/errors"
	"github.com/SukunDev/emo-chan-gui/pkg/instancelock"
	"github.com/SukunDev/emo-chan-gui/pkg/logger"
	"github.com/SukunDev/emo-chan-gui/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitLockHeld = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	host := flag.String("host", "", "listen host (default from config, 127.0.0.1)")
	port := flag.Int("port", 0, "listen port (default from config, 8765)")
	configPath := flag.String("config", "configs/config.yaml", "path to YAML config")
	browse := flag.Duration("discover", 0, "browse the LAN for listeners for this long, print them and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emo-listener: %v\n", err)
		return exitFailure
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "emo-listener: invalid configuration: %v\n", err)
		return exitFailure
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *browse > 0 {
		return discover(cfg, *browse, log)
	}

	lock, err := instancelock.Acquire(cfg.Instance.LockFile)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeLockHeld) {
			log.Errorw("Another listener is already running", "lock_file", cfg.Instance.LockFile)
			return exitLockHeld
		}
		log.Errorw("Failed to acquire instance lock", "error", err)
		return exitFailure
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnw("Failed to release instance lock", "error", err)
		}
	}()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "emo-listener",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "desktop",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("Tracing disabled", "error", err)
		tp = &tracing.TracerProvider{}
	}

	var metrics ports.MetricsRecorder = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Wireless peer. Any failure here leaves the listener running without it.
	var (
		link      *ble.ReconnectingLink
		transport *bluez.Transport
	)
	if cfg.Link.Enabled {
		transport, err = bluez.NewTransport(cfg.Link.Adapter, log)
		if err != nil {
			log.Warnw("Bluetooth unavailable, wireless peer disabled", "error", err)
		} else {
			link = ble.NewReconnectingLink(transport, log,
				ble.WithReconnectDelay(cfg.Link.ReconnectDelay),
				ble.WithScanTimeout(cfg.Link.ScanTimeout),
				ble.WithConnectTimeout(cfg.Link.ConnectTimeout),
				ble.WithMetrics(metrics),
			)
		}
	}

	var redisClient *redis.Client
	hubOpts := []wsignal.HubOption{
		wsignal.WithHeartbeatInterval(cfg.Signal.HeartbeatInterval),
		wsignal.WithHubMetrics(metrics),
		wsignal.WithWirelessBreaker(circuitbreaker.New(circuitbreaker.Config{
			Name:                "wireless",
			FailureThreshold:    cfg.Link.BreakerFailures,
			SuccessThreshold:    1,
			Cooldown:            cfg.Link.BreakerCooldown,
			MaxRequestsHalfOpen: 1,
		})),
	}
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Warnw("Event mirror disabled", "error", err)
			redisClient = nil
		} else {
			instanceID := fmt.Sprintf("%s:%d", cfg.Discovery.Instance, os.Getpid())
			hubOpts = append(hubOpts, wsignal.WithMirror(distributed.NewEventBus(redisClient, instanceID, cfg.Redis.Channel, log)))
		}
	}

	var (
		status   ports.LinkStatusProvider
		wireless ports.WirelessSink
		managed  ports.ManagedLink
		control  ports.LinkController
	)
	if link != nil {
		status, wireless, managed, control = link, link, link, link
	}
	hub := wsignal.NewHub(status, wireless, log, hubOpts...)

	serverCfg := wsignal.ServerConfig{
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		WriteTimeout:    cfg.Signal.WriteTimeout,
		MaxMessageBytes: cfg.Signal.MaxMessageBytes,
	}
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := wsignal.NewWebSocketServer(hub, control, serverCfg, log, metrics)

	// Local sources. Each one may be missing on this platform; the
	// orchestrator announces what could not start.
	var tracker *services.MediaSessionTracker
	var mediaSource *mpris.Source
	if cfg.Media.Enabled {
		mediaSource, err = mpris.NewSource(log)
		if err != nil {
			log.Warnw("Media session source unavailable", "error", err)
		} else {
			tracker = services.NewMediaSessionTracker(mediaSource, log, services.WithTrackerMetrics(metrics))
		}
	}

	var audioSource ports.AudioSource
	if cfg.Audio.Enabled {
		audioSource = audio.NewLoopbackCapture(audio.Config{
			SampleRate: cfg.Audio.SampleRate,
			ChunkSize:  cfg.Audio.ChunkSize,
			Loopback:   cfg.Audio.Loopback,
		}, log)
	}

	var notes ports.NotificationSource
	if cfg.Notifications.Enabled {
		notes = notifications.NewMonitor(cfg.Notifications.Buffer, log)
	}

	orch := services.NewOrchestrator(services.OrchestratorConfig{
		PollInterval: cfg.Media.PollInterval,
		TickInterval: cfg.Media.TickInterval,
		Thresholds: services.Thresholds{
			Amplitude: cfg.Filter.AmplitudeThreshold,
			RMSDelta:  cfg.Filter.RMSDeltaThreshold,
		},
	}, services.OrchestratorDeps{
		Tracker:       tracker,
		Audio:         audioSource,
		Notifications: notes,
		Hub:           hub,
		Link:          managed,
		Logger:        log,
		Metrics:       metrics,
	})

	health := monitoring.NewHealthChecker()
	if link != nil {
		health.AddLinkCheck(link)
	}
	if audioSource != nil {
		health.AddAudioCheck(orch.AudioActive)
	}
	if redisClient != nil {
		health.AddRedisCheck(redisClient, 2*time.Second)
	}

	router := newRouter(cfg, wsServer, health, func() map[string]any {
		details := map[string]any{"clients": hub.ClientCount()}
		if link != nil {
			details["link"] = link.Status()
			details["link_state"] = link.State().String()
		}
		return details
	}, log)

	listener, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		log.Errorw("Failed to bind listening socket", "address", cfg.Address(), "error", err)
		return exitFailure
	}

	if err := orch.Start(ctx); err != nil {
		log.Errorw("Failed to start orchestrator", "error", err)
		listener.Close()
		return exitFailure
	}

	srv := &http.Server{
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting emo listener", "address", cfg.Address())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var advertiser *discovery.Advertiser
	if cfg.Discovery.Enabled {
		advertiser = discovery.NewAdvertiser(discovery.Config{
			Instance: cfg.Discovery.Instance,
			Service:  cfg.Discovery.Service,
			Domain:   cfg.Discovery.Domain,
			Port:     cfg.Server.Port,
			Text:     []string{"path=/ws"},
		}, log)
		if err := advertiser.Start(); err != nil {
			log.Warnw("mDNS advertisement disabled", "error", err)
			advertiser = nil
		}
	}

	code := exitOK
	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
		code = exitFailure
	case <-ctx.Done():
		log.Infow("Received shutdown signal")
	}

	log.Info("Shutting down emo listener...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if advertiser != nil {
		advertiser.Stop()
	}

	// link, tracker and sources, hub; the socket goes last
	if err := orch.Stop(shutdownCtx); err != nil {
		log.Errorw("Error stopping orchestrator", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if mediaSource != nil {
		mediaSource.Close()
	}
	if transport != nil {
		transport.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}

	log.Info("Emo listener stopped")
	return code
}

func newRouter(cfg *config.Config, ws *wsignal.WebSocketServer, health *monitoring.HealthChecker, details func() map[string]any, log *zap.SugaredLogger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log), middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	router.GET("/ws", middleware.NewConnectionRateLimitMiddleware(cfg), gin.WrapF(ws.HandleWebSocket))
	router.GET("/health", health.Handler(details))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}
	return router
}

func discover(cfg *config.Config, d time.Duration, log *zap.SugaredLogger) int {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	found, err := discovery.Browse(ctx, cfg.Discovery.Service, cfg.Discovery.Domain, log)
	if err != nil {
		log.Errorw("Discovery failed", "error", err)
		return exitFailure
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(found); err != nil {
		return exitFailure
	}
	return exitOK
}
