package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"castrelay/internal/core/ports"
	"castrelay/internal/core/services"
	httphandlers "castrelay/internal/handlers/http"
	"castrelay/internal/infrastructure/distributed"
	"castrelay/internal/infrastructure/kurento"
	"castrelay/internal/infrastructure/middleware"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/internal/infrastructure/repositories/memory"
	signalinfra "castrelay/internal/infrastructure/signal"
	webrtcinfra "castrelay/internal/infrastructure/webrtc"
	"castrelay/pkg/circuitbreaker"
	"castrelay/pkg/config"
	"castrelay/pkg/logger"
	"castrelay/pkg/retry"
	"castrelay/pkg/tracing"
	"castrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	startTime := time.Now()

	envFiles, err := config.LoadDotEnv(".env")
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load env file", "error", err)
	}

	cfg, cfgPath, err := config.LoadFirst(
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "path", cfgPath, "error", err)
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	log.Infow("configuration loaded", "path", cfgPath, "env_files", envFiles)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "castrelay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Shared media setup; nothing listens before the source is playing.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	media, err := services.BootstrapMedia(
		bootCtx,
		newMediaConnector(cfg, log),
		cfg.Media.URI,
		cfg.Media.StreamURI,
		retry.Config{
			MaxAttempts:  cfg.Media.ConnectRetry.Attempts,
			InitialDelay: cfg.Media.ConnectRetry.InitialDelay,
			MaxDelay:     cfg.Media.ConnectRetry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		log,
	)
	bootCancel()
	if err != nil {
		log.Errorw("media initialization failed", "driver", cfg.Media.Driver, "error", err)
		tp.Shutdown(context.Background())
		os.Exit(1)
	}

	registry := memory.NewSessionRegistry()
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	observers := services.Observers{collector}

	healthChecker := monitoring.NewHealthChecker(log)
	healthChecker.AddMediaCheck(media, 30*time.Second, 5*time.Second)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	var eventBus *distributed.EventBus
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(bgCtx, distributed.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			log.Errorw("failed to create redis client", "error", err)
			media.Close(context.Background())
			os.Exit(1)
		}
		healthChecker.AddRedisCheck(redisClient, 30*time.Second, 2*time.Second)

		eventBus = distributed.NewEventBus(redisClient, redisClient, cfg.Redis.Channel, utils.GenerateInstanceID(), log)
		observers = append(observers, eventBus)

		go func() {
			err := eventBus.Subscribe(bgCtx, func(event *distributed.Event) error {
				log.Debugw("remote session event",
					"type", event.Type,
					"instance_id", event.InstanceID,
					"session_id", event.SessionID,
				)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("event subscription ended", "error", err)
			}
		}()
	}
	healthChecker.StartBackgroundChecks(bgCtx)

	viewerService := services.NewViewerService(registry, media, observers, log)

	wsServer := signalinfra.NewWebSocketServer(viewerService, signalinfra.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MaxMessageBytes:   cfg.Signal.MaxMessageBytes,
		MessagesPerSecond: cfg.Signal.MessagesPerSecond,
		Burst:             cfg.Signal.Burst,
	}, collector, log)

	sessionHandler := httphandlers.NewSessionHandler(registry, viewerService)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(log),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	api := router.Group("/api/v1")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	sessionHandler.SetupRoutes(api)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectionCount(),
			"sessions":    registry.Count(),
		})
	})

	// Readiness covers the media server and redis when enabled
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		status := healthChecker.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Static client files
	static := http.FileServer(http.Dir(cfg.Server.StaticDir))
	router.NoRoute(gin.WrapH(static))

	// WriteTimeout stays unset on the server: it would cut long-lived
	// websocket connections.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting castrelay signaling server",
			"address", cfg.Server.Address,
			"signal_path", cfg.Signal.Path,
			"media_driver", cfg.Media.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
		exitCode = 1
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down castrelay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Hijacked websocket connections are not covered by srv.Shutdown.
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error closing signaling connections", "error", err)
	}

	bgCancel()
	if eventBus != nil {
		eventBus.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("Error closing redis client", "error", err)
		}
	}

	if err := media.Close(shutdownCtx); err != nil {
		log.Errorw("Error releasing media objects", "error", err)
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("castrelay stopped")
	if exitCode != 0 {
		zapLogger.Sync()
		os.Exit(exitCode)
	}
}

// newMediaConnector picks the media control adapter for cfg.Media.Driver.
func newMediaConnector(cfg *config.Config, log *zap.SugaredLogger) ports.MediaConnector {
	if cfg.Media.Driver == config.MediaDriverLocal {
		var iceServers []webrtc.ICEServer
		for _, s := range cfg.WebRTC.ICEServers {
			iceServers = append(iceServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
		if len(iceServers) == 0 {
			// Fallback STUN server if not configured
			iceServers = []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			}
		}

		local := webrtcinfra.Config{ICEServers: iceServers, Codec: cfg.WebRTC.Codec}
		local.PortRange.Min = cfg.WebRTC.PortRange.Min
		local.PortRange.Max = cfg.WebRTC.PortRange.Max
		return webrtcinfra.NewConnector(local, log.Named("webrtc"))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Media.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Media.Breaker.SuccessThreshold,
		Timeout:          cfg.Media.Breaker.OpenTimeout,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		log.Warnw("media breaker state changed", "from", from.String(), "to", to.String())
	})

	return kurento.NewConnector(kurento.Options{
		RequestTimeout: cfg.Media.RequestTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		Breaker:        breaker,
	}, log.Named("kurento"))
}
