package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"go.uber.org/zap"

	"github.com/troikatech/pbx-bridge/internal/api/handlers"
	"github.com/troikatech/pbx-bridge/internal/bridge"
	"github.com/troikatech/pbx-bridge/pkg/ari"
	"github.com/troikatech/pbx-bridge/pkg/audio"
	"github.com/troikatech/pbx-bridge/pkg/env"
	"github.com/troikatech/pbx-bridge/pkg/logger"
	"github.com/troikatech/pbx-bridge/pkg/metrics"
	"github.com/troikatech/pbx-bridge/pkg/middleware"
	"github.com/troikatech/pbx-bridge/pkg/otel"
	"github.com/troikatech/pbx-bridge/pkg/presence"
	"github.com/troikatech/pbx-bridge/pkg/speech"
)

// BridgeServer combines the call orchestrator, the media bridge, and the
// admin API in one process.
type BridgeServer struct {
	cfg         *env.Config
	redisClient *redis.Client
	ariClient   *ari.Client
	handler     *handlers.Handler
}

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize OpenTelemetry if enabled
	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing("pbx-bridge", "1.0.0", cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	format := audio.Format{
		SampleRate:    cfg.SampleRate,
		SampleWidth:   cfg.SampleWidth,
		FrameDuration: cfg.FrameDuration,
	}
	if err := format.Validate(); err != nil {
		logger.Log.Fatal("Invalid audio format", zap.Error(err))
	}

	logger.Log.Info("Starting PBX Bridge (orchestrator + media + API)",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.AppPort),
		zap.String("audio_format", format.Name()),
		zap.Int("frame_bytes", format.FrameBytes()),
	)

	// Initialize Redis
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	// Initialize the PBX control channel
	ariClient := ari.NewClient(cfg.ARIURL, cfg.ARIUsername, cfg.ARIPassword, cfg.ARIAppName, logger.Log)
	if err := ariClient.Connect(ctx); err != nil {
		logger.Log.Fatal("Failed to connect to PBX control plane", zap.Error(err))
	}

	// Prometheus registry with the standard process collectors
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	// Speech pipeline: external gateway when configured, local echo otherwise
	var pipeline bridge.SpeechPipeline
	if cfg.SpeechGatewayURL != "" {
		pipeline = speech.NewGateway(cfg.SpeechGatewayURL, cfg.SpeechGatewayTimeout, cfg.SinkQueueSize, logger.Log)
		logger.Log.Info("Speech gateway configured", zap.String("url", cfg.SpeechGatewayURL))
	} else {
		pipeline = speech.NewLoopback(cfg.SinkQueueSize)
		logger.Log.Warn("No speech gateway configured, audio will be echoed back")
	}

	registry := bridge.NewRegistry()
	ports := bridge.NewPortAllocator(cfg.MediaPortMin, cfg.MediaPortMax, m)

	opts := &bridge.Options{
		Control:       ariClient,
		Speech:        pipeline,
		Ports:         ports,
		Registry:      registry,
		Presence:      presence.NewStore(redisClient, 24*time.Hour),
		Metrics:       m,
		Logger:        logger.Log,
		AppName:       cfg.ARIAppName,
		MediaHost:     cfg.MediaHost,
		Format:        format,
		AcceptTimeout: cfg.AcceptTimeout,
		HangupGrace:   cfg.HangupGrace,
		SinkQueueSize: cfg.SinkQueueSize,
		SinkTimeout:   cfg.SinkTimeout,
	}

	// Subscribe to the control event feed before serving anything else
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	events, err := ariClient.Events(rootCtx)
	if err != nil {
		logger.Log.Fatal("Failed to open control event feed", zap.Error(err))
	}

	dispatcher := bridge.NewDispatcher(opts, cfg.DispatchWorkers)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(rootCtx, events)
	}()

	// Initialize admin API handler
	apiHandler := handlers.NewHandler(cfg, redisClient, ariClient, registry, ports, promRegistry)

	server := &BridgeServer{
		cfg:         cfg,
		redisClient: redisClient,
		ariClient:   ariClient,
		handler:     apiHandler,
	}

	router := server.setupRouter()

	srv := &http.Server{
		Addr:         ":" + cfg.AppPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Log.Info("PBX Bridge listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	// Stop taking control events, tear down live calls, then drain the API.
	rootCancel()
	for _, s := range registry.Drain() {
		s.Teardown(context.Background(), bridge.ReasonOperator)
	}
	select {
	case <-dispatcherDone:
	case <-time.After(10 * time.Second):
		logger.Log.Warn("Dispatcher did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Log.Info("Server exited")
}

func (s *BridgeServer) setupRouter() *gin.Engine {
	if s.cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())

	// Add OpenTelemetry middleware if enabled
	if s.cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}

	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s\n",
			param.TimeStamp.Format(time.RFC3339),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
		)
	}))

	// CORS
	corsConfig := cors.DefaultConfig()
	if s.cfg.CORSAllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{s.cfg.CORSAllowedOrigins}
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	rateLimiter := middleware.NewRateLimiter(s.redisClient, s.cfg.APIRateLimitRPM)

	// Health check and metrics
	router.GET("/health", s.handler.HealthCheck)
	router.GET("/metrics", s.handler.GetMetrics)
	router.GET("/metrics/prometheus", s.handler.GetPrometheusMetrics)

	// API endpoints (protected)
	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(s.cfg.JWTSecret))
	api.Use(rateLimiter.Middleware())
	{
		calls := api.Group("/calls")
		{
			calls.GET("", s.handler.ListCalls)
			calls.GET("/:call_id", s.handler.GetCall)
			calls.DELETE("/:call_id", s.handler.HangupCall)
		}
	}

	return router
}
