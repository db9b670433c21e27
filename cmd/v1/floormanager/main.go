package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/openfloor-dev/floor-manager/internal/v1/bus"
	"github.com/openfloor-dev/floor-manager/internal/v1/config"
	"github.com/openfloor-dev/floor-manager/internal/v1/floor"
	"github.com/openfloor-dev/floor-manager/internal/v1/health"
	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/manager"
	"github.com/openfloor-dev/floor-manager/internal/v1/middleware"
	"github.com/openfloor-dev/floor-manager/internal/v1/ratelimit"
	"github.com/openfloor-dev/floor-manager/internal/v1/router"
	"github.com/openfloor-dev/floor-manager/internal/v1/status"
	"github.com/openfloor-dev/floor-manager/internal/v1/tracing"
	"github.com/openfloor-dev/floor-manager/internal/v1/transport"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	logging.Initialize(cfg.DevelopmentMode)
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "floor-manager", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("Tracing initialized", "collector", collectorAddr)
		}
	}

	// --- Redis Bus Initialization (Optional) ---
	// Relays floor transitions across instances when enabled
	var busService *bus.Service
	if cfg.RedisEnabled {
		var err error
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, uuid.New().String())
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			slog.Info("Redis transition relay initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate Limiter ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Core Wiring ---
	hub := status.NewHub(config.DefaultSubscriberBuffer, cfg.HeartbeatInterval)

	var relay types.BusService
	if busService != nil {
		relay = busService
	}
	control := floor.NewControl(cfg.FloorMaxHoldTime, cfg.FloorQueueMax, hub, relay)

	var managerOpts []manager.Option
	if convener := os.Getenv("FLOOR_CONVENER_URI"); convener != "" {
		managerOpts = append(managerOpts, manager.WithConvener(types.SpeakerURIType(convener)))
		slog.Info("Floor convener configured", "speakerUri", convener)
	}
	mgr := manager.New(control, router.New(cfg.RouterTimeout, cfg.RouterQueueSize), managerOpts...)

	// Feed transitions relayed by other instances into the local hub.
	var relayWg sync.WaitGroup
	relayCtx, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()
	busService.SubscribeAll(relayCtx, &relayWg, func(p bus.TransitionPayload) {
		hub.Publish(p.Transition)
	})

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins([]string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, middleware.HeaderXCorrelationID)
	engine.Use(cors.New(corsConfig))
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())
	engine.Use(otelgin.Middleware("floor-manager"))

	allowedOrigins := cfg.AllowedOrigins([]string{"http://localhost:3000"})
	transport.NewHandler(mgr, hub, rateLimiter, allowedOrigins).RegisterRoutes(engine)

	// Prometheus metrics endpoint
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("Floor manager starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	relayCancel()
	relayWg.Wait()

	// Drop every subscription so streams close before the listener does
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}
	if err := control.Shutdown(ctx); err != nil {
		slog.Error("Error during floor control shutdown", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
