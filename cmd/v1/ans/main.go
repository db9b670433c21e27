package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfloor-dev/floor-manager/internal/v1/config"
	"github.com/openfloor-dev/floor-manager/internal/v1/directory"
	"github.com/openfloor-dev/floor-manager/internal/v1/health"
	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/middleware"
	"github.com/openfloor-dev/floor-manager/internal/v1/ratelimit"
	"github.com/openfloor-dev/floor-manager/internal/v1/transport"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// Default identity the directory answers envelopes with.
const defaultDirectoryURI = "tag:openfloor.dev,2025:agent-name-service"

func main() {
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

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	logging.Initialize(cfg.DevelopmentMode)

	directoryURI := os.Getenv("ANS_SPEAKER_URI")
	if directoryURI == "" {
		directoryURI = defaultDirectoryURI
	}

	store := directory.NewStore()
	service := directory.NewService(store, types.SpeakerURIType(directoryURI), os.Getenv("ANS_SERVICE_URL"))

	// The directory runs standalone; its rate limiter always uses memory.
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, nil)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.Default()

	corsConfig := cors.DefaultConfig()
	if origins := cfg.AllowedOrigins(nil); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		// Public directory: any origin may query it.
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, middleware.HeaderXCorrelationID)
	engine.Use(cors.New(corsConfig))
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())

	transport.NewDirectoryHandler(service, rateLimiter).RegisterRoutes(engine)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(nil).WithManifestCount(store.Count)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		slog.Info("Agent name service starting", "port", cfg.Port, "speakerUri", directoryURI)
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

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exiting")
}
