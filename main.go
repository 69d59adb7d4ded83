package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/agentrouter/backend/src/config"
	"github.com/agentrouter/backend/src/database"
	"github.com/agentrouter/backend/src/handlers"
	"github.com/agentrouter/backend/src/logging"
	"github.com/agentrouter/backend/src/middleware"
	"github.com/agentrouter/backend/src/repositories/postgres"
	"github.com/agentrouter/backend/src/services"
)

func main() {
	cfg := config.Load()

	logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	log.Info().
		Int("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Msg("starting server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.New(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	log.Info().Msg("database connected")

	policy, err := services.LoadPlanPolicy(cfg.PlanPolicyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load plan policy")
	}
	if cfg.PlanPolicyPath != "" {
		log.Info().Str("path", cfg.PlanPolicyPath).Msg("plan policy overrides loaded")
	}

	store := postgres.NewKeyStore(db.GetPool())
	keyService := services.NewKeyService(store, policy)
	authorizer := services.NewAuthorizer(keyService, store, policy)
	meter := services.NewUsageMeter(store, logging.NewLogger("usage_meter"))
	modelRouter := services.NewModelRouter()

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware())
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if strings.HasPrefix(origin, "http://localhost") {
				return true
			}
			for _, allowed := range strings.Split(cfg.AllowedOrigins, ",") {
				if allowed != "" && origin == strings.TrimSpace(allowed) {
					return true
				}
			}
			return false
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, db, cfg, keyService, authorizer, meter, modelRouter)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server shut down successfully")
}

func setupRoutes(router *gin.Engine, db *database.Database, cfg *config.Config, keyService *services.KeyService, authorizer *services.Authorizer, meter *services.UsageMeter, modelRouter *services.ModelRouter) {
	healthHandler := handlers.NewHealthHandler(db)
	keysHandler := handlers.NewKeysHandler(keyService)
	routeHandler := handlers.NewRouteHandler(modelRouter, authorizer, meter, logging.NewLogger("route"))

	router.GET("/health", healthHandler.HandleHealth)
	router.GET("/ready", healthHandler.HandleReady)

	rateLimit := middleware.NewRateLimitingMiddleware(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		Burst:             cfg.RateLimitBurst,
	})

	// Key management
	keys := router.Group("/api/keys")
	keys.Use(rateLimit)
	{
		keys.POST("", middleware.OptionalAPIKeyAuth(keyService), keysHandler.HandleIssue)
		keys.GET("", middleware.APIKeyAuth(authorizer), keysHandler.HandleList)
		keys.DELETE("/:id", middleware.APIKeyAuth(authorizer), keysHandler.HandleDeactivate)
		keys.GET("/:id/usage", middleware.APIKeyAuth(authorizer), keysHandler.HandleUsageStats)
	}

	// Data plane, quota gated
	v1 := router.Group("/api/v1")
	v1.Use(rateLimit, middleware.APIKeyAuth(authorizer))
	{
		v1.GET("/validate", keysHandler.HandleValidate)
		v1.POST("/route", routeHandler.HandleRoute)
	}
}
