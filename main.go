package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ripgraphics/authorsinfo-realtime/config"
	"github.com/ripgraphics/authorsinfo-realtime/db"
	"github.com/ripgraphics/authorsinfo-realtime/handlers"
	"github.com/ripgraphics/authorsinfo-realtime/middleware"
	"github.com/ripgraphics/authorsinfo-realtime/services"
	"github.com/ripgraphics/authorsinfo-realtime/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger(cfg.Environment)

	// Connect to database
	database, err := db.Connect(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}

	// Connect to Redis
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	redisClient, err := services.NewRedisClient(startupCtx, cfg)
	startupCancel()
	if err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}
	defer redisClient.Close()

	// Wire the realtime store from its collaborators. Everything lives on
	// this composition root; no package-level state.
	presenceChannel := services.NewRedisPresenceChannel(redisClient, logger, cfg.PresenceTTL, cfg.SyncInterval)
	broadcastChannel := services.NewRedisBroadcastChannel(redisClient, logger)
	activityRepo := services.NewActivityRepository(database)
	feedSnapshot := services.NewFeedSnapshot(cfg.FeedSnapshotPath)

	policy := utils.RetryPolicy{
		AttemptTimeout: cfg.RequestTimeout,
		MaxRetries:     cfg.RetryLimit,
	}

	store := services.NewRealtimeStore(presenceChannel, broadcastChannel, activityRepo, feedSnapshot, policy, logger)
	defer store.Disconnect()

	// Websocket hub fans store events out to connected sessions
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()

	hub := handlers.NewHub(logger)
	store.AddListener(hub.PublishEvent)
	go hub.Run(hubCtx)

	// Initialize handlers
	presenceHandler := handlers.NewPresenceHandler(store, logger)
	activityHandler := handlers.NewActivityHandler(store, activityRepo, logger)
	wsHandler := handlers.NewWSHandler(hub, store, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS())

	// Health check endpoint
	router.GET("/health", handlers.Health(store))

	// Websocket endpoint (token accepted via query parameter)
	router.GET("/ws", middleware.Auth(cfg.JWTSecret), wsHandler.Serve)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.JWTSecret))
	{
		presence := v1.Group("/presence")
		{
			presence.POST("/heartbeat", presenceHandler.Heartbeat)
			presence.GET("/status", presenceHandler.GetStatus)
			presence.GET("/online", presenceHandler.GetOnline)
		}

		activities := v1.Group("/activities")
		{
			activities.POST("", activityHandler.Create)
			activities.GET("/feed", activityHandler.Feed)
			activities.GET("/stream", activityHandler.Stream)
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting Realtime Service", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop fan-out and realtime channels before the HTTP listener
	hubCancel()
	store.Disconnect()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
