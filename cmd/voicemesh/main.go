package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/voicemesh/config"
	"github.com/mossy-p/voicemesh/internal/ai"
	"github.com/mossy-p/voicemesh/internal/arbiter"
	"github.com/mossy-p/voicemesh/internal/clock"
	"github.com/mossy-p/voicemesh/internal/handlers"
	"github.com/mossy-p/voicemesh/internal/mesh"
	"github.com/mossy-p/voicemesh/internal/middleware"
	"github.com/mossy-p/voicemesh/internal/redis"
	"github.com/mossy-p/voicemesh/internal/roomsvc"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	store, err := redis.NewStore(cfg.Redis)
	if err != nil {
		logger.Error("redis unavailable", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("redis connection established")

	if cfg.OpenAI.APIKey != "" {
		if err := ai.ValidateKey(context.Background(), cfg.OpenAI.APIKey); err != nil {
			logger.Error("openai key rejected", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no openai key configured, rooms run without an agent")
	}

	factory, err := mesh.NewPionFactory(cfg.STUNServers)
	if err != nil {
		logger.Error("webrtc setup failed", "err", err)
		os.Exit(1)
	}

	arb := arbiter.NewService(clock.New(), logger)
	rooms := roomsvc.New(store, arb, factory.NewTransport, providerFactory(cfg, logger), logger)
	defer rooms.Close()

	api := handlers.NewAPI(store, rooms, arb, cfg.JWTSecret, cfg.Voice, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", api.Login)
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), api.CreateRoom)
		apiGroup.GET("/rooms/:roomId", api.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), api.DeleteRoom)
		apiGroup.GET("/rooms/:roomId/voice-settings", api.GetVoiceSettings)
		apiGroup.PUT("/rooms/:roomId/voice-settings", middleware.JWTAuth(cfg.JWTSecret), api.UpdateVoiceSettings)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:roomId", api.HandleSignaling)
	}

	logger.Info("starting voicemesh server", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func providerFactory(cfg *config.Config, logger *slog.Logger) roomsvc.ProviderFactory {
	return func(ctx context.Context, ev ai.Events) (ai.Provider, error) {
		return ai.DialRealtime(ctx, ai.RealtimeConfig{
			APIKey: cfg.OpenAI.APIKey,
			Model:  cfg.OpenAI.Model,
			Voice:  "alloy",
			Instructions: "You are a helpful voice assistant shared by everyone in the room. " +
				"Answer the current speaker concisely.",
			Logger: logger,
		}, ev)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
