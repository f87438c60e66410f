package main

import (
	"context"
	"net/http"

	"github.com/go-redis/redis/v8"

	"buildstatus/shared/config"
	"buildstatus/shared/logging"
	"buildstatus/shared/store"
)

func main() {
	cfg, err := config.Load("status-dashboard-api", "8086")
	if err != nil {
		bootLogger := logging.New("status-dashboard-api", "info", "console")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.Service, cfg.LogLevel, cfg.LogFormat)

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	buildStore := store.New(redisClient, store.WithRetention(cfg.BuildRetention))
	if err := buildStore.Ping(context.Background()); err != nil {
		logger.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("❌ failed to connect to Redis")
	}
	logger.Info().Msg("✅ Redis connection verified")

	api := NewStatusDashboardAPI(buildStore, cfg.BaseURL, logger)

	logger.Info().Str("addr", cfg.ListenAddr()).Msg("🌐 Status Dashboard API is running")
	if err := http.ListenAndServe(cfg.ListenAddr(), api.Router()); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
