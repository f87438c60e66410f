package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"buildstatus/shared/config"
	"buildstatus/shared/kafka"
	"buildstatus/shared/logging"
	"buildstatus/shared/store"
)

func main() {
	cfg, err := config.Load("api-gateway", "8081")
	if err != nil {
		bootLogger := logging.New("api-gateway", "info", "console")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.Service, cfg.LogLevel, cfg.LogFormat)
	logger.Info().Msg("🚀 Starting API Gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	buildStore := store.New(redisClient)
	if err := buildStore.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("❌ failed to connect to Redis")
	}
	logger.Info().Msg("✅ Redis connection verified")

	kafkaProducer, err := kafka.NewProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ failed to create Kafka producer")
	}
	defer kafkaProducer.Close()

	gateway := NewGateway(buildStore, kafkaProducer, cfg.BuildOrchestratorURL, cfg.StatusDashboardURL, logger)

	server := &http.Server{Addr: cfg.ListenAddr(), Handler: gateway.Router()}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	logger.Info().Str("addr", cfg.ListenAddr()).Msg("🌐 API Gateway Service is running")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
