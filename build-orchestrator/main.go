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
	"buildstatus/shared/message"
	"buildstatus/shared/store"
)

func main() {
	cfg, err := config.Load("build-orchestrator", "8082")
	if err != nil {
		bootLogger := logging.New("build-orchestrator", "info", "console")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.Service, cfg.LogLevel, cfg.LogFormat)
	logger.Info().Msg("🚀 Starting Build Orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kafkaProducer, err := kafka.NewProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ failed to create Kafka producer")
	}
	defer kafkaProducer.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	buildStore := store.New(redisClient, store.WithRetention(cfg.BuildRetention))
	if err := buildStore.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("❌ failed to connect to Redis")
	}
	logger.Info().Msg("✅ Redis connection verified")

	orchestrator := NewBuildOrchestrator(buildStore, kafkaProducer, logger)

	kafkaConsumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ failed to create Kafka consumer")
	}
	defer kafkaConsumer.Close()

	topics := []string{message.TopicBuildRequests, message.TopicBuildStatus}
	if err := kafkaConsumer.Subscribe(topics); err != nil {
		logger.Fatal().Err(err).Msg("❌ failed to subscribe to topics")
	}

	go kafkaConsumer.ConsumeMessages(ctx, func(topic string, _ []byte, value []byte) error {
		return orchestrator.HandleMessage(ctx, topic, value)
	})

	server := &http.Server{Addr: cfg.ListenAddr(), Handler: orchestrator.Router()}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	logger.Info().Str("addr", cfg.ListenAddr()).Msg("🌐 Build Orchestrator Service is running")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
