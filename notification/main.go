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
	cfg, err := config.Load("notification", "8085")
	if err != nil {
		bootLogger := logging.New("notification", "info", "console")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.Service, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	buildStore := store.New(redisClient, store.WithRetention(cfg.BuildRetention))
	if err := buildStore.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("failed to connect to Redis")
	}

	kafkaConsumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create Kafka consumer")
	}
	defer kafkaConsumer.Close()

	if err := kafkaConsumer.Subscribe([]string{message.TopicBuildUpdates}); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to topics")
	}

	notificationService := NewNotificationService(buildStore, cfg.BaseURL, logger)

	go kafkaConsumer.ConsumeMessages(ctx, func(topic string, _ []byte, value []byte) error {
		return notificationService.HandleMessage(ctx, topic, value)
	})

	server := &http.Server{Addr: cfg.ListenAddr(), Handler: notificationService.Router()}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	logger.Info().Str("addr", cfg.ListenAddr()).Msg("Notification Service is running")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
