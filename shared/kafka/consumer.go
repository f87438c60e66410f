package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"
)

type MessageHandler func(topic string, key []byte, value []byte) error

type Consumer struct {
	consumer *kafka.Consumer
	logger   zerolog.Logger
}

func NewConsumer(bootstrapServers, groupID string, logger zerolog.Logger) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": "true",
	})
	if err != nil {
		return nil, err
	}

	return &Consumer{
		consumer: c,
		logger:   logger.With().Str("component", "kafka-consumer").Logger(),
	}, nil
}

func (c *Consumer) Subscribe(topics []string) error {
	maxRetries := 15
	retryDelay := time.Second * 2

	var err error
	for i := 0; i < maxRetries; i++ {
		err = c.consumer.SubscribeTopics(topics, nil)
		if err == nil {
			c.logger.Info().Strs("topics", topics).Msg("subscribed to topics")
			return nil
		}

		// Topics may not exist yet while the broker starts up
		if i < maxRetries-1 {
			c.logger.Warn().Err(err).
				Dur("retry_in", retryDelay).
				Int("attempt", i+1).
				Int("max_attempts", maxRetries).
				Msg("failed to subscribe to topics, retrying")
			time.Sleep(retryDelay)
			retryDelay = time.Duration(float64(retryDelay) * 1.5)
		}
	}

	return err
}

// ConsumeMessages polls until ctx is cancelled or all brokers are down.
// Handler errors are logged and do not stop consumption.
func (c *Consumer) ConsumeMessages(ctx context.Context, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("context cancelled, stopping consumer")
			return
		default:
		}

		ev := c.consumer.Poll(100)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			topic := ""
			if e.TopicPartition.Topic != nil {
				topic = *e.TopicPartition.Topic
			}
			if err := handler(topic, e.Key, e.Value); err != nil {
				c.logger.Error().Err(err).Str("topic", topic).Msg("error processing message")
			}
		case kafka.Error:
			switch e.Code() {
			case kafka.ErrUnknownTopicOrPart, kafka.ErrBadMsg, kafka.ErrTimedOut:
				c.logger.Warn().Err(e).Msg("kafka error")
			case kafka.ErrAllBrokersDown:
				c.logger.Error().Err(e).Msg("fatal kafka error")
				return
			}
		}
	}
}

// UnmarshalMessage unmarshals a Kafka message value into the provided struct
func UnmarshalMessage(value []byte, v interface{}) error {
	return json.Unmarshal(value, v)
}

func (c *Consumer) Close() {
	c.consumer.Close()
}
