package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeffleon2/payment-engine/config"
	"github.com/jeffleon2/payment-engine/internal/models"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaPublisher mirrors delivered domain events onto a Kafka topic, keyed
// by payment id so all events of one payment land in one partition.
type KafkaPublisher struct {
	Writer      *kafka.Writer
	RetryConfig config.RetryConfig
}

func NewKafkaPublisher(kafkaURL, topic string, retryConfig config.RetryConfig) *KafkaPublisher {
	if retryConfig.MaxAttempts == 0 {
		retryConfig.MaxAttempts = 5
	}
	if retryConfig.BaseDelay == 0 {
		retryConfig.BaseDelay = 100 * time.Millisecond
	}
	if retryConfig.MaxDelay == 0 {
		retryConfig.MaxDelay = 10 * time.Second
	}

	return &KafkaPublisher{
		Writer: &kafka.Writer{
			Addr:     kafka.TCP(kafkaURL),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		RetryConfig: retryConfig,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *models.DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error marshaling event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.PaymentID),
		Value: data,
	}

	return p.publishWithRetry(ctx, msg, event.ID)
}

func (p *KafkaPublisher) publishWithRetry(ctx context.Context, msg kafka.Message, eventID string) error {
	var lastErr error

	for attempt := 0; attempt < p.RetryConfig.MaxAttempts; attempt++ {
		err := p.Writer.WriteMessages(ctx, msg)
		if err == nil {
			if attempt > 0 {
				logrus.WithField("event_id", eventID).
					Infof("event published to Kafka after %d attempts", attempt+1)
			}
			return nil
		}

		lastErr = err

		if attempt == p.RetryConfig.MaxAttempts-1 {
			break
		}

		delay := p.RetryConfig.Backoff(attempt)

		logrus.WithFields(logrus.Fields{
			"event_id": eventID,
			"attempt":  attempt + 1,
			"delay":    delay.String(),
		}).Warnf("Kafka publish failed, retrying: %v", err)

		select {
		case <-time.After(delay):
			continue
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("failed to publish event %s after %d attempts: %w",
		eventID, p.RetryConfig.MaxAttempts, lastErr)
}
