// Package kafkautils owns the worker's Kafka plumbing: provisioning the
// check topic and its dead-letter companion, and committing offsets in
// consume order for the concurrent consumer.
package kafkautils

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// TopicSpec describes one of the subsystem's work topics. Both the check
// queue and the DLQ use delete cleanup with a bounded retention, single
// replica.
type TopicSpec struct {
	Name       string
	Partitions int
	Retention  time.Duration
}

// EnsureTopic creates the topic if it does not exist yet, retrying while
// the broker comes up. An already-existing topic is not an error, so
// startup is idempotent across worker restarts.
func EnsureTopic(ctx context.Context, logger *zap.Logger, brokers string, spec TopicSpec) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": brokers})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	topics := []kafka.TopicSpecification{{
		Topic:             spec.Name,
		NumPartitions:     spec.Partitions,
		ReplicationFactor: 1,
		Config: map[string]string{
			"cleanup.policy": "delete",
			"retention.ms":   fmt.Sprintf("%d", spec.Retention.Milliseconds()),
		},
	}}

	operation := func() error {
		results, err := admin.CreateTopics(ctx, topics, kafka.SetAdminOperationTimeout(30*time.Second))
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", spec.Name, err)
		}
		for _, result := range results {
			if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
				return fmt.Errorf("kafka topic %s creation failed: %v", result.Topic, result.Error)
			}
		}
		logger.Info("kafka topic ready",
			zap.String("topic", spec.Name),
			zap.Int("partitions", spec.Partitions),
			zap.Duration("retention", spec.Retention))
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
