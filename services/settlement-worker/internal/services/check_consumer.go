package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg"
	kafkautils "github.com/stablepay/usdt-settlement/pkg/kafka"
	"github.com/stablepay/usdt-settlement/pkg/settlement"
	"github.com/stablepay/usdt-settlement/pkg/views"
	"github.com/stablepay/usdt-settlement/services/settlement-worker/configs"
	"github.com/stablepay/usdt-settlement/services/settlement-worker/internal/observability"
)

// CheckConsumer consumes verification-check jobs from Kafka.
type CheckConsumer interface {
	Start() func()
}

// CheckConsumerConfig holds configuration and dependencies for the check consumer.
type CheckConsumerConfig struct {
	Context    context.Context
	Logger     *zap.Logger
	Config     *configs.Config
	Settlement settlement.Service

	// internal initialization
	consumer    *kafka.Consumer
	dlqProducer *kafka.Producer
	commits     *kafkautils.CommitManager
	validate    *validator.Validate
	checkSem    chan struct{} // Semaphore to limit concurrent check processing
}

// NewCheckConsumer initializes a CheckConsumer with the provided configuration.
// It sets up the Kafka consumer, DLQ producer, and semaphore based on config values.
func NewCheckConsumer(cfg CheckConsumerConfig) CheckConsumer {
	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers":  cfg.Config.KafkaBrokers,
		"group.id":           cfg.Config.KafkaCheckConsumerGroup,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false, // Offsets are committed in order by the commit manager
	}
	kafkaConsumer, err := kafka.NewConsumer(kafkaConfig)
	if err != nil {
		cfg.Logger.Fatal("Failed to create Kafka check consumer", zap.Error(err))
	}

	// Ensure the DLQ topic exists before the first failed job needs it.
	if err = kafkautils.EnsureTopic(cfg.Context, cfg.Logger, cfg.Config.KafkaBrokers, kafkautils.TopicSpec{
		Name:       cfg.Config.KafkaDLQTopic,
		Partitions: int(cfg.Config.KafkaPartition),
		Retention:  cfg.Config.KafkaDLQRetention,
	}); err != nil {
		cfg.Logger.Fatal("Failed to initialize DLQ topic", zap.Error(err))
	}

	dlqProducer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Config.KafkaBrokers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		cfg.Logger.Fatal("Failed to create DLQ producer", zap.Error(err))
	}

	cfg.checkSem = make(chan struct{}, cfg.Config.MaxConcurrentChecks)
	cfg.consumer = kafkaConsumer
	cfg.dlqProducer = dlqProducer
	cfg.commits = kafkautils.NewCommitManager(kafkaConsumer, cfg.Logger)
	cfg.validate = validator.New()
	return &cfg
}

// Start initiates the Kafka message consumption loop and returns a cleanup function.
// Messages are processed concurrently; the commit manager keeps offset commits in
// consume order even when checks complete out of order.
func (k *CheckConsumerConfig) Start() func() {
	err := k.consumer.SubscribeTopics([]string{k.Config.KafkaCheckTopic}, nil)
	if err != nil {
		k.Logger.Fatal("Failed to subscribe to Kafka topic", zap.Error(err))
	}

	k.Logger.Info("Listening to Kafka topic",
		zap.String("topic", k.Config.KafkaCheckTopic),
		zap.String("group", k.Config.KafkaCheckConsumerGroup))

	go func() {
		for {
			msg, err := k.consumer.ReadMessage(-1)
			if err != nil {
				if k.Context.Err() != nil {
					return
				}
				k.Logger.Error("Failed to read Kafka message", zap.Error(err))
				continue
			}
			observability.ChecksReceived.WithLabelValues(k.Config.KafkaCheckTopic).Inc()
			k.commits.Track(msg)
			// Acquire semaphore slot, blocking if limit is reached
			k.checkSem <- struct{}{}
			observability.InflightChecks.Inc()
			go func(m *kafka.Message) {
				defer func() {
					<-k.checkSem
					observability.InflightChecks.Dec()
				}()
				k.processMessage(m)
			}(msg)
		}
	}()

	// Return cleanup function to gracefully shut down resources
	return func() {
		if k.dlqProducer != nil {
			k.dlqProducer.Flush(5000)
			k.dlqProducer.Close()
		}
		if err := k.consumer.Close(); err != nil {
			k.Logger.Error("Failed to close Kafka consumer", zap.Error(err))
		}
		k.Logger.Info("Kafka consumer closed successfully")
	}
}

// processMessage handles one check job: decode, validate, wait for its due
// time, run the verification check, then ack. Jobs that cannot be processed
// go to the DLQ and are acked so the partition keeps moving.
func (k *CheckConsumerConfig) processMessage(msg *kafka.Message) {
	select {
	case <-k.Context.Done():
		return // Exit if context is canceled
	default:
	}

	var job views.CheckJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		k.Logger.Error("Failed to decode Kafka message", zap.Error(err))
		k.sendToDLQ(job, "json unmarshal error", err.Error())
		k.commits.Ack(job.OrderID, msg)
		return
	}

	if err := k.validate.Struct(&job); err != nil {
		k.Logger.Error("Failed to validate check job", zap.Error(err))
		k.sendToDLQ(job, "validation error", err.Error())
		k.commits.Ack(job.OrderID, msg)
		return
	}

	// Jobs arrive ahead of their due time; hold the slot until then so the
	// verification observes the intended confirmation delay.
	if !k.waitUntilDue(job) {
		return // Context canceled while waiting; leave the offset uncommitted
	}

	start := time.Now()
	k.Logger.Info("Running scheduled verification check",
		zap.String(pkg.OrderId, job.OrderID.String()),
		zap.Int("attempt", job.Attempt))
	procErr := k.Settlement.RunScheduledCheck(k.Context, job)
	observability.CheckLatency.WithLabelValues(k.Config.KafkaCheckTopic).Observe(time.Since(start).Seconds())
	if procErr != nil {
		observability.ChecksFailed.WithLabelValues(k.Config.KafkaCheckTopic, "check error").Inc()
		k.Logger.Error("Failed to run verification check, sending to DLQ",
			zap.String(pkg.OrderId, job.OrderID.String()),
			zap.Error(procErr))
		k.sendToDLQ(job, "checkError", procErr.Error())
		k.commits.Ack(job.OrderID, msg)
		return
	}

	observability.ChecksProcessed.WithLabelValues(k.Config.KafkaCheckTopic).Inc()
	k.commits.Ack(job.OrderID, msg)
	k.Logger.Info("Verification check completed",
		zap.String(pkg.OrderId, job.OrderID.String()),
		zap.Int("attempt", job.Attempt))
}

// waitUntilDue sleeps until the job's due time, capped by MaxCheckWait.
// Returns false when the worker is shutting down.
func (k *CheckConsumerConfig) waitUntilDue(job views.CheckJob) bool {
	wait := time.Until(job.DueAt)
	if wait <= 0 {
		return true
	}
	if k.Config.MaxCheckWait > 0 && wait > k.Config.MaxCheckWait {
		wait = k.Config.MaxCheckWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-k.Context.Done():
		return false
	case <-timer.C:
		return true
	}
}

// sendToDLQ sends a failed job to the Dead Letter Queue with context.
func (k *CheckConsumerConfig) sendToDLQ(job views.CheckJob, reason, errMsg string) {
	payload := map[string]any{
		"job":           job,
		"failureReason": reason,
		"error":         errMsg,
		"failedAt":      time.Now().UTC().Format(time.RFC3339Nano),
	}

	b, err := json.Marshal(payload)
	if err != nil {
		k.Logger.Error("Failed to marshal DLQ payload",
			zap.String(pkg.OrderId, job.OrderID.String()),
			zap.Error(err))
		return
	}

	err = k.dlqProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.Config.KafkaDLQTopic,
			Partition: kafka.PartitionAny,
		},
		Key:   job.OrderID[:],
		Value: b,
	}, nil)
	if err != nil {
		k.Logger.Error("Failed to publish DLQ message",
			zap.String(pkg.OrderId, job.OrderID.String()),
			zap.Error(err))
		return
	}
	observability.DLQPublished.WithLabelValues(k.Config.KafkaDLQTopic, reason).Inc()
	k.Logger.Info("Sent to check DLQ",
		zap.String(pkg.OrderId, job.OrderID.String()),
		zap.String("reason", reason))
}
