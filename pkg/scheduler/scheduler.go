// Package scheduler publishes delayed verification checks onto Kafka. The
// topic is the durable work queue for order re-polling: jobs survive process
// restarts, and the worker honors each job's DueAt before executing it.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	kafkautils "github.com/stablepay/usdt-settlement/pkg/kafka"
	"github.com/stablepay/usdt-settlement/pkg/views"
)

type Scheduler interface {
	// Schedule enqueues one verification check. Jobs for the same order
	// share a partition so their checks stay ordered.
	Schedule(job views.CheckJob) error
	Close()
}

type Config struct {
	Brokers    string        `mapstructure:"kafka_brokers" validate:"required"`
	Topic      string        `mapstructure:"kafka_check_topic" validate:"required"`
	Partitions int64         `mapstructure:"kafka_partitions" validate:"required,min=1"`
	Retention  time.Duration `mapstructure:"kafka_check_retention" validate:"required"`
}

type KafkaSchedulerImpl struct {
	logger   *zap.Logger
	producer *kafka.Producer
	cnf      Config
}

// NewKafkaScheduler initializes the check topic and creates an idempotent
// producer for it.
func NewKafkaScheduler(logger *zap.Logger, ctx context.Context, cnf Config) Scheduler {
	if err := kafkautils.EnsureTopic(ctx, logger, cnf.Brokers, kafkautils.TopicSpec{
		Name:       cnf.Topic,
		Partitions: int(cnf.Partitions),
		Retention:  cnf.Retention,
	}); err != nil {
		logger.Fatal("failed to initialize check topic", zap.Error(err))
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cnf.Brokers,
		"acks":               "all",
		"enable.idempotence": "true",
		"retries":            "1",
	})
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	logger.Info("check scheduler producer created", zap.String("brokers", cnf.Brokers), zap.String("topic", cnf.Topic))
	go handleDeliveryReports(logger, p)
	return &KafkaSchedulerImpl{
		logger:   logger,
		producer: p,
		cnf:      cnf,
	}
}

func (k *KafkaSchedulerImpl) Schedule(job views.CheckJob) error {
	msgBytes, err := json.Marshal(job)
	if err != nil {
		return err
	}

	partition := int32(job.OrderID.ID() % uint32(k.cnf.Partitions))

	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.cnf.Topic,
			Partition: partition,
		},
		Key:   job.OrderID[:],
		Value: msgBytes,
	}, nil)
}

func (k *KafkaSchedulerImpl) Close() {
	k.producer.Close()
}

func handleDeliveryReports(logger *zap.Logger, p *kafka.Producer) {
	for e := range p.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				logger.Error("failed to publish check job", zap.Error(ev.TopicPartition.Error))
			}
		}
	}
}
