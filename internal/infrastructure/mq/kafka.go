package mq

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"clubledger/internal/config"
)

// Publisher sends one keyed message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key, value string) error
	Close() error
}

// KafkaPublisher publishes through a sarama sync producer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaProducerConfig returns the producer settings used for ledger events.
func NewKafkaProducerConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	return kafkaConfig
}

// InitKafka creates the sync producer for the configured brokers.
func InitKafka(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewKafkaProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisher(producer), nil
}

func NewKafkaPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// LogPublisher stands in for Kafka when it is disabled: messages are logged and
// reported as sent so the outbox drains.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, topic, key, value string) error {
	p.log.WithFields(logrus.Fields{
		"topic": topic,
		"key":   key,
	}).Debug(value)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
