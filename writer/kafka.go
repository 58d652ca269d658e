package writer

import (
	"context"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "bookflow/config"
	"bookflow/logger"
)

// kafkaBatchTimeout caps how long a single-message write waits for more
// messages. kafka-go defaults to one second, far slower than the feed.
const kafkaBatchTimeout = 5 * time.Millisecond

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSubscriber mirrors every published snapshot to a Kafka topic, keyed
// by instrument so one instrument's snapshots stay in one partition.
type KafkaSubscriber struct {
	id     string
	writer messageWriter
	log    *logger.Log
}

func NewKafkaSubscriber(cfg appconfig.KafkaConfig) (*KafkaSubscriber, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	ks := &KafkaSubscriber{
		id: "kafka:" + cfg.Topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    1,
			BatchTimeout: kafkaBatchTimeout,
			RequiredAcks: kafka.RequireOne,
		},
		log: logger.GetLogger(),
	}
	ks.log.WithComponent("kafka_subscriber").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka subscriber initialized")
	return ks, nil
}

func (ks *KafkaSubscriber) ID() string { return ks.id }

func (ks *KafkaSubscriber) Send(ctx context.Context, msg Message) error {
	err := ks.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Instrument),
		Value: msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	ks.log.WithComponent("kafka_subscriber").WithFields(logger.Fields{
		"instrument": msg.Instrument,
		"bytes":      len(msg.Payload),
	}).Debug("snapshot written to kafka")
	return nil
}

func (ks *KafkaSubscriber) Close() error {
	ks.log.WithComponent("kafka_subscriber").Info("closing kafka subscriber")
	return ks.writer.Close()
}
