package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the slice of *kgo.Client the Kafka sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaAlerter publishes alerts as JSON records keyed by alert kind.
type KafkaAlerter struct {
	producer Producer
	topic    string
}

func NewKafkaAlerter(p Producer, topic string) *KafkaAlerter {
	return &KafkaAlerter{producer: p, topic: topic}
}

// NewKafkaClient builds a franz-go client for the given seed brokers.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

func (k *KafkaAlerter) Alert(ctx context.Context, a Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(a.Kind),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "alert-id", Value: []byte(a.ID)},
			{Key: "severity", Value: []byte(a.Severity)},
		},
	}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce alert %s: %w", a.ID, err)
	}
	return nil
}
