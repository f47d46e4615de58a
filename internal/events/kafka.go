package events

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Kafka publishes events to a topic through a synchronous producer.
type Kafka struct {
	producer   sarama.SyncProducer
	topic      string
	propagator propagation.TextMapPropagator
}

// NewKafka connects a producer to brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return NewKafkaWithProducer(p, topic), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{
		producer:   p,
		topic:      topic,
		propagator: otel.GetTextMapPropagator(),
	}
}

// Publish sends e keyed by its order id. Trace context travels in headers.
func (k *Kafka) Publish(ctx context.Context, e Event) error {
	enc := &jx.Encoder{}
	e.Encode(enc)

	carrier := propagation.MapCarrier{}
	k.propagator.Inject(ctx, carrier)

	headers := make([]sarama.RecordHeader, 0, len(carrier)+1)
	headers = append(headers, sarama.RecordHeader{Key: []byte("event-type"), Value: []byte(e.Type)})
	for key, v := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(v)})
	}

	msg := &sarama.ProducerMessage{
		Topic:   k.topic,
		Key:     sarama.StringEncoder(e.Key()),
		Value:   sarama.ByteEncoder(enc.Bytes()),
		Headers: headers,
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send %s: %w", e.Type, err)
	}
	return nil
}

// Close closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
