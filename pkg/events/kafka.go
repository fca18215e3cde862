package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/metrics"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/telemetry"
)

// KafkaPublisher keeps one writer per topic, created on first use
type KafkaPublisher struct {
	mu      sync.Mutex
	writers map[string]*kafka.Writer
	brokers []string
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writers: make(map[string]*kafka.Writer),
		brokers: brokers,
	}
}

func (p *KafkaPublisher) getWriter(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = w
	return w
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, event *Event) (err error) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if key == "" {
		key = event.EventID
	}

	ctx, span := telemetry.StartProducerSpan(ctx, topic, event.EventID, event.EventType)
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordKafkaMessageProduced(topic, status)
		telemetry.EndSpan(span, err)
	}()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := []kafka.Header{{Key: "event_type", Value: []byte(event.EventType)}}
	telemetry.InjectTraceContext(ctx, &headers)

	err = p.getWriter(topic).WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	span.SetAttributes(attribute.Int("messaging.message.body.size", len(data)))
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close writer %s: %w", topic, err)
		}
	}
	return firstErr
}
