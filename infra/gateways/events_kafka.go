package gateways

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/giovaniif/stock-reservations/infra/tracing"
	"github.com/giovaniif/stock-reservations/protocols"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisherKafka writes lifecycle events keyed by stock unit, so events for
// one unit stay ordered within a partition.
type EventPublisherKafka struct {
	writer MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

func NewEventPublisherKafka(writer MessageWriter) *EventPublisherKafka {
	return &EventPublisherKafka{writer: writer}
}

func (p *EventPublisherKafka) Publish(ctx context.Context, event protocols.ReservationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	headers := []kafka.Header{{Key: "event-type", Value: []byte(event.Type)}}
	tracing.Inject(ctx, &headers)
	msg := kafka.Message{
		Key:     []byte(event.PartitionKey()),
		Value:   payload,
		Headers: headers,
		Time:    event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (p *EventPublisherKafka) Close() error {
	return p.writer.Close()
}

// EventPublisherMemory records events in process.
type EventPublisherMemory struct {
	mutex  sync.Mutex
	events []protocols.ReservationEvent
}

func NewEventPublisherMemory() *EventPublisherMemory {
	return &EventPublisherMemory{}
}

func (p *EventPublisherMemory) Publish(ctx context.Context, event protocols.ReservationEvent) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *EventPublisherMemory) Events() []protocols.ReservationEvent {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make([]protocols.ReservationEvent, len(p.events))
	copy(out, p.events)
	return out
}
