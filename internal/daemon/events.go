package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"atlas/internal/storage"
)

// EventBus fans out storage.Events to connection-scoped subscriber queues
// (spec §4.9's "Event subscribers"). Each daemon connection subscribes on
// accept and unsubscribes on close.
type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan storage.Event
}

// NewEventBus builds an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan storage.Event)}
}

// Subscribe registers a new connection-scoped queue.
func (b *EventBus) Subscribe() (int, <-chan storage.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan storage.Event, 64)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's queue.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish fans e out to every subscriber, dropping it for any subscriber
// whose queue is full rather than blocking the publisher.
func (b *EventBus) Publish(e storage.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Warn().Int("subscriber", id).Str("type", e.Type).Msg("daemon: event dropped, subscriber queue full")
		}
	}
}

// KafkaEventPublisher additionally mirrors events onto a Kafka topic for
// external consumers (spec §6.4's "additive" cross-process fan-out), grounded
// directly on internal/workspaces/kafka_events.go's KafkaCommitPublisher
// shape (nil-receiver-safe Publish/Close, kafka.TCP address, LeastBytes
// balancer).
type KafkaEventPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaEventPublisher builds a publisher when brokers/topic are both
// configured; returns nil (a valid, inert value) otherwise.
func NewKafkaEventPublisher(brokers []string, topic string) *KafkaEventPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaEventPublisher{writer: writer, topic: topic}
}

// Publish writes e to the configured Kafka topic.
func (p *KafkaEventPublisher) Publish(ctx context.Context, e storage.Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Value: payload, Time: time.Now()})
}

// Close shuts down the underlying writer.
func (p *KafkaEventPublisher) Close() {
	if p == nil || p.writer == nil {
		return
	}
	if err := p.writer.Close(); err != nil {
		log.Warn().Err(err).Msg("daemon: kafka event writer close failed")
	}
}
