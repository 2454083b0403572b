// Package events publishes round lifecycle events to Kafka for downstream
// consumers (notifications, analytics). Events are informational; the
// database stays the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeBetIndexed         = "bet.indexed"
	TypeRoundSettled       = "round.settled"
	TypeCalculateRequested = "round.calculate_requested"
)

// Event is the envelope written to the topic.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Game    string    `json:"game"`
	Round   int64     `json:"round"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(typ, game string, round int64, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Game:    game,
		Round:   round,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a single topic, keyed by game and round
// so a round's events stay in one partition and in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: 10 * time.Second,
			ReadTimeout:  10 * time.Second,
		},
		topic: topic,
	}
}

// Publish writes one event synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(e.Game + ":" + strconv.FormatInt(e.Round, 10)),
		Value: value,
		Time:  e.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards events. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
