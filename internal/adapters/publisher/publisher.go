// Package publisher announces committed rating changes to other services.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/okian/elosync/internal/domain/model"
	"github.com/segmentio/kafka-go"
)

// RatingUpdate is the payload published after an event has been folded.
type RatingUpdate struct {
	EventID    int64          `json:"event_id"`
	ExternalID string         `json:"external_id,omitempty"`
	Date       string         `json:"date"`
	Outcome    model.Outcome  `json:"outcome"`
	Changes    []RatingChange `json:"changes"`
}

// RatingChange is one side of a RatingUpdate.
type RatingChange struct {
	CompetitorID int64   `json:"competitor_id"`
	Name         string  `json:"name"`
	Before       float64 `json:"before"`
	After        float64 `json:"after"`
}

// Publisher sends rating updates.
type Publisher interface {
	Publish(ctx context.Context, u RatingUpdate) error
	Close() error
}

// Nop discards every update.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, RatingUpdate) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes updates as JSON messages keyed by event id.
type Kafka struct {
	w   MessageWriter
	now func() time.Time
}

// NewKafka creates a publisher writing to topic on brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: no topic configured")
	}
	return NewKafkaWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
	}), nil
}

// NewKafkaWithWriter creates a publisher on an existing writer.
func NewKafkaWithWriter(w MessageWriter) *Kafka {
	return &Kafka{w: w, now: time.Now}
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, u RatingUpdate) error {
	value, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding rating update: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(u.EventID, 10)),
		Value: value,
		Time:  k.now(),
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing rating update %d: %w", u.EventID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
