package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/aryangodara/apigateway"
)

var _ apigateway.AuditLogger = &KafkaSink{}

// ErrSinkClosed is returned for events logged after Close.
var ErrSinkClosed = errors.New("audit sink closed")

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit events to a Kafka topic, keyed by request ID so
// the events of one request stay ordered.
type KafkaSink struct {
	mu     sync.RWMutex
	writer MessageWriter
	topic  string
	now    func() time.Time
	closed bool
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(writer, topic, time.Now)
}

// NewKafkaSinkWithWriter creates a sink on an existing writer.
func NewKafkaSinkWithWriter(writer MessageWriter, topic string, now func() time.Time) *KafkaSink {
	if now == nil {
		now = time.Now
	}
	return &KafkaSink{writer: writer, topic: topic, now: now}
}

func (s *KafkaSink) LogEvent(ctx context.Context, kind, description string, metadata map[string]any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	event := NewEvent(kind, description, metadata, s.now())
	body, err := EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	key := event.ID
	if id, ok := metadata["request_id"].(string); ok && id != "" {
		key = id
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(key),
		Value: body,
		Time:  event.Time,
	})
	if err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}
