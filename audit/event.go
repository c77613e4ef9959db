// Package audit delivers gateway audit events to a log or a Kafka topic.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aryangodara/apigateway"
)

// Event is the serialized form of one audit event.
type Event struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Time        time.Time      `json:"time"`
}

// NewEvent stamps an event with a fresh ID.
func NewEvent(kind, description string, metadata map[string]any, now time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		Metadata:    metadata,
		Time:        now,
	}
}

// EncodeEvent serializes an event.
func EncodeEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent deserializes an event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

type fanout []apigateway.AuditLogger

// Fanout sends each event to every sink. All sinks are tried; their errors
// are joined.
func Fanout(sinks ...apigateway.AuditLogger) apigateway.AuditLogger {
	return fanout(sinks)
}

func (f fanout) LogEvent(ctx context.Context, kind, description string, metadata map[string]any) error {
	var errs []error
	for _, s := range f {
		if err := s.LogEvent(ctx, kind, description, metadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
