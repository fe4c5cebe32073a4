// Package events defines the observer events emitted by the engine and the
// broadcaster that fans them out to connected observers.
package events

import (
	"encoding/json"
	"time"

	"github.com/streamlab/redis-patterns/internal/jsonx"
)

// Type identifies the kind of observer event.
type Type string

// Event types surfaced to observers.
const (
	MessageProduced  Type = "MESSAGE_PRODUCED"
	MessageDeleted   Type = "MESSAGE_DELETED"
	MessageProcessed Type = "MESSAGE_PROCESSED"
	MessageReclaimed Type = "MESSAGE_RECLAIMED"
	MessageToDLQ     Type = "MESSAGE_TO_DLQ"
	Info             Type = "INFO"
	Error            Type = "ERROR"
)

// Event is a single observer notification. Payload preserves the field order
// of the underlying stream entry.
type Event struct {
	EventType     Type          `json:"eventType"`
	StreamName    string        `json:"streamName,omitempty"`
	MessageID     string        `json:"messageId,omitempty"`
	Payload       []jsonx.Field `json:"-"`
	DeliveryCount int64         `json:"deliveryCount,omitempty"`
	Consumer      string        `json:"consumer,omitempty"`
	Details       string        `json:"details,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// MarshalJSON renders the event with the payload as an ordered JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	base, err := json.Marshal(alias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Payload) == 0 {
		return base, nil
	}
	payload := jsonx.MarshalObject(e.Payload)
	// Splice the payload object in before the closing brace.
	out := make([]byte, 0, len(base)+len(payload)+12)
	out = append(out, base[:len(base)-1]...)
	out = append(out, []byte(`,"payload":`)...)
	out = append(out, payload...)
	out = append(out, '}')
	return out, nil
}

// Produced builds a MESSAGE_PRODUCED event for a freshly appended entry.
func Produced(stream, id string, payload []jsonx.Field) Event {
	return Event{
		EventType:  MessageProduced,
		StreamName: stream,
		MessageID:  id,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
}

// Processed builds a MESSAGE_PROCESSED event.
func Processed(stream, id, consumer string, deliveryCount int64) Event {
	return Event{
		EventType:     MessageProcessed,
		StreamName:    stream,
		MessageID:     id,
		Consumer:      consumer,
		DeliveryCount: deliveryCount,
		Timestamp:     time.Now(),
	}
}

// Deleted builds a MESSAGE_DELETED event for an entry removed from its stream
// (acked away after a DLQ move, or explicitly deleted).
func Deleted(stream, id string) Event {
	return Event{
		EventType:  MessageDeleted,
		StreamName: stream,
		MessageID:  id,
		Timestamp:  time.Now(),
	}
}

// ToDLQ builds a MESSAGE_TO_DLQ event carrying the dead-lettered entry.
func ToDLQ(stream, origID, dlqID string, payload []jsonx.Field) Event {
	return Event{
		EventType:  MessageToDLQ,
		StreamName: stream,
		MessageID:  origID,
		Payload:    payload,
		Details:    dlqID,
		Timestamp:  time.Now(),
	}
}

// Reclaimed builds a MESSAGE_RECLAIMED event for an entry claimed away from
// another consumer.
func Reclaimed(stream, id, consumer string, deliveryCount int64) Event {
	return Event{
		EventType:     MessageReclaimed,
		StreamName:    stream,
		MessageID:     id,
		Consumer:      consumer,
		DeliveryCount: deliveryCount,
		Timestamp:     time.Now(),
	}
}

// InfoEvent builds an INFO event with free-form details.
func InfoEvent(details string) Event {
	return Event{EventType: Info, Details: details, Timestamp: time.Now()}
}

// ErrorEvent builds an ERROR event with free-form details.
func ErrorEvent(details string) Event {
	return Event{EventType: Error, Details: details, Timestamp: time.Now()}
}
