package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType names a normalized provider event.
type EventType string

const (
	EventIncoming EventType = "incoming"
	EventRinging  EventType = "ringing"
	EventAnswered EventType = "answered"
	EventEnded    EventType = "ended"
	EventFailed   EventType = "failed"
	EventMissed   EventType = "missed"
)

// ErrInvalidEvent is the sentinel wrapped by every EventError.
var ErrInvalidEvent = errors.New("model: invalid event")

// EventError describes why an inbound event was rejected at the boundary.
type EventError struct {
	Field   string
	Message string
}

func (e *EventError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Message
	}
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Message)
}

func (e *EventError) Unwrap() error { return ErrInvalidEvent }

// Event is a validated inbound provider event. The concrete type is one of
// IncomingEvent, RingingEvent, AnsweredEvent, EndedEvent or FailedEvent.
type Event interface {
	Kind() EventType
	Call() string
	At() time.Time
}

// EventHeader carries the fields common to every event.
type EventHeader struct {
	Type      EventType `json:"event_type"`
	CallID    string    `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (h EventHeader) Kind() EventType { return h.Type }
func (h EventHeader) Call() string    { return h.CallID }
func (h EventHeader) At() time.Time   { return h.Timestamp }

// IncomingEvent announces a new inbound call.
type IncomingEvent struct {
	EventHeader
	PhoneNumber string
	Priority    Priority
	ScriptName  string
	Metadata    map[string]string
}

// Descriptor converts the event into the descriptor used by assignment.
func (e IncomingEvent) Descriptor() CallDescriptor {
	return CallDescriptor{
		CallID:      e.CallID,
		PhoneNumber: e.PhoneNumber,
		Direction:   DirectionInbound,
		Priority:    e.Priority,
		ScriptName:  e.ScriptName,
		Metadata:    e.Metadata,
	}
}

// RingingEvent reports the far end is ringing.
type RingingEvent struct {
	EventHeader
}

// AnsweredEvent reports the call was picked up.
type AnsweredEvent struct {
	EventHeader
}

// EndedEvent reports a hangup. Missed is set for calls that were never
// answered.
type EndedEvent struct {
	EventHeader
	Reason string
	Missed bool
}

// FailedEvent reports a provider-side failure.
type FailedEvent struct {
	EventHeader
	Reason string
}

// RawEvent is the normalized wire record handed over by the webhook layer.
type RawEvent struct {
	EventType string          `json:"event_type"`
	CallID    string          `json:"call_id"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type incomingData struct {
	PhoneNumber string            `json:"phone_number"`
	Priority    string            `json:"priority"`
	ScriptName  string            `json:"script_name"`
	Metadata    map[string]string `json:"metadata"`
}

type reasonData struct {
	Reason string `json:"reason"`
}

// MaxCallIDLen bounds provider call identifiers.
const MaxCallIDLen = 128

// DecodeEvent parses and validates a RawEvent JSON body.
func DecodeEvent(body []byte) (Event, error) {
	var raw RawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &EventError{Message: "malformed JSON: " + err.Error()}
	}
	return ValidateEvent(raw, time.Now().UTC())
}

// ValidateEvent turns a RawEvent into a typed Event. now is used when the
// record carries no timestamp.
func ValidateEvent(raw RawEvent, now time.Time) (Event, error) {
	callID := strings.TrimSpace(raw.CallID)
	if callID == "" {
		return nil, &EventError{Field: "call_id", Message: "is required"}
	}
	if len(callID) > MaxCallIDLen {
		return nil, &EventError{Field: "call_id", Message: fmt.Sprintf("must be at most %d characters", MaxCallIDLen)}
	}
	ts := now
	if raw.Timestamp != nil && !raw.Timestamp.IsZero() {
		ts = raw.Timestamp.UTC()
	}
	hdr := EventHeader{Type: EventType(raw.EventType), CallID: callID, Timestamp: ts}

	switch hdr.Type {
	case EventIncoming:
		var d incomingData
		if err := decodeData(raw.Data, &d); err != nil {
			return nil, err
		}
		phone := strings.TrimSpace(d.PhoneNumber)
		if phone == "" {
			return nil, &EventError{Field: "data.phone_number", Message: "is required"}
		}
		prio, err := ParsePriority(d.Priority)
		if err != nil {
			return nil, &EventError{Field: "data.priority", Message: err.Error()}
		}
		return IncomingEvent{EventHeader: hdr, PhoneNumber: phone, Priority: prio, ScriptName: d.ScriptName, Metadata: d.Metadata}, nil
	case EventRinging:
		return RingingEvent{EventHeader: hdr}, nil
	case EventAnswered:
		return AnsweredEvent{EventHeader: hdr}, nil
	case EventEnded, EventMissed:
		var d reasonData
		if err := decodeData(raw.Data, &d); err != nil {
			return nil, err
		}
		return EndedEvent{EventHeader: hdr, Reason: d.Reason, Missed: hdr.Type == EventMissed}, nil
	case EventFailed:
		var d reasonData
		if err := decodeData(raw.Data, &d); err != nil {
			return nil, err
		}
		return FailedEvent{EventHeader: hdr, Reason: d.Reason}, nil
	case "":
		return nil, &EventError{Field: "event_type", Message: "is required"}
	default:
		return nil, &EventError{Field: "event_type", Message: fmt.Sprintf("unsupported value %q", raw.EventType)}
	}
}

func decodeData(data json.RawMessage, target any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &EventError{Field: "data", Message: err.Error()}
	}
	return nil
}
