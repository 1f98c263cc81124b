// Package model defines the core domain types for Denwa.
//
// Types here are shared between the orchestration core, the HTTP control
// surface, and the durable mirror. Enums are typed strings so they marshal
// directly into JSON payloads and Postgres TEXT columns.
package model

import (
	"errors"
	"fmt"
	"time"
)

// CallStatus is the lifecycle state of a call session.
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusAnswered   CallStatus = "answered"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusEnded      CallStatus = "ended"
	CallStatusFailed     CallStatus = "failed"
	CallStatusTerminated CallStatus = "terminated"
)

// ErrInvalidTransition is returned when a status change is not permitted
// by the call state machine.
var ErrInvalidTransition = errors.New("model: invalid call status transition")

// callTransitions lists the forward edges of the call state machine.
// Terminal states are reachable from every non-terminal state and are
// handled separately in CanTransition.
var callTransitions = map[CallStatus][]CallStatus{
	CallStatusInitiated:  {CallStatusRinging, CallStatusAnswered},
	CallStatusRinging:    {CallStatusAnswered},
	CallStatusAnswered:   {CallStatusInProgress},
	CallStatusInProgress: {},
}

// IsTerminal reports whether no transition can leave s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusFailed, CallStatusTerminated:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusInitiated, CallStatusRinging, CallStatusAnswered, CallStatusInProgress,
		CallStatusEnded, CallStatusFailed, CallStatusTerminated:
		return true
	}
	return false
}

// CanTransition reports whether a call may move from s to next.
// Re-entering the current non-terminal state is allowed and is a no-op.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	if next == s || next.IsTerminal() {
		return true
	}
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition wrapped with the edge
// when s cannot move to next.
func ValidateTransition(from, to CallStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Direction is the originating side of a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Priority orders calls for reporting; assignment itself is FIFO.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps a wire value to a Priority. Empty input yields
// PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", fmt.Errorf("model: unknown priority %q", s)
}

// CallDescriptor identifies a call as the provider reported it. It is the
// unit carried through assignment and the pending queue.
type CallDescriptor struct {
	CallID      string            `json:"call_id"`
	PhoneNumber string            `json:"phone_number"`
	Direction   Direction         `json:"direction"`
	Priority    Priority          `json:"priority"`
	ScriptName  string            `json:"script_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PendingCall is a descriptor waiting for agent capacity.
type PendingCall struct {
	Descriptor CallDescriptor `json:"descriptor"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// CallSession is a point-in-time copy of a live session. The registry owns
// the mutable record; callers only ever see snapshots.
type CallSession struct {
	SessionID         string            `json:"session_id"`
	CallID            string            `json:"call_id"`
	AgentID           string            `json:"agent_id"`
	PhoneNumber       string            `json:"phone_number"`
	Direction         Direction         `json:"direction"`
	Status            CallStatus        `json:"status"`
	Priority          Priority          `json:"priority"`
	ScriptName        string            `json:"script_name,omitempty"`
	StreamURL         string            `json:"stream_url,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	Duration          time.Duration     `json:"duration,omitempty"`
	IsStreaming       bool              `json:"is_streaming"`
	ResponseTimes     []time.Duration   `json:"response_times,omitempty"`
	ErrorCount        int               `json:"error_count"`
	AudioQualityScore *float64          `json:"audio_quality_score,omitempty"`
}

// AverageResponseTime returns the mean of recorded response times, or zero.
func (s CallSession) AverageResponseTime() time.Duration {
	if len(s.ResponseTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.ResponseTimes {
		total += d
	}
	return total / time.Duration(len(s.ResponseTimes))
}
