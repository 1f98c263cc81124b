package model

import "time"

// APIResponse wraps all successful HTTP responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError wraps all error HTTP responses.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta is attached to every response envelope.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail is the machine-readable part of an error response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeNoAgentAvailable = "NO_AGENT_AVAILABLE"
	ErrCodeBridgeDown       = "BRIDGE_UNAVAILABLE"
)

// TokenRequest is the body of POST /auth/token.
type TokenRequest struct {
	OperatorID string `json:"operator_id"`
	APIKey     string `json:"api_key"`
}

// TokenResponse is returned by POST /auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OutboundCallRequest is the body of POST /v1/calls.
type OutboundCallRequest struct {
	PhoneNumber string            `json:"phone_number"`
	AgentID     string            `json:"agent_id,omitempty"`
	ScriptName  string            `json:"script_name,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// EventAccepted is returned by POST /v1/events.
type EventAccepted struct {
	EventType EventType `json:"event_type"`
	CallID    string    `json:"call_id"`
	SessionID string    `json:"session_id,omitempty"`
	Queued    bool      `json:"queued,omitempty"`
	Position  int       `json:"position,omitempty"`
}

// ControlRequest is the body of POST /v1/calls/{session_id}/control.
type ControlRequest struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

// AgentLoadsResponse is returned by GET /v1/agents/loads.
type AgentLoadsResponse struct {
	Agents  []AgentLoad `json:"agents"`
	Pending int         `json:"pending"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
	ActiveStreams  int    `json:"active_streams"`
	Postgres       string `json:"postgres,omitempty"`
	Uptime         int64  `json:"uptime_seconds"`
}
