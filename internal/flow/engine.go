// Package flow implements the per-call conversation state machine that
// shapes each reasoning response before it is spoken back.
//
// An Engine belongs to exactly one call and is driven by that call's
// streaming task; it is not safe for concurrent use.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/denwa/internal/telemetry"
)

// State is a conversation phase.
type State string

const (
	StateGreeting          State = "greeting"
	StateGatheringInfo     State = "gathering_info"
	StateProcessingRequest State = "processing_request"
	StateProvidingSolution State = "providing_solution"
	StateConfirming        State = "confirming"
	StateClosing           State = "closing"
	StateErrorHandling     State = "error_handling"
)

// ActionTransfer asks the streaming task to hand the call to a human.
const ActionTransfer = "transfer"

// DefaultMaxErrors is the number of consecutive failed turns that forces
// the error handling state.
const DefaultMaxErrors = 3

// ErrInvalidResponse is returned for reasoning output the engine cannot use.
var ErrInvalidResponse = errors.New("flow: invalid base response")

// Response is the reasoning stage's output for one turn.
type Response struct {
	Text       string
	Confidence float64
	Action     string
	Metadata   map[string]any
}

// EnrichedResponse is what gets spoken back, plus the flow bookkeeping.
type EnrichedResponse struct {
	Text         string
	Confidence   float64
	Action       string
	Flow         State
	PreviousFlow State
	Escalated    bool
	Failed       bool
	Metadata     map[string]any
}

// Turn is one entry of the conversation history.
type Turn struct {
	UserInput   string
	AgentOutput string
	Timestamp   time.Time
	Flow        State
	Confidence  float64
	Metadata    map[string]any
}

// TurnInput is what a handler sees. Context is the live context bag and
// may be written to.
type TurnInput struct {
	UserInput  string
	Base       Response
	State      State
	TurnCount  int
	ErrorCount int
	Context    map[string]any
}

// Outcome is a handler's rewritten response and requested next state.
type Outcome struct {
	Text       string
	Confidence float64
	Action     string
	Next       State
	Metadata   map[string]any
}

// HandlerFunc processes one turn in a given state.
type HandlerFunc func(in *TurnInput) (Outcome, error)

// Snapshot is a read-only view of engine state.
type Snapshot struct {
	Flow       State          `json:"flow"`
	ErrorCount int            `json:"error_count"`
	TurnCount  int            `json:"turn_count"`
	Context    map[string]any `json:"context"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxErrors overrides DefaultMaxErrors.
func WithMaxErrors(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxErrors = n
		}
	}
}

// WithHandler replaces the handler for one state.
func WithHandler(s State, h HandlerFunc) Option {
	return func(e *Engine) { e.handlers[s] = h }
}

// WithClock overrides the time source used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the ConversationFlowEngine for one call.
type Engine struct {
	state      State
	history    []Turn
	errorCount int
	bag        map[string]any
	maxErrors  int
	handlers   map[State]HandlerFunc
	now        func() time.Time
	logger     *slog.Logger

	escalations metric.Int64Counter
}

// New creates an Engine in StateGreeting.
func New(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		state:     StateGreeting,
		bag:       make(map[string]any),
		maxErrors: DefaultMaxErrors,
		handlers:  defaultHandlers(),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.escalations, _ = telemetry.Meter("denwa/flow").Int64Counter("denwa.flow.escalations",
		metric.WithDescription("Conversations forced into error handling"),
	)
	return e
}

// State returns the current flow.
func (e *Engine) State() State { return e.state }

// ErrorCount returns the consecutive failed turn count.
func (e *Engine) ErrorCount() int { return e.errorCount }

// History returns a copy of the turn history.
func (e *Engine) History() []Turn { return slices.Clone(e.history) }

// Snapshot returns the current flow, counters and a copy of the context bag.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Flow:       e.state,
		ErrorCount: e.errorCount,
		TurnCount:  len(e.history),
		Context:    maps.Clone(e.bag),
	}
}

// Reset returns the engine to StateGreeting and clears history and context.
func (e *Engine) Reset() {
	e.state = StateGreeting
	e.history = nil
	e.errorCount = 0
	e.bag = make(map[string]any)
}

// ProcessTurn runs the current state's handler over one caller utterance
// and the reasoning output for it. Handler failures never surface as
// errors: the caller gets a retry prompt, and after maxErrors consecutive
// failures the engine moves to StateErrorHandling and recommends a human
// hand-off. Every turn is appended to the history.
func (e *Engine) ProcessTurn(ctx context.Context, userInput string, base Response) EnrichedResponse {
	prev := e.state
	in := &TurnInput{
		UserInput:  userInput,
		Base:       base,
		State:      prev,
		TurnCount:  len(e.history),
		ErrorCount: e.errorCount,
		Context:    e.bag,
	}

	out, err := e.dispatch(prev, in)
	if err != nil {
		resp := e.fail(ctx, prev, in, err)
		e.record(userInput, resp)
		return resp
	}

	e.errorCount = 0
	e.state = out.Next
	resp := EnrichedResponse{
		Text:         out.Text,
		Confidence:   out.Confidence,
		Action:       out.Action,
		Flow:         e.state,
		PreviousFlow: prev,
		Escalated:    prev == StateErrorHandling,
		Metadata:     mergeMetadata(base.Metadata, out.Metadata, prev),
	}
	if prev != e.state {
		e.logger.Debug("flow: transition", "from", prev, "to", e.state)
	}
	e.record(userInput, resp)
	return resp
}

func (e *Engine) fail(ctx context.Context, prev State, in *TurnInput, cause error) EnrichedResponse {
	e.errorCount++
	e.logger.Warn("flow: turn processing failed",
		"flow", prev, "error_count", e.errorCount, "error", cause)

	if e.errorCount < e.maxErrors {
		return EnrichedResponse{
			Text:         fallbackText,
			Confidence:   0,
			Flow:         e.state,
			PreviousFlow: prev,
			Failed:       true,
			Metadata:     map[string]any{"error": cause.Error(), "recovery": "fallback_response"},
		}
	}

	e.state = StateErrorHandling
	e.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("from", string(prev))))
	in.ErrorCount = e.errorCount
	out, err := e.dispatch(StateErrorHandling, in)
	if err != nil {
		// A broken custom error handler must not hide the hand-off.
		out, _ = handleErrorHandling(in)
	}
	return EnrichedResponse{
		Text:         out.Text,
		Confidence:   out.Confidence,
		Action:       out.Action,
		Flow:         StateErrorHandling,
		PreviousFlow: prev,
		Escalated:    true,
		Failed:       true,
		Metadata:     map[string]any{"error": cause.Error(), "error_count": e.errorCount},
	}
}

// dispatch validates the base response and runs the handler for s,
// converting panics into errors.
func (e *Engine) dispatch(s State, in *TurnInput) (out Outcome, err error) {
	h, ok := e.handlers[s]
	if !ok {
		return Outcome{}, fmt.Errorf("flow: no handler for state %q", s)
	}
	if c := in.Base.Confidence; math.IsNaN(c) || c < 0 || c > 1 {
		return Outcome{}, fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidResponse, c)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flow: handler for %s panicked: %v", s, r)
		}
	}()
	out, err = h(in)
	if err != nil {
		return Outcome{}, err
	}
	if out.Next == "" {
		out.Next = s
	}
	if _, known := e.handlers[out.Next]; !known {
		return Outcome{}, fmt.Errorf("flow: handler for %s requested unknown state %q", s, out.Next)
	}
	return out, nil
}

func (e *Engine) record(userInput string, resp EnrichedResponse) {
	e.history = append(e.history, Turn{
		UserInput:   userInput,
		AgentOutput: resp.Text,
		Timestamp:   e.now(),
		Flow:        resp.PreviousFlow,
		Confidence:  resp.Confidence,
		Metadata:    resp.Metadata,
	})
}

func mergeMetadata(base, handler map[string]any, flow State) map[string]any {
	out := make(map[string]any, len(base)+len(handler)+1)
	maps.Copy(out, base)
	maps.Copy(out, handler)
	out["flow"] = string(flow)
	return out
}
