// Package orchestrator is the composition root of the call lifecycle.
//
// Setup runs assignment, then the session registry, then the streaming
// supervisor. Teardown runs the reverse: the stream closes its connection,
// the agent slot is released, and the session is removed. Calls drained
// from the pending queue by a release are resumed here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/denwa/internal/assignment"
	"github.com/ashita-ai/denwa/internal/bridge"
	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/session"
	"github.com/ashita-ai/denwa/internal/supervisor"
)

var (
	// ErrNoAgentAvailable reports that a call could not get an agent. For
	// inbound calls it arrives as a *QueuedError: the call is waiting, not
	// rejected.
	ErrNoAgentAvailable = errors.New("orchestrator: no agent available")
	// ErrUnknownCall is returned for events about calls with no session.
	ErrUnknownCall = errors.New("orchestrator: unknown call")
)

// QueuedError carries the queue position of an inbound call that is
// waiting for capacity.
type QueuedError struct {
	CallID   string
	Position int
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("orchestrator: call %s queued at position %d", e.CallID, e.Position)
}

func (e *QueuedError) Unwrap() error { return ErrNoAgentAvailable }

// Streamer runs per-call media streams. *supervisor.Supervisor implements it.
type Streamer interface {
	Start(ctx context.Context, sess model.CallSession) error
	Stop(sessionID string, status model.CallStatus) (<-chan struct{}, bool)
	IsStreaming(sessionID string) bool
	Control(sessionID, action string, data map[string]any) error
	Active() int
	Shutdown(ctx context.Context) bool
}

// Recorder mirrors lifecycle changes to durable storage. Failures are
// logged and never affect the call.
type Recorder interface {
	SessionCreated(ctx context.Context, s model.CallSession) error
	StatusChanged(ctx context.Context, sessionID string, from, to model.CallStatus) error
	CallIDReassigned(ctx context.Context, sessionID, callID string) error
	SessionEnded(ctx context.Context, s model.CallSession) error
}

// OutboundRequest describes a call Denwa places.
type OutboundRequest struct {
	PhoneNumber string
	AgentID     string
	ScriptName  string
	Priority    model.Priority
	Metadata    map[string]string
}

const recordTimeout = 5 * time.Second

// Orchestrator exposes call lifecycle operations. It holds no call state of
// its own.
type Orchestrator struct {
	assign   *assignment.Service
	sessions *session.Registry
	streams  Streamer
	recorder Recorder
	logger   *slog.Logger

	closing atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder mirrors lifecycle changes to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New creates an Orchestrator. When streams is a *supervisor.Supervisor the
// caller must install the Orchestrator as its Owner.
func New(assign *assignment.Service, sessions *session.Registry, streams Streamer, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{assign: assign, sessions: sessions, streams: streams, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleInboundCall assigns an agent, creates the session and starts
// streaming. Without capacity the call is queued and a *QueuedError is
// returned. A call id that already has a session returns that session.
func (o *Orchestrator) HandleInboundCall(ctx context.Context, d model.CallDescriptor) (model.CallSession, error) {
	if d.CallID == "" {
		return model.CallSession{}, fmt.Errorf("orchestrator: inbound call: %w", &model.EventError{Field: "call_id", Message: "is required"})
	}
	if existing, ok := o.sessions.FindByCallID(d.CallID); ok {
		o.logger.Info("orchestrator: duplicate inbound call ignored", "call_id", d.CallID, "session_id", existing.SessionID)
		return existing, nil
	}
	if pos := o.assign.PendingPosition(d.CallID); pos > 0 {
		return model.CallSession{}, &QueuedError{CallID: d.CallID, Position: pos}
	}

	d.Direction = model.DirectionInbound
	if d.Priority == "" {
		d.Priority = model.PriorityNormal
	}
	agentID, ok := o.assign.AssignAgent(d)
	if !ok {
		pos := o.assign.PendingPosition(d.CallID)
		o.logger.Info("orchestrator: no agent available, call queued", "call_id", d.CallID, "position", pos)
		return model.CallSession{}, &QueuedError{CallID: d.CallID, Position: pos}
	}
	return o.open(ctx, d, agentID)
}

// InitiateOutboundCall places a call to req.PhoneNumber on req.AgentID, or
// on the least loaded agent when none is named. Outbound calls are never
// queued. The session gets a provisional call id until the provider
// reports the real one through ReassignCallID.
func (o *Orchestrator) InitiateOutboundCall(ctx context.Context, req OutboundRequest) (model.CallSession, error) {
	if req.PhoneNumber == "" {
		return model.CallSession{}, fmt.Errorf("orchestrator: outbound call: %w", &model.EventError{Field: "phone_number", Message: "is required"})
	}
	d := model.CallDescriptor{
		CallID:      "outbound-" + uuid.NewString(),
		PhoneNumber: req.PhoneNumber,
		Direction:   model.DirectionOutbound,
		Priority:    req.Priority,
		ScriptName:  req.ScriptName,
		Metadata:    req.Metadata,
	}
	if d.Priority == "" {
		d.Priority = model.PriorityNormal
	}

	agentID := req.AgentID
	if agentID != "" {
		if err := o.assign.Reserve(agentID); err != nil {
			if errors.Is(err, assignment.ErrAgentAtCapacity) {
				return model.CallSession{}, fmt.Errorf("%w: %v", ErrNoAgentAvailable, err)
			}
			return model.CallSession{}, fmt.Errorf("orchestrator: outbound call: %w", err)
		}
	} else {
		var ok bool
		if agentID, ok = o.assign.TryAssign(); !ok {
			return model.CallSession{}, ErrNoAgentAvailable
		}
	}
	return o.open(ctx, d, agentID)
}

// ReassignCallID records the provider's call id for a session created with
// a provisional one.
func (o *Orchestrator) ReassignCallID(sessionID, callID string) error {
	if err := o.sessions.ReassignCallID(sessionID, callID); err != nil {
		return err
	}
	o.record(func(ctx context.Context, r Recorder) error { return r.CallIDReassigned(ctx, sessionID, callID) })
	return nil
}

// open creates the session for a call that already holds an agent slot and
// starts its stream. On failure the slot is given back.
func (o *Orchestrator) open(ctx context.Context, d model.CallDescriptor, agentID string) (model.CallSession, error) {
	sessionID, err := o.sessions.Create(d, agentID, d.Priority)
	if err != nil {
		o.release(agentID)
		return model.CallSession{}, fmt.Errorf("orchestrator: create session: %w", err)
	}
	sess, _ := o.sessions.Get(sessionID)
	o.record(func(ctx context.Context, r Recorder) error { return r.SessionCreated(ctx, sess) })

	if err := o.streams.Start(ctx, sess); err != nil {
		o.finish(sessionID, model.CallStatusFailed)
		return sess, fmt.Errorf("orchestrator: start stream: %w", err)
	}
	o.logger.Info("orchestrator: call started",
		"session_id", sessionID, "call_id", d.CallID, "agent_id", agentID, "direction", d.Direction)
	return sess, nil
}

// EndCall ends a session. Ending an unknown or already ended session is a
// no-op. When a stream is live, EndCall waits for its teardown until ctx
// ends.
func (o *Orchestrator) EndCall(ctx context.Context, sessionID string) error {
	return o.end(ctx, sessionID, model.CallStatusEnded)
}

func (o *Orchestrator) end(ctx context.Context, sessionID string, status model.CallStatus) error {
	if done, ok := o.streams.Stop(sessionID, status); ok {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("orchestrator: end call %s: %w", sessionID, ctx.Err())
		}
	}
	o.finish(sessionID, status)
	return nil
}

// finish is the single release path. The terminal status transition acts
// as the claim: only the caller that wins it releases the agent.
func (o *Orchestrator) finish(sessionID string, status model.CallStatus) {
	sess, ok := o.sessions.Get(sessionID)
	if !ok {
		return
	}
	prev, err := o.sessions.UpdateStatus(sessionID, status)
	if err != nil {
		o.logger.Debug("orchestrator: session already finishing", "session_id", sessionID, "error", err)
		return
	}
	o.record(func(ctx context.Context, r Recorder) error { return r.StatusChanged(ctx, sessionID, prev, status) })

	o.release(sess.AgentID)

	ended, ok := o.sessions.End(sessionID)
	if !ok {
		return
	}
	o.record(func(ctx context.Context, r Recorder) error { return r.SessionEnded(ctx, ended) })
	o.logger.Info("orchestrator: call ended",
		"session_id", sessionID, "call_id", ended.CallID, "agent_id", ended.AgentID,
		"status", ended.Status, "duration_ms", ended.Duration.Milliseconds())
}

// release frees one slot and resumes the pending call it drains, if any.
func (o *Orchestrator) release(agentID string) {
	drained, ok := o.assign.ReleaseAgent(agentID)
	for ok && o.closing.Load() {
		o.logger.Warn("orchestrator: dropping queued call during shutdown", "call_id", drained.Call.Descriptor.CallID)
		drained, ok = o.assign.ReleaseAgent(drained.AgentID)
	}
	if ok {
		o.resume(drained)
	}
}

// resume opens a session for a call that left the pending queue holding a
// slot. During shutdown the slot is handed back instead.
func (o *Orchestrator) resume(drained assignment.Drained) {
	d := drained.Call.Descriptor
	if o.closing.Load() {
		o.logger.Warn("orchestrator: dropping queued call during shutdown", "call_id", d.CallID)
		o.release(drained.AgentID)
		return
	}
	o.logger.Info("orchestrator: resuming queued call", "call_id", d.CallID, "agent_id", drained.AgentID)
	if _, err := o.open(context.Background(), d, drained.AgentID); err != nil {
		o.logger.Error("orchestrator: resume queued call failed", "call_id", d.CallID, "error", err)
	}
}

// AddAgent puts an agent on the roster or changes its capacity, then
// resumes every queued call the added capacity absorbed.
func (o *Orchestrator) AddAgent(cfg model.AgentConfig) error {
	drained, err := o.assign.AddAgent(cfg)
	if err != nil {
		return err
	}
	o.logger.Info("orchestrator: agent added", "agent_id", cfg.AgentID,
		"max_concurrent_calls", cfg.MaxConcurrentCalls, "drained", len(drained))
	for _, d := range drained {
		o.resume(d)
	}
	return nil
}

// RemoveAgent retires agentID. Its calls run to completion; it takes no new
// ones.
func (o *Orchestrator) RemoveAgent(agentID string) error {
	if !o.assign.RemoveAgent(agentID) {
		return fmt.Errorf("%w: %s", assignment.ErrUnknownAgent, agentID)
	}
	o.logger.Info("orchestrator: agent retiring", "agent_id", agentID)
	return nil
}

// StreamEvent applies a non-terminal provider event relayed over the bridge.
func (o *Orchestrator) StreamEvent(_ context.Context, sessionID string, ev bridge.ProviderEvent) {
	var err error
	switch model.EventType(ev.Event) {
	case model.EventRinging:
		err = o.transition(sessionID, model.CallStatusRinging)
	case model.EventAnswered:
		err = o.answer(sessionID)
	default:
		o.logger.Debug("orchestrator: stream event ignored", "session_id", sessionID, "event", ev.Event)
		return
	}
	if err != nil {
		o.logger.Warn("orchestrator: stream event rejected", "session_id", sessionID, "event", ev.Event, "error", err)
	}
}

// StreamClosed finishes the call once its stream has shut down.
func (o *Orchestrator) StreamClosed(sessionID string, status model.CallStatus, cause error) {
	if errors.Is(cause, supervisor.ErrConnectFailed) {
		_ = o.sessions.RecordError(sessionID)
		o.logger.Warn("orchestrator: media connection failed", "session_id", sessionID, "error", cause)
	}
	o.finish(sessionID, status)
}

func (o *Orchestrator) transition(sessionID string, status model.CallStatus) error {
	prev, err := o.sessions.UpdateStatus(sessionID, status)
	if err != nil {
		return err
	}
	if prev != status {
		o.record(func(ctx context.Context, r Recorder) error { return r.StatusChanged(ctx, sessionID, prev, status) })
	}
	return nil
}

// answer moves a call to Answered and then InProgress.
func (o *Orchestrator) answer(sessionID string) error {
	if sess, ok := o.sessions.Get(sessionID); ok && sess.Status == model.CallStatusInProgress {
		return nil
	}
	if err := o.transition(sessionID, model.CallStatusAnswered); err != nil {
		return err
	}
	return o.transition(sessionID, model.CallStatusInProgress)
}

func (o *Orchestrator) record(fn func(context.Context, Recorder) error) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx, o.recorder); err != nil {
		o.logger.Warn("orchestrator: recorder failed", "error", err)
	}
}
