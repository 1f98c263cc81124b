package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/session"
)

// EventResult reports what HandleEvent did.
type EventResult struct {
	SessionID string
	Queued    bool
	Position  int
}

// HandleEvent routes a validated provider event. Incoming calls go through
// HandleInboundCall; status events move the session through the call state
// machine; ended, missed and failed events end the call or drop it from the
// pending queue.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev model.Event) (EventResult, error) {
	switch e := ev.(type) {
	case model.IncomingEvent:
		sess, err := o.HandleInboundCall(ctx, e.Descriptor())
		var queued *QueuedError
		if errors.As(err, &queued) {
			return EventResult{Queued: true, Position: queued.Position}, nil
		}
		if err != nil {
			return EventResult{}, err
		}
		return EventResult{SessionID: sess.SessionID}, nil

	case model.RingingEvent:
		sess, err := o.lookup(e.CallID)
		if err != nil {
			return EventResult{}, err
		}
		return EventResult{SessionID: sess.SessionID}, o.transition(sess.SessionID, model.CallStatusRinging)

	case model.AnsweredEvent:
		sess, err := o.lookup(e.CallID)
		if err != nil {
			return EventResult{}, err
		}
		if err := o.answer(sess.SessionID); err != nil {
			return EventResult{SessionID: sess.SessionID}, err
		}
		if !o.streams.IsStreaming(sess.SessionID) {
			if cur, ok := o.sessions.Get(sess.SessionID); ok && !cur.Status.IsTerminal() {
				if err := o.streams.Start(ctx, cur); err != nil {
					o.logger.Debug("orchestrator: stream already running", "session_id", sess.SessionID, "error", err)
				}
			}
		}
		return EventResult{SessionID: sess.SessionID}, nil

	case model.EndedEvent:
		return o.endByCallID(ctx, e.CallID, model.CallStatusEnded, e.Reason)

	case model.FailedEvent:
		return o.endByCallID(ctx, e.CallID, model.CallStatusFailed, e.Reason)

	default:
		return EventResult{}, fmt.Errorf("orchestrator: %w", &model.EventError{Field: "event_type", Message: fmt.Sprintf("unsupported value %q", ev.Kind())})
	}
}

func (o *Orchestrator) endByCallID(ctx context.Context, callID string, status model.CallStatus, reason string) (EventResult, error) {
	sess, ok := o.sessions.FindByCallID(callID)
	if !ok {
		if o.assign.CancelPending(callID) {
			o.logger.Info("orchestrator: queued call abandoned", "call_id", callID, "status", status, "reason", reason)
		}
		return EventResult{}, nil
	}
	o.logger.Info("orchestrator: provider ended call", "session_id", sess.SessionID, "call_id", callID, "status", status, "reason", reason)
	return EventResult{SessionID: sess.SessionID}, o.end(ctx, sess.SessionID, status)
}

func (o *Orchestrator) lookup(callID string) (model.CallSession, error) {
	sess, ok := o.sessions.FindByCallID(callID)
	if !ok {
		return model.CallSession{}, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return sess, nil
}

// GetActiveSessions returns every live session.
func (o *Orchestrator) GetActiveSessions() []model.CallSession {
	return o.sessions.ListActive()
}

// GetSession returns one live session.
func (o *Orchestrator) GetSession(sessionID string) (model.CallSession, bool) {
	return o.sessions.Get(sessionID)
}

// GetAgentLoads returns the load table and the pending queue length.
func (o *Orchestrator) GetAgentLoads() model.AgentLoadsResponse {
	return model.AgentLoadsResponse{Agents: o.assign.Loads(), Pending: o.assign.PendingLen()}
}

// LiveStats summarizes the sessions currently in the registry.
func (o *Orchestrator) LiveStats() session.Stats { return o.sessions.Stats() }

// ActiveStreams returns the number of live media streams.
func (o *Orchestrator) ActiveStreams() int { return o.streams.Active() }

// Control sends a bridge control action for a live session.
func (o *Orchestrator) Control(sessionID, action string, data map[string]any) error {
	if _, ok := o.sessions.Get(sessionID); !ok {
		return fmt.Errorf("orchestrator: control: %w: %s", session.ErrNotFound, sessionID)
	}
	return o.streams.Control(sessionID, action, data)
}

// Shutdown stops every stream, then ends any session left without one.
// Calls still queued are dropped rather than resumed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)
	if !o.streams.Shutdown(ctx) {
		return fmt.Errorf("orchestrator: shutdown: streams still running: %w", ctx.Err())
	}
	for _, s := range o.sessions.ListActive() {
		o.finish(s.SessionID, model.CallStatusTerminated)
	}
	return nil
}
