package bridge

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/telemetry"
)

// ErrStreamEnded is returned by Route when the media service asks to end
// the stream.
var ErrStreamEnded = errors.New("bridge: stream ended by media service")

// AudioHandler consumes inbound audio. A non-empty return value is spoken
// back over the same connection.
type AudioHandler interface {
	HandleAudio(ctx context.Context, frame model.AudioFrame) ([]byte, error)
}

// EventHandler consumes provider events relayed by the media service.
type EventHandler interface {
	HandleProviderEvent(ctx context.Context, ev ProviderEvent) error
}

// ControlHandler consumes control acknowledgements. Optional.
type ControlHandler interface {
	HandleControl(ctx context.Context, ack ControlAck) error
}

// Handlers groups the per-call consumers a Router dispatches to. Nil
// members drop their message type.
type Handlers struct {
	Audio   AudioHandler
	Events  EventHandler
	Control ControlHandler
}

// Router classifies inbound messages and hands each to exactly one handler.
type Router struct {
	callID   string
	handlers Handlers
	logger   *slog.Logger
	received metric.Int64Counter
}

// NewRouter creates a Router for one call.
func NewRouter(callID string, h Handlers, logger *slog.Logger) *Router {
	counter, _ := telemetry.Meter("denwa/bridge").Int64Counter("denwa.bridge.messages",
		metric.WithDescription("Messages exchanged with the media service"),
	)
	return &Router{callID: callID, handlers: h, logger: logger, received: counter}
}

// Route dispatches one raw message. It returns an error that should end the
// stream only for ErrStreamEnded; every other failure is logged and the
// message dropped.
func (r *Router) Route(ctx context.Context, raw []byte) (reply []byte, err error) {
	typ, err := PeekType(raw)
	if err != nil {
		r.logger.Warn("bridge: dropping undecodable message", "call_id", r.callID, "error", err)
		r.count(ctx, "invalid")
		return nil, nil
	}
	r.count(ctx, string(typ))

	switch typ {
	case TypeAudio:
		return r.routeAudio(ctx, raw)
	case TypeEvent:
		r.routeEvent(ctx, raw)
		return nil, nil
	case TypeControl:
		return nil, r.routeControl(ctx, raw)
	default:
		r.logger.Warn("bridge: unknown message type", "call_id", r.callID, "type", string(typ))
		return nil, nil
	}
}

func (r *Router) routeAudio(ctx context.Context, raw []byte) ([]byte, error) {
	if r.handlers.Audio == nil {
		return nil, nil
	}
	frame, err := DecodeAudio(raw, r.callID)
	if err != nil {
		r.logger.Warn("bridge: dropping audio frame", "call_id", r.callID, "error", err)
		return nil, nil
	}
	if len(frame.Data) == 0 {
		return nil, nil
	}
	out, err := r.handlers.Audio.HandleAudio(ctx, frame)
	if err != nil {
		r.logger.Warn("bridge: audio handler failed", "call_id", r.callID, "error", err)
		return nil, nil
	}
	return out, nil
}

func (r *Router) routeEvent(ctx context.Context, raw []byte) {
	ev, err := DecodeEvent(raw, r.callID)
	if err != nil {
		r.logger.Warn("bridge: dropping event", "call_id", r.callID, "error", err)
		return
	}
	if r.handlers.Events == nil {
		r.logger.Debug("bridge: event ignored", "call_id", r.callID, "event", ev.Event)
		return
	}
	if err := r.handlers.Events.HandleProviderEvent(ctx, ev); err != nil {
		r.logger.Warn("bridge: event handler failed", "call_id", r.callID, "event", ev.Event, "error", err)
	}
}

func (r *Router) routeControl(ctx context.Context, raw []byte) error {
	ack, err := DecodeControl(raw, r.callID)
	if err != nil {
		r.logger.Warn("bridge: dropping control message", "call_id", r.callID, "error", err)
		return nil
	}
	switch ack.Action {
	case ActionEndStream:
		r.logger.Info("bridge: media service ended stream", "call_id", r.callID)
		return ErrStreamEnded
	case AckMute, AckUnmute, AckStatus:
		r.logger.Debug("bridge: control acknowledged", "call_id", r.callID, "action", ack.Action)
	default:
		r.logger.Info("bridge: control message received", "call_id", r.callID, "action", ack.Action)
	}
	if r.handlers.Control != nil {
		if err := r.handlers.Control.HandleControl(ctx, ack); err != nil {
			r.logger.Warn("bridge: control handler failed", "call_id", r.callID, "action", ack.Action, "error", err)
		}
	}
	return nil
}

func (r *Router) count(ctx context.Context, typ string) {
	r.received.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typ),
		attribute.String("direction", "inbound"),
	))
}
