// Package supervisor runs one streaming task per live call.
//
// A task mints a call-scoped token, opens the media bridge, plays the
// greeting, and feeds inbound audio through the speech pipeline and the
// conversation flow engine until the call ends. Teardown runs exactly once
// per task on every exit path: the connection is closed first, then the
// Owner is told so it can release the agent and remove the session.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/denwa/internal/bridge"
	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/pipeline"
	"github.com/ashita-ai/denwa/internal/telemetry"
)

var (
	// ErrAlreadyStreaming is returned by Start for a session with a live task.
	ErrAlreadyStreaming = errors.New("supervisor: session already streaming")
	// ErrNotStreaming is returned when a session has no live task.
	ErrNotStreaming = errors.New("supervisor: session not streaming")
	// ErrConnectFailed wraps bridge connection failures reported to the Owner.
	ErrConnectFailed = errors.New("supervisor: media connection failed")
	// ErrUnknownAction is returned by Control for unsupported actions.
	ErrUnknownAction = errors.New("supervisor: unknown control action")
	// ErrInvalidControl means a control action is missing a required argument.
	ErrInvalidControl = errors.New("supervisor: invalid control arguments")
	// ErrSendFailed is returned by Control when the bridge refused the write.
	ErrSendFailed = errors.New("supervisor: control not delivered")
	// ErrConnecting is returned by Control while the task is still dialing
	// the media service. The caller may retry shortly.
	ErrConnecting = errors.New("supervisor: media connection not open yet")
)

// TokenIssuer mints the bearer token presented to the media service.
type TokenIssuer interface {
	IssueCallToken(callID, sessionID, agentID string, ttl time.Duration) (string, time.Time, error)
}

// SessionStore is the part of the session registry a task writes to.
type SessionStore interface {
	Touch(sessionID string) bool
	SetStreaming(sessionID string, streaming bool, streamURL string) error
	RecordResponseTime(sessionID string, d time.Duration) error
	RecordError(sessionID string) error
	SetAudioQuality(sessionID string, score float64) error
}

// Owner receives what a task cannot decide on its own.
type Owner interface {
	// StreamEvent is called for non-terminal provider events relayed over
	// the bridge, on the task's goroutine.
	StreamEvent(ctx context.Context, sessionID string, ev bridge.ProviderEvent)
	// StreamClosed is called exactly once per task after the connection is
	// closed. status is the terminal status the call should end with.
	StreamClosed(sessionID string, status model.CallStatus, cause error)
}

// Config holds the per-call streaming settings.
type Config struct {
	Bridge        bridge.Config
	TokenTTL      time.Duration
	GreetingFile  string
	Segmenter     pipeline.SegmenterConfig
	MaxFlowErrors int
}

// Supervisor starts, tracks and stops streaming tasks.
type Supervisor struct {
	cfg      Config
	tokens   TokenIssuer
	sessions SessionStore
	runner   *pipeline.Runner
	owner    Owner
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
	tracker *tracker
}

// New creates a Supervisor. SetOwner must be called before Start when the
// owner is constructed after the supervisor.
func New(cfg Config, tokens TokenIssuer, sessions SessionStore, runner *pipeline.Runner, owner Owner, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		tokens:   tokens,
		sessions: sessions,
		runner:   runner,
		owner:    owner,
		logger:   logger,
		streams:  make(map[string]*stream),
		tracker:  newTracker(),
	}
	s.registerMetrics()
	return s
}

// SetOwner installs the Owner. It is not safe to call once tasks run.
func (s *Supervisor) SetOwner(o Owner) { s.owner = o }

// Start spawns the streaming task for sess and returns immediately. The
// task outlives ctx's cancellation; use Stop to end it.
func (s *Supervisor) Start(ctx context.Context, sess model.CallSession) error {
	s.mu.Lock()
	if _, exists := s.streams[sess.SessionID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStreaming, sess.SessionID)
	}
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := newStream(s, sess, cancel)
	s.streams[sess.SessionID] = st
	st.unregister = s.tracker.register(sess.SessionID, func() { st.stop(model.CallStatusTerminated) })
	s.mu.Unlock()

	go st.run(taskCtx)
	return nil
}

// Stop asks the task for sessionID to end with status and returns a channel
// closed once its teardown, including the Owner callback, has finished.
func (s *Supervisor) Stop(sessionID string, status model.CallStatus) (<-chan struct{}, bool) {
	st, ok := s.lookup(sessionID)
	if !ok {
		return nil, false
	}
	st.stop(status)
	return st.done, true
}

// IsStreaming reports whether sessionID has a task, connected or not.
func (s *Supervisor) IsStreaming(sessionID string) bool {
	_, ok := s.lookup(sessionID)
	return ok
}

// IsLive reports whether sessionID's task has an open media connection.
func (s *Supervisor) IsLive(sessionID string) bool {
	st, ok := s.lookup(sessionID)
	return ok && st.conn.IsConnected()
}

// Active returns the number of live tasks.
func (s *Supervisor) Active() int { return s.tracker.count() }

// Control sends a control action over a live session's bridge.
func (s *Supervisor) Control(sessionID, action string, data map[string]any) error {
	st, ok := s.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotStreaming, sessionID)
	}
	if !st.conn.IsConnected() {
		return fmt.Errorf("%w: %s", ErrConnecting, sessionID)
	}
	var sent bool
	switch action {
	case bridge.ActionMute:
		sent = st.conn.Mute()
	case bridge.ActionUnmute:
		sent = st.conn.Unmute()
	case bridge.ActionSetVolume:
		v, ok := data["volume"].(float64)
		if !ok {
			return fmt.Errorf("%w: set_volume requires numeric volume", ErrInvalidControl)
		}
		sent = st.conn.SetVolume(v)
	case bridge.ActionPlay:
		file, _ := data["file"].(string)
		if file == "" {
			return fmt.Errorf("%w: play requires file", ErrInvalidControl)
		}
		sent = st.conn.Play(file)
	case bridge.ActionDigits:
		digits, _ := data["value"].(string)
		if digits == "" {
			return fmt.Errorf("%w: digits requires value", ErrInvalidControl)
		}
		sent = st.conn.SendDigits(digits)
	case bridge.ActionTransfer:
		target, _ := data["target"].(string)
		if target == "" {
			return fmt.Errorf("%w: transfer requires target", ErrInvalidControl)
		}
		sent = st.conn.Transfer(target)
	case bridge.ActionEndStream:
		sent = st.conn.EndStream()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if !sent {
		return fmt.Errorf("%w: %s %s", ErrSendFailed, action, sessionID)
	}
	return nil
}

// Shutdown cancels every task and waits for their teardown until ctx ends.
// It reports whether all tasks finished.
func (s *Supervisor) Shutdown(ctx context.Context) bool {
	if n := s.tracker.cancelAll(); n > 0 {
		s.logger.Info("supervisor: stopping streams", "count", n)
	}
	return s.tracker.wait(ctx)
}

func (s *Supervisor) lookup(sessionID string) (*stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[sessionID]
	return st, ok
}

func (s *Supervisor) remove(sessionID string, st *stream) {
	s.mu.Lock()
	if s.streams[sessionID] == st {
		delete(s.streams, sessionID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) registerMetrics() {
	meter := telemetry.Meter("denwa/supervisor")
	_, _ = meter.Int64ObservableGauge("denwa.streams.active",
		metric.WithDescription("Calls with a live media stream"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.tracker.count()))
			return nil
		}),
	)
}
