// Package session holds the authoritative in-memory view of live calls.
//
// The Registry is the only place CallSession records are mutated. Callers
// receive value snapshots; the maps themselves are never exposed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/telemetry"
)

var (
	// ErrNotFound is returned for session ids that are not live.
	ErrNotFound = errors.New("session: not found")

	// ErrDuplicateCall is returned when a live session already exists for
	// the provider call id.
	ErrDuplicateCall = errors.New("session: call already has a live session")

	// ErrCallIDReassigned is returned on a second call id reassignment.
	ErrCallIDReassigned = errors.New("session: call id already reassigned")

	// ErrTerminal is returned when mutating a session whose status is
	// terminal.
	ErrTerminal = errors.New("session: session is terminal")
)

// maxResponseSamples bounds the per-session response time history.
const maxResponseSamples = 256

type record struct {
	s          model.CallSession
	reassigned bool
}

// Registry is the CallSessionRegistry. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*record // session id -> record
	byCall   map[string]string  // call id -> session id
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty Registry and registers its gauge.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		sessions: make(map[string]*record),
		byCall:   make(map[string]string),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	r.registerMetrics()
	return r
}

// Create registers a new session for a call assigned to agentID and returns
// its generated id.
func (r *Registry) Create(d model.CallDescriptor, agentID string, priority model.Priority) (string, error) {
	if priority == "" {
		priority = model.PriorityNormal
	}
	now := r.now()
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if d.CallID != "" {
		if _, exists := r.byCall[d.CallID]; exists {
			return "", fmt.Errorf("%w: %s", ErrDuplicateCall, d.CallID)
		}
	}
	r.sessions[id] = &record{s: model.CallSession{
		SessionID:      id,
		CallID:         d.CallID,
		AgentID:        agentID,
		PhoneNumber:    d.PhoneNumber,
		Direction:      d.Direction,
		Status:         model.CallStatusInitiated,
		Priority:       priority,
		ScriptName:     d.ScriptName,
		Metadata:       maps.Clone(d.Metadata),
		CreatedAt:      now,
		LastActivityAt: now,
	}}
	if d.CallID != "" {
		r.byCall[d.CallID] = id
	}
	r.logger.Info("session: created", "session_id", id, "call_id", d.CallID, "agent_id", agentID)
	return id, nil
}

// Get returns a snapshot of a live session.
func (r *Registry) Get(sessionID string) (model.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return model.CallSession{}, false
	}
	return snapshot(rec.s), true
}

// FindByCallID looks a live session up by provider call id.
func (r *Registry) FindByCallID(callID string) (model.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCall[callID]
	if !ok {
		return model.CallSession{}, false
	}
	return snapshot(r.sessions[id].s), true
}

// Touch bumps LastActivityAt. Returns false for unknown sessions.
func (r *Registry) Touch(sessionID string) bool {
	return r.mutate(sessionID, func(s *model.CallSession) error { return nil }) == nil
}

// End marks the session terminal, computes its duration and removes it.
// A session already carrying a terminal status keeps it; otherwise it ends
// as CallStatusEnded. Ending an unknown or already ended session returns
// false and changes nothing.
func (r *Registry) End(sessionID string) (model.CallSession, bool) {
	now := r.now()

	r.mu.Lock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return model.CallSession{}, false
	}
	delete(r.sessions, sessionID)
	if r.byCall[rec.s.CallID] == sessionID {
		delete(r.byCall, rec.s.CallID)
	}
	if !rec.s.Status.IsTerminal() {
		rec.s.Status = model.CallStatusEnded
	}
	rec.s.EndedAt = &now
	rec.s.Duration = now.Sub(rec.s.CreatedAt)
	rec.s.IsStreaming = false
	out := snapshot(rec.s)
	r.mu.Unlock()

	r.logger.Info("session: ended", "session_id", sessionID, "call_id", out.CallID,
		"status", out.Status, "duration_ms", out.Duration.Milliseconds())
	return out, true
}

// UpdateStatus moves a session through the call state machine and returns
// the previous status.
func (r *Registry) UpdateStatus(sessionID string, status model.CallStatus) (model.CallStatus, error) {
	var prev model.CallStatus
	err := r.mutate(sessionID, func(s *model.CallSession) error {
		if err := model.ValidateTransition(s.Status, status); err != nil {
			return err
		}
		prev = s.Status
		s.Status = status
		return nil
	})
	return prev, err
}

// ReassignCallID replaces the provider call id once the provider has
// issued the real one. Allowed a single time per session.
func (r *Registry) ReassignCallID(sessionID, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if rec.reassigned {
		return fmt.Errorf("%w: %s", ErrCallIDReassigned, sessionID)
	}
	if other, exists := r.byCall[callID]; exists && other != sessionID {
		return fmt.Errorf("%w: %s", ErrDuplicateCall, callID)
	}
	if r.byCall[rec.s.CallID] == sessionID {
		delete(r.byCall, rec.s.CallID)
	}
	rec.s.CallID = callID
	rec.s.LastActivityAt = r.now()
	rec.reassigned = true
	r.byCall[callID] = sessionID
	return nil
}

// SetStreaming records whether the audio bridge is live.
func (r *Registry) SetStreaming(sessionID string, streaming bool, streamURL string) error {
	return r.mutate(sessionID, func(s *model.CallSession) error {
		s.IsStreaming = streaming
		if streamURL != "" {
			s.StreamURL = streamURL
		}
		return nil
	})
}

// RecordResponseTime appends one turn latency sample.
func (r *Registry) RecordResponseTime(sessionID string, d time.Duration) error {
	return r.mutate(sessionID, func(s *model.CallSession) error {
		s.ResponseTimes = append(s.ResponseTimes, d)
		if n := len(s.ResponseTimes); n > maxResponseSamples {
			s.ResponseTimes = slices.Clone(s.ResponseTimes[n-maxResponseSamples:])
		}
		return nil
	})
}

// RecordError increments the session error counter.
func (r *Registry) RecordError(sessionID string) error {
	return r.mutate(sessionID, func(s *model.CallSession) error {
		s.ErrorCount++
		return nil
	})
}

// SetAudioQuality stores the latest audio quality score in [0, 1].
func (r *Registry) SetAudioQuality(sessionID string, score float64) error {
	score = min(max(score, 0), 1)
	return r.mutate(sessionID, func(s *model.CallSession) error {
		s.AudioQualityScore = &score
		return nil
	})
}

// ListActive returns all live sessions ordered by creation time.
func (r *Registry) ListActive() []model.CallSession {
	return r.list(func(model.CallSession) bool { return true })
}

// ListByAgent returns the live sessions held by agentID.
func (r *Registry) ListByAgent(agentID string) []model.CallSession {
	return r.list(func(s model.CallSession) bool { return s.AgentID == agentID })
}

// Inactive returns live sessions idle for longer than maxAge without
// ending them.
func (r *Registry) Inactive(maxAge time.Duration) []model.CallSession {
	cutoff := r.now().Add(-maxAge)
	return r.list(func(s model.CallSession) bool { return s.LastActivityAt.Before(cutoff) })
}

// CleanupInactive hands every session idle for longer than maxAge to end
// and returns how many it found. end owns the teardown: it must release
// whatever the session holds before calling End.
func (r *Registry) CleanupInactive(maxAge time.Duration, end func(model.CallSession)) int {
	idle := r.Inactive(maxAge)
	for _, s := range idle {
		end(s)
	}
	if len(idle) > 0 {
		r.logger.Info("session: cleaned up inactive sessions", "count", len(idle), "max_age", maxAge)
	}
	return len(idle)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats summarizes live sessions.
type Stats struct {
	Active              int                      `json:"active"`
	Streaming           int                      `json:"streaming"`
	ByStatus            map[model.CallStatus]int `json:"by_status"`
	ByDirection         map[model.Direction]int  `json:"by_direction"`
	AverageResponseTime time.Duration            `json:"average_response_time"`
}

// Stats computes a summary over all live sessions.
func (r *Registry) Stats() Stats {
	st := Stats{
		ByStatus:    make(map[model.CallStatus]int),
		ByDirection: make(map[model.Direction]int),
	}
	var total time.Duration
	var samples int

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.sessions {
		st.Active++
		if rec.s.IsStreaming {
			st.Streaming++
		}
		st.ByStatus[rec.s.Status]++
		st.ByDirection[rec.s.Direction]++
		for _, d := range rec.s.ResponseTimes {
			total += d
			samples++
		}
	}
	if samples > 0 {
		st.AverageResponseTime = total / time.Duration(samples)
	}
	return st
}

// mutate applies fn to a live session under the write lock and bumps its
// activity timestamp when fn succeeds.
func (r *Registry) mutate(sessionID string, fn func(*model.CallSession) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if rec.s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, sessionID)
	}
	if err := fn(&rec.s); err != nil {
		return err
	}
	rec.s.LastActivityAt = r.now()
	return nil
}

func (r *Registry) list(keep func(model.CallSession) bool) []model.CallSession {
	r.mu.RLock()
	out := make([]model.CallSession, 0, len(r.sessions))
	for _, rec := range r.sessions {
		if keep(rec.s) {
			out = append(out, snapshot(rec.s))
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.CallSession) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

func (r *Registry) registerMetrics() {
	meter := telemetry.Meter("denwa/session")
	_, _ = meter.Int64ObservableGauge("denwa.sessions.active",
		metric.WithDescription("Live call sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)
}

func snapshot(s model.CallSession) model.CallSession {
	s.Metadata = maps.Clone(s.Metadata)
	s.ResponseTimes = slices.Clone(s.ResponseTimes)
	if s.AudioQualityScore != nil {
		v := *s.AudioQualityScore
		s.AudioQualityScore = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		s.EndedAt = &v
	}
	return s
}

