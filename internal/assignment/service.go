// Package assignment distributes calls across agents by current load and
// queues calls that arrive while every agent is at capacity.
//
// Every read-select-increment sequence runs inside one critical section, so
// two concurrent arrivals can never both claim the last free slot of an
// agent. Releasing capacity drains at most one pending call in the same
// critical section; the caller resumes orchestration for the drained call.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/telemetry"
)

var (
	// ErrUnknownAgent is returned when a specific agent is requested but is
	// not on the roster.
	ErrUnknownAgent = errors.New("assignment: unknown agent")

	// ErrAgentAtCapacity is returned when a specific agent is requested but
	// has no free slot.
	ErrAgentAtCapacity = errors.New("assignment: agent at capacity")

	// ErrInvalidAgent is returned for roster changes with a malformed id or
	// a non-positive capacity.
	ErrInvalidAgent = errors.New("assignment: invalid agent")
)

// Drained is a pending call that was matched with freed capacity.
type Drained struct {
	Call    model.PendingCall
	AgentID string
}

// Service is the AgentAssignmentService. Safe for concurrent use.
type Service struct {
	mu     sync.Mutex
	table  *LoadTable
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service for the given roster and registers its gauges.
func New(roster []model.AgentConfig, logger *slog.Logger) *Service {
	s := &Service{
		table:  NewLoadTable(roster),
		logger: logger,
		now:    time.Now,
	}
	s.registerMetrics()
	return s
}

// AssignAgent picks the least-loaded agent with spare capacity and claims a
// slot for it. When no agent is available the call is appended to the
// pending queue and ok is false.
func (s *Service) AssignAgent(d model.CallDescriptor) (agentID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, found := s.table.selectLeastLoaded(); found {
		s.table.increment(id)
		s.logger.Debug("assignment: agent assigned", "call_id", d.CallID, "agent_id", id)
		return id, true
	}
	pos := s.table.enqueue(d, s.now())
	s.logger.Info("assignment: no agent available, call queued",
		"call_id", d.CallID, "position", pos)
	return "", false
}

// TryAssign behaves like AssignAgent but never queues.
func (s *Service) TryAssign() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, found := s.table.selectLeastLoaded()
	if found {
		s.table.increment(id)
	}
	return id, found
}

// Reserve claims a slot on a specific agent.
func (s *Service) Reserve(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.table.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if !s.table.hasCapacity(agentID) {
		return fmt.Errorf("%w: %s", ErrAgentAtCapacity, agentID)
	}
	s.table.increment(agentID)
	return nil
}

// ReleaseAgent returns one slot to agentID, floored at zero, then tries to
// hand the freed capacity to the head of the pending queue. Unknown agents
// are ignored so duplicate releases are harmless.
func (s *Service) ReleaseAgent(agentID string) (Drained, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.table.decrement(agentID) {
		s.logger.Debug("assignment: release for unknown agent ignored", "agent_id", agentID)
		return Drained{}, false
	}
	return s.drainOne()
}

// drainOne hands the head of the pending queue to the least-loaded agent
// with a free slot. Caller holds s.mu.
func (s *Service) drainOne() (Drained, bool) {
	if len(s.table.pending) == 0 {
		return Drained{}, false
	}
	id, found := s.table.selectLeastLoaded()
	if !found {
		return Drained{}, false
	}
	call, _ := s.table.dequeue()
	s.table.increment(id)
	s.logger.Info("assignment: pending call drained",
		"call_id", call.Descriptor.CallID, "agent_id", id,
		"waited_ms", s.now().Sub(call.EnqueuedAt).Milliseconds())
	return Drained{Call: call, AgentID: id}, true
}

// AddAgent puts an agent on the roster, or updates its capacity and cancels
// a pending retirement if it already exists. Queued calls that the new
// capacity can absorb are drained in FIFO order and returned; the caller
// resumes each of them.
//
// Lowering the capacity below the current load keeps the calls in flight.
// The agent takes no new calls until its load is back under the new limit.
func (s *Service) AddAgent(cfg model.AgentConfig) ([]Drained, error) {
	if err := model.ValidateAgentID(cfg.AgentID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAgent, err)
	}
	if cfg.MaxConcurrentCalls < 1 {
		return nil, fmt.Errorf("%w: %s: max_concurrent_calls must be positive", ErrInvalidAgent, cfg.AgentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.table.add(cfg.AgentID, cfg.MaxConcurrentCalls)
	if slot := s.table.agents[cfg.AgentID]; slot.load > slot.max {
		s.logger.Info("assignment: capacity lowered below load, agent paused",
			"agent_id", cfg.AgentID, "load", slot.load, "max", slot.max)
	}

	var drained []Drained
	for {
		d, ok := s.drainOne()
		if !ok {
			return drained, nil
		}
		drained = append(drained, d)
	}
}

// RemoveAgent stops routing new calls to agentID. The agent leaves the
// table once its last call is released. Returns false for unknown agents.
func (s *Service) RemoveAgent(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.table.agents[agentID]
	if !ok {
		return false
	}
	if slot.load == 0 {
		s.table.drop(agentID)
		return true
	}
	slot.retiring = true
	return true
}

// CancelPending removes a queued call, e.g. when the caller hangs up
// before capacity frees.
func (s *Service) CancelPending(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.removePending(callID)
}

// PendingPosition returns the 1-based queue position of callID, or 0.
func (s *Service) PendingPosition(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.position(callID)
}

// PendingLen returns the number of queued calls.
func (s *Service) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table.pending)
}

// Pending returns a copy of the queue in FIFO order.
func (s *Service) Pending() []model.PendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PendingCall(nil), s.table.pending...)
}

// Loads returns a snapshot of the load table ordered by agent id.
func (s *Service) Loads() []model.AgentLoad {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.snapshot()
}

// TotalLoad sums current load across all agents.
func (s *Service) TotalLoad() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, slot := range s.table.agents {
		total += slot.load
	}
	return total
}

func (s *Service) registerMetrics() {
	meter := telemetry.Meter("denwa/assignment")

	_, _ = meter.Int64ObservableGauge("denwa.agents.load",
		metric.WithDescription("Concurrent calls currently held by each agent"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, l := range s.Loads() {
				o.Observe(int64(l.CurrentLoad), metric.WithAttributes(attribute.String("agent_id", l.AgentID)))
			}
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("denwa.agents.pending",
		metric.WithDescription("Calls waiting for agent capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.PendingLen()))
			return nil
		}),
	)
}
