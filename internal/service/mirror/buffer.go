// Package mirror moves lifecycle writes to the durable store off the call
// path. Records are applied strictly in arrival order by one goroutine.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/telemetry"
)

// ErrFull is returned when the buffer is at capacity.
var ErrFull = errors.New("mirror: buffer at capacity")

// maxAttempts bounds how many flushes retry one record before it is
// dropped, so a permanently rejected write cannot wedge the queue.
const maxAttempts = 5

// Sink is the durable store. *storage.DB implements it.
type Sink interface {
	SessionCreated(ctx context.Context, s model.CallSession) error
	StatusChanged(ctx context.Context, sessionID string, from, to model.CallStatus) error
	CallIDReassigned(ctx context.Context, sessionID, callID string) error
	SessionEnded(ctx context.Context, s model.CallSession) error
}

type recordKind int

const (
	kindCreated recordKind = iota
	kindStatus
	kindCallID
	kindEnded
)

type record struct {
	kind     recordKind
	session  model.CallSession
	from, to model.CallStatus
	attempts int
}

func (r record) sessionID() string { return r.session.SessionID }

// Buffer queues lifecycle records and applies them to a Sink in the
// background. It satisfies the orchestrator's Recorder.
type Buffer struct {
	sink          Sink
	logger        *slog.Logger
	capacity      int
	retryInterval time.Duration

	mu      sync.Mutex
	records []record

	dropped atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a buffer holding at most capacity records. Failed
// writes are retried every retryInterval.
func NewBuffer(sink Sink, logger *slog.Logger, capacity int, retryInterval time.Duration) *Buffer {
	return &Buffer{
		sink:          sink,
		logger:        logger,
		capacity:      capacity,
		retryInterval: retryInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop. Call Drain to stop. A second
// call is a no-op.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("mirror: Start called twice")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// SessionCreated queues the creation of s.
func (b *Buffer) SessionCreated(_ context.Context, s model.CallSession) error {
	return b.enqueue(record{kind: kindCreated, session: s})
}

// StatusChanged queues a status transition.
func (b *Buffer) StatusChanged(_ context.Context, sessionID string, from, to model.CallStatus) error {
	return b.enqueue(record{kind: kindStatus, session: model.CallSession{SessionID: sessionID}, from: from, to: to})
}

// CallIDReassigned queues a call id change.
func (b *Buffer) CallIDReassigned(_ context.Context, sessionID, callID string) error {
	return b.enqueue(record{kind: kindCallID, session: model.CallSession{SessionID: sessionID, CallID: callID}})
}

// SessionEnded queues the final state of s.
func (b *Buffer) SessionEnded(_ context.Context, s model.CallSession) error {
	return b.enqueue(record{kind: kindEnded, session: s})
}

func (b *Buffer) enqueue(r record) error {
	b.mu.Lock()
	if len(b.records) >= b.capacity {
		b.mu.Unlock()
		b.dropped.Add(1)
		return fmt.Errorf("%w (%d records)", ErrFull, b.capacity)
	}
	b.records = append(b.records, r)
	b.mu.Unlock()

	select {
	case b.flushCh <- struct{}{}:
	default:
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done; the final flush runs on the drain context.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// flush applies queued records in order. On the first failure the rest of
// the batch goes back to the head of the queue.
func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.records
	b.records = nil
	b.mu.Unlock()

	for i, r := range batch {
		if err := b.apply(ctx, r); err != nil {
			r.attempts++
			rest := batch[i+1:]
			if r.attempts >= maxAttempts {
				b.dropped.Add(1)
				b.logger.Error("mirror: dropping record after repeated failures",
					"session_id", r.sessionID(), "attempts", r.attempts, "error", err)
			} else {
				b.logger.Warn("mirror: write failed, will retry",
					"session_id", r.sessionID(), "attempts", r.attempts, "error", err)
				rest = append([]record{r}, rest...)
			}
			b.requeue(rest)
			return
		}
	}
}

func (b *Buffer) requeue(rest []record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := append(rest, b.records...)
	if over := len(merged) - b.capacity; over > 0 {
		// Keep the oldest records; arrival order is what matters downstream.
		b.dropped.Add(int64(over))
		b.logger.Error("mirror: dropping records, buffer at capacity after write failure", "dropped", over)
		merged = merged[:b.capacity]
	}
	b.records = merged
}

func (b *Buffer) apply(ctx context.Context, r record) error {
	switch r.kind {
	case kindCreated:
		return b.sink.SessionCreated(ctx, r.session)
	case kindStatus:
		return b.sink.StatusChanged(ctx, r.session.SessionID, r.from, r.to)
	case kindCallID:
		return b.sink.CallIDReassigned(ctx, r.session.SessionID, r.session.CallID)
	default:
		return b.sink.SessionEnded(ctx, r.session)
	}
}

// Drain stops the flush loop after a final flush, waiting at most until
// ctx ends.
func (b *Buffer) Drain(ctx context.Context) {
	if !b.started.Load() {
		return
	}
	b.drainCtx = ctx
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("mirror: drain timed out waiting for flush loop", "pending", b.Len())
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("denwa/mirror")

	_, _ = meter.Int64ObservableGauge("denwa.mirror.depth",
		metric.WithDescription("Lifecycle records waiting to be written"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("denwa.mirror.dropped_total",
		metric.WithDescription("Lifecycle records dropped without being written"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of queued records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Dropped returns how many records were never written. Non-zero means the
// durable mirror is missing history.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}
