package orchestrator

import (
	"context"
	"time"

	"github.com/ashita-ai/denwa/internal/model"
)

// RunJanitor ends sessions idle for longer than maxAge, checking every
// interval, until ctx is cancelled. Ending goes through the normal release
// path so agent capacity is returned.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.SweepInactive(ctx, maxAge)
		}
	}
}

// SweepInactive runs one janitor pass and returns how many sessions it
// ended.
func (o *Orchestrator) SweepInactive(ctx context.Context, maxAge time.Duration) int {
	return o.sessions.CleanupInactive(maxAge, func(s model.CallSession) {
		o.logger.Info("orchestrator: ending inactive call",
			"session_id", s.SessionID, "call_id", s.CallID,
			"idle_ms", time.Since(s.LastActivityAt).Milliseconds())
		if err := o.end(ctx, s.SessionID, model.CallStatusTerminated); err != nil {
			o.logger.Warn("orchestrator: janitor end failed", "session_id", s.SessionID, "error", err)
		}
	})
}
