package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/denwa/internal/model"
)

// CallRecord is a persisted call session.
type CallRecord struct {
	SessionID     string            `json:"session_id"`
	CallID        string            `json:"call_id"`
	AgentID       string            `json:"agent_id"`
	PhoneNumber   string            `json:"phone_number"`
	Direction     model.Direction   `json:"direction"`
	Priority      model.Priority    `json:"priority"`
	ScriptName    string            `json:"script_name,omitempty"`
	Status        model.CallStatus  `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ErrorCount    int               `json:"error_count"`
	AvgResponseMS *int64            `json:"avg_response_ms,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	DurationMS    *int64            `json:"duration_ms,omitempty"`
}

// StatusTransition is one row of a session's status history.
type StatusTransition struct {
	ID        int64            `json:"id"`
	SessionID string           `json:"session_id"`
	From      model.CallStatus `json:"from_status"`
	To        model.CallStatus `json:"to_status"`
	ChangedAt time.Time        `json:"changed_at"`
}

// SessionCreated inserts the session row. Replays are ignored.
func (db *DB) SessionCreated(ctx context.Context, s model.CallSession) error {
	meta := s.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	err := db.withRetry(ctx, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO call_sessions (session_id, call_id, agent_id, phone_number, direction,
			 priority, script_name, status, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			 ON CONFLICT (session_id) DO NOTHING`,
			s.SessionID, s.CallID, s.AgentID, s.PhoneNumber, string(s.Direction),
			string(s.Priority), s.ScriptName, string(s.Status), meta, s.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: create call session: %w", err)
	}
	db.publishCall(ctx, CallNotification{
		SessionID: s.SessionID, CallID: s.CallID, AgentID: s.AgentID, Status: s.Status,
	})
	return nil
}

// StatusChanged updates the session status and appends a transition row
// in one transaction.
func (db *DB) StatusChanged(ctx context.Context, sessionID string, from, to model.CallStatus) error {
	var callID string
	err := db.withRetry(ctx, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		err = tx.QueryRow(ctx,
			`UPDATE call_sessions SET status = $2, updated_at = now()
			 WHERE session_id = $1 RETURNING call_id`,
			sessionID, string(to),
		).Scan(&callID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO call_status_transitions (session_id, from_status, to_status)
			 VALUES ($1, $2, $3)`,
			sessionID, string(from), string(to),
		); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return fmt.Errorf("storage: call status %s: %w", sessionID, err)
	}
	db.publishCall(ctx, CallNotification{SessionID: sessionID, CallID: callID, Status: to})
	return nil
}

// CallIDReassigned replaces the provisional call id of an outbound session
// with the one the provider assigned.
func (db *DB) CallIDReassigned(ctx context.Context, sessionID, callID string) error {
	err := db.withRetry(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE call_sessions SET call_id = $2, updated_at = now() WHERE session_id = $1`,
			sessionID, callID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: reassign call id %s: %w", sessionID, err)
	}
	return nil
}

// SessionEnded stamps the final status, call id, end time, duration and
// quality counters onto the session row.
func (db *DB) SessionEnded(ctx context.Context, s model.CallSession) error {
	endedAt := time.Now().UTC()
	if s.EndedAt != nil {
		endedAt = *s.EndedAt
	}
	var avg *int64
	if d := s.AverageResponseTime(); d > 0 {
		ms := d.Milliseconds()
		avg = &ms
	}
	err := db.withRetry(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE call_sessions SET status = $2, ended_at = $3, duration_ms = $4,
			 error_count = $5, avg_response_ms = $6, call_id = COALESCE(NULLIF($7, ''), call_id),
			 updated_at = now()
			 WHERE session_id = $1`,
			s.SessionID, string(s.Status), endedAt, s.Duration.Milliseconds(),
			s.ErrorCount, avg, s.CallID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: end call session %s: %w", s.SessionID, err)
	}
	db.publishCall(ctx, CallNotification{
		SessionID: s.SessionID, CallID: s.CallID, AgentID: s.AgentID, Status: s.Status,
	})
	return nil
}

// GetCallSession returns the persisted session.
func (db *DB) GetCallSession(ctx context.Context, sessionID string) (CallRecord, error) {
	var (
		r                           CallRecord
		direction, priority, status string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT session_id, call_id, agent_id, phone_number, direction, priority, script_name,
		 status, metadata, error_count, avg_response_ms, created_at, updated_at, ended_at, duration_ms
		 FROM call_sessions WHERE session_id = $1`, sessionID,
	).Scan(
		&r.SessionID, &r.CallID, &r.AgentID, &r.PhoneNumber, &direction, &priority, &r.ScriptName,
		&status, &r.Metadata, &r.ErrorCount, &r.AvgResponseMS, &r.CreatedAt, &r.UpdatedAt,
		&r.EndedAt, &r.DurationMS,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("storage: call session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("storage: get call session: %w", err)
	}
	r.Direction = model.Direction(direction)
	r.Priority = model.Priority(priority)
	r.Status = model.CallStatus(status)
	return r, nil
}

// ListTransitions returns a session's status history, oldest first.
func (db *DB) ListTransitions(ctx context.Context, sessionID string) ([]StatusTransition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, from_status, to_status, changed_at
		 FROM call_status_transitions WHERE session_id = $1 ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list transitions: %w", err)
	}
	defer rows.Close()

	var out []StatusTransition
	for rows.Next() {
		var (
			t        StatusTransition
			from, to string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &from, &to, &t.ChangedAt); err != nil {
			return nil, fmt.Errorf("storage: scan transition: %w", err)
		}
		t.From, t.To = model.CallStatus(from), model.CallStatus(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of persisted sessions per status.
func (db *DB) CountByStatus(ctx context.Context) (map[model.CallStatus]int, error) {
	rows, err := db.pool.Query(ctx, `SELECT status, count(*) FROM call_sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.CallStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: scan status count: %w", err)
		}
		out[model.CallStatus(status)] = n
	}
	return out, rows.Err()
}
