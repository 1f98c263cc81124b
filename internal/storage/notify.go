package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/denwa/internal/model"
)

// ChannelCalls carries call lifecycle changes.
const ChannelCalls = "denwa_calls"

// CallNotification is the JSON payload published on ChannelCalls.
type CallNotification struct {
	SessionID string           `json:"session_id"`
	CallID    string           `json:"call_id"`
	AgentID   string           `json:"agent_id,omitempty"`
	Status    model.CallStatus `json:"status"`
}

// Listen subscribes the notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return ErrNoNotifyConn
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", ErrNoNotifyConn
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// SubscribeCalls listens on ChannelCalls and calls fn for every decoded
// notification until ctx ends. Undecodable payloads are logged and skipped.
func (db *DB) SubscribeCalls(ctx context.Context, fn func(CallNotification)) error {
	if err := db.Listen(ctx, ChannelCalls); err != nil {
		return err
	}
	for {
		_, payload, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var n CallNotification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			db.logger.Warn("storage: bad call notification", "payload", payload, "error", err)
			continue
		}
		fn(n)
	}
}

func (db *DB) publishCall(ctx context.Context, n CallNotification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := db.Notify(ctx, ChannelCalls, string(payload)); err != nil {
		db.logger.Warn("storage: publish call notification", "session_id", n.SessionID, "error", err)
	}
}
