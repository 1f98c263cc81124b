package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrNoNotifyConn is returned by Listen and WaitForNotification when
	// no dedicated notify connection was configured.
	ErrNoNotifyConn = errors.New("storage: notify connection not configured")
)
