package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelRuns carries a JSON payload each time an attempt is sealed. SealRun
// publishes on it inside the sealing transaction, so listeners only hear
// about committed seals.
const ChannelRuns = "adagent_runs"

// errNoNotifyConn is returned by the LISTEN helpers on a DB opened without a
// notify DSN.
var errNoNotifyConn = errors.New("storage: notify connection not configured")

// Listen subscribes the dedicated notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return errNoNotifyConn
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel or ctx ends.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", errNoNotifyConn
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}
