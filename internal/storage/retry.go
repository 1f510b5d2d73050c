package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retriableCodes are the SQLSTATEs after which rerunning the whole
// transaction can succeed.
var retriableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
}

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && retriableCodes[pgErr.Code]
}

// WithRetry runs fn up to maxRetries+1 times while it fails with a
// retriable Postgres error. The delay starts at baseDelay, doubles each
// time and gets up to baseDelay of random jitter. fn must be a whole
// transaction.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isRetriable(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay) + 1)) //nolint:gosec // jitter
		t := time.NewTimer(delay + jitter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
