package loader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// reconnectBackoff is the wait schedule between reconnect attempts after a
// connection-class failure. When the schedule is exhausted the error is
// fatal for the phase.
var reconnectBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// isConnectionError classifies failures that warrant a reconnect attempt:
// network errors, PostgreSQL connection-exception codes (class 08), and
// per-statement timeouts, which escalate to the reconnect policy by design.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode(pgErr) == "08"
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

// isConstraintError reports whether err is a PostgreSQL integrity constraint
// violation (class 23): unique, foreign key, not null, or check.
func isConstraintError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgerrcode(pgErr) == "23"
}

func pgerrcode(pgErr *pgconn.PgError) string {
	if len(pgErr.Code) < 2 {
		return ""
	}
	return pgErr.Code[:2]
}

// withReconnect runs fn, retrying connection-class failures on the backoff
// schedule. Cancellation of ctx stops the retries immediately; any other
// error returns as-is for the caller to classify.
func (l *Loader) withReconnect(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !isConnectionError(err) {
		return err
	}

	for attempt, delay := range reconnectBackoff {
		slog.Warn("Database operation failed, reconnecting",
			"op", op,
			"attempt", attempt+1,
			"backoff", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		status, healthErr := l.client.Health(ctx)
		if healthErr != nil {
			err = healthErr
			continue
		}
		slog.Info("Database connection recovered",
			"op", op,
			"response_time_ms", status.ResponseTime,
			"idle_conns", status.IdleConns)
		err = fn(ctx)
		if err == nil || !isConnectionError(err) {
			return err
		}
	}
	return err
}
