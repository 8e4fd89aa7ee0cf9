package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLite reports BUSY once busy_timeout is exhausted instead of waiting
// forever. Writes go through a short fixed backoff (100/200/300 ms)
// before the error is surfaced.
const busyAttempts = 3

// IsBusy reports whether err is an SQLite BUSY or locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	for i := 0; i < busyAttempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsBusy(err) || i == busyAttempts-1 {
			return err
		}
		wait := time.Duration(100*(i+1)) * time.Millisecond
		if err := sleepCtx(ctx, wait); err != nil {
			return fmt.Errorf("dbopen: %s: context cancelled during retry: %w", op, err)
		}
	}
	return fmt.Errorf("dbopen: %s: retries exhausted", op)
}

// RunTx executes fn inside a transaction, retrying the whole transaction
// on BUSY. fn must be safe to run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec executes a single statement, retrying on BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withBusyRetry(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
