// Package store implements the persistence contract over sqlite: goals,
// work items, runs, cron jobs, cron job runs, and the audit log. Every
// mutating call is its own transaction unless it takes place inside an
// explicit WithTx block. The atomic guards the scheduler depends on
// (conditional ready promotion, conditional cron claim, insert-or-ignore
// on the run key) live here as single statements.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned on unique constraint conflicts.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrTerminalStatus is returned when a status update would regress a
	// terminal status.
	ErrTerminalStatus = errors.New("entity is in a terminal status")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// busyRetries bounds internal retries on sqlite write contention.
const busyRetries = 5

// Fault is a persistence fault: an I/O or constraint error from the
// database that the caller must surface to its task boundary.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("persistence fault in %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsFault reports whether err carries a persistence fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// fault wraps a driver error, passing through the store's sentinel errors.
func fault(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrTerminalStatus) {
		return err
	}
	return &Fault{Op: op, Err: err}
}

// Store is the persistence layer. All methods are safe for concurrent use;
// sqlite serializes writers and the store retries briefly on contention.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// querier is the subset of sql.DB / sql.Tx the store queries through.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error. Write conflicts are retried up to the internal bound.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fault("begin tx", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isBusy(err) {
				lastErr = err
				sleepBackoff(ctx, attempt)
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				sleepBackoff(ctx, attempt)
				continue
			}
			return fault("commit tx", err)
		}
		return nil
	}
	return fault("tx retry exhausted", lastErr)
}

// isBusy reports whether err is sqlite write contention worth retrying.
func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// isUniqueViolation reports whether err is a unique constraint conflict.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func sleepBackoff(ctx context.Context, attempt int) {
	d := time.Duration(attempt+1) * 20 * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// marshalJSON serializes a column value, defaulting to the given literal
// on nil input.
func marshalJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(raw)
}

// unmarshalJSON deserializes a column value into out, tolerating empty
// columns.
func unmarshalJSON(raw string, out any) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), out)
}

// nullTime converts a *time.Time to its sql representation.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// timePtr converts a sql.NullTime back to *time.Time.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
