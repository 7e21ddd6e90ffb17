package storage

import (
	"context"
	"errors"
	"time"

	"conductor/internal/task"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("task not found")
	// ErrConflict means the row was not in the status the write requires,
	// e.g. a terminal write to a row that is no longer running.
	ErrConflict = errors.New("task status conflict")
)

// Config configures storage. If Driver is empty or "none", storage is
// disabled and Open returns a nil Store.
type Config struct {
	Driver string

	// sqlite and file
	Path        string
	BusyTimeout time.Duration

	// postgres
	DSN      string
	MaxConns int32

	// postgrest
	URL    string
	APIKey string

	// Table and Timeout apply to postgres and postgrest.
	Table   string
	Timeout time.Duration
}

// Store is the queue table as seen by conductor.
type Store interface {
	// ClaimNext moves the oldest pending record to running and returns it.
	// ok is false when nothing is pending.
	ClaimNext(ctx context.Context) (rec task.Record, ok bool, err error)
	// UpdatePartial replaces partial_output while the record is running.
	// Writes to a record that is no longer running are ignored.
	UpdatePartial(ctx context.Context, id, partial string) error
	Complete(ctx context.Context, id, output string) error
	Fail(ctx context.Context, id, errText string) error

	Enqueue(ctx context.Context, kind task.Kind, instruction string) (task.Record, error)
	Get(ctx context.Context, id string) (task.Record, error)
	CountPending(ctx context.Context) (int, error)
	Close() error
}

// notBefore keeps timestamps non-decreasing when the wall clock steps back.
func notBefore(t time.Time, floor *time.Time) time.Time {
	if floor != nil && t.Before(*floor) {
		return *floor
	}
	return t
}

func now() time.Time { return time.Now().UTC() }
