package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Activity() ActivityStore
}

// ActivityStore persists per-(user, bucket) activity ledger rows. Rows for
// superseded buckets are retained as history and only removed by retention.
//
// Cross-call ordering for one user is the caller's responsibility; each
// individual call must be atomic with respect to concurrent calls for the
// same row.
type ActivityStore interface {
	// Get returns the row for an exact (user, bucket) pair.
	Get(ctx context.Context, userID, bucketID string) (*ActivityRecord, error)

	// GetLatest returns the user's most recent row, i.e. the row the latest
	// pointer designates. ErrNotFound if the user has no rows at all.
	GetLatest(ctx context.Context, userID string) (*ActivityRecord, error)

	// Upsert writes a full row and moves the user's latest pointer to it.
	Upsert(ctx context.Context, record ActivityRecord) error

	// ApplyDelta atomically adds the deltas to an existing row and updates
	// its live fields. sessionStart is only written when non-nil.
	// ErrNotFound if the row does not exist.
	ApplyDelta(ctx context.Context, userID, bucketID string, activeDelta, inactiveDelta int64, active bool, sessionStart *time.Time, updatedAt time.Time) (*ActivityRecord, error)

	// ListForUser returns every retained row for a user, newest bucket first.
	ListForUser(ctx context.Context, userID string) ([]ActivityRecord, error)

	// DeleteBefore removes superseded rows last updated before the cutoff.
	// The row the latest pointer designates is never removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}
