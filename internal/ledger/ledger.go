// Package ledger owns the authoritative per-(user, bucket) activity record:
// reset decisions, atomic delta application, and single-writer-per-user
// serialization.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shiftbeat/shiftbeat/internal/broadcast"
	"github.com/shiftbeat/shiftbeat/internal/metrics"
	"github.com/shiftbeat/shiftbeat/internal/storage"
)

// ErrNegativeDelta is returned when a delta would decrease a counter.
var ErrNegativeDelta = errors.New("ledger: negative delta")

// ErrUnknownUser is returned when a snapshot is requested for a user with no
// records at all.
var ErrUnknownUser = errors.New("ledger: unknown user")

const (
	// DefaultStalenessGrace is how long a bucket-matching record may sit
	// unwritten before it is reset anyway. Fallback rule only; a bucket
	// match is otherwise authoritative.
	DefaultStalenessGrace = 2 * time.Hour

	// DefaultStorageTimeout bounds a single persistence call.
	DefaultStorageTimeout = 5 * time.Second

	retryBackoff = 250 * time.Millisecond
)

// Config holds ledger configuration
type Config struct {
	StalenessGrace time.Duration
	StorageTimeout time.Duration
}

// Ledger applies activity deltas to persisted records. All writes for one
// user are serialized through a per-user mutex so two connections toggling
// simultaneously never lose an update.
type Ledger struct {
	store       storage.ActivityStore
	broadcaster broadcast.Broadcaster // optional
	clock       Clock
	logger      zerolog.Logger

	stalenessGrace time.Duration
	storageTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex // keyed by userID
}

// New creates a Ledger. broadcaster may be nil when no fan-out is wanted.
func New(store storage.ActivityStore, broadcaster broadcast.Broadcaster, clock Clock, config Config, logger zerolog.Logger) *Ledger {
	if config.StalenessGrace == 0 {
		config.StalenessGrace = DefaultStalenessGrace
	}
	if config.StorageTimeout == 0 {
		config.StorageTimeout = DefaultStorageTimeout
	}
	if clock == nil {
		clock = RealClock{}
	}

	return &Ledger{
		store:          store,
		broadcaster:    broadcaster,
		clock:          clock,
		logger:         logger.With().Str("component", "ledger").Logger(),
		stalenessGrace: config.StalenessGrace,
		storageTimeout: config.StorageTimeout,
		locks:          make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing writes for one user.
func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}

// GetOrCreate returns the current record for (userID, bucketID), resetting
// the ledger when the bucket rolled over or the record went stale.
//
// Reset rules, in priority order (bucket mismatch is authoritative,
// staleness is a fallback only):
//
//	first-record     user has no records at all
//	bucket-rollover  most recent record belongs to a different bucket
//	stale            bucket still matches but nothing was written for
//	                 longer than the staleness grace
func (l *Ledger) GetOrCreate(ctx context.Context, userID, bucketID string) (*storage.ActivityRecord, error) {
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	return l.getOrCreateLocked(ctx, userID, bucketID)
}

func (l *Ledger) getOrCreateLocked(ctx context.Context, userID, bucketID string) (*storage.ActivityRecord, error) {
	now := l.clock.Now()

	latest, err := l.getLatest(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return l.resetLocked(ctx, userID, bucketID, now, "first-record")
	case err != nil:
		return nil, err
	}

	if latest.BucketID != bucketID {
		return l.resetLocked(ctx, userID, bucketID, now, "bucket-rollover")
	}

	if now.Sub(latest.UpdatedAt) > l.stalenessGrace {
		return l.resetLocked(ctx, userID, bucketID, now, "stale")
	}

	return latest, nil
}

// resetLocked writes a zeroed record for the bucket and logs which rule
// fired. A bucket rollover leaves the prior bucket's row untouched; a stale
// reset replaces the row for the same bucket.
func (l *Ledger) resetLocked(ctx context.Context, userID, bucketID string, now time.Time, rule string) (*storage.ActivityRecord, error) {
	record := storage.ActivityRecord{
		UserID:       userID,
		BucketID:     bucketID,
		SessionStart: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := l.withRetry(ctx, func(opCtx context.Context) error {
		return l.store.Upsert(opCtx, record)
	})
	if err != nil {
		return nil, fmt.Errorf("reset ledger record: %w", err)
	}

	metrics.BucketResets.WithLabelValues(rule).Inc()
	l.logger.Info().
		Str("user_id", userID).
		Str("bucket_id", bucketID).
		Str("rule", rule).
		Msg("Ledger record reset")

	return &record, nil
}

// ApplyDelta atomically adds non-negative deltas to the current record and
// updates the live fields. The record is created lazily when missing. Every
// successful write is broadcast.
func (l *Ledger) ApplyDelta(ctx context.Context, userID, bucketID string, activeDelta, inactiveDelta int64, active bool, sessionStart *time.Time) (*storage.ActivityRecord, error) {
	if activeDelta < 0 || inactiveDelta < 0 {
		return nil, fmt.Errorf("%w: active=%d inactive=%d", ErrNegativeDelta, activeDelta, inactiveDelta)
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := l.clock.Now()

	var record *storage.ActivityRecord
	err := l.withRetry(ctx, func(opCtx context.Context) error {
		var applyErr error
		record, applyErr = l.store.ApplyDelta(opCtx, userID, bucketID, activeDelta, inactiveDelta, active, sessionStart, now)
		if errors.Is(applyErr, storage.ErrNotFound) {
			// First write for this bucket: create, then apply.
			if _, createErr := l.getOrCreateLocked(opCtx, userID, bucketID); createErr != nil {
				return createErr
			}
			record, applyErr = l.store.ApplyDelta(opCtx, userID, bucketID, activeDelta, inactiveDelta, active, sessionStart, now)
		}
		return applyErr
	})
	if err != nil {
		return nil, fmt.Errorf("apply delta: %w", err)
	}

	state := "inactive"
	if active {
		state = "active"
	}
	metrics.DeltasApplied.WithLabelValues(state).Inc()
	metrics.ActiveSecondsCounted.Add(float64(activeDelta))
	metrics.InactiveSecondsCounted.Add(float64(inactiveDelta))

	l.publish(ctx, record)

	return record, nil
}

// Snapshot returns the record for "now"'s bucket without creating one:
// queries must stay side-effect free. A user whose latest record belongs to
// an older bucket gets a zeroed view of the current bucket.
func (l *Ledger) Snapshot(ctx context.Context, userID, bucketID string) (*storage.ActivityRecord, error) {
	record, err := l.getCurrent(ctx, userID, bucketID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	latest, err := l.getLatest(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	return &storage.ActivityRecord{
		UserID:       userID,
		BucketID:     bucketID,
		SessionStart: latest.SessionStart,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// History returns every retained record for a user, newest bucket first.
func (l *Ledger) History(ctx context.Context, userID string) ([]storage.ActivityRecord, error) {
	records, err := l.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return records, nil
}

func (l *Ledger) getLatest(ctx context.Context, userID string) (*storage.ActivityRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.storageTimeout)
	defer cancel()
	return l.store.GetLatest(opCtx, userID)
}

func (l *Ledger) getCurrent(ctx context.Context, userID, bucketID string) (*storage.ActivityRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.storageTimeout)
	defer cancel()
	return l.store.Get(opCtx, userID, bucketID)
}

// withRetry runs op with a per-call timeout and retries once on a transient
// failure. Continued failure is surfaced to the caller; the connection stays
// up and decides its own policy.
func (l *Ledger) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, l.storageTimeout)
	err := op(opCtx)
	cancel()

	if err == nil || errors.Is(err, storage.ErrNotFound) || ctx.Err() != nil {
		return err
	}

	metrics.StorageRetries.Inc()
	l.logger.Warn().Err(err).Msg("Storage write failed, retrying once")

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	opCtx, cancel = context.WithTimeout(ctx, l.storageTimeout)
	defer cancel()
	return op(opCtx)
}

func (l *Ledger) publish(ctx context.Context, record *storage.ActivityRecord) {
	if l.broadcaster == nil {
		return
	}

	event := broadcast.ActivityChanged{
		UserID:          record.UserID,
		Active:          record.Active,
		ActiveSeconds:   record.ActiveSeconds,
		InactiveSeconds: record.InactiveSeconds,
		BucketID:        record.BucketID,
		UpdatedAt:       record.UpdatedAt,
	}

	if err := l.broadcaster.Publish(ctx, event); err != nil {
		// Fan-out is at-least-once best effort; the write already succeeded.
		l.logger.Warn().Err(err).
			Str("user_id", record.UserID).
			Msg("Failed to publish activity event")
	}
}
