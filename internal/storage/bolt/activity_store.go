package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/shiftbeat/shiftbeat/internal/storage"
)

type activityStore struct {
	db *bbolt.DB
}

// Get returns the row for an exact (user, bucket) pair.
func (s *activityStore) Get(ctx context.Context, userID, bucketID string) (*storage.ActivityRecord, error) {
	var record *storage.ActivityRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		user := tx.Bucket([]byte(bucketActivity)).Bucket([]byte(userID))
		if user == nil {
			return storage.ErrNotFound
		}
		data := user.Get([]byte(bucketID))
		if data == nil {
			return storage.ErrNotFound
		}
		record = &storage.ActivityRecord{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetLatest returns the user's most recent row via the latest pointer.
func (s *activityStore) GetLatest(ctx context.Context, userID string) (*storage.ActivityRecord, error) {
	var record *storage.ActivityRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		latest := tx.Bucket([]byte(bucketLatest)).Get([]byte(userID))
		if latest == nil {
			return storage.ErrNotFound
		}
		user := tx.Bucket([]byte(bucketActivity)).Bucket([]byte(userID))
		if user == nil {
			return storage.ErrNotFound
		}
		data := user.Get(latest)
		if data == nil {
			return storage.ErrNotFound
		}
		record = &storage.ActivityRecord{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Upsert writes a full row and moves the latest pointer to it.
func (s *activityStore) Upsert(ctx context.Context, record storage.ActivityRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal activity record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		user, err := tx.Bucket([]byte(bucketActivity)).CreateBucketIfNotExists([]byte(record.UserID))
		if err != nil {
			return fmt.Errorf("create user bucket: %w", err)
		}
		if err := user.Put([]byte(record.BucketID), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketLatest)).Put([]byte(record.UserID), []byte(record.BucketID))
	})
}

// ApplyDelta atomically adds deltas to an existing row inside one write
// transaction.
func (s *activityStore) ApplyDelta(ctx context.Context, userID, bucketID string, activeDelta, inactiveDelta int64, active bool, sessionStart *time.Time, updatedAt time.Time) (*storage.ActivityRecord, error) {
	var record *storage.ActivityRecord

	err := s.db.Update(func(tx *bbolt.Tx) error {
		user := tx.Bucket([]byte(bucketActivity)).Bucket([]byte(userID))
		if user == nil {
			return storage.ErrNotFound
		}
		data := user.Get([]byte(bucketID))
		if data == nil {
			return storage.ErrNotFound
		}

		record = &storage.ActivityRecord{}
		if err := json.Unmarshal(data, record); err != nil {
			return err
		}

		record.ActiveSeconds += activeDelta
		record.InactiveSeconds += inactiveDelta
		record.Active = active
		record.UpdatedAt = updatedAt
		if sessionStart != nil {
			record.SessionStart = *sessionStart
		}

		updated, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return user.Put([]byte(bucketID), updated)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListForUser returns all retained rows for a user, newest bucket first.
func (s *activityStore) ListForUser(ctx context.Context, userID string) ([]storage.ActivityRecord, error) {
	var records []storage.ActivityRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		user := tx.Bucket([]byte(bucketActivity)).Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		return user.ForEach(func(_, data []byte) error {
			var record storage.ActivityRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// DeleteBefore removes superseded rows last updated before the cutoff.
func (s *activityStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		activity := tx.Bucket([]byte(bucketActivity))
		latest := tx.Bucket([]byte(bucketLatest))

		return activity.ForEachBucket(func(userKey []byte) error {
			user := activity.Bucket(userKey)
			current := latest.Get(userKey)

			var stale [][]byte
			err := user.ForEach(func(key, data []byte) error {
				if current != nil && string(key) == string(current) {
					return nil
				}
				var record storage.ActivityRecord
				if err := json.Unmarshal(data, &record); err != nil {
					return err
				}
				if record.UpdatedAt.Before(cutoff) {
					stale = append(stale, append([]byte(nil), key...))
				}
				return nil
			})
			if err != nil {
				return err
			}

			for _, key := range stale {
				if err := user.Delete(key); err != nil {
					return err
				}
				deleted++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
