package redis

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiftbeat/shiftbeat/internal/storage"
)

type activityStore struct {
	client *redis.Client
}

// Get retrieves the row for an exact (user, bucket) pair
func (s *activityStore) Get(ctx context.Context, userID, bucketID string) (*storage.ActivityRecord, error) {
	data, err := s.client.HGetAll(ctx, recordKey(userID, bucketID)).Result()
	if err != nil {
		return nil, err
	}
	return parseActivityRecord(data)
}

// GetLatest retrieves the row the user's latest pointer designates
func (s *activityStore) GetLatest(ctx context.Context, userID string) (*storage.ActivityRecord, error) {
	bucketID, err := s.client.HGet(ctx, latestKey, userID).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, bucketID)
}

// Upsert writes a full row and moves the latest pointer atomically
func (s *activityStore) Upsert(ctx context.Context, record storage.ActivityRecord) error {
	script := redis.NewScript(upsertRecordScript)

	keys := []string{
		recordKey(record.UserID, record.BucketID),
		latestKey,
		indexKey(record.UserID),
	}
	args := []interface{}{
		record.UserID,
		record.BucketID,
		boolField(record.Active),
		record.ActiveSeconds,
		record.InactiveSeconds,
		record.SessionStart.Format(time.RFC3339Nano),
		record.CreatedAt.Format(time.RFC3339Nano),
		record.UpdatedAt.Format(time.RFC3339Nano),
		int64(retentionTTL.Seconds()),
	}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// ApplyDelta atomically increments counters via a Lua script
func (s *activityStore) ApplyDelta(ctx context.Context, userID, bucketID string, activeDelta, inactiveDelta int64, active bool, sessionStart *time.Time, updatedAt time.Time) (*storage.ActivityRecord, error) {
	script := redis.NewScript(applyDeltaScript)

	start := ""
	if sessionStart != nil {
		start = sessionStart.Format(time.RFC3339Nano)
	}

	keys := []string{recordKey(userID, bucketID)}
	args := []interface{}{
		activeDelta,
		inactiveDelta,
		boolField(active),
		start,
		updatedAt.Format(time.RFC3339Nano),
	}

	result, err := script.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return nil, err
	}
	if result == 0 {
		return nil, storage.ErrNotFound
	}

	return s.Get(ctx, userID, bucketID)
}

// ListForUser returns every retained row for a user, newest bucket first
func (s *activityStore) ListForUser(ctx context.Context, userID string) ([]storage.ActivityRecord, error) {
	bucketIDs, err := s.client.SMembers(ctx, indexKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	if len(bucketIDs) == 0 {
		return []storage.ActivityRecord{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(bucketIDs))
	for i, bucketID := range bucketIDs {
		cmds[i] = pipe.HGetAll(ctx, recordKey(userID, bucketID))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.ActivityRecord, 0, len(bucketIDs))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			// Expired row: drop the dangling index entry.
			s.client.SRem(ctx, indexKey(userID), bucketIDs[i])
			continue
		}
		record, err := parseActivityRecord(data)
		if err == nil {
			records = append(records, *record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// DeleteBefore removes superseded rows last updated before the cutoff.
// Retention TTL already expires most history; this sweep covers rows that
// predate the TTL being applied.
func (s *activityStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	users, err := s.client.HGetAll(ctx, latestKey).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for userID, currentBucket := range users {
		bucketIDs, err := s.client.SMembers(ctx, indexKey(userID)).Result()
		if err != nil {
			return deleted, err
		}

		for _, bucketID := range bucketIDs {
			if bucketID == currentBucket {
				continue
			}

			updatedAt, err := s.client.HGet(ctx, recordKey(userID, bucketID), "updated_at").Result()
			if err == redis.Nil {
				// Already expired; drop the index entry.
				s.client.SRem(ctx, indexKey(userID), bucketID)
				continue
			}
			if err != nil {
				return deleted, err
			}

			ts, err := time.Parse(time.RFC3339Nano, updatedAt)
			if err != nil {
				continue
			}

			if ts.Before(cutoff) {
				if err := s.client.Del(ctx, recordKey(userID, bucketID)).Err(); err != nil {
					return deleted, err
				}
				s.client.SRem(ctx, indexKey(userID), bucketID)
				deleted++
			}
		}
	}

	return deleted, nil
}
