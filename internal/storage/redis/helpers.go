package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shiftbeat/shiftbeat/internal/storage"
)

func recordKey(userID, bucketID string) string {
	return fmt.Sprintf("shiftbeat:activity:%s:%s", userID, bucketID)
}

func indexKey(userID string) string {
	return fmt.Sprintf("shiftbeat:activity:index:%s", userID)
}

const latestKey = "shiftbeat:activity:latest"

// parseActivityRecord converts a Redis hash to an ActivityRecord
func parseActivityRecord(data map[string]string) (*storage.ActivityRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	activeSeconds, err := strconv.ParseInt(data["active_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse active_seconds: %w", err)
	}

	inactiveSeconds, err := strconv.ParseInt(data["inactive_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inactive_seconds: %w", err)
	}

	sessionStart, err := time.Parse(time.RFC3339Nano, data["session_start"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse session_start: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.ActivityRecord{
		UserID:          data["user_id"],
		BucketID:        data["bucket_id"],
		Active:          data["is_active"] == "1",
		ActiveSeconds:   activeSeconds,
		InactiveSeconds: inactiveSeconds,
		SessionStart:    sessionStart,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
