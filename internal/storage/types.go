package storage

import "time"

// ActivityRecord is the authoritative per-(user, bucket) ledger row.
// ActiveSeconds and InactiveSeconds are monotonically non-decreasing within
// a bucket; paused intervals contribute to neither.
type ActivityRecord struct {
	UserID          string    `json:"user_id"`
	BucketID        string    `json:"bucket_id"`
	Active          bool      `json:"is_active"`
	ActiveSeconds   int64     `json:"active_seconds"`
	InactiveSeconds int64     `json:"inactive_seconds"`
	SessionStart    time.Time `json:"last_session_start"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TotalSeconds is the counted (non-paused) time in the bucket.
func (r *ActivityRecord) TotalSeconds() int64 {
	return r.ActiveSeconds + r.InactiveSeconds
}
