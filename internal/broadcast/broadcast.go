// Package broadcast fans ledger changes out to live subscribers. Delivery is
// at-least-once; every event is a full-state replacement of the user's
// counters, never a partial update to merge.
package broadcast

import (
	"context"
	"time"
)

// ActivityChanged is published after every successful ledger delta,
// including disconnect-forced ones.
type ActivityChanged struct {
	UserID          string    `json:"user_id"`
	Active          bool      `json:"is_active"`
	ActiveSeconds   int64     `json:"active_seconds"`
	InactiveSeconds int64     `json:"inactive_seconds"`
	BucketID        string    `json:"bucket_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Broadcaster is the publish/subscribe port for realtime fan-out,
// decoupling the core from any specific transport.
type Broadcaster interface {
	// Publish delivers the event to all current subscribers for the user.
	Publish(ctx context.Context, event ActivityChanged) error

	// Subscribe returns a stream of events for one user and a cancel
	// function that releases the subscription and closes the channel.
	Subscribe(ctx context.Context, userID string) (<-chan ActivityChanged, func(), error)

	Close() error
}
