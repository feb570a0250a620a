package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shiftbeat/shiftbeat/internal/shiftcal"
)

// ErrSessionNotFound is returned for operations on an unknown connection.
var ErrSessionNotFound = errors.New("session: connection not found")

// PauseReason marks why counting is suspended on a connection. Paused
// intervals are excluded from both counters entirely, distinct from
// ordinary inactivity.
type PauseReason string

const (
	PauseNone          PauseReason = ""
	PauseBreak         PauseReason = "break"
	PauseSystemSuspend PauseReason = "system-suspend"
)

// ParsePauseReason validates an externally supplied reason string.
func ParsePauseReason(s string) (PauseReason, error) {
	switch PauseReason(s) {
	case PauseBreak, PauseSystemSuspend:
		return PauseReason(s), nil
	default:
		return PauseNone, errors.New("session: invalid pause reason: " + s)
	}
}

// SpecSource supplies a user's shift-time spec. Backed by the external
// profile store; a config map stands in for it in single-node deployments.
type SpecSource interface {
	ShiftSpec(ctx context.Context, userID string) (string, error)
}

// StaticSpecSource is a fixed user -> shift spec map.
type StaticSpecSource map[string]string

// ShiftSpec returns the configured spec, or empty when the user has none.
func (s StaticSpecSource) ShiftSpec(_ context.Context, userID string) (string, error) {
	return s[userID], nil
}

// ConnectionSession is the ephemeral per-connection runtime state. It is
// never persisted; its pending delta is flushed to the ledger before the
// session is discarded.
type ConnectionSession struct {
	ConnID       string
	UserID       string
	Active       bool
	Paused       PauseReason
	ShiftSpec    string
	Window       *shiftcal.Window
	SessionStart time.Time

	// LastUpdate is the instant elapsed time was last accounted from.
	LastUpdate time.Time

	// lastPersist drives the write debounce on the tick path.
	lastPersist time.Time

	// Sub-second remainders carry over between flushes so rapid heartbeats
	// never double- or under-count.
	pendingActive   time.Duration
	pendingInactive time.Duration

	mu sync.Mutex
}

// Config holds coordinator configuration
type Config struct {
	// TickInterval is the period of the server-side heartbeat sweep.
	TickInterval time.Duration

	// MaxTickDelta bounds the elapsed time attributable in one flush, so a
	// multi-hour clock gap (sleep, suspend) is never counted as one
	// interval.
	MaxTickDelta time.Duration

	// FlushInterval coalesces rapid heartbeats into one ledger write.
	FlushInterval time.Duration
}

const (
	DefaultTickInterval  = 5 * time.Second
	DefaultMaxTickDelta  = 2 * time.Minute
	DefaultFlushInterval = 30 * time.Second
)
