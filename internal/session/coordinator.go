// Package session turns activity-state signals and periodic heartbeats from
// live connections into ledger deltas. Multiple connections per user are
// independent sessions writing to the same ledger row; ordering is server
// receipt order through the ledger's per-user lock.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shiftbeat/shiftbeat/internal/ledger"
	"github.com/shiftbeat/shiftbeat/internal/metrics"
	"github.com/shiftbeat/shiftbeat/internal/shiftcal"
	"github.com/shiftbeat/shiftbeat/internal/storage"
)

// Coordinator owns the connection registry and the heartbeat sweep. It is
// constructed explicitly with a Start/Stop lifecycle; there is no ambient
// process-wide state.
type Coordinator struct {
	ledger   *ledger.Ledger
	calendar *shiftcal.Calendar
	specs    SpecSource
	clock    ledger.Clock
	logger   zerolog.Logger

	tickInterval  time.Duration
	maxTickDelta  time.Duration
	flushInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*ConnectionSession // keyed by connID
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(ldgr *ledger.Ledger, calendar *shiftcal.Calendar, specs SpecSource, clock ledger.Clock, config Config, logger zerolog.Logger) *Coordinator {
	if config.TickInterval == 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.MaxTickDelta == 0 {
		config.MaxTickDelta = DefaultMaxTickDelta
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if clock == nil {
		clock = ledger.RealClock{}
	}

	return &Coordinator{
		ledger:        ldgr,
		calendar:      calendar,
		specs:         specs,
		clock:         clock,
		logger:        logger.With().Str("component", "session-coordinator").Logger(),
		tickInterval:  config.TickInterval,
		maxTickDelta:  config.MaxTickDelta,
		flushInterval: config.FlushInterval,
		sessions:      make(map[string]*ConnectionSession),
		stopChan:      make(chan struct{}),
	}
}

// Start launches the server-side heartbeat sweep.
func (c *Coordinator) Start() {
	go c.sweep()
	c.logger.Info().
		Dur("tick_interval", c.tickInterval).
		Msg("Session coordinator started")
}

// Stop halts the sweep and flushes every live session.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })

	for _, connID := range c.connIDs() {
		if err := c.Disconnect(context.Background(), connID); err != nil {
			c.logger.Error().Err(err).Str("conn_id", connID).Msg("Failed to flush session on shutdown")
		}
	}
	c.logger.Info().Msg("Session coordinator stopped")
}

// Authenticate creates a ConnectionSession seeded from the ledger's current
// snapshot for the user's present bucket. An existing session with the same
// connection ID is flushed and replaced.
func (c *Coordinator) Authenticate(ctx context.Context, connID, userID string) (*storage.ActivityRecord, error) {
	now := c.clock.Now()

	spec, err := c.specs.ShiftSpec(ctx, userID)
	if err != nil {
		// Degraded mode: timing keeps functioning on the calendar-day
		// fallback.
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("Shift spec lookup failed, using fallback window")
		spec = ""
	}
	window := c.calendar.ResolveOrFallback(spec, now)

	record, err := c.ledger.GetOrCreate(ctx, userID, window.BucketID)
	if err != nil {
		return nil, err
	}

	session := &ConnectionSession{
		ConnID:       connID,
		UserID:       userID,
		Active:       record.Active,
		ShiftSpec:    spec,
		Window:       window,
		SessionStart: record.SessionStart,
		LastUpdate:   now,
		lastPersist:  now,
	}

	c.mu.Lock()
	previous := c.sessions[connID]
	c.sessions[connID] = session
	c.mu.Unlock()

	if previous != nil {
		c.logger.Warn().Str("conn_id", connID).Msg("Re-authenticated live connection, flushing previous session")
		if err := c.finalize(ctx, previous); err != nil {
			c.logger.Error().Err(err).Str("conn_id", connID).Msg("Failed to flush replaced session")
		}
	} else {
		metrics.ActiveConnections.Inc()
	}

	c.logger.Info().
		Str("conn_id", connID).
		Str("user_id", userID).
		Str("bucket_id", window.BucketID).
		Bool("fallback_window", window.Fallback).
		Msg("Connection authenticated")

	return record, nil
}

// SetActivity records a client activity-state signal. Unchanged state is a
// no-op; a change attributes the elapsed interval to the previous state and
// forces a ledger write.
func (c *Coordinator) SetActivity(ctx context.Context, connID string, active bool) (*storage.ActivityRecord, error) {
	session, err := c.lookup(connID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Paused != PauseNone {
		// Counting is frozen; the resume signal decides the next state.
		c.logger.Debug().Str("conn_id", connID).Msg("Ignoring activity signal while paused")
		return nil, nil
	}
	if session.Active == active {
		return nil, nil
	}

	now := c.clock.Now()
	c.accumulate(session, now)

	var startOverride *time.Time
	if !session.Active && active {
		// Inactive -> active starts a fresh work session.
		startOverride = &now
		session.SessionStart = now
	}
	session.Active = active

	return c.flush(ctx, session, now, startOverride, true)
}

// Tick is the periodic heartbeat: it flushes elapsed time without changing
// the activity state. Writes are debounced; rapid heartbeats coalesce into
// one ledger write per flush interval.
func (c *Coordinator) Tick(ctx context.Context, connID string) error {
	session, err := c.lookup(connID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	now := c.clock.Now()

	if session.Paused != PauseNone {
		// Paused intervals are excluded entirely; only move the anchor.
		session.LastUpdate = now
		return nil
	}

	c.accumulate(session, now)

	if now.Sub(session.lastPersist) < c.flushInterval {
		return nil
	}

	_, err = c.flush(ctx, session, now, nil, false)
	return err
}

// Disconnect behaves like a final tick, then destroys the session. The
// ledger is forced to inactive regardless of the last reported state: a
// vanished connection cannot be trusted to still be working.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	c.mu.Lock()
	session, ok := c.sessions[connID]
	if ok {
		delete(c.sessions, connID)
	}
	c.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	metrics.ActiveConnections.Dec()
	err := c.finalize(ctx, session)

	c.logger.Info().
		Str("conn_id", connID).
		Str("user_id", session.UserID).
		Msg("Connection disconnected")

	return err
}

// Pause freezes counting on a connection. The elapsed interval up to the
// pause is attributed to the pre-pause state; the pause itself counts for
// neither state.
func (c *Coordinator) Pause(ctx context.Context, connID string, reason PauseReason) error {
	session, err := c.lookup(connID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Paused == reason {
		return nil
	}
	if session.Paused != PauseNone {
		// Already frozen under another reason; just relabel.
		session.Paused = reason
		return nil
	}

	now := c.clock.Now()
	c.accumulate(session, now)
	session.Paused = reason
	session.Active = false

	_, err = c.flush(ctx, session, now, nil, true)
	return err
}

// Resume ends a pause. Counting restarts active from now with no backfill
// for the paused interval.
func (c *Coordinator) Resume(ctx context.Context, connID string) error {
	session, err := c.lookup(connID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Paused == PauseNone {
		return nil
	}

	now := c.clock.Now()
	session.Paused = PauseNone
	session.Active = true
	session.SessionStart = now
	session.LastUpdate = now
	session.pendingActive = 0
	session.pendingInactive = 0

	_, err = c.flush(ctx, session, now, &now, true)
	return err
}

// Snapshot returns the user's record for "now"'s bucket. Read-only.
func (c *Coordinator) Snapshot(ctx context.Context, userID string) (*storage.ActivityRecord, error) {
	window, err := c.WindowFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.ledger.Snapshot(ctx, userID, window.BucketID)
}

// History returns every retained bucket for the user, newest first.
func (c *Coordinator) History(ctx context.Context, userID string) ([]storage.ActivityRecord, error) {
	return c.ledger.History(ctx, userID)
}

// WindowFor resolves the user's current shift window.
func (c *Coordinator) WindowFor(ctx context.Context, userID string) (*shiftcal.Window, error) {
	spec, err := c.specs.ShiftSpec(ctx, userID)
	if err != nil {
		spec = ""
	}
	return c.calendar.ResolveOrFallback(spec, c.clock.Now()), nil
}

// TimeUntilReset returns the duration until the user's next occurrence
// starts. UI countdowns only.
func (c *Coordinator) TimeUntilReset(ctx context.Context, userID string) (time.Duration, error) {
	spec, err := c.specs.ShiftSpec(ctx, userID)
	if err != nil {
		spec = ""
	}
	return c.calendar.TimeUntilReset(spec, c.clock.Now())
}

func (c *Coordinator) lookup(connID string) (*ConnectionSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[connID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (c *Coordinator) connIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// accumulate moves capped elapsed time into the session's pending counters
// and advances the anchor. Caller holds the session lock.
func (c *Coordinator) accumulate(session *ConnectionSession, now time.Time) {
	elapsed := now.Sub(session.LastUpdate)
	session.LastUpdate = now

	if elapsed <= 0 {
		return
	}
	capped := false
	if elapsed > c.maxTickDelta {
		// Clock jump or sleep: never attribute the gap to one interval.
		metrics.TickDeltasCapped.Inc()
		c.logger.Warn().
			Str("conn_id", session.ConnID).
			Dur("elapsed", elapsed).
			Dur("cap", c.maxTickDelta).
			Msg("Capped oversized tick delta")
		elapsed = c.maxTickDelta
		capped = true
	}

	if session.Active {
		session.pendingActive += elapsed
	} else {
		session.pendingInactive += elapsed
	}

	if capped {
		// After a clock gap the user is inactive until new activity is
		// observed.
		session.Active = false
	}
}

// flush persists whole pending seconds, carrying sub-second remainders
// forward. Caller holds the session lock.
func (c *Coordinator) flush(ctx context.Context, session *ConnectionSession, now time.Time, sessionStart *time.Time, force bool) (*storage.ActivityRecord, error) {
	activeSecs := int64(session.pendingActive / time.Second)
	inactiveSecs := int64(session.pendingInactive / time.Second)

	if !force && activeSecs == 0 && inactiveSecs == 0 {
		return nil, nil
	}

	c.refreshWindow(session, now)

	record, err := c.ledger.ApplyDelta(ctx, session.UserID, session.Window.BucketID,
		activeSecs, inactiveSecs, session.Active, sessionStart)
	if err != nil {
		// Pending time survives; the next flush retries it.
		return nil, err
	}

	session.pendingActive -= time.Duration(activeSecs) * time.Second
	session.pendingInactive -= time.Duration(inactiveSecs) * time.Second
	session.lastPersist = now
	metrics.TicksFlushed.Inc()

	return record, nil
}

// refreshWindow re-resolves the shift window when the session has outlived
// its occurrence. Trailing pending time between shifts still lands in the
// completed bucket (wind-down); a new occurrence rolls the session over.
func (c *Coordinator) refreshWindow(session *ConnectionSession, now time.Time) {
	if !now.After(session.Window.End) {
		return
	}

	window := c.calendar.ResolveOrFallback(session.ShiftSpec, now)
	if window.BucketID == session.Window.BucketID || window.BetweenShifts {
		return
	}

	c.logger.Info().
		Str("conn_id", session.ConnID).
		Str("user_id", session.UserID).
		Str("from_bucket", session.Window.BucketID).
		Str("to_bucket", window.BucketID).
		Msg("Session rolled over to new shift window")
	session.Window = window
}

// finalize flushes a session that already left the registry and forces the
// ledger to inactive.
func (c *Coordinator) finalize(ctx context.Context, session *ConnectionSession) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	now := c.clock.Now()
	if session.Paused == PauseNone {
		c.accumulate(session, now)
	}
	session.Active = false

	_, err := c.flush(ctx, session, now, nil, true)
	return err
}

// sweep is the server-side heartbeat driving Tick for every live session.
func (c *Coordinator) sweep() {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, connID := range c.connIDs() {
				if err := c.Tick(context.Background(), connID); err != nil && err != ErrSessionNotFound {
					c.logger.Error().Err(err).Str("conn_id", connID).Msg("Heartbeat flush failed")
				}
			}
		case <-c.stopChan:
			return
		}
	}
}
