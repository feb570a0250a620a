// Package pause reacts to suspend/resume signals from the break, meeting,
// and system-event subsystems. A paused interval is a third category of
// time: neither working nor idle-while-expected-to-work, so it is excluded
// from both counters. Business rules about who may pause (emergency pause
// quotas and the like) live with the external subsystems; this controller
// only applies the resulting signal.
package pause

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/shiftbeat/shiftbeat/internal/metrics"
	"github.com/shiftbeat/shiftbeat/internal/session"
)

// ErrMissingReason is returned when a pause is requested without a reason.
var ErrMissingReason = errors.New("pause: missing reason")

// Controller drives the pause state machine for live connections.
type Controller struct {
	coordinator *session.Coordinator
	logger      zerolog.Logger
}

// NewController creates a Controller on top of a session coordinator.
func NewController(coordinator *session.Coordinator, logger zerolog.Logger) *Controller {
	return &Controller{
		coordinator: coordinator,
		logger:      logger.With().Str("component", "pause-controller").Logger(),
	}
}

// OnPauseStart flushes the elapsed interval to the pre-pause state and
// freezes counting under the given reason. Repeating the same reason is a
// no-op; a different reason relabels the pause without counting anything.
func (c *Controller) OnPauseStart(ctx context.Context, connID string, reason session.PauseReason) error {
	if reason == session.PauseNone {
		return ErrMissingReason
	}

	if err := c.coordinator.Pause(ctx, connID, reason); err != nil {
		return err
	}

	metrics.PausesStarted.WithLabelValues(string(reason)).Inc()
	c.logger.Info().
		Str("conn_id", connID).
		Str("reason", string(reason)).
		Msg("Pause started")
	return nil
}

// OnPauseEnd resumes counting in the active state from now. The paused
// interval is never backfilled.
func (c *Controller) OnPauseEnd(ctx context.Context, connID string) error {
	if err := c.coordinator.Resume(ctx, connID); err != nil {
		return err
	}

	c.logger.Info().
		Str("conn_id", connID).
		Msg("Pause ended, counting resumed active")
	return nil
}
