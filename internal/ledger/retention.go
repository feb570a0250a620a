package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shiftbeat/shiftbeat/internal/metrics"
	"github.com/shiftbeat/shiftbeat/internal/storage"
)

// Sweeper removes superseded activity records past the retention horizon.
// The current record for each user is never touched.
type Sweeper struct {
	store         storage.ActivityStore
	clock         Clock
	retentionDays int
	interval      time.Duration
	logger        zerolog.Logger
	stopChan      chan struct{}
}

// NewSweeper creates a retention sweeper.
func NewSweeper(store storage.ActivityStore, clock Clock, retentionDays int, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if clock == nil {
		clock = RealClock{}
	}
	return &Sweeper{
		store:         store,
		clock:         clock,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger.With().Str("component", "retention-sweeper").Logger(),
		stopChan:      make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().
		Int("retention_days", s.retentionDays).
		Dur("interval", s.interval).
		Msg("Retention sweeper started")
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopChan)
	s.logger.Info().Msg("Retention sweeper stopped")
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Sweep performs one retention pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.retentionDays)

	deleted, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}

	if deleted > 0 {
		metrics.RecordsPruned.Add(float64(deleted))
	}
	s.logger.Info().
		Int("records_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Retention sweep complete")
}
