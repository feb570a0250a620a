package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shiftbeat/shiftbeat/internal/api"
	"github.com/shiftbeat/shiftbeat/internal/broadcast"
	"github.com/shiftbeat/shiftbeat/internal/config"
	"github.com/shiftbeat/shiftbeat/internal/ledger"
	"github.com/shiftbeat/shiftbeat/internal/metrics"
	"github.com/shiftbeat/shiftbeat/internal/pause"
	"github.com/shiftbeat/shiftbeat/internal/session"
	"github.com/shiftbeat/shiftbeat/internal/shiftcal"
	"github.com/shiftbeat/shiftbeat/internal/storage"
	"github.com/shiftbeat/shiftbeat/internal/storage/bolt"
	"github.com/shiftbeat/shiftbeat/internal/storage/redis"
	"github.com/shiftbeat/shiftbeat/internal/systemd"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start Shiftbeat server",
	Long:  `Start the Shiftbeat server with the tracking API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Shiftbeat")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Storage initialized")

	// Initialize broadcaster
	broadcaster, err := openBroadcaster(cfg, store)
	if err != nil {
		return fmt.Errorf("failed to initialize broadcaster: %w", err)
	}
	defer func() {
		if err := broadcaster.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close broadcaster")
		}
	}()

	logger.Info().
		Str("backend", cfg.Broadcast.Backend).
		Msg("Broadcaster initialized")

	// Initialize shift calendar
	loc, err := time.LoadLocation(cfg.Tracking.ReportingTimezone)
	if err != nil {
		return fmt.Errorf("invalid reporting timezone: %w", err)
	}
	calendar, err := shiftcal.New(loc)
	if err != nil {
		return fmt.Errorf("failed to initialize shift calendar: %w", err)
	}

	logger.Info().
		Str("timezone", cfg.Tracking.ReportingTimezone).
		Msg("Shift calendar initialized")

	// Initialize ledger
	activityLedger := ledger.New(
		store.Activity(),
		broadcaster,
		nil,
		ledger.Config{
			StalenessGrace: parseDuration(cfg.Tracking.StalenessGrace, ledger.DefaultStalenessGrace),
			StorageTimeout: parseDuration(cfg.Tracking.StorageTimeout, ledger.DefaultStorageTimeout),
		},
		logger,
	)

	logger.Info().Msg("Activity ledger initialized")

	// Initialize retention sweeper
	sweeper := ledger.NewSweeper(
		store.Activity(),
		nil,
		cfg.Tracking.RetentionDays,
		parseDuration(cfg.Tracking.RetentionSweep, time.Hour),
		logger,
	)
	sweeper.Start()

	// Initialize session coordinator
	specs := newConfigSpecSource(cfg.Shifts.Specs)

	coordinator := session.NewCoordinator(
		activityLedger,
		calendar,
		specs,
		nil,
		session.Config{
			TickInterval:  parseDuration(cfg.Tracking.TickInterval, session.DefaultTickInterval),
			MaxTickDelta:  parseDuration(cfg.Tracking.MaxTickDelta, session.DefaultMaxTickDelta),
			FlushInterval: parseDuration(cfg.Tracking.FlushInterval, session.DefaultFlushInterval),
		},
		logger,
	)
	coordinator.Start()

	// Initialize pause controller
	pauseController := pause.NewController(coordinator, logger)

	// Initialize API server
	handler := api.NewHandler(coordinator, pauseController, broadcaster, logger)
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, handler, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	logger.Info().
		Str("addr", apiAddr).
		Msg("API server started")

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics server started")

	logger.Info().Msg("Shiftbeat startup complete")
	logger.Info().Msgf("API: http://%s/v1", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, reloading shift specs...")
			if err := specs.Reload(configPath); err != nil {
				logger.Error().Err(err).Msg("Failed to reload shift specs")
			} else {
				logger.Info().Msg("Shift specs reloaded")
			}
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		}

		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop the API first so no new writes race the session flush.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	coordinator.Stop()
	sweeper.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("Shiftbeat stopped")
	return nil
}

// openStorage creates the configured storage backend.
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Type)
	}
}

// openBroadcaster creates the configured fan-out backend. The redis backend
// reuses the storage connection when storage is redis too, otherwise it
// dials its own.
func openBroadcaster(cfg *config.Config, store storage.Store) (broadcast.Broadcaster, error) {
	switch cfg.Broadcast.Backend {
	case "memory":
		return broadcast.NewMemory(log.Logger), nil
	case "redis":
		if redisStore, ok := store.(*redis.Store); ok {
			return broadcast.NewRedis(redisStore.Client(), cfg.Broadcast.ChannelPrefix, log.Logger), nil
		}
		redisConn, err := redis.Open(cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis for broadcast: %w", err)
		}
		return broadcast.NewRedis(redisConn.Client(), cfg.Broadcast.ChannelPrefix, log.Logger), nil
	default:
		return nil, fmt.Errorf("unknown broadcast backend: %q", cfg.Broadcast.Backend)
	}
}

// configSpecSource serves shift specs from the config file's shifts section
// and supports SIGHUP reload.
type configSpecSource struct {
	mu    sync.RWMutex
	specs map[string]string
}

func newConfigSpecSource(specs map[string]string) *configSpecSource {
	if specs == nil {
		specs = make(map[string]string)
	}
	return &configSpecSource{specs: specs}
}

// ShiftSpec returns the configured spec, or empty when the user has none.
func (s *configSpecSource) ShiftSpec(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.specs[userID], nil
}

// Reload re-reads the config file and swaps the spec map.
func (s *configSpecSource) Reload(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	specs := cfg.Shifts.Specs
	if specs == nil {
		specs = make(map[string]string)
	}

	s.mu.Lock()
	s.specs = specs
	s.mu.Unlock()
	return nil
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
