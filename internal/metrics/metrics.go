package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Ledger metrics
	DeltasApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftbeat_deltas_applied_total",
			Help: "Total ledger delta writes, by reported state",
		},
		[]string{"state"},
	)

	BucketResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftbeat_bucket_resets_total",
			Help: "Total ledger resets, by the rule that fired",
		},
		[]string{"rule"},
	)

	ActiveSecondsCounted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftbeat_active_seconds_total",
			Help: "Total active seconds attributed across all users",
		},
	)

	InactiveSecondsCounted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftbeat_inactive_seconds_total",
			Help: "Total inactive seconds attributed across all users",
		},
	)

	StorageRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftbeat_storage_retries_total",
			Help: "Ledger writes retried after a transient storage failure",
		},
	)

	RecordsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftbeat_records_pruned_total",
			Help: "Superseded activity records removed by retention",
		},
	)

	// Session metrics
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shiftbeat_active_connections",
			Help: "Number of live tracked connections",
		},
	)

	TicksFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftbeat_ticks_flushed_total",
			Help: "Heartbeat ticks that flushed elapsed time to the ledger",
		},
	)

	TickDeltasCapped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftbeat_tick_deltas_capped_total",
			Help: "Tick deltas truncated by the clock-jump safety bound",
		},
	)

	PausesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftbeat_pauses_started_total",
			Help: "Pause intervals started, by reason",
		},
		[]string{"reason"},
	)

	// Broadcast metrics
	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftbeat_events_published_total",
			Help: "ActivityChanged events published to subscribers",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftbeat_events_dropped_total",
			Help: "ActivityChanged events dropped on slow subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DeltasApplied,
		BucketResets,
		ActiveSecondsCounted,
		InactiveSecondsCounted,
		StorageRetries,
		RecordsPruned,
		ActiveConnections,
		TicksFlushed,
		TickDeltasCapped,
		PausesStarted,
		EventsPublished,
		EventsDropped,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
