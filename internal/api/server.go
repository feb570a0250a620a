package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server is the API HTTP server.
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates an API server on addr.
func NewServer(addr string, handler *Handler, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(handler),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "api-server").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts serving in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop shuts the server down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}
