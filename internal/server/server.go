package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"llmrelay-go/internal/config"
	"llmrelay-go/internal/handlers"
)

// Server owns the HTTP listener lifecycle.
type Server struct {
	http *http.Server
}

// New builds the server from the current config snapshot.
func New(h *handlers.Handlers) *Server {
	cfg := config.Snapshot()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		http: &http.Server{
			Addr:    addr,
			Handler: NewRouter(h),
			// No write timeout: SSE responses stay open as long as the
			// upstream keeps producing.
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Run serves until the context is cancelled, then drains in-flight
// requests for up to the grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.http.Addr).Info("listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
