// Package diag exposes the local diagnostics HTTP endpoint: liveness
// and the telemetry snapshot.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lanwake/lanwake/internal/telemetry"
)

// Server is the local diagnostics listener. It binds loopback-style
// admin traffic only; host CRUD stays on the C&C channel.
type Server struct {
	log  zerolog.Logger
	tel  *telemetry.Telemetry
	http *http.Server
}

// New creates a diagnostics server listening on host:port.
func New(log zerolog.Logger, tel *telemetry.Telemetry, host string, port int) *Server {
	s := &Server{
		log: log.With().Str("component", "diag").Logger(),
		tel: tel,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/telemetry", s.handleTelemetry)
	r.Post("/telemetry/reset", s.handleTelemetryReset)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("diagnostics listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("diagnostics server failed")
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tel.Snapshot())
}

func (s *Server) handleTelemetryReset(w http.ResponseWriter, _ *http.Request) {
	s.tel.Reset(time.Now())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
