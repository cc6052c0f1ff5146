// Package web serves the diagnostics HTTP API. The video driver is
// single-threaded on its event loop, so handlers never touch it
// directly; the daemon injects accessor functions that marshal the
// request onto the loop and wait for the reply.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	appLog "fbvid/internal/log"
	"fbvid/internal/sysfs"
)

// Status is the JSON shape of GET /api/status.
type Status struct {
	Node        string      `json:"node"`
	Awake       bool        `json:"awake"`
	Online      bool        `json:"online"`
	Mode        *ModeStatus `json:"mode,omitempty"`
	Format      string      `json:"format,omitempty"`
	DoubleBuf   bool        `json:"double_buffered"`
	RateMilliHz uint64      `json:"rate_mhz"`
	DPMS        string      `json:"dpms"`
	Sysfs       *sysfs.Info `json:"sysfs,omitempty"`
}

// ModeStatus mirrors the display's mode record.
type ModeStatus struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Server provides the /health, /api/status and /api/dpms endpoints.
type Server struct {
	listen  string
	status  func() (Status, error)
	setDPMS func(state string) error
	mux     *http.ServeMux
}

// NewServer constructs a Server around the injected accessors.
func NewServer(listen string, status func() (Status, error), setDPMS func(string) error) *Server {
	s := &Server{
		listen:  listen,
		status:  status,
		setDPMS: setDPMS,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/dpms", s.handleDPMS)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+s.listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	st, err := s.status()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDPMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad JSON body")
		return
	}

	if err := s.setDPMS(req.State); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dpms": req.State})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to encode JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
