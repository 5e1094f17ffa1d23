// Package api exposes the lifecycle controller over a local REST API with a
// websocket stream of stage events, for GUI front ends and the CLI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/benaskins/ondemand/internal/lifecycle"
)

// teardownTimeout bounds the instance delete issued by POST /v1/teardown.
const teardownTimeout = 5 * time.Minute

// Controller is the part of *lifecycle.Controller the API drives.
type Controller interface {
	Launch(ctx context.Context) (*lifecycle.Result, error)
	Teardown(ctx context.Context) error
	Status() lifecycle.Snapshot
	TunnelLogs(n int) []string
}

// LaunchOutcome is the result of the most recent launch started through the API.
type LaunchOutcome struct {
	Result *lifecycle.Result `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Done   bool              `json:"done"`
}

// Server serves the ondemand REST API.
type Server struct {
	ctl      Controller
	events   *Broadcaster
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context
	upgrader websocket.Upgrader

	mu        sync.Mutex
	launching bool
	last      LaunchOutcome
	wg        sync.WaitGroup
}

// NewServer creates an API server backed by ctl. Launches and teardowns
// started through the API run under ctx. events must also be registered as
// a notifier on the controller.
func NewServer(ctx context.Context, ctl Controller, events *Broadcaster) *Server {
	s := &Server{
		ctl:    ctl,
		events: events,
		logger: slog.With("component", "api"),
		ctx:    ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("POST /v1/launch", s.launch)
	mux.HandleFunc("GET /v1/launch", s.launchOutcome)
	mux.HandleFunc("POST /v1/teardown", s.teardown)
	mux.HandleFunc("GET /v1/logs", s.logs)
	mux.HandleFunc("GET /v1/events", s.stream)

	s.server = &http.Server{Handler: mux}
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown stops accepting requests and waits for a launch in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

// launch starts a launch in the background. Progress is visible through
// /v1/status and /v1/events; the outcome through GET /v1/launch.
func (s *Server) launch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.launching {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a launch is already in progress"})
		return
	}
	if st := s.ctl.Status().State; st != lifecycle.StateIdle {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "controller is " + string(st)})
		return
	}
	s.launching = true
	s.last = LaunchOutcome{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		res, err := s.ctl.Launch(s.ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.launching = false
		s.last = LaunchOutcome{Result: res, Done: true}
		if err != nil {
			s.last.Error = err.Error()
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "launching"})
}

func (s *Server) launchOutcome(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := s.last
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) teardown(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(s.ctx, teardownTimeout)
	defer cancel()

	err := s.ctl.Teardown(ctx)
	switch {
	case errors.Is(err, lifecycle.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(lifecycle.StateIdle)})
	}
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid lines parameter"})
			return
		}
		n = parsed
	}
	lines := s.ctl.TunnelLogs(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

// stream upgrades to a websocket and writes each stage event as a JSON text
// message until the client goes away or the server shuts down.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	// Reads only serve to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("encoding stage event", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
