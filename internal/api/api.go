package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relayboard/db"
	"github.com/thatsimonsguy/relayboard/internal/model"
	"github.com/thatsimonsguy/relayboard/internal/relay"
)

const defaultHistoryLimit = 20

// Controller is the part of the relay controller the API drives.
type Controller interface {
	Snapshot() model.ControllerStatus
	RequestState(index int, state model.RelayState) error
}

// History serves journal lookups; it is optional.
type History interface {
	RecentStateChanges(relay, limit int) ([]db.StateChangeEntry, error)
}

type Server struct {
	ctrl    Controller
	history History
}

type RelayStateRequest struct {
	State string `json:"state"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(ctrl Controller, history History) *Server {
	return &Server{
		ctrl:    ctrl,
		history: history,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/relays", s.handleRelays)
	mux.HandleFunc("/api/relays/", s.handleRelayOperations)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("REST API server shutdown failed")
		}
	}()

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || r.URL.Path != "/api/relays" {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleRelayOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/relays/")
	parts := strings.Split(path, "/")

	if parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Relay number required")
		return
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Relay number must be an integer")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getRelay(w, index)
	case len(parts) == 1 && r.Method == http.MethodPut:
		s.setRelay(w, r, index)
	case len(parts) == 1:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	case len(parts) == 2 && parts[1] == "history":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.getHistory(w, r, index)
	default:
		s.writeError(w, http.StatusNotFound, "Invalid path")
	}
}

func (s *Server) findRelay(index int) (model.ChannelStatus, bool) {
	for _, ch := range s.ctrl.Snapshot().Channels {
		if ch.Index == index {
			return ch, true
		}
	}
	return model.ChannelStatus{}, false
}

func (s *Server) getRelay(w http.ResponseWriter, index int) {
	ch, ok := s.findRelay(index)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Relay not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) setRelay(w http.ResponseWriter, r *http.Request, index int) {
	var req RelayStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	state, err := model.ParseRelayState(req.State)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid relay state. Valid states: on, off")
		return
	}

	if err := s.ctrl.RequestState(index, state); err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Int("relay", index).Str("state", string(state)).Msg("Failed to set relay via API")
		}
		s.writeError(w, status, err.Error())
		return
	}

	log.Info().Int("relay", index).Str("state", string(state)).Msg("Relay state requested via API")
	ch, _ := s.findRelay(index)
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request, index int) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "Relay journal not enabled")
		return
	}
	if _, ok := s.findRelay(index); !ok {
		s.writeError(w, http.StatusNotFound, "Relay not found")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.RecentStateChanges(index, limit)
	if err != nil {
		log.Error().Err(err).Int("relay", index).Msg("Failed to read relay history")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []db.StateChangeEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrUnknownChannel), errors.Is(err, relay.ErrInvalidAddress):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrBusy):
		return http.StatusConflict
	case relay.IsLinkError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
