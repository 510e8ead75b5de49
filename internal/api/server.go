// Package api serves the HTTP control surface used by an external training
// loop, plus debug views of the observation and the reward history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/stagebridge/internal/bridge"
	"github.com/banshee-data/stagebridge/internal/gate"
	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/raster"
	"github.com/banshee-data/stagebridge/internal/store"
)

const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Env is the environment the API drives.
type Env interface {
	Reset(ctx context.Context) (*raster.Buffer, error)
	Step(ctx context.Context, action int, isTraining bool) (bridge.StepResult, error)
	Status() bridge.Status
	Latest() (bridge.Snapshot, bool)
}

// EpisodeLog is the read side of the episode store.
type EpisodeLog interface {
	FinishedEpisodes(ctx context.Context, limit int) ([]store.EpisodeSummary, error)
	Counts(ctx context.Context) (store.Counts, error)
}

type Server struct {
	env Env
	log EpisodeLog

	// Reset and Step belong to a single control goroutine; concurrent
	// HTTP callers are serialized here.
	controlMu sync.Mutex
}

// NewServer returns a server for env. log may be nil when no store is
// configured.
func NewServer(env Env, log EpisodeLog) *Server {
	return &Server{env: env, log: log}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, URI, status and duration on the diag
// stream.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Diagf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the control API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/step", s.handleStep)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/episodes", s.handleEpisodes)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Opsf("api: write response: %v", err)
	}
}

// Observation is the JSON form of an observation. Pixels are row-major and
// base64 encoded.
type Observation struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pixels []byte `json:"pixels"`
}

func observationJSON(b *raster.Buffer) *Observation {
	if b == nil {
		return nil
	}
	return &Observation{Width: b.Width, Height: b.Height, Pixels: b.Pix}
}

// ResetResponse is returned by POST /api/reset.
type ResetResponse struct {
	Observation *Observation `json:"observation"`
}

// StepRequest is the body of POST /api/step. Action -1 asks for a random
// action.
type StepRequest struct {
	Action     *int `json:"action"`
	IsTraining bool `json:"is_training"`
}

// StepResponse is returned by POST /api/step.
type StepResponse struct {
	Observation *Observation `json:"observation"`
	Reward      float64      `json:"reward"`
	Terminal    bool         `json:"terminal"`
	Info        bridge.Info  `json:"info"`
}

func envErrorStatus(err error) int {
	switch {
	case errors.Is(err, gate.ErrSensorStalled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.controlMu.Lock()
	obs, err := s.env.Reset(r.Context())
	s.controlMu.Unlock()
	if err != nil {
		s.writeJSONError(w, envErrorStatus(err), fmt.Sprintf("reset failed: %v", err))
		return
	}
	s.writeJSON(w, ResetResponse{Observation: observationJSON(obs)})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req StepRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Action == nil {
		s.writeJSONError(w, http.StatusBadRequest, "missing 'action'")
		return
	}

	s.controlMu.Lock()
	res, err := s.env.Step(r.Context(), *req.Action, req.IsTraining)
	s.controlMu.Unlock()
	if err != nil {
		s.writeJSONError(w, envErrorStatus(err), fmt.Sprintf("step failed: %v", err))
		return
	}
	s.writeJSON(w, StepResponse{
		Observation: observationJSON(res.Observation),
		Reward:      res.Reward,
		Terminal:    res.Terminal,
		Info:        res.Info,
	})
}

// StateResponse is returned by GET /api/state.
type StateResponse struct {
	bridge.Status
	Store *store.Counts `json:"store,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	resp := StateResponse{Status: s.env.Status()}
	if s.log != nil {
		counts, err := s.log.Counts(r.Context())
		if err != nil {
			monitoring.Opsf("api: store counts: %v", err)
		} else {
			resp.Store = &counts
		}
	}
	s.writeJSON(w, resp)
}

// EpisodeJSON is one finished episode as listed by GET /api/episodes.
type EpisodeJSON struct {
	EpisodeID   string    `json:"episode_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	TotalReward float64   `json:"total_reward"`
	Wins        int       `json:"wins"`
}

func (s *Server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.log == nil {
		s.writeJSONError(w, http.StatusNotFound, "no episode store configured")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = v
	}
	episodes, err := s.log.FinishedEpisodes(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read episodes: %v", err))
		return
	}
	out := make([]EpisodeJSON, 0, len(episodes))
	for _, e := range episodes {
		out = append(out, EpisodeJSON(e))
	}
	s.writeJSON(w, out)
}
