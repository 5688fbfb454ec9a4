// Package server is the pipeline's HTTP status surface: health, endpoint
// listing and expvar counters. The served query APIs live out of process and
// read the operation logs directly.
package server

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/logger"
	"github.com/tarungka/reflow/internal/pipeline"
)

// Server exposes the status of one running pipeline.
type Server struct {
	pipe  *pipeline.Pipeline
	runID string
	log   zerolog.Logger
	http  *http.Server
}

func New(addr string, pipe *pipeline.Pipeline, runID string) *Server {
	s := &Server{
		pipe:  pipe,
		runID: runID,
		log:   logger.GetLogger("server"),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.Heartbeat("/health"))
	router.Use(middleware.RequestID)
	router.Get("/status", s.handleStatus)
	router.Get("/endpoints", s.handleEndpoints)
	router.Handle("/debug/vars", expvar.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until Shutdown; it blocks.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("status server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown() error {
	return s.http.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"run_id": s.runID,
		"nodes":  s.pipe.Dag.Nodes(),
	})
}

type endpointStatus struct {
	Name    string `json:"name"`
	NextSeq uint64 `json:"next_seq"`
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	out := make([]endpointStatus, 0, len(s.pipe.LogSinks))
	for name, sink := range s.pipe.LogSinks {
		st := endpointStatus{Name: name}
		if l := sink.Log(); l != nil {
			st.NextSeq = l.NextSeq()
		}
		out = append(out, st)
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
