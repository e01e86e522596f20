// Package api is the HTTP ingress: batch submission, job-status
// polling and the event stream clients listen on for completion
// notifications.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/you/bulkingest/internal/domain"
	"github.com/you/bulkingest/internal/ingest"
	"github.com/you/bulkingest/internal/notify"
)

// JobReader serves the polling fallback for clients without a live
// event stream.
type JobReader interface {
	Job(ctx context.Context, id string) (*domain.Job, error)
}

type Server struct {
	producer *ingest.Producer
	jobs     JobReader
	hub      *notify.Hub
	log      *zap.Logger
}

func NewServer(producer *ingest.Producer, jobs JobReader, hub *notify.Hub, log *zap.Logger) *Server {
	return &Server{producer: producer, jobs: jobs, hub: hub, log: log}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/api/bulk-upload", s.handleBulkUpload)
	r.Post("/api/form-upload", s.handleFormUpload)
	r.Get("/api/job-status/{jobID}", s.handleJobStatus)
	r.Get("/api/events", s.handleEvents)
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("writing response", zap.Error(err))
	}
}
