package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/bulkingest/internal/domain"
	"github.com/you/bulkingest/internal/ingest"
	"github.com/you/bulkingest/internal/queue"
	"github.com/you/bulkingest/internal/validate"
)

// invalid records shown to the caller; the full count is always reported
const maxReportedErrors = 5

type bulkUploadRequest struct {
	Records  []validate.RawRecord `json:"records"`
	FileName string               `json:"fileName"`
	ClientID string               `json:"clientId"`
}

type errorResponse struct {
	Success        bool                  `json:"success"`
	Error          string                `json:"error"`
	InvalidRecords []validate.FieldError `json:"invalidRecords,omitempty"`
	TotalRecords   int                   `json:"totalRecords,omitempty"`
}

type acceptedResponse struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	JobID        string    `json:"jobId"`
	FileName     string    `json:"fileName"`
	TotalRecords int       `json:"totalRecords"`
	ClientID     string    `json:"clientId"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handleBulkUpload(w http.ResponseWriter, r *http.Request) {
	var req bulkUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.FileName == "" {
		req.FileName = "bulk-upload"
	}
	if req.ClientID == "" {
		req.ClientID = "http-client"
	}
	s.submit(w, r, req)
}

type formUploadRequest struct {
	validate.RawRecord
	ClientID string `json:"clientId"`
}

// handleFormUpload accepts a single record and runs it through the
// same pipeline as a one-record batch.
func (s *Server) handleFormUpload(w http.ResponseWriter, r *http.Request) {
	var req formUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.ClientID == "" {
		req.ClientID = "http-client"
	}
	s.submit(w, r, bulkUploadRequest{
		Records:  []validate.RawRecord{req.RawRecord},
		FileName: "form-upload",
		ClientID: req.ClientID,
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req bulkUploadRequest) {
	handle, err := s.producer.Submit(r.Context(), req.Records, req.FileName, req.ClientID)
	if err != nil {
		var berr *validate.BatchError
		switch {
		case errors.Is(err, validate.ErrEmptyBatch):
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no records provided"})
		case errors.As(err, &berr):
			shown := berr.Errors
			if len(shown) > maxReportedErrors {
				shown = shown[:maxReportedErrors]
			}
			s.writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:          berr.Error(),
				InvalidRecords: shown,
				TotalRecords:   berr.Total,
			})
		case errors.Is(err, ingest.ErrQueueUnavailable):
			s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "queue unavailable, try again later"})
		default:
			s.log.Error("submit failed", zap.Error(err))
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, acceptedResponse{
		Success:      true,
		Message:      "bulk upload accepted for processing",
		JobID:        handle.ID,
		FileName:     req.FileName,
		TotalRecords: len(req.Records),
		ClientID:     req.ClientID,
		Timestamp:    handle.EnqueuedAt,
	})
}

type jobStatusResponse struct {
	Success  bool                `json:"success"`
	JobID    string              `json:"jobId"`
	State    domain.State        `json:"state"`
	Attempts int                 `json:"attempts"`
	Result   *domain.BatchResult `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.jobs.Job(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
			return
		}
		s.log.Error("loading job status", zap.String("job_id", jobID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, jobStatusResponse{
		Success:  true,
		JobID:    job.ID,
		State:    job.State,
		Attempts: job.Attempts,
		Result:   job.Result,
		Error:    job.Error,
	})
}
