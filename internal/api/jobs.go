package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/maskwright/cloakwork/internal/app/orchestration"
	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
)

// createJobRequest is the JSON submission body. Multipart submissions carry the
// same fields as form values alongside the video file.
type createJobRequest struct {
	InputRef   string                 `json:"input_ref" validate:"omitempty"`
	Profile    string                 `json:"profile" validate:"omitempty"`
	Rules      map[string]policy.Rule `json:"rules" validate:"omitempty,dive"`
	WebhookURL string                 `json:"webhook_url" validate:"omitempty,url"`
}

// jobView is the status-poll response shape.
type jobView struct {
	JobID           uuid.UUID           `json:"job_id"`
	Status          string              `json:"status"`
	Profile         string              `json:"profile,omitempty"`
	ChunkCount      int                 `json:"chunk_count"`
	ChunksCompleted int                 `json:"chunks_completed"`
	DownloadURL     string              `json:"download_url,omitempty"`
	Failure         *processing.Failure `json:"failure,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

type createJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, upload, err := s.decodeCreateJob(w, r)
	if err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	rules, err := parseRules(req.Rules)
	if err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	jobID, err := s.jobs.CreateJob(ctx, orchestration.CreateJobRequest{
		InputRef:   req.InputRef,
		Upload:     upload,
		Profile:    req.Profile,
		Rules:      rules,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		s.logger.Error(ctx, "job submission rejected", "error", err)
		s.respond(w, statusForCreateError(err), errorResponse{Error: err.Error()})
		return
	}

	s.respond(w, http.StatusAccepted, createJobResponse{
		JobID:  jobID,
		Status: processing.JobStatusQueued.String(),
	})
}

// decodeCreateJob supports two submission shapes: a JSON body referencing an
// already-stored input, or a multipart form carrying the video itself.
func (s *Server) decodeCreateJob(w http.ResponseWriter, r *http.Request) (createJobRequest, io.Reader, error) {
	var req createJobRequest

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return req, nil, fmt.Errorf("invalid content type: %w", err)
	}

	switch {
	case mediaType == "application/json":
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			return req, nil, fmt.Errorf("invalid request body: %w", err)
		}
		if req.InputRef == "" {
			return req, nil, fmt.Errorf("input_ref is required for JSON submissions")
		}
		if err := s.validate.Struct(req); err != nil {
			return req, nil, err
		}
		return req, nil, nil

	case strings.HasPrefix(mediaType, "multipart/"):
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return req, nil, fmt.Errorf("parsing upload: %w", err)
		}

		req.Profile = r.FormValue("profile")
		req.WebhookURL = r.FormValue("webhook_url")
		if raw := r.FormValue("rules"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Rules); err != nil {
				return req, nil, fmt.Errorf("invalid rules field: %w", err)
			}
		}
		if err := s.validate.Struct(req); err != nil {
			return req, nil, err
		}

		file, _, err := r.FormFile("video")
		if err != nil {
			return req, nil, fmt.Errorf("a video file part is required: %w", err)
		}
		return req, file, nil

	default:
		return req, nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

// parseRules validates raw rule targets and modes into domain types.
func parseRules(raw map[string]policy.Rule) (map[policy.Target]policy.Rule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	rules := make(map[policy.Target]policy.Rule, len(raw))
	for rawTarget, rule := range raw {
		target, err := policy.ParseTarget(rawTarget)
		if err != nil {
			return nil, err
		}
		if _, err := policy.ParseMode(string(rule.Mode)); err != nil {
			return nil, fmt.Errorf("target %s: %w", target, err)
		}
		if rule.MinConfidence < 0 || rule.MinConfidence > 1 {
			return nil, fmt.Errorf("target %s: min_confidence must be in [0, 1]", target)
		}
		rules[target] = rule
	}
	return rules, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, processing.ErrJobNotFound) {
			s.respond(w, http.StatusNotFound, errorResponse{Error: "job not found"})
			return
		}
		s.logger.Error(ctx, "failed to load job", "job_id", jobID, "error", err)
		s.respond(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	view := jobView{
		JobID:           job.JobID(),
		Status:          job.Status().String(),
		Profile:         job.Policy().Profile,
		ChunkCount:      job.ChunkCount(),
		ChunksCompleted: job.ChunksCompleted(),
		Failure:         job.Failure(),
		CreatedAt:       job.CreatedAt(),
		UpdatedAt:       job.UpdatedAt(),
	}
	if end, ok := job.EndTime(); ok {
		view.CompletedAt = &end
	}

	url, err := s.jobs.PresignOutput(ctx, job, s.cfg.PresignExpiry)
	if err != nil {
		// The status itself is still useful; the caller can poll again.
		s.logger.Warn(ctx, "failed to presign output", "job_id", jobID, "error", err)
	}
	view.DownloadURL = url

	s.respond(w, http.StatusOK, view)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return
	}

	if err := s.jobs.DeleteJob(ctx, jobID); err != nil {
		if errors.Is(err, processing.ErrJobNotFound) {
			s.respond(w, http.StatusNotFound, errorResponse{Error: "job not found"})
			return
		}
		s.logger.Error(ctx, "failed to erase job", "job_id", jobID, "error", err)
		s.respond(w, http.StatusInternalServerError, errorResponse{Error: "erasure failed"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// statusForCreateError maps submission failures: bad policy input is the
// caller's fault, everything downstream is ours.
func statusForCreateError(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unknown compliance profile"),
		strings.Contains(msg, "required"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(context.Background(), "failed to encode response", "error", err)
	}
}
