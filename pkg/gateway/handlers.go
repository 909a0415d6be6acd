package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/internal/tracing"
	"github.com/harun/agentjobs/pkg/orchestrator"
	"github.com/harun/agentjobs/pkg/registry"
	"github.com/harun/agentjobs/pkg/store"
)

const maxBodyBytes = 1 << 20

// SubmitResponse is returned when a job is accepted.
type SubmitResponse struct {
	JobID  string          `json:"job_id"`
	Status store.JobStatus `json:"status"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Agents.List())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, userID := tenantFromContext(ctx), userFromContext(ctx)
	pack, agentName := chi.URLParam(r, "pack"), chi.URLParam(r, "agent")
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if scope, wait := s.limiter.Check(tenantID, userID); scope != "" {
		observability.RecordRateLimited(scope)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		msg := "Tenant rate limit exceeded"
		if scope == "user" {
			msg = "User rate limit exceeded"
		}
		writeError(w, http.StatusTooManyRequests, msg)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	input, webhookURL, err := parseSubmission(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.cfg.Submitter.Submit(ctx, orchestrator.Submission{
		TenantID:   tenantID,
		Pack:       pack,
		Agent:      agentName,
		Input:      input,
		WebhookURL: webhookURL,
	})
	switch {
	case errors.Is(err, registry.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown agent '%s.%s'", pack, agentName))
		return
	case err != nil:
		logger.Error().Err(err).Str("pack", pack).Str("agent", agentName).Msg("Job submission failed")
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: job.ID, Status: job.Status})
}

// parseSubmission normalises a request body into the job input. An "inputs"
// object is used as is; otherwise the top-level keys other than files,
// webhook_url and inputs form the input.
func parseSubmission(body []byte) (map[string]any, string, error) {
	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
			return nil, "", errors.New("payload must be a JSON object")
		}
	}

	var webhookURL string
	if v, ok := payload["webhook_url"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, "", errors.New("webhook_url must be a string")
		}
		webhookURL = s
	}

	if inputs, ok := payload["inputs"].(map[string]any); ok {
		return inputs, webhookURL, nil
	}
	input := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case "files", "webhook_url", "inputs":
		default:
			input[k] = v
		}
	}
	return input, webhookURL, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var job *store.Job
	err := s.cfg.Store.WithTenant(ctx, tenantFromContext(ctx), func(tx *store.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, chi.URLParam(r, "jobID"))
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Msg("Failed to load job")
		writeError(w, http.StatusInternalServerError, "failed to load job")
	default:
		writeJSON(w, http.StatusOK, job)
	}
}
