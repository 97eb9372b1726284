package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"

	"hookdeploy/internal/auth"
	"hookdeploy/internal/dispatch"
	"hookdeploy/internal/event"
	"hookdeploy/internal/project"
	"hookdeploy/internal/security"
	"hookdeploy/internal/worker"
)

const (
	MaxPayloadBytes        = 1_000_000 // 1 MB
	RecentDeploymentsLimit = 10        // Number of recent deployments to return in status endpoint

	healthMessage = "Webhook handler is deployed and running successfully."
)

// WebhookResponse is the body of an accepted webhook.
type WebhookResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	Project        string `json:"project"`
	Deploy         bool   `json:"deploy"`
	TaskID         string `json:"task_id"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

// HandleWebhook authenticates a delivery and queues its background work.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	received := time.Now()
	branch := chi.URLParam(r, "branch")

	if r.ContentLength > MaxPayloadBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	signature := r.Header.Get(github.SHA256SignatureHeader)
	if signature == "" {
		s.Logger.Warn("webhook without signature", "branch", branch)
		s.respondError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != "application/json" {
			s.respondError(w, http.StatusUnsupportedMediaType, "Invalid content type")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		s.Logger.Error("Failed to read request body", "error", err)
		s.respondError(w, http.StatusBadRequest, "Failed to read payload")
		return
	}

	res, err := s.Dispatcher.Dispatch(r.Context(), dispatch.InboundEvent{
		Body:        body,
		Signature:   signature,
		Kind:        r.Header.Get(github.EventTypeHeader),
		RouteBranch: branch,
		DeliveryID:  r.Header.Get(github.DeliveryIDHeader),
		Headers:     r.Header,
		ReceivedAt:  received,
	})
	if err != nil {
		s.respondDispatchError(w, err, branch)
		return
	}

	s.respondJSON(w, http.StatusAccepted, WebhookResponse{
		Status:         "success",
		Message:        res.Message(),
		Project:        res.ProjectKey,
		Deploy:         res.Deploy,
		TaskID:         res.TaskID,
		ResponseTimeMS: time.Since(received).Milliseconds(),
	})
}

// respondDispatchError maps pipeline errors to responses. Nothing about the
// project or the failed check leaks to the sender.
func (s *Server) respondDispatchError(w http.ResponseWriter, err error, branch string) {
	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed):
		s.Logger.Warn("webhook signature rejected", "branch", branch)
		s.respondError(w, http.StatusForbidden, "Invalid signature")
	case errors.Is(err, event.ErrMalformedPayload):
		s.Logger.Warn("malformed webhook payload", "branch", branch, "error", err)
		s.respondError(w, http.StatusBadRequest, "Invalid JSON payload")
	case errors.Is(err, project.ErrRegistryUnavailable):
		s.Logger.Error("project registry unavailable", "error", err)
		s.respondError(w, http.StatusInternalServerError, "Project registry unavailable")
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped):
		s.Logger.Warn("webhook not queued", "branch", branch, "error", err)
		w.Header().Set("Retry-After", "30")
		s.respondError(w, http.StatusServiceUnavailable, "Server busy, retry later")
	default:
		s.Logger.Error("webhook dispatch failed", "branch", branch, "error", err)
		s.respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":   "success",
		"message":  healthMessage,
		"projects": s.Registry.Count(),
	}
	if s.Pool != nil {
		response["workers"] = s.Pool.Stats()
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleStatus handles deployment status requests
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "project")

	if err := security.ValidateProjectKey(key); err != nil {
		s.Logger.Warn("Invalid project key in status request", "project", key, "error", err)
		s.respondError(w, http.StatusBadRequest, "Invalid project key")
		return
	}

	if _, err := s.Registry.Get(key); err != nil {
		if errors.Is(err, project.ErrRegistryUnavailable) {
			s.respondError(w, http.StatusInternalServerError, "Project registry unavailable")
			return
		}
		s.respondError(w, http.StatusNotFound, "Unknown project")
		return
	}

	if s.History == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Deployment history is disabled")
		return
	}

	status, err := s.History.GetStatus(r.Context(), key, RecentDeploymentsLimit)
	if err != nil {
		s.Logger.Error("Failed to get deployment status", "error", err, "project", key)
		s.respondError(w, http.StatusInternalServerError, "Failed to fetch deployment status")
		return
	}

	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	respondError(w, s.Logger, statusCode, message)
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, s.Logger, statusCode, data)
}

func respondError(w http.ResponseWriter, logger *slog.Logger, statusCode int, message string) {
	writeJSON(w, logger, statusCode, map[string]string{"status": "error", "message": message})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}
