// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/irlam/defect-tracker-sub006/internal/auth"
)

// ClientAuthenticator extracts actor and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both
// identifiers.
type ClientAuthenticator interface {
	GetActorID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync endpoint.
// The endpoint is a stateless boundary: authenticate, parse, delegate.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleSync processes batch submissions (POST) and liveness probes (GET).
func (h *HTTPSyncHandlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleProbe(w, r)
	case http.MethodPost:
		h.handleBatch(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET and POST methods are allowed")
	}
}

// handleProbe answers a plain status probe with liveness and server time.
func (h *HTTPSyncHandlers) handleProbe(w http.ResponseWriter, r *http.Request) {
	response := ProbeResponse{
		Status:    "online",
		Timestamp: time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode probe response", "error", err)
	}
}

// handleBatch authenticates the caller, parses the operation batch and
// delegates to the queue processor. Identity installed by the auth middleware
// is preferred; the authenticator is the fallback so the handler also works
// unwrapped, at the cost of parsing the token twice.
func (h *HTTPSyncHandlers) handleBatch(w http.ResponseWriter, r *http.Request) {
	actorID, sourceID, err := h.requestIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var syncReq SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&syncReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync request")
		return
	}
	if syncReq.Operations == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Request body must carry an operations batch")
		return
	}

	response, err := h.service.ProcessBatch(r.Context(), actorID, sourceID, &syncReq)
	if err != nil {
		h.logger.Error("Failed to process batch", "error", err, "actor_id", actorID, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "sync_failed", "Failed to process sync batch")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode sync response", "error", err, "actor_id", actorID)
	}
}

// requestIdentity resolves the actor and source identity for a request.
func (h *HTTPSyncHandlers) requestIdentity(r *http.Request) (string, string, error) {
	if actorID, ok := auth.GetActorID(r.Context()); ok {
		if sourceID, ok := auth.GetSourceID(r.Context()); ok {
			return actorID, sourceID, nil
		}
	}

	actorID, err := h.authenticator.GetActorID(r)
	if err != nil {
		return "", "", err
	}
	sourceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		return "", "", err
	}
	return actorID, sourceID, nil
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
