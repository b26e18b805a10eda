// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tillware/go-possync/internal/auth"
)

// ClientAuthenticator extracts organization and register identity from
// HTTP requests. Implementations validate auth (e.g. JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetOrganizationID(r *http.Request) (string, error)
	GetRegisterID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides the HTTP surface of the authority.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandlePush processes batch push requests
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	organizationID, registerID, err := h.identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var pushReq PushRequest
	if err := json.NewDecoder(r.Body).Decode(&pushReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	response, err := h.service.ProcessPush(r.Context(), organizationID, registerID, &pushReq)
	if err != nil {
		h.logger.Error("Failed to process push", "error", err,
			"organization_id", organizationID, "register_id", registerID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode push response", "error", err, "register_id", registerID)
	}
}

// HandleStatus reports service health and registered tables
func (h *HTTPSyncHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	response := StatusResponse{
		Status:           "healthy",
		AppName:          h.service.config.AppName,
		RegisteredTables: h.service.RegisteredTableNames(),
		Metrics:          h.service.Metrics(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		h.logger.Error("Failed to encode status response", "error", err)
	}
}

// identity resolves the caller's organization and register. The auth
// middleware stores both on the request context; handlers mounted
// without the middleware fall back to the authenticator, which parses
// the token a second time.
func (h *HTTPSyncHandlers) identity(r *http.Request) (organizationID, registerID string, err error) {
	organizationID, orgOK := auth.GetOrganizationID(r.Context())
	registerID, regOK := auth.GetRegisterID(r.Context())
	if orgOK && regOK {
		return organizationID, registerID, nil
	}

	if organizationID, err = h.authenticator.GetOrganizationID(r); err != nil {
		return "", "", err
	}
	if registerID, err = h.authenticator.GetRegisterID(r); err != nil {
		return "", "", err
	}
	return organizationID, registerID, nil
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: code, Message: message})
}
