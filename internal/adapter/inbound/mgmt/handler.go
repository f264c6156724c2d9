// Package mgmt provides the authenticated management API: service CRUD,
// lifecycle commands, log retrieval, and API key administration.
package mgmt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/internal/adapter/outbound/registry"
	"github.com/mcpfleet/mcpfleet/internal/domain/service"
	"github.com/mcpfleet/mcpfleet/internal/port/outbound"
	"github.com/mcpfleet/mcpfleet/internal/supervisor"
)

// Handler owns the /api routes.
type Handler struct {
	store    *registry.Store
	manager  *supervisor.Manager
	validate *validator.Validate
	logger   *slog.Logger

	// stager resolves a definition's source reference into a working
	// directory at creation. May be nil.
	stager outbound.Stager

	// bootstrap allows unauthenticated access while no active key exists,
	// so a fresh install can mint its first key.
	bootstrap bool

	// logStream, when set, is mounted at GET /api/services/{id}/logs/stream.
	logStream http.HandlerFunc
}

// NewHandler creates the management handler. stager and logStream may be nil.
func NewHandler(store *registry.Store, manager *supervisor.Manager, logger *slog.Logger, stager outbound.Stager, bootstrap bool, logStream http.HandlerFunc) *Handler {
	return &Handler{
		store:     store,
		manager:   manager,
		validate:  validator.New(),
		logger:    logger,
		stager:    stager,
		bootstrap: bootstrap,
		logStream: logStream,
	}
}

// Routes returns the authenticated /api handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/services", h.listServices)
	mux.HandleFunc("POST /api/services", h.createService)
	mux.HandleFunc("GET /api/services/{id}", h.getService)
	mux.HandleFunc("PUT /api/services/{id}", h.updateService)
	mux.HandleFunc("DELETE /api/services/{id}", h.deleteService)
	mux.HandleFunc("POST /api/services/{id}/start", h.startService)
	mux.HandleFunc("POST /api/services/{id}/stop", h.stopService)
	mux.HandleFunc("POST /api/services/{id}/restart", h.restartService)
	mux.HandleFunc("GET /api/services/{id}/logs", h.serviceLogs)

	mux.HandleFunc("POST /api/keys", h.createKey)
	mux.HandleFunc("GET /api/keys", h.listKeys)
	mux.HandleFunc("DELETE /api/keys/{id}", h.revokeKey)

	if h.logStream != nil {
		mux.HandleFunc("GET /api/services/{id}/logs/stream", h.logStream)
	}

	return h.requireAuth(mux)
}

// requireAuth checks the API key on every management request. The key comes
// from the X-API-Key header or the api_key query parameter.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}

		if key == "" {
			if h.bootstrapOpen(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			h.respondError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		if _, err := h.store.VerifyKey(r.Context(), key); err != nil {
			if !errors.Is(err, service.ErrUnauthorized) {
				h.logger.Error("key verification failed", "error", err)
			}
			h.respondError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bootstrapOpen reports whether the initial-setup window is open: bootstrap
// mode enabled and no active key issued yet.
func (h *Handler) bootstrapOpen(ctx context.Context) bool {
	if !h.bootstrap {
		return false
	}
	active, err := h.store.HasActiveKeys(ctx)
	if err != nil {
		h.logger.Error("failed to check active keys", "error", err)
		return false
	}
	return !active
}

// serviceResponse merges the durable definition with the runtime state.
type serviceResponse struct {
	service.Definition
	State service.RuntimeState `json:"state"`
}

func (h *Handler) serviceView(def service.Definition) serviceResponse {
	resp := serviceResponse{Definition: def}
	if sup, ok := h.manager.Get(def.ID); ok {
		resp.State = sup.State()
	}
	return resp
}

// GET /api/services
func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.ListServices(r.Context())
	if err != nil {
		h.logger.Error("failed to list services", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list services")
		return
	}
	result := make([]serviceResponse, 0, len(defs))
	for _, def := range defs {
		result = append(result, h.serviceView(*def))
	}
	h.respondJSON(w, http.StatusOK, result)
}

// POST /api/services
func (h *Handler) createService(w http.ResponseWriter, r *http.Request) {
	var def service.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	def.ID = uuid.NewString()
	if def.Source != "" && def.WorkingDir == "" && h.stager != nil {
		dir, err := h.stager.Stage(r.Context(), def.Source)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "failed to stage source: "+err.Error())
			return
		}
		def.WorkingDir = dir
	}
	def.ApplyDefaults()
	if err := h.validate.Struct(&def); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.CreateService(r.Context(), &def); err != nil {
		h.respondDomainError(w, err)
		return
	}
	if _, err := h.manager.Add(def); err != nil {
		// Roll the row back so the registry and the manager agree.
		_ = h.store.DeleteService(r.Context(), def.ID)
		h.respondDomainError(w, err)
		return
	}

	h.logger.Info("service created", "service_id", def.ID, "proxy_path", def.ProxyPath)
	h.respondJSON(w, http.StatusCreated, h.serviceView(def))
}

// GET /api/services/{id}
func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.GetService(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.serviceView(*def))
}

// PUT /api/services/{id}
func (h *Handler) updateService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.store.GetService(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	var def service.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	def.ID = id
	def.CreatedAt = existing.CreatedAt
	def.ApplyDefaults()
	if err := h.validate.Struct(&def); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sup, ok := h.manager.Get(id)
	if !ok {
		h.respondError(w, http.StatusNotFound, "service not found")
		return
	}
	// Persist first: a registry conflict must never leave the live
	// supervisor holding a definition the registry rejected.
	if err := h.store.UpdateService(r.Context(), &def); err != nil {
		h.respondDomainError(w, err)
		return
	}
	if err := sup.UpdateDefinition(def); err != nil {
		// The supervisor refused the new definition; put the old row back.
		if rbErr := h.store.UpdateService(r.Context(), existing); rbErr != nil {
			h.logger.Error("rollback of service update failed", "service_id", id, "error", rbErr)
		}
		h.respondDomainError(w, err)
		return
	}

	h.logger.Info("service updated", "service_id", id)
	h.respondJSON(w, http.StatusOK, h.serviceView(def))
}

// DELETE /api/services/{id}
func (h *Handler) deleteService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Drop the registry row before the supervisor. A removed supervisor
	// with the row still present would come back on the next boot.
	if err := h.store.DeleteService(r.Context(), id); err != nil {
		h.respondDomainError(w, err)
		return
	}
	if err := h.manager.Remove(r.Context(), id); err != nil && !errors.Is(err, service.ErrNotFound) {
		h.respondDomainError(w, err)
		return
	}
	h.logger.Info("service deleted", "service_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/services/{id}/start
func (h *Handler) startService(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, service.DesiredRunning, func(ctx context.Context, sup *supervisor.Supervisor) error {
		return sup.Start(ctx)
	})
}

// POST /api/services/{id}/stop
func (h *Handler) stopService(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, service.DesiredStopped, func(ctx context.Context, sup *supervisor.Supervisor) error {
		return sup.Stop(ctx)
	})
}

// POST /api/services/{id}/restart
func (h *Handler) restartService(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, service.DesiredRunning, func(ctx context.Context, sup *supervisor.Supervisor) error {
		return sup.Restart(ctx)
	})
}

// lifecycle runs a supervisor command and records the resulting desired
// status. The management API is the only writer of desired_status.
func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, desired string, command func(context.Context, *supervisor.Supervisor) error) {
	id := r.PathValue("id")
	sup, ok := h.manager.Get(id)
	if !ok {
		h.respondError(w, http.StatusNotFound, "service not found")
		return
	}
	if err := command(r.Context(), sup); err != nil {
		h.respondDomainError(w, err)
		return
	}
	if err := h.store.SetDesiredStatus(r.Context(), id, desired); err != nil {
		h.logger.Error("failed to persist desired status", "service_id", id, "error", err)
	}
	h.respondJSON(w, http.StatusOK, h.serviceView(sup.Definition()))
}

// GET /api/services/{id}/logs?limit=N
func (h *Handler) serviceLogs(w http.ResponseWriter, r *http.Request) {
	sup, ok := h.manager.Get(r.PathValue("id"))
	if !ok {
		h.respondError(w, http.StatusNotFound, "service not found")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	h.respondJSON(w, http.StatusOK, sup.Logs(limit))
}

// createKeyRequest is the JSON body for key issuance.
type createKeyRequest struct {
	Name string `json:"name"`
}

// createKeyResponse carries the plaintext key exactly once.
type createKeyResponse struct {
	registry.APIKey
	Key string `json:"key"`
}

// POST /api/keys
func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		h.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	plaintext, key, err := h.store.IssueKey(r.Context(), req.Name)
	if err != nil {
		h.logger.Error("failed to issue key", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to issue key")
		return
	}
	h.logger.Info("api key issued", "key_id", key.ID, "name", key.Name)
	h.respondJSON(w, http.StatusCreated, createKeyResponse{APIKey: *key, Key: plaintext})
}

// GET /api/keys
func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListKeys(r.Context())
	if err != nil {
		h.logger.Error("failed to list keys", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	h.respondJSON(w, http.StatusOK, keys)
}

// DELETE /api/keys/{id}
func (h *Handler) revokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RevokeKey(r.Context(), r.PathValue("id")); err != nil {
		h.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondDomainError maps domain errors to their HTTP status codes.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrDuplicateProxyPath):
		h.respondError(w, http.StatusConflict, "proxy path already in use")
	case errors.Is(err, service.ErrDuplicateID):
		h.respondError(w, http.StatusConflict, "service id already registered")
	case errors.Is(err, service.ErrIllegalState):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("management request failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
