package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/covenant/internal/contract"
	"github.com/nidhogg/covenant/internal/runtime"
	"github.com/nidhogg/covenant/internal/store"
	"github.com/nidhogg/covenant/internal/validator"
)

// ContractStore is the contract surface the API exposes 1:1.
type ContractStore interface {
	CreateContract(ctx context.Context, c *contract.Contract) (*contract.Contract, error)
	GetContract(ctx context.Context, agentID, tenantID string) (*contract.Contract, error)
	ListContracts(ctx context.Context, tenantID string, filter store.ListFilter) ([]*contract.Contract, error)
	UpdateContract(ctx context.Context, agentID, tenantID string, patch contract.Patch) (*contract.Contract, error)
	ArchiveContract(ctx context.Context, agentID, tenantID string) (bool, error)
	ListVersions(ctx context.Context, agentID, tenantID string) ([]*contract.Version, error)
}

// Chatter runs one conversational turn.
type Chatter interface {
	Process(ctx context.Context, req runtime.Request) (*runtime.Reply, error)
}

// ContractValidator is the bulk reconciliation surface.
type ContractValidator interface {
	ValidateAll(ctx context.Context, tenantID string, autoRepair bool) (*validator.Summary, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	contracts ContractStore
	chat      Chatter
	validator ContractValidator
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(contracts ContractStore, chat Chatter, v ContractValidator, logger *zap.Logger) *Handler {
	return &Handler{contracts: contracts, chat: chat, validator: v, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", h.createAgent)
			r.Get("/", h.listAgents)
			r.Get("/{id}", h.getAgent)
			r.Patch("/{id}", h.updateAgent)
			r.Delete("/{id}", h.archiveAgent)
			r.Get("/{id}/versions", h.listVersions)
		})

		r.Post("/chat", h.handleChat)
		r.Post("/validate", h.handleValidate)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "covenant"})
}

// tenantID resolves the tenant from the X-Tenant-ID header, falling back to
// the tenant_id query parameter.
func tenantID(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return r.URL.Query().Get("tenant_id")
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var c contract.Contract
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if t := tenantID(r); t != "" {
		c.TenantID = t
	}

	created, err := h.contracts.CreateContract(r.Context(), &c)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	c, err := h.contracts.GetContract(r.Context(), chi.URLParam(r, "id"), tenantID(r))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Type:   contract.AgentType(r.URL.Query().Get("type")),
		Status: contract.Status(r.URL.Query().Get("status")),
	}
	contracts, err := h.contracts.ListContracts(r.Context(), tenantID(r), filter)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if contracts == nil {
		contracts = []*contract.Contract{}
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (h *Handler) updateAgent(w http.ResponseWriter, r *http.Request) {
	var patch contract.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	updated, err := h.contracts.UpdateContract(r.Context(), chi.URLParam(r, "id"), tenantID(r), patch)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) archiveAgent(w http.ResponseWriter, r *http.Request) {
	archived, err := h.contracts.ArchiveContract(r.Context(), chi.URLParam(r, "id"), tenantID(r))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": archived})
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.contracts.ListVersions(r.Context(), chi.URLParam(r, "id"), tenantID(r))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if versions == nil {
		versions = []*contract.Version{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req runtime.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if t := tenantID(r); t != "" {
		req.TenantID = t
	}
	if req.AgentID == "" || req.TenantID == "" || req.Input == "" {
		writeError(w, http.StatusBadRequest, "agent_id, tenant_id and message are required")
		return
	}

	reply, err := h.chat.Process(r.Context(), req)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AutoRepair bool `json:"auto_repair"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	// An absent tenant means a cross-tenant sweep.
	summary, err := h.validator.ValidateAll(r.Context(), tenantID(r), body.AutoRepair)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// writeFailure maps the runtime's error taxonomy onto HTTP statuses so
// callers can tell retryable from terminal failures.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var vErr *contract.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runtime.ErrCompletion):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
