package registrar

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flightctl/attestctl/internal/api"
	apiserver "github.com/flightctl/attestctl/internal/api_server"
	fcmiddleware "github.com/flightctl/attestctl/internal/api_server/middleware"
	"github.com/flightctl/attestctl/internal/config"
	"github.com/flightctl/attestctl/internal/store"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the Registrar's agent resource endpoints onto
// r, suitable for passing as an apiserver.RegisterRoutesFunc. Enroll
// and Activate are reachable over plain HTTP (a never-enrolled agent
// has no client certificate yet) so they get the tighter "auth" rate
// limit scope, the same way a login endpoint would; Get, List, and
// Delete require a verified client certificate even when the listener
// itself accepts unauthenticated connections.
func RegisterRoutes(r chi.Router, enroller *AgentEnroller, rateLimit *config.RateLimitConfig) {
	h := &handler{enroller: enroller}

	r.Group(func(r chi.Router) {
		apiserver.ConfigureRateLimiterFromConfig(r, rateLimit, apiserver.RateLimitScopeAuth)
		r.Post("/agents/{agent_id}", h.enroll)
		r.Post("/agents/{agent_id}/activate", h.activate)
	})

	r.Group(func(r chi.Router) {
		r.Use(fcmiddleware.RequireClientCert)
		r.Get("/agents", h.list)
		r.Get("/agents/{agent_id}", h.get)
		r.Delete("/agents/{agent_id}", h.delete)
	})
}

type handler struct {
	enroller *AgentEnroller
}

func (h *handler) enroll(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	var req api.EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.StatusBadRequest, "invalid request body", nil)
		return
	}

	resp, err := h.enroller.Enroll(r.Context(), agentID, req)
	if err != nil {
		code, status := StatusFor(err)
		api.WriteError(w, code, status, err.Error(), nil)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusOK, resp)
}

func (h *handler) activate(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	var req api.ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.StatusBadRequest, "invalid request body", nil)
		return
	}

	// A tag mismatch still answers 200: Activate has already persisted
	// active=false and logged the mismatch.
	if err := h.enroller.Activate(r.Context(), agentID, req.AuthTag); err != nil && !errors.Is(err, ErrNotMatched) {
		code, status := StatusFor(err)
		api.WriteError(w, code, status, err.Error(), nil)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusOK, nil)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	agent, err := h.enroller.Get(r.Context(), agentID)
	if err != nil {
		code, status := StatusFor(err)
		api.WriteError(w, code, status, err.Error(), nil)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusOK, agent)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	params := store.ListParams{}
	if cont := r.URL.Query().Get("continue"); cont != "" {
		params.Continue = &store.Continue{Name: cont}
	}

	resp, err := h.enroller.List(r.Context(), params)
	if err != nil {
		code, status := StatusFor(err)
		api.WriteError(w, code, status, err.Error(), nil)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusOK, resp)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	if err := h.enroller.Delete(r.Context(), agentID); err != nil {
		code, status := StatusFor(err)
		api.WriteError(w, code, status, err.Error(), nil)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusOK, nil)
}
