package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flightctl/attestctl/internal/api"
	apiserver "github.com/flightctl/attestctl/internal/api_server"
	"github.com/flightctl/attestctl/internal/config"
	"github.com/flightctl/attestctl/internal/store"
	"github.com/flightctl/attestctl/internal/store/model"
	"github.com/flightctl/attestctl/pkg/log"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the Verifier's attestation endpoints onto r,
// suitable for passing as an apiserver.RegisterRoutesFunc. Negotiate is
// rate-limited under the tighter "auth" scope, a backstop in front of
// the pacing logic in AttestationCoordinator since it's the endpoint an
// agent hits on every attestation round.
func RegisterRoutes(r chi.Router, coordinator *AttestationCoordinator, verifier *EvidenceVerifier, attestations store.AttestationStore, rateLimit *config.RateLimitConfig, logger *log.PrefixLogger) {
	h := &handler{coordinator: coordinator, verifier: verifier, attestations: attestations, log: logger}

	r.Group(func(r chi.Router) {
		apiserver.ConfigureRateLimiterFromConfig(r, rateLimit, apiserver.RateLimitScopeAuth)
		r.Post("/agents/{agent_id}/attestations", h.negotiate)
	})
	r.Put("/agents/{agent_id}/attestations/latest", h.submitEvidence)
	r.Get("/agents/{agent_id}/attestations", h.history)
}

type handler struct {
	coordinator  *AttestationCoordinator
	verifier     *EvidenceVerifier
	attestations store.AttestationStore
	log          *log.PrefixLogger
}

func (h *handler) negotiate(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	var req api.NegotiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.StatusBadRequest, "invalid request body", nil)
		return
	}

	resp, err := h.coordinator.Negotiate(r.Context(), agentID, req)
	if err != nil {
		var pacing *PacingError
		if errors.As(err, &pacing) {
			api.RetryAfterError(w, pacing.RetryAfterSeconds)
			return
		}
		code, status := StatusFor(err)
		api.WriteError(w, code, status, err.Error(), nil)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusOK, resp)
}

// submitEvidence records the agent's evidence and returns immediately;
// quote/log authentication and policy evaluation run asynchronously so
// the agent is never blocked on verification latency.
func (h *handler) submitEvidence(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	var req api.EvidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.StatusBadRequest, "invalid request body", nil)
		return
	}

	latest, err := h.attestations.Latest(r.Context(), agentID)
	if err != nil {
		code, status := StatusFor(err)
		api.WriteError(w, code, status, err.Error(), nil)
		return
	}
	if latest == nil || latest.Status != api.AttestationWaiting {
		api.WriteError(w, http.StatusNotFound, api.StatusNotFound, "no outstanding nonce for this agent", nil)
		return
	}
	index := latest.Index

	if err := h.verifier.SubmitEvidence(r.Context(), agentID, index, req); err != nil {
		code, status := StatusFor(err)
		api.WriteError(w, code, status, err.Error(), nil)
		return
	}

	detached := context.WithoutCancel(r.Context())
	go func() {
		if err := h.verifier.VerifyEvidence(detached, agentID, index); err != nil && h.log != nil {
			h.log.Errorf("verifying evidence for agent %s: %v", agentID, err)
		}
	}()

	api.WriteJSON(w, http.StatusAccepted, api.StatusOK, nil)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	rows, err := h.attestations.List(r.Context(), agentID, store.ListParams{})
	if err != nil {
		code, status := StatusFor(err)
		api.WriteError(w, code, status, err.Error(), nil)
		return
	}

	out := make([]*api.PushAttestation, 0, len(rows))
	for i := range rows {
		out = append(out, attestationToWire(&rows[i]))
	}
	api.WriteJSON(w, http.StatusOK, api.StatusOK, out)
}

func attestationToWire(a *model.PushAttestation) *api.PushAttestation {
	wire := &api.PushAttestation{
		AgentID:               a.AgentID,
		Index:                 a.Index,
		Status:                a.Status,
		FailureType:           a.FailureType,
		Boottime:              a.Boottime,
		HashAlg:               a.HashAlg,
		EncAlg:                a.EncAlg,
		SignAlg:               a.SignAlg,
		StartingIMAOffset:     a.StartingIMAOffset,
		QuotedIMAEntriesCount: a.QuotedIMAEntriesCount,
		NonceCreatedAt:        a.NonceCreatedAt,
		NonceExpiresAt:        a.NonceExpiresAt,
		EvidenceReceivedAt:    a.EvidenceReceivedAt,
	}
	if a.TPMPCRs != "" {
		var pcrs map[string]string
		if err := json.Unmarshal([]byte(a.TPMPCRs), &pcrs); err == nil {
			wire.TPMPCRs = pcrs
		}
	}
	return wire
}
