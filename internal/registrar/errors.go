package registrar

import (
	"errors"
	"net/http"

	"github.com/flightctl/attestctl/internal/api"
	"github.com/flightctl/attestctl/internal/flterrors"
	"github.com/flightctl/attestctl/internal/tpm"
)

// ErrNotFound indicates no RegistrarAgent row exists for the given
// agent_id.
var ErrNotFound = errors.New("registrar: agent not found")

// ErrNotMatched indicates an activation auth_tag did not match the
// expected HMAC.
var ErrNotMatched = errors.New("registrar: activation tag does not match")

// ErrInvalidAgentID indicates the agent_id path segment is not a
// well-formed UUID, the shape every RegistrarAgent is keyed by.
var ErrInvalidAgentID = errors.New("registrar: agent_id must be a UUID")

// StatusFor classifies an error returned by AgentEnroller into the
// HTTP status code and envelope status string the API layer should
// emit.
func StatusFor(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, api.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, api.StatusNotFound
	case errors.Is(err, ErrNotMatched):
		return http.StatusBadRequest, api.StatusNotMatched
	case errors.Is(err, ErrInvalidAgentID):
		return http.StatusBadRequest, api.StatusBadRequest
	case errors.Is(err, flterrors.ErrInvalidCertificate):
		return http.StatusBadRequest, api.StatusInvalidCertificate
	case errors.Is(err, tpm.ErrKeyCertMismatch):
		return http.StatusBadRequest, api.StatusKeyCertMismatch
	case errors.Is(err, tpm.ErrUntrustedCert):
		return http.StatusBadRequest, api.StatusUntrustedCert
	case errors.Is(err, tpm.ErrMissingRootIdentity):
		return http.StatusBadRequest, api.StatusMissingRootIdentity
	case errors.Is(err, tpm.ErrAKIAKBindFailed):
		return http.StatusBadRequest, api.StatusAkIakBindFailed
	default:
		return http.StatusInternalServerError, api.StatusInternalError
	}
}
