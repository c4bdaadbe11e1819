package verifier

import (
	"errors"
	"net/http"

	"github.com/flightctl/attestctl/internal/api"
	"github.com/flightctl/attestctl/internal/store"
)

// ErrNotFound indicates no RegistrarAgent or PushAttestation row
// exists for the given identifiers.
var ErrNotFound = errors.New("verifier: not found")

// ErrBoottimeDecreased indicates a negotiate request reported a
// boottime earlier than the previous attestation's, which the IMA
// offset continuity rule forbids.
var ErrBoottimeDecreased = errors.New("verifier: boottime must not decrease")

// ErrAlgorithmNegotiationFailed indicates none of the agent's
// supported_{hash,enc,sign}_algs intersected the accepted list for
// one of the three algorithm classes.
var ErrAlgorithmNegotiationFailed = errors.New("verifier: no acceptable algorithm in common")

// ErrVerificationBlocked indicates the agent's accept_attestations
// flag is false (the prior round ended in quote/log/policy failure),
// gating further negotiation until an operator intervenes.
var ErrVerificationBlocked = errors.New("verifier: agent blocked pending operator review")

// PacingError carries the number of seconds a caller must wait before
// negotiating again, the payload of a 429 Retry-After response.
type PacingError struct {
	RetryAfterSeconds int64
}

func (e *PacingError) Error() string {
	return "verifier: negotiate attempted before pacing window elapsed"
}

// StatusFor classifies an error returned by AttestationCoordinator or
// EvidenceVerifier into the HTTP status code and envelope status
// string the API layer should emit.
func StatusFor(err error) (int, string) {
	var pacing *PacingError
	switch {
	case err == nil:
		return http.StatusOK, api.StatusOK
	case errors.As(err, &pacing):
		return http.StatusTooManyRequests, api.StatusTooManyRequests
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, api.StatusNotFound
	case errors.Is(err, ErrVerificationBlocked):
		return http.StatusServiceUnavailable, api.StatusServiceUnavailable
	case errors.Is(err, store.ErrConcurrentNegotiation):
		return http.StatusBadRequest, api.StatusConcurrentNegotiation
	case errors.Is(err, ErrBoottimeDecreased), errors.Is(err, ErrAlgorithmNegotiationFailed):
		return http.StatusBadRequest, api.StatusBadRequest
	default:
		return http.StatusInternalServerError, api.StatusInternalError
	}
}
