// Package verifier implements the Verifier service's push-attestation
// lifecycle: negotiate (AttestationCoordinator) and evidence
// authentication/classification (EvidenceVerifier).
package verifier

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/flightctl/attestctl/internal/api"
	"github.com/flightctl/attestctl/internal/store"
	"github.com/flightctl/attestctl/internal/store/model"
	"github.com/flightctl/attestctl/pkg/log"
	"github.com/samber/lo"
)

// NonceCache records issued nonces in a fast, shared cache so a
// duplicate cannot be replayed across worker processes before the
// owning database row becomes visible. It is a defense-in-depth layer
// only: the PushAttestation row is always the authoritative record.
type NonceCache interface {
	Record(ctx context.Context, agentID, nonce string, ttl time.Duration) error
}

// AttestationCoordinator drives negotiate: pacing, algorithm
// negotiation, IMA offset continuity, index assignment, and stale
// record cleanup.
type AttestationCoordinator struct {
	store               store.Store
	nonceCache          NonceCache
	nonceLifetime       time.Duration
	quoteInterval       time.Duration
	verificationTimeout time.Duration
	acceptedHashAlgs    []string
	acceptedEncAlgs     []string
	acceptedSignAlgs    []string
	log                 *log.PrefixLogger
}

// NewAttestationCoordinator builds an AttestationCoordinator. nonceCache
// may be nil, in which case nonce issuance is recorded only in the
// database.
func NewAttestationCoordinator(s store.Store, nonceCache NonceCache, nonceLifetime, quoteInterval, verificationTimeout time.Duration, acceptedHashAlgs, acceptedEncAlgs, acceptedSignAlgs []string, logger *log.PrefixLogger) *AttestationCoordinator {
	return &AttestationCoordinator{
		store:               s,
		nonceCache:          nonceCache,
		nonceLifetime:       nonceLifetime,
		quoteInterval:       quoteInterval,
		verificationTimeout: verificationTimeout,
		acceptedHashAlgs:    acceptedHashAlgs,
		acceptedEncAlgs:     acceptedEncAlgs,
		acceptedSignAlgs:    acceptedSignAlgs,
		log:                 logger,
	}
}

// Negotiate runs the negotiate algorithm: pacing check, stale-record
// cleanup, algorithm negotiation, IMA offset continuity, and a fresh
// nonce, returning the new PushAttestation's wire representation.
func (c *AttestationCoordinator) Negotiate(ctx context.Context, agentID string, req api.NegotiateRequest) (*api.NegotiateResponse, error) {
	resp, err := c.negotiate(ctx, agentID, req)
	if err != nil {
		var pacing *PacingError
		switch {
		case errors.As(err, &pacing):
			negotiationsTotal.WithLabelValues(resultPaced).Inc()
		case errors.Is(err, ErrVerificationBlocked):
			negotiationsTotal.WithLabelValues(resultBlocked).Inc()
		default:
			negotiationsTotal.WithLabelValues(resultError).Inc()
		}
		return nil, err
	}
	negotiationsTotal.WithLabelValues(resultSuccess).Inc()
	return resp, nil
}

func (c *AttestationCoordinator) negotiate(ctx context.Context, agentID string, req api.NegotiateRequest) (*api.NegotiateResponse, error) {
	agents := c.store.Agents()
	attestations := c.store.Attestations()

	agent, err := agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !agent.AcceptAttestations {
		return nil, ErrVerificationBlocked
	}

	previous, err := attestations.Latest(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if previous != nil {
		quoteIntervalAdherence.Observe(now.Sub(previous.NonceCreatedAt).Seconds())
		if wait, blocked := c.pacingWait(previous, now); blocked {
			return nil, &PacingError{RetryAfterSeconds: wait}
		}
	}

	startingOffset, err := c.startingIMAOffset(ctx, agentID, previous, req.Boottime)
	if err != nil {
		return nil, err
	}

	hashAlg, ok := pickFirstSupported(c.acceptedHashAlgs, req.SupportedHashAlgs)
	if !ok {
		return nil, fmt.Errorf("%w: hash algorithm", ErrAlgorithmNegotiationFailed)
	}
	encAlg, ok := pickFirstSupported(c.acceptedEncAlgs, req.SupportedEncAlgs)
	if !ok {
		return nil, fmt.Errorf("%w: encryption algorithm", ErrAlgorithmNegotiationFailed)
	}
	signAlg, ok := pickFirstSupported(c.acceptedSignAlgs, req.SupportedSignAlgs)
	if !ok {
		return nil, fmt.Errorf("%w: signing algorithm", ErrAlgorithmNegotiationFailed)
	}

	// The previous record is only ever superseded here if the agent
	// never submitted (waiting) or verification timed out (received
	// past its deadline) — a terminal previous record is left for
	// EvidenceVerifier's own compaction step to delete.
	if previous != nil && c.isStale(previous, now) {
		if err := attestations.Delete(ctx, agentID, previous.Index); err != nil {
			return nil, err
		}
	}

	index := 0
	if previous != nil {
		index = previous.Index + 1
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	nonceCreatedAt := now
	nonceExpiresAt := now.Add(c.nonceLifetime)

	attestation := &model.PushAttestation{
		AgentID:           agentID,
		Index:             index,
		Nonce:             nonce,
		NonceCreatedAt:    nonceCreatedAt,
		NonceExpiresAt:    nonceExpiresAt,
		Status:            api.AttestationWaiting,
		Boottime:          req.Boottime,
		HashAlg:           hashAlg,
		EncAlg:            encAlg,
		SignAlg:           signAlg,
		StartingIMAOffset: startingOffset,
	}
	if err := attestations.Create(ctx, attestation); err != nil {
		return nil, err
	}

	if c.nonceCache != nil {
		if err := c.nonceCache.Record(ctx, agentID, nonce, c.nonceLifetime); err != nil && c.log != nil {
			c.log.Warnf("recording nonce in anti-replay cache for agent %s: %v", agentID, err)
		}
	}

	return &api.NegotiateResponse{
		Index:             index,
		Nonce:             nonce,
		NonceCreatedAt:    nonceCreatedAt,
		NonceExpiresAt:    nonceExpiresAt,
		HashAlg:           hashAlg,
		EncAlg:            encAlg,
		SignAlg:           signAlg,
		StartingIMAOffset: startingOffset,
	}, nil
}

// pacingWait reports whether negotiate must be rejected because the
// pacing window hasn't elapsed yet, and if so, the number of seconds
// the caller should wait before retrying.
func (c *AttestationCoordinator) pacingWait(previous *model.PushAttestation, now time.Time) (int64, bool) {
	basis := previous.NonceCreatedAt
	if previous.EvidenceReceivedAt != nil {
		basis = *previous.EvidenceReceivedAt
	}
	nextExpectedAfter := basis.Add(c.quoteInterval)
	if now.Before(nextExpectedAfter) {
		return int64(nextExpectedAfter.Sub(now).Seconds() + 1), true
	}

	if previous.Status == api.AttestationReceived {
		decisionBasis := previous.NonceCreatedAt.Add(c.quoteInterval)
		if previous.EvidenceReceivedAt != nil {
			decisionBasis = *previous.EvidenceReceivedAt
		}
		decisionExpectedBy := decisionBasis.Add(c.verificationTimeout)
		if !now.After(decisionExpectedBy) {
			return int64(decisionExpectedBy.Sub(now).Seconds() + 1), true
		}
	}

	return 0, false
}

// isStale reports whether previous should be deleted now that
// negotiate has been allowed to proceed: the agent never submitted
// evidence, or submitted evidence that was never verified in time.
func (c *AttestationCoordinator) isStale(previous *model.PushAttestation, now time.Time) bool {
	if previous.Status == api.AttestationWaiting {
		return true
	}
	if previous.Status == api.AttestationReceived {
		decisionBasis := previous.NonceCreatedAt.Add(c.quoteInterval)
		if previous.EvidenceReceivedAt != nil {
			decisionBasis = *previous.EvidenceReceivedAt
		}
		return now.After(decisionBasis.Add(c.verificationTimeout))
	}
	return false
}

// startingIMAOffset implements the IMA offset continuity rule: a
// reboot (boottime advanced) resets the offset to 0, an unchanged
// boottime continues from the last authenticated attestation, and a
// regressed boottime is rejected outright.
func (c *AttestationCoordinator) startingIMAOffset(ctx context.Context, agentID string, previous *model.PushAttestation, boottime time.Time) (int, error) {
	if previous == nil {
		return 0, nil
	}
	if boottime.After(previous.Boottime) {
		return 0, nil
	}
	if boottime.Before(previous.Boottime) {
		return 0, ErrBoottimeDecreased
	}

	authenticated, err := c.lastAuthenticated(ctx, agentID, previous.Index)
	if err != nil {
		return 0, err
	}
	if authenticated == nil {
		return 0, nil
	}
	return authenticated.StartingIMAOffset + authenticated.QuotedIMAEntriesCount, nil
}

// lastAuthenticated returns the most recent terminal attestation at or
// before beforeIndex whose quote authenticated (failure_type is not
// quote_authentication), or nil if none exists.
func (c *AttestationCoordinator) lastAuthenticated(ctx context.Context, agentID string, beforeIndex int) (*model.PushAttestation, error) {
	rows, err := c.store.Attestations().List(ctx, agentID, store.ListParams{})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		a := &rows[i]
		if a.Index > beforeIndex {
			continue
		}
		if a.Status != api.AttestationVerified && a.Status != api.AttestationFailed {
			continue
		}
		if a.FailureType == api.FailureQuoteAuthentication {
			continue
		}
		return a, nil
	}
	return nil, nil
}

// pickFirstSupported scans accepted in order and returns the first
// element that also appears in supported.
func pickFirstSupported(accepted, supported []string) (string, bool) {
	supportedSet := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		supportedSet[s] = struct{}{}
	}
	return lo.Find(accepted, func(a string) bool {
		_, ok := supportedSet[a]
		return ok
	})
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
