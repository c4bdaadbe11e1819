// Package registrar implements the Registrar service's enrollment
// state machine: binding an agent's Attestation Key to its Endorsement
// Key via the TPM2_MakeCredential / TPM2_ActivateCredential challenge,
// with optional binding of an AK/LDevID to an IAK via TPM2_Certify.
package registrar

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flightctl/attestctl/internal/api"
	"github.com/flightctl/attestctl/internal/flterrors"
	"github.com/flightctl/attestctl/internal/store"
	"github.com/flightctl/attestctl/internal/store/model"
	"github.com/flightctl/attestctl/internal/tpm"
	"github.com/flightctl/attestctl/pkg/log"
	"github.com/google/uuid"
)

// EK certificate sentinel values meaning "this is an emulated or
// software TPM, skip EK certificate comparison."
const (
	sentinelVirtual  = "virtual"
	sentinelEmulator = "emulator"
)

func isVirtualSentinel(ekCert string) bool {
	return ekCert == sentinelVirtual || ekCert == sentinelEmulator
}

// Root-identity presence policies for the registrar.tpmIdentity
// config key.
const (
	TPMIdentityDefault           = "default"
	TPMIdentityEKCertOrIAKIDevID = "ek_cert_or_iak_idevid"
	TPMIdentityIAKIDevID         = "iak_idevid"
	TPMIdentityEKCert            = "ek_cert"
)

// CAVerifier validates that a DER-encoded certificate chains to a
// trusted root. tpm.NewCAVerifier's return value satisfies this.
type CAVerifier interface {
	VerifyChain(certDER []byte) error
}

// AgentEnroller implements enroll/activate/get/list/delete against an
// AgentStore. It holds no state of its own beyond policy knobs: all
// agent state lives in the store.
type AgentEnroller struct {
	store             store.AgentStore
	caVerifier        CAVerifier
	tpmIdentity       string
	verifyEKCertChain bool
	hmacHashAlg       string
	log               *log.PrefixLogger
}

// NewAgentEnroller builds an AgentEnroller. caVerifier may be nil, in
// which case IAK/IDevID trust-store validation is skipped entirely
// (suitable for development or when the trust store loaded no usable
// manufacturer CA).
func NewAgentEnroller(s store.AgentStore, caVerifier CAVerifier, tpmIdentity string, verifyEKCertChain bool, hmacHashAlg string, logger *log.PrefixLogger) *AgentEnroller {
	if tpmIdentity == "" {
		tpmIdentity = TPMIdentityDefault
	}
	if hmacHashAlg == "" {
		hmacHashAlg = "sha384"
	}
	return &AgentEnroller{
		store:             s,
		caVerifier:        caVerifier,
		tpmIdentity:       tpmIdentity,
		verifyEKCertChain: verifyEKCertChain,
		hmacHashAlg:       hmacHashAlg,
		log:               logger,
	}
}

// challengeBlob is the wire format for EnrollResponse.Blob: the
// MakeCredential outputs, base64-JSON-encoded together so the agent
// can recover both halves from the one opaque string the API returns.
type challengeBlob struct {
	CredBlob        []byte `json:"cred_blob"`
	EncryptedSecret []byte `json:"encrypted_secret"`
}

// Enroll runs the enrollment algorithm: validate key/certificate
// pairs, verify trust-store issuance, verify AK/IAK binding if both
// are supplied, enforce the configured root-identity policy, then
// issue a MakeCredential challenge.
func (e *AgentEnroller) Enroll(ctx context.Context, agentID string, req api.EnrollRequest) (*api.EnrollResponse, error) {
	resp, err := e.enroll(ctx, agentID, req)
	if err != nil {
		enrollmentsTotal.WithLabelValues(resultError).Inc()
		return nil, err
	}
	enrollmentsTotal.WithLabelValues(resultSuccess).Inc()
	return resp, nil
}

func (e *AgentEnroller) enroll(ctx context.Context, agentID string, req api.EnrollRequest) (*api.EnrollResponse, error) {
	if _, err := uuid.Parse(agentID); err != nil {
		return nil, fmt.Errorf("%w: agent_id must be a UUID", ErrInvalidAgentID)
	}

	agent, err := e.store.Get(ctx, agentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		// AcceptAttestations starts true so a freshly enrolled agent's
		// first negotiate isn't blocked before any attestation has run;
		// past this point it is owned exclusively by EvidenceVerifier.
		agent = &model.RegistrarAgent{AgentID: agentID, AcceptAttestations: true}
	}

	identityChanged := agent.EKTpm != req.EKTpm || agent.EKCert != req.EKCert ||
		agent.AIKTpm != req.AIKTpm ||
		agent.IAKTpm != req.IAKTpm || agent.IAKCert != req.IAKCert ||
		agent.IDevIDTpm != req.IDevIDTpm || agent.IDevIDCert != req.IDevIDCert

	ekPub, _, ekCert, err := e.checkKeyCertPair(req.EKTpm, req.EKCert)
	if err != nil {
		return nil, err
	}
	_, _, iakCert, err := e.checkKeyCertPair(req.IAKTpm, req.IAKCert)
	if err != nil {
		return nil, err
	}
	_, _, idevidCert, err := e.checkKeyCertPair(req.IDevIDTpm, req.IDevIDCert)
	if err != nil {
		return nil, err
	}

	if e.caVerifier != nil {
		if iakCert != nil {
			if err := e.caVerifier.VerifyChain(iakCert.Raw); err != nil {
				return nil, err
			}
		}
		if idevidCert != nil {
			if err := e.caVerifier.VerifyChain(idevidCert.Raw); err != nil {
				return nil, err
			}
		}
		if e.verifyEKCertChain && ekCert != nil {
			if err := e.caVerifier.VerifyChain(ekCert.Raw); err != nil {
				return nil, err
			}
		}
	}

	akName, err := e.checkAKIAKBinding(req)
	if err != nil {
		return nil, err
	}

	if err := e.checkRootIdentity(req); err != nil {
		return nil, err
	}

	if identityChanged {
		agent.Active = false
		agent.RegCount++
	}
	agent.EKTpm = req.EKTpm
	agent.AIKTpm = req.AIKTpm
	agent.IAKTpm = req.IAKTpm
	agent.IDevIDTpm = req.IDevIDTpm
	agent.EKCert = req.EKCert
	agent.IAKCert = req.IAKCert
	agent.IDevIDCert = req.IDevIDCert
	agent.Virtual = isVirtualSentinel(req.EKCert)
	if req.IP != "" {
		agent.IP = req.IP
	}
	if req.Port != 0 {
		agent.Port = req.Port
	}

	// TPM2_MakeCredential always runs under the EK regardless of which
	// tpm_identity policy accepted the enrollment: the EK is the
	// hardware root of trust the challenge is encrypted to, IAK/IDevID
	// are a policy-level addition on top of it.
	if ekPub == nil {
		return nil, fmt.Errorf("%w: no EK public key supplied", tpm.ErrMissingRootIdentity)
	}
	if req.AIKTpm == "" {
		return nil, fmt.Errorf("%w: aik_tpm is required", flterrors.ErrInvalidCertificate)
	}
	if akName == nil {
		_, akName, err = tpm.DecodePublicKey(req.AIKTpm)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding aik_tpm: %v", flterrors.ErrInvalidCertificate, err)
		}
	}

	secret, err := tpm.GenerateHMACKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	credBlob, encSecret, err := tpm.MakeCredential(ekPub, akName, secret)
	if err != nil {
		return nil, err
	}

	agent.Key = base64.StdEncoding.EncodeToString(secret)

	if agent.CreatedAt.IsZero() {
		if err := e.store.Create(ctx, agent); err != nil {
			return nil, err
		}
	} else {
		if err := e.store.Update(ctx, agent); err != nil {
			return nil, err
		}
	}

	blob, err := json.Marshal(challengeBlob{CredBlob: credBlob, EncryptedSecret: encSecret})
	if err != nil {
		return nil, fmt.Errorf("encoding challenge blob: %w", err)
	}
	return &api.EnrollResponse{Blob: base64.StdEncoding.EncodeToString(blob)}, nil
}

// checkKeyCertPair decodes tpmB64's TPM2B_PUBLIC and, unless certB64
// is empty or a virtual-TPM sentinel, parses the certificate and
// checks its SubjectPublicKeyInfo matches byte-for-byte.
func (e *AgentEnroller) checkKeyCertPair(tpmB64, certB64 string) (crypto.PublicKey, []byte, *x509.Certificate, error) {
	if tpmB64 == "" {
		return nil, nil, nil, nil
	}
	pubKey, nameBytes, err := tpm.DecodePublicKey(tpmB64)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", flterrors.ErrInvalidCertificate, err)
	}
	if certB64 == "" || isVirtualSentinel(certB64) {
		return pubKey, nameBytes, nil, nil
	}

	der, err := base64.StdEncoding.DecodeString(certB64)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: decoding certificate: %v", flterrors.ErrInvalidCertificate, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: parsing certificate: %v", flterrors.ErrInvalidCertificate, err)
	}
	matches, err := tpm.SPKIMatchesCertificate(pubKey, cert)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", flterrors.ErrInvalidCertificate, err)
	}
	if !matches {
		return nil, nil, nil, tpm.ErrKeyCertMismatch
	}
	return pubKey, nameBytes, cert, nil
}

// checkAKIAKBinding verifies, when both an AK and an IAK are
// supplied, that iak_attest/iak_sign is a TPM2_Certify attestation
// over the AK signed by the IAK. Returns the AK's Name bytes when the
// check ran, so enroll can reuse it for MakeCredential without
// re-decoding aik_tpm.
func (e *AgentEnroller) checkAKIAKBinding(req api.EnrollRequest) ([]byte, error) {
	if req.AIKTpm == "" || req.IAKTpm == "" {
		return nil, nil
	}
	if req.IAKAttest == "" || req.IAKSign == "" {
		return nil, fmt.Errorf("%w: iak_attest and iak_sign required when both aik_tpm and iak_tpm are supplied", tpm.ErrAKIAKBindFailed)
	}

	iakPub, _, err := tpm.DecodePublicKey(req.IAKTpm)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding iak_tpm: %v", flterrors.ErrInvalidCertificate, err)
	}
	_, akName, err := tpm.DecodePublicKey(req.AIKTpm)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding aik_tpm: %v", flterrors.ErrInvalidCertificate, err)
	}
	certifyInfo, err := base64.StdEncoding.DecodeString(req.IAKAttest)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding iak_attest: %v", flterrors.ErrInvalidCertificate, err)
	}
	sig, err := base64.StdEncoding.DecodeString(req.IAKSign)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding iak_sign: %v", flterrors.ErrInvalidCertificate, err)
	}

	if err := tpm.VerifyCertify(certifyInfo, sig, iakPub, akName); err != nil {
		return nil, err
	}
	return akName, nil
}

// checkRootIdentity enforces the registrar.tpmIdentity policy and the
// rule that supplying an IAK or IDevID public key requires its
// matching certificate.
func (e *AgentEnroller) checkRootIdentity(req api.EnrollRequest) error {
	hasEK := req.EKTpm != ""
	hasIAK := req.IAKTpm != ""
	hasIDevID := req.IDevIDTpm != ""

	switch e.tpmIdentity {
	case TPMIdentityEKCert:
		if !hasEK {
			return fmt.Errorf("%w: tpm_identity=ek_cert requires an EK public key", tpm.ErrMissingRootIdentity)
		}
	case TPMIdentityIAKIDevID:
		if !hasIAK || !hasIDevID {
			return fmt.Errorf("%w: tpm_identity=iak_idevid requires both IAK and IDevID public keys", tpm.ErrMissingRootIdentity)
		}
	default: // "default" and "ek_cert_or_iak_idevid" share the same test
		if !hasEK && !(hasIAK && hasIDevID) {
			return fmt.Errorf("%w: at least an EK, or both an IAK and an IDevID, must be supplied", tpm.ErrMissingRootIdentity)
		}
	}

	if hasIAK && req.IAKCert == "" {
		return fmt.Errorf("%w: iak_tpm supplied without iak_cert", tpm.ErrMissingRootIdentity)
	}
	if hasIDevID && req.IDevIDCert == "" {
		return fmt.Errorf("%w: idevid_tpm supplied without idevid_cert", tpm.ErrMissingRootIdentity)
	}
	return nil
}

// Activate verifies the agent's activation HMAC tag, persists
// active=(tag matches) either way, and logs a warning on mismatch
// (the agent must restart enrollment to get a fresh challenge). It
// returns ErrNotMatched on mismatch so callers can choose how to
// surface it; the HTTP handler responds 200 regardless, per the
// protocol's intent of not telling a prober whether a given tag was
// close.
func (e *AgentEnroller) Activate(ctx context.Context, agentID, authTagB64 string) error {
	agent, err := e.store.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			activationsTotal.WithLabelValues(resultError).Inc()
			return ErrNotFound
		}
		activationsTotal.WithLabelValues(resultError).Inc()
		return err
	}

	matched := e.checkActivationTag(agent, agentID, authTagB64)
	agent.Active = matched
	if err := e.store.Update(ctx, agent); err != nil {
		activationsTotal.WithLabelValues(resultError).Inc()
		return err
	}

	if !matched {
		if e.log != nil {
			e.log.Warnf("activation tag mismatch for agent %s; agent must restart enrollment", agentID)
		}
		activationsTotal.WithLabelValues(resultError).Inc()
		return ErrNotMatched
	}
	activationsTotal.WithLabelValues(resultSuccess).Inc()
	return nil
}

func (e *AgentEnroller) checkActivationTag(agent *model.RegistrarAgent, agentID, authTagB64 string) bool {
	if agent.Key == "" {
		return false
	}
	secret, err := base64.StdEncoding.DecodeString(agent.Key)
	if err != nil {
		return false
	}
	expected, err := tpm.ComputeHMAC(secret, []byte(agentID), e.hmacHashAlg)
	if err != nil {
		return false
	}
	authTag, err := base64.StdEncoding.DecodeString(authTagB64)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, authTag)
}

// Get returns the wire representation of an enrolled agent.
func (e *AgentEnroller) Get(ctx context.Context, agentID string) (*api.RegistrarAgent, error) {
	agent, err := e.store.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toWire(agent), nil
}

// List returns the UUIDs of every enrolled agent matching params.
func (e *AgentEnroller) List(ctx context.Context, params store.ListParams) (*api.AgentListResponse, error) {
	agents, err := e.store.List(ctx, params)
	if err != nil {
		return nil, err
	}
	uuids := make([]string, 0, len(agents))
	for _, a := range agents {
		uuids = append(uuids, a.AgentID)
	}
	return &api.AgentListResponse{UUIDs: uuids}, nil
}

// Delete removes an agent's record.
func (e *AgentEnroller) Delete(ctx context.Context, agentID string) error {
	if _, err := e.store.Get(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return e.store.Delete(ctx, agentID)
}

func toWire(a *model.RegistrarAgent) *api.RegistrarAgent {
	return &api.RegistrarAgent{
		AgentID:            a.AgentID,
		EKTpm:              a.EKTpm,
		AIKTpm:             a.AIKTpm,
		IAKTpm:             a.IAKTpm,
		IDevIDTpm:          a.IDevIDTpm,
		EKCert:             a.EKCert,
		IAKCert:            a.IAKCert,
		IDevIDCert:         a.IDevIDCert,
		Active:             a.Active,
		Virtual:            a.Virtual,
		IP:                 a.IP,
		Port:               a.Port,
		MTLSCert:           a.MTLSCert,
		RegCount:           a.RegCount,
		AcceptAttestations: a.AcceptAttestations,
	}
}
