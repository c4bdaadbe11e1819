package api

import "time"

// RegistrarAgent is the wire representation of a RegistrarAgent row,
// returned on GET without the HMAC `key` field (which is never
// serialized to clients).
type RegistrarAgent struct {
	AgentID      string `json:"agent_id"`
	EKTpm        string `json:"ek_tpm,omitempty"`
	AIKTpm       string `json:"aik_tpm,omitempty"`
	IAKTpm       string `json:"iak_tpm,omitempty"`
	IDevIDTpm    string `json:"idevid_tpm,omitempty"`
	EKCert       string `json:"ekcert,omitempty"`
	IAKCert      string `json:"iak_cert,omitempty"`
	IDevIDCert   string `json:"idevid_cert,omitempty"`
	Active       bool   `json:"active"`
	Virtual      bool   `json:"virtual"`
	IP           string `json:"ip,omitempty"`
	Port         int    `json:"port,omitempty"`
	MTLSCert     string `json:"mtls_cert,omitempty"`
	RegCount     int    `json:"regcount"`
	AcceptAttestations bool `json:"accept_attestations"`
}

// EnrollRequest is the POST body for Registrar enrollment.
type EnrollRequest struct {
	EKTpm        string `json:"ek_tpm"`
	AIKTpm       string `json:"aik_tpm"`
	IAKTpm       string `json:"iak_tpm,omitempty"`
	IDevIDTpm    string `json:"idevid_tpm,omitempty"`
	EKCert       string `json:"ekcert,omitempty"`
	IAKCert      string `json:"iak_cert,omitempty"`
	IDevIDCert   string `json:"idevid_cert,omitempty"`
	IAKAttest    string `json:"iak_attest,omitempty"`
	IAKSign      string `json:"iak_sign,omitempty"`
	IP           string `json:"ip,omitempty"`
	Port         int    `json:"port,omitempty"`
}

// EnrollResponse carries the base64 MakeCredential challenge blob.
type EnrollResponse struct {
	Blob string `json:"blob"`
}

// ActivateRequest is the POST body for activating a pending agent.
type ActivateRequest struct {
	AuthTag string `json:"auth_tag"`
}

// AgentListResponse is the GET /agents response.
type AgentListResponse struct {
	UUIDs []string `json:"uuids"`
}

// NegotiateRequest is the POST .../attestations (negotiate) body.
type NegotiateRequest struct {
	SupportedHashAlgs []string  `json:"supported_hash_algs"`
	SupportedEncAlgs  []string  `json:"supported_enc_algs"`
	SupportedSignAlgs []string  `json:"supported_sign_algs"`
	Boottime          time.Time `json:"boottime"`
}

// NegotiateResponse returns the nonce, chosen algorithms, and IMA
// offset continuity hint for the next evidence submission.
type NegotiateResponse struct {
	Index             int       `json:"index"`
	Nonce             string    `json:"nonce"`
	NonceCreatedAt    time.Time `json:"nonce_created_at"`
	NonceExpiresAt    time.Time `json:"nonce_expires_at"`
	HashAlg           string    `json:"hash_alg"`
	EncAlg            string    `json:"enc_alg"`
	SignAlg           string    `json:"sign_alg"`
	StartingIMAOffset int       `json:"starting_ima_offset"`
}

// EvidenceRequest is the PUT .../attestations/latest body.
type EvidenceRequest struct {
	TPMQuote          string `json:"tpm_quote"`
	IMAEntries        string `json:"ima_entries"`
	MBEntries         string `json:"mb_entries"`
	StartingIMAOffset int    `json:"starting_ima_offset"`
}

// PushAttestation is the wire representation of a PushAttestation row.
type PushAttestation struct {
	AgentID                string            `json:"agent_id"`
	Index                  int               `json:"index"`
	Status                 string            `json:"status"`
	FailureType            string            `json:"failure_type,omitempty"`
	Boottime               time.Time         `json:"boottime"`
	HashAlg                string            `json:"hash_alg,omitempty"`
	EncAlg                 string            `json:"enc_alg,omitempty"`
	SignAlg                string            `json:"sign_alg,omitempty"`
	StartingIMAOffset      int               `json:"starting_ima_offset"`
	QuotedIMAEntriesCount  int               `json:"quoted_ima_entries_count"`
	TPMPCRs                map[string]string `json:"tpm_pcrs,omitempty"`
	NonceCreatedAt         time.Time         `json:"nonce_created_at"`
	NonceExpiresAt         time.Time         `json:"nonce_expires_at"`
	EvidenceReceivedAt     *time.Time        `json:"evidence_received_at,omitempty"`
}

// Attestation status values.
const (
	AttestationWaiting  = "waiting"
	AttestationReceived = "received"
	AttestationVerified = "verified"
	AttestationFailed   = "failed"
)

// Failure classification values.
const (
	FailureQuoteAuthentication = "quote_authentication"
	FailureLogAuthentication   = "log_authentication"
	FailurePolicyViolation     = "policy_violation"
)
