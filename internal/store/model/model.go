// Package model holds the GORM row types backing internal/store.
package model

import "time"

// RegistrarAgent is the persisted row for an enrolled agent.
type RegistrarAgent struct {
	AgentID      string `gorm:"primaryKey;column:agent_id"`
	EKTpm        string `gorm:"column:ek_tpm"`
	AIKTpm       string `gorm:"column:aik_tpm"`
	IAKTpm       string `gorm:"column:iak_tpm"`
	IDevIDTpm    string `gorm:"column:idevid_tpm"`
	EKCert       string `gorm:"column:ekcert"`
	IAKCert      string `gorm:"column:iak_cert"`
	IDevIDCert   string `gorm:"column:idevid_cert"`
	Key          string `gorm:"column:key"` // one-time HMAC secret, never serialized to clients
	Active       bool   `gorm:"column:active"`
	Virtual      bool   `gorm:"column:virtual"`
	IP           string `gorm:"column:ip"`
	Port         int    `gorm:"column:port"`
	MTLSCert     string `gorm:"column:mtls_cert"`
	RegCount     int    `gorm:"column:regcount"`
	ProviderKeys string `gorm:"column:provider_keys"` // opaque JSON

	// AcceptAttestations gates AttestationCoordinator.Negotiate; written
	// only by EvidenceVerifier once a round has reached a terminal
	// outcome.
	AcceptAttestations bool `gorm:"column:accept_attestations"`
	// LearnedIMAKeyrings is the serialized set of file-hash digests
	// accepted in a prior round whose quote authenticated, carried forward across IMA
	// continuations.
	LearnedIMAKeyrings string `gorm:"column:learned_ima_keyrings"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RegistrarAgent) TableName() string { return "registrar_agents" }

// PushAttestation is the persisted row for one attestation round.
type PushAttestation struct {
	AgentID string `gorm:"primaryKey;column:agent_id"`
	Index   int    `gorm:"primaryKey;column:index"`

	Nonce          string    `gorm:"column:nonce"`
	NonceCreatedAt time.Time `gorm:"column:nonce_created_at"`
	NonceExpiresAt time.Time `gorm:"column:nonce_expires_at"`

	Status      string `gorm:"column:status"`
	FailureType string `gorm:"column:failure_type"`

	Boottime time.Time `gorm:"column:boottime"`

	HashAlg string `gorm:"column:hash_alg"`
	EncAlg  string `gorm:"column:enc_alg"`
	SignAlg string `gorm:"column:sign_alg"`

	StartingIMAOffset     int `gorm:"column:starting_ima_offset"`
	QuotedIMAEntriesCount int `gorm:"column:quoted_ima_entries_count"`

	TPMQuote  string `gorm:"column:tpm_quote"`
	TPMPCRs   string `gorm:"column:tpm_pcrs"` // JSON-encoded map[string]string
	IMAEntries string `gorm:"column:ima_entries"`
	MBEntries  []byte `gorm:"column:mb_entries"`

	EvidenceReceivedAt *time.Time `gorm:"column:evidence_received_at"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PushAttestation) TableName() string { return "push_attestations" }
