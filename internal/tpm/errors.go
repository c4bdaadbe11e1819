package tpm

import "errors"

var (
	// ErrManufacturerCACertsNotConfigured is returned by VerifyChain when
	// the verifier has no manufacturer CA certificates loaded.
	ErrManufacturerCACertsNotConfigured = errors.New("tpm: no manufacturer CA certificates configured")

	// ErrKeyCertMismatch indicates a certified public key does not match
	// the public key embedded in its certificate.
	ErrKeyCertMismatch = errors.New("tpm: certified key does not match certificate public key")

	// ErrAKIAKBindFailed indicates TPM2_Certify evidence binding the LAK
	// or LDevID to the IAK failed to verify.
	ErrAKIAKBindFailed = errors.New("tpm: failed to verify key binding via TPM2_Certify")

	// ErrUntrustedCert indicates a certificate did not chain to any
	// configured trust root.
	ErrUntrustedCert = errors.New("tpm: certificate does not chain to a trusted root")

	// ErrMissingRootIdentity indicates an agent has no EK certificate or
	// other root-of-trust identity on record.
	ErrMissingRootIdentity = errors.New("tpm: agent has no root identity on record")

	// ErrQuoteAuthenticationFailed indicates a TPM quote's signature, PCR
	// digest, or nonce did not authenticate.
	ErrQuoteAuthenticationFailed = errors.New("tpm: quote authentication failed")

	// ErrLogAuthenticationFailed indicates a measured-boot or IMA log
	// failed to replay into the quoted PCR values.
	ErrLogAuthenticationFailed = errors.New("tpm: log authentication failed")
)
