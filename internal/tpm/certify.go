package tpm

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/google/go-tpm/legacy/tpm2"
)

// VerifyCertify checks that signature authenticates certifyInfo (a
// TPM2_Certify TPMS_ATTEST structure) under signingPubKey and that the
// structure certifies a key whose Name equals certifiedName — the
// IAK-to-AK binding check run during enrollment when an agent submits
// both an AK and an IAK.
func VerifyCertify(certifyInfo, signature []byte, signingPubKey crypto.PublicKey, certifiedName []byte) error {
	if err := verifyTPM2CertifySignature(certifyInfo, signature, signingPubKey); err != nil {
		return fmt.Errorf("%w: %v", ErrAKIAKBindFailed, err)
	}

	att, err := tpm2.DecodeAttestationData(certifyInfo)
	if err != nil {
		return fmt.Errorf("%w: decoding certify attestation: %v", ErrAKIAKBindFailed, err)
	}
	if att.Magic != tpmGeneratedMagic {
		return fmt.Errorf("%w: not a TPM-generated attestation structure", ErrAKIAKBindFailed)
	}
	if att.Type != tpm2.TagAttestCertify || att.AttestedCertifyInfo == nil {
		return fmt.Errorf("%w: attestation data is not a certify structure", ErrAKIAKBindFailed)
	}

	name, err := encodeName(att.AttestedCertifyInfo.Name)
	if err != nil {
		return fmt.Errorf("%w: decoding certified key name: %v", ErrAKIAKBindFailed, err)
	}
	if !bytes.Equal(name, certifiedName) {
		return fmt.Errorf("%w: certify attestation names a different key", ErrAKIAKBindFailed)
	}
	return nil
}

// verifyTPM2CertifySignature checks that signature is a valid
// signature over the SHA-256 digest of certifyInfo (the marshaled
// TPMS_ATTEST structure returned by TPM2_Certify) under signingPubKey.
func verifyTPM2CertifySignature(certifyInfo, signature []byte, signingPubKey crypto.PublicKey) error {
	digest := sha256.Sum256(certifyInfo)

	switch key := signingPubKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
			return fmt.Errorf("rsa signature verification failed: %w", err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return fmt.Errorf("ecdsa signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported signing key type %T", signingPubKey)
	}
}
