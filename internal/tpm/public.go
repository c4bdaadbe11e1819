package tpm

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/google/go-tpm/legacy/tpm2"
)

// DecodePublicKey decodes a base64-encoded TPM2B_PUBLIC area and
// returns the crypto.PublicKey it describes together with its raw
// TPM2B_NAME bytes (big-endian name-algorithm ID followed by the
// digest), the form TPM2_MakeCredential and TPM2_Certify address keys
// by.
func DecodePublicKey(b64 string) (crypto.PublicKey, []byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding base64 TPM2B_PUBLIC: %w", err)
	}
	pub, err := tpm2.DecodePublic(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding TPM2B_PUBLIC: %w", err)
	}
	key, err := pub.Key()
	if err != nil {
		return nil, nil, fmt.Errorf("extracting public key: %w", err)
	}
	name, err := pub.Name()
	if err != nil {
		return nil, nil, fmt.Errorf("computing key name: %w", err)
	}
	nameBytes, err := encodeName(name)
	if err != nil {
		return nil, nil, err
	}

	return key, nameBytes, nil
}

// encodeName renders a decoded TPM Name as the raw bytes
// (name-algorithm ID || digest) used to address a key in
// TPM2_MakeCredential and to compare against a TPM2_Certify
// structure's attested key name.
func encodeName(n tpm2.Name) ([]byte, error) {
	if n.Digest == nil {
		return nil, fmt.Errorf("name carries no digest")
	}
	b := make([]byte, 2+len(n.Digest.Value))
	binary.BigEndian.PutUint16(b, uint16(n.Digest.Alg))
	copy(b[2:], n.Digest.Value)
	return b, nil
}

// SPKIMatchesCertificate reports whether pub's SubjectPublicKeyInfo
// encoding matches cert's, byte-for-byte — the EK/AK-to-certificate
// binding check run during enrollment.
func SPKIMatchesCertificate(pub crypto.PublicKey, cert *x509.Certificate) (bool, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return false, fmt.Errorf("marshaling SubjectPublicKeyInfo: %w", err)
	}
	return bytes.Equal(spki, cert.RawSubjectPublicKeyInfo), nil
}
