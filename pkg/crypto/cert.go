package crypto

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/flightctl/attestctl/internal/flterrors"
)

const certificatePEMType = "CERTIFICATE"

// EncodeCertificatePEM encodes an x509 certificate as a single PEM block.
func EncodeCertificatePEM(cert *x509.Certificate) ([]byte, error) {
	if cert == nil {
		return nil, flterrors.ErrResourceIsNil
	}
	return pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: cert.Raw}), nil
}

// ParseCertificatePEM decodes exactly one PEM-encoded certificate block.
// It rejects inputs with zero or more than one block, since callers use
// it where multiple concatenated certs would indicate a malformed or
// maliciously padded bundle.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, rest := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", flterrors.ErrInvalidCertificate)
	}
	if block.Type != certificatePEMType {
		return nil, fmt.Errorf("%w: unexpected PEM block type %q", flterrors.ErrInvalidCertificate, block.Type)
	}
	if len(trimTrailingWhitespace(rest)) > 0 {
		return nil, fmt.Errorf("%w: trailing data after certificate PEM block", flterrors.ErrInvalidCertificate)
	}
	return x509.ParseCertificate(block.Bytes)
}

func trimTrailingWhitespace(b []byte) []byte {
	i := len(b)
	for i > 0 && (b[i-1] == '\n' || b[i-1] == '\r' || b[i-1] == ' ' || b[i-1] == '\t') {
		i--
	}
	return b[:i]
}
