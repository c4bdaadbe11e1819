package tpm

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"encoding/pem"
	"fmt"
)

// TCG PC Client Platform TPM Profile Specification v1.05 Rev 14,
// Section 7.3.2: certificates stored in TPM NVRAM are prefixed with a
// 0x1001 tag and a big-endian uint16 length.
var (
	nvramCertPrefix       = []byte{0x10, 0x01}
	nvramCertPrefixLength = len(nvramCertPrefix)
	nvramCertHeaderLength = nvramCertPrefixLength + 2
)

// ParseEKCertificate parses an EK certificate submitted by an agent,
// unwrapping the TCG NVRAM header if present and falling back from
// DER to PEM decoding.
func ParseEKCertificate(ekCert []byte) (*x509.Certificate, error) {
	var isWrapped bool

	if len(ekCert) > nvramCertHeaderLength && bytes.Equal(ekCert[:nvramCertPrefixLength], nvramCertPrefix) {
		certLen := int(binary.BigEndian.Uint16(ekCert[nvramCertPrefixLength:nvramCertHeaderLength]))
		if len(ekCert) < certLen+nvramCertHeaderLength {
			return nil, fmt.Errorf("parsing nvram header: ekCert size %d smaller than specified cert length %d", len(ekCert), certLen)
		}
		ekCert = ekCert[nvramCertHeaderLength : certLen+nvramCertHeaderLength]
		isWrapped = true
	}

	cert, err := x509.ParseCertificate(ekCert)
	if err != nil {
		if !isWrapped {
			if block, _ := pem.Decode(ekCert); block != nil && block.Type == "CERTIFICATE" {
				if cert, err = x509.ParseCertificate(block.Bytes); err == nil {
					return cert, nil
				}
			}
		}
		return nil, fmt.Errorf("failed to parse EK certificate as DER or PEM: %w", err)
	}
	return cert, nil
}

// tpmCriticalExtensionOIDs lists x509 extensions that TPM vendor EK
// certificates commonly mark critical with vendor-specific content Go's
// x509 parser does not recognize, and which chain validation should
// not reject on that basis alone.
var tpmCriticalExtensionOIDs = []asn1.ObjectIdentifier{
	{2, 5, 29, 17}, // Subject Alternative Name
	{2, 5, 29, 19}, // Basic Constraints
}

// ValidateEKCertificateChain validates an EK certificate against
// roots, tolerating the TPM-specific critical extensions above.
// Config-gated, off by default since most deployments don't carry a
// manufacturer root bundle.
func ValidateEKCertificateChain(cert *x509.Certificate, roots *x509.CertPool) error {
	original := append([]asn1.ObjectIdentifier(nil), cert.UnhandledCriticalExtensions...)
	cert.UnhandledCriticalExtensions = filterKnownTPMExtensions(original)

	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})

	cert.UnhandledCriticalExtensions = original
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedCert, err)
	}
	return nil
}

func filterKnownTPMExtensions(exts []asn1.ObjectIdentifier) []asn1.ObjectIdentifier {
	filtered := make([]asn1.ObjectIdentifier, 0, len(exts))
	for _, oid := range exts {
		known := false
		for _, knownOID := range tpmCriticalExtensionOIDs {
			if oid.Equal(knownOID) {
				known = true
				break
			}
		}
		if !known {
			filtered = append(filtered, oid)
		}
	}
	return filtered
}
