package tpm

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"

	"github.com/google/go-tpm/legacy/tpm2"
)

// tpmGeneratedMagic is the TPM_GENERATED_VALUE marker that every
// genuine TPMS_ATTEST structure begins with.
const tpmGeneratedMagic = 0xff544347

// PCRDigest computes the digest TPM2_Quote would have produced over
// the given ordered PCR values under hashAlg: the concatenation of
// each PCR's value, hashed once.
func PCRDigest(pcrValues [][]byte, hashAlg crypto.Hash) []byte {
	h := hashAlg.New()
	for _, v := range pcrValues {
		h.Write(v)
	}
	return h.Sum(nil)
}

// AuthenticateQuote verifies a TPM2_Quote's signature, nonce binding,
// and PCR digest:
//   - quotedData/signature were produced by signingKey
//   - the quote's ExtraData (qualifying data) equals nonce
//   - the quote's internal PCR digest matches one recomputed from the
//     agent-submitted pcrValues (in PCR-index order, under hashAlg)
func AuthenticateQuote(quotedData, signature []byte, signingKey crypto.PublicKey, nonce []byte, pcrValues [][]byte, hashAlg crypto.Hash) error {
	if err := verifyQuoteSignature(quotedData, signature, signingKey, hashAlg); err != nil {
		return fmt.Errorf("%w: %v", ErrQuoteAuthenticationFailed, err)
	}

	att, err := tpm2.DecodeAttestationData(quotedData)
	if err != nil {
		return fmt.Errorf("%w: decoding attestation data: %v", ErrQuoteAuthenticationFailed, err)
	}
	if att.Magic != tpmGeneratedMagic {
		return fmt.Errorf("%w: not a TPM-generated attestation structure", ErrQuoteAuthenticationFailed)
	}
	if att.Type != tpm2.TagAttestQuote || att.AttestedQuoteInfo == nil {
		return fmt.Errorf("%w: attestation data is not a quote", ErrQuoteAuthenticationFailed)
	}
	if !bytes.Equal([]byte(att.ExtraData), nonce) {
		return fmt.Errorf("%w: quote nonce mismatch", ErrQuoteAuthenticationFailed)
	}

	digest := PCRDigest(pcrValues, hashAlg)
	if !bytes.Equal(digest, []byte(att.AttestedQuoteInfo.PCRDigest)) {
		return fmt.Errorf("%w: PCR digest mismatch", ErrQuoteAuthenticationFailed)
	}

	return nil
}

func verifyQuoteSignature(quotedData, signature []byte, signingKey crypto.PublicKey, hashAlg crypto.Hash) error {
	h := hashAlg.New()
	h.Write(quotedData)
	digest := h.Sum(nil)

	switch key := signingKey.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, hashAlg, digest, signature)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return fmt.Errorf("ecdsa signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported signing key type %T", signingKey)
	}
}

// HashAlgByName maps the hash algorithm names negotiated over the
// wire (negotiate request's supported_hash_algs) to crypto.Hash
// values, shared by quote authentication and HMAC tag computation.
func HashAlgByName(name string) (crypto.Hash, error) {
	switch name {
	case "sha256":
		return crypto.SHA256, nil
	case "sha1":
		return crypto.SHA1, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported hash algorithm %q", name)
	}
}
