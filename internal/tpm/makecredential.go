package tpm

import (
	"crypto"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/go-tpm/legacy/tpm2/credactivation"
)

const (
	// hmacKeyLen is the size in bytes of the HMAC key the registrar
	// generates and wraps for TPM2_MakeCredential/ActivateCredential.
	hmacKeyLen = 32
	// symBlockSize is the AES block size used by the symmetric
	// encryption wrapping the activation secret.
	symBlockSize = 16
)

// GenerateHMACKey produces a random HMAC key to be wrapped via
// MakeCredential and, once the agent proves it can unwrap it, used to
// authenticate the agent's future evidence submissions.
func GenerateHMACKey(rnd io.Reader) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	key := make([]byte, hmacKeyLen)
	if _, err := io.ReadFull(rnd, key); err != nil {
		return nil, fmt.Errorf("generating HMAC key: %w", err)
	}
	return key, nil
}

// MakeCredential wraps secret (the HMAC key) so that only the TPM
// holding the private half of ekPub, and which can prove akNameDigest
// is the Name of a key it holds, can recover it via
// TPM2_ActivateCredential. akNameDigest is the TPM2B_NAME digest
// (nameAlg || hash of the marshaled public area) of the AK the
// credential is bound to.
func MakeCredential(ekPub crypto.PublicKey, akNameDigest []byte, secret []byte) (credBlob, encryptedSecret []byte, err error) {
	if ekPub == nil {
		return nil, nil, fmt.Errorf("no EK public key provided")
	}
	if len(akNameDigest) == 0 {
		return nil, nil, fmt.Errorf("no AK name digest provided")
	}
	credBlob, encryptedSecret, err = credactivation.Generate(akNameDigest, ekPub, symBlockSize, secret)
	if err != nil {
		return nil, nil, fmt.Errorf("generating credential activation challenge: %w", err)
	}
	return credBlob, encryptedSecret, nil
}
