package tpm

import (
	"crypto/hmac"
	"fmt"
)

// ComputeHMAC computes HMAC(key, message) under the named hash
// algorithm (registrar config key hmacHashAlg, default sha384),
// mirroring the activation tag the agent is expected to produce after
// unwrapping its MakeCredential challenge.
func ComputeHMAC(key, message []byte, hashAlg string) ([]byte, error) {
	alg, err := HashAlgByName(hashAlg)
	if err != nil {
		return nil, err
	}
	if !alg.Available() {
		return nil, fmt.Errorf("hash algorithm %q not linked into binary", hashAlg)
	}
	mac := hmac.New(alg.New, key)
	mac.Write(message)
	return mac.Sum(nil), nil
}
