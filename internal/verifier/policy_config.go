package verifier

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// policyFile is the on-disk JSON shape for an operator-supplied
// runtime/PCR policy, loaded once at startup the same way
// registrar.AgentEnroller's trust-store paths are loaded from config
// rather than hardcoded.
type policyFile struct {
	Allowlist       []string          `json:"allowlist"`
	TrustedKeyrings []string          `json:"trusted_keyrings"`
	TPMPolicy       map[string]string `json:"tpm_policy"`
	MBPolicy        map[string]string `json:"mb_policy"`
}

// LoadPolicyFile reads path and returns the RuntimePolicy plus the two
// PCRPolicy pin sets (quote-time and measured-boot). An empty path
// yields an empty policy: no PCR pins, no allowlist entries, so only
// previously learned measurements pass.
func LoadPolicyFile(path string) (RuntimePolicy, PCRPolicy, PCRPolicy, error) {
	if path == "" {
		return RuntimePolicy{Allowlist: map[string]struct{}{}, TrustedKeyrings: map[string]struct{}{}}, PCRPolicy{}, PCRPolicy{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return RuntimePolicy{}, nil, nil, fmt.Errorf("reading policy file: %w", err)
	}
	var pf policyFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return RuntimePolicy{}, nil, nil, fmt.Errorf("parsing policy file: %w", err)
	}

	policy := RuntimePolicy{
		Allowlist:       toSet(pf.Allowlist),
		TrustedKeyrings: toSet(pf.TrustedKeyrings),
	}

	tpmPolicy, err := toPCRPolicy(pf.TPMPolicy)
	if err != nil {
		return RuntimePolicy{}, nil, nil, fmt.Errorf("tpm_policy: %w", err)
	}
	mbPolicy, err := toPCRPolicy(pf.MBPolicy)
	if err != nil {
		return RuntimePolicy{}, nil, nil, fmt.Errorf("mb_policy: %w", err)
	}

	return policy, tpmPolicy, mbPolicy, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, h := range items {
		out[h] = struct{}{}
	}
	return out
}

func toPCRPolicy(raw map[string]string) (PCRPolicy, error) {
	out := make(PCRPolicy, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid pcr index %q", k)
		}
		digest, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid pcr digest for index %d: %w", idx, err)
		}
		out[idx] = digest
	}
	return out, nil
}
