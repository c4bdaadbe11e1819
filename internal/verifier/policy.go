package verifier

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/flightctl/attestctl/internal/tpm"
)

// RuntimePolicy is the data-measurement policy evaluated against an
// agent's IMA entries: an allowlist of known-good file-hash digests
// plus a set of trusted signing-key hashes learned over time.
type RuntimePolicy struct {
	Allowlist       map[string]struct{}
	TrustedKeyrings map[string]struct{}
}

// PolicyViolation is one IMA entry that matched neither the allowlist
// nor a previously learned keyring.
type PolicyViolation struct {
	Path   string
	Reason string
}

// learnedKeyrings is the per-agent set of file-hash digests accepted
// in a prior round, serialized into RegistrarAgent.LearnedIMAKeyrings
// so an allowlist miss that already passed once doesn't re-fail on
// every subsequent round. EvidenceVerifier writes it back whenever the
// round's quote authenticated, including rounds that end in a policy
// violation.
type learnedKeyrings map[string]struct{}

func decodeLearnedKeyrings(serialized string) learnedKeyrings {
	out := learnedKeyrings{}
	if serialized == "" {
		return out
	}
	var list []string
	if err := json.Unmarshal([]byte(serialized), &list); err != nil {
		return out
	}
	for _, h := range list {
		out[h] = struct{}{}
	}
	return out
}

func (k learnedKeyrings) encode() string {
	list := make([]string, 0, len(k))
	for h := range k {
		list = append(list, h)
	}
	sort.Strings(list)
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Evaluate checks each IMA entry against policy's allowlist and the
// previously learned keyrings, returning every violation found (the
// accumulate-errors shape used throughout this module's validation
// code, rather than failing on the first mismatch). Entries that pass
// are folded into the returned learned set so a caller can persist it
// back onto the agent row once the round's quote has authenticated.
func Evaluate(entries []tpm.IMAEntry, policy RuntimePolicy, learned learnedKeyrings) ([]PolicyViolation, learnedKeyrings) {
	next := learnedKeyrings{}
	for h := range learned {
		next[h] = struct{}{}
	}

	var violations []PolicyViolation
	for _, e := range entries {
		digest := hex.EncodeToString(e.FileHash)
		if tpm.MatchesKeyring(e, policy.Allowlist) {
			next[digest] = struct{}{}
			continue
		}
		if _, ok := policy.TrustedKeyrings[digest]; ok {
			next[digest] = struct{}{}
			continue
		}
		if _, ok := learned[digest]; ok {
			continue
		}
		violations = append(violations, PolicyViolation{Path: e.Path, Reason: "measurement not present in allowlist or learned keyrings"})
	}
	return violations, next
}
