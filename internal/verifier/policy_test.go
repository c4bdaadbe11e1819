package verifier

import (
	"testing"

	"github.com/flightctl/attestctl/internal/tpm"
	"github.com/stretchr/testify/require"
)

func TestEvaluateAllowlistAndLearning(t *testing.T) {
	allowed := tpm.IMAEntry{Path: "/usr/bin/good", FileHash: []byte{0x01, 0x02}}
	unknown := tpm.IMAEntry{Path: "/usr/bin/bad", FileHash: []byte{0x03, 0x04}}

	policy := RuntimePolicy{
		Allowlist:       map[string]struct{}{"0102": {}},
		TrustedKeyrings: map[string]struct{}{},
	}

	violations, learned := Evaluate([]tpm.IMAEntry{allowed, unknown}, policy, learnedKeyrings{})
	require.Len(t, violations, 1)
	require.Equal(t, "/usr/bin/bad", violations[0].Path)
	_, ok := learned["0102"]
	require.True(t, ok)
	_, ok = learned["0304"]
	require.False(t, ok)
}

func TestEvaluateLearnedEntryNoLongerViolates(t *testing.T) {
	entry := tpm.IMAEntry{Path: "/usr/bin/once-seen", FileHash: []byte{0xaa, 0xbb}}
	policy := RuntimePolicy{Allowlist: map[string]struct{}{}, TrustedKeyrings: map[string]struct{}{}}

	learned := learnedKeyrings{"aabb": {}}
	violations, next := Evaluate([]tpm.IMAEntry{entry}, policy, learned)
	require.Empty(t, violations)
	_, ok := next["aabb"]
	require.True(t, ok)
}

func TestLearnedKeyringsEncodeDecodeRoundTrip(t *testing.T) {
	k := learnedKeyrings{"aa": {}, "bb": {}}
	serialized := k.encode()

	decoded := decodeLearnedKeyrings(serialized)
	require.Len(t, decoded, 2)
	_, ok := decoded["aa"]
	require.True(t, ok)
	_, ok = decoded["bb"]
	require.True(t, ok)
}

func TestDecodeLearnedKeyringsEmptyAndInvalid(t *testing.T) {
	require.Empty(t, decodeLearnedKeyrings(""))
	require.Empty(t, decodeLearnedKeyrings("not json"))
}
