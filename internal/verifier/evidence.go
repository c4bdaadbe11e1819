package verifier

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/flightctl/attestctl/internal/api"
	"github.com/flightctl/attestctl/internal/store"
	"github.com/flightctl/attestctl/internal/store/model"
	"github.com/flightctl/attestctl/internal/tpm"
	"github.com/flightctl/attestctl/pkg/log"
)

// PCRPolicy pins required exact PCR values. The quote-time tpm_policy
// and the post-replay measured-boot policy are both "a map of PCR
// index to required digest", so a single type serves both.
type PCRPolicy map[int][]byte

// quoteBlob is the wire format for EvidenceRequest.TPMQuote: the
// TPMS_ATTEST bytes, their signature, and the quoted PCR map, together
// so the agent can submit one opaque string per the Registrar/Verifier
// HTTP interface's "tpm_quote (text)" field.
type quoteBlob struct {
	Quoted    []byte            `json:"quoted"`
	Signature []byte            `json:"signature"`
	PCRs      map[string]string `json:"pcrs"`
}

// EvidenceVerifier authenticates a received attestation's quote and
// logs, classifies failures, and evaluates runtime policy.
type EvidenceVerifier struct {
	store         store.Store
	imaPCRIndex   int
	tpmPolicy     PCRPolicy
	mbPolicy      PCRPolicy
	runtimePolicy RuntimePolicy
	log           *log.PrefixLogger
}

// NewEvidenceVerifier builds an EvidenceVerifier. tpmPolicy and
// mbPolicy may be nil/empty, in which case only log-replay-vs-quote
// consistency is checked and no specific PCR values are pinned.
func NewEvidenceVerifier(s store.Store, imaPCRIndex int, tpmPolicy, mbPolicy PCRPolicy, runtimePolicy RuntimePolicy, logger *log.PrefixLogger) *EvidenceVerifier {
	return &EvidenceVerifier{
		store:         s,
		imaPCRIndex:   imaPCRIndex,
		tpmPolicy:     tpmPolicy,
		mbPolicy:      mbPolicy,
		runtimePolicy: runtimePolicy,
		log:           logger,
	}
}

// SubmitEvidence records the agent's quote/log submission and
// transitions the attestation from waiting to received. The caller is
// expected to invoke VerifyEvidence only after the HTTP response has
// been flushed, so verification latency never blocks the agent.
func (v *EvidenceVerifier) SubmitEvidence(ctx context.Context, agentID string, index int, req api.EvidenceRequest) error {
	mbEntries, err := base64.StdEncoding.DecodeString(req.MBEntries)
	if err != nil {
		return fmt.Errorf("decoding mb_entries: %w", err)
	}
	return v.store.Attestations().MarkReceived(ctx, agentID, index, req.TPMQuote, req.IMAEntries, mbEntries)
}

// VerifyEvidence runs the authentication/classification procedure
// against a received attestation and persists its terminal outcome.
func (v *EvidenceVerifier) VerifyEvidence(ctx context.Context, agentID string, index int) error {
	start := time.Now()
	outcome, err := v.verify(ctx, agentID, index)
	verificationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		verificationsTotal.WithLabelValues(resultError).Inc()
		return err
	}
	verificationsTotal.WithLabelValues(outcome).Inc()
	return nil
}

func (v *EvidenceVerifier) verify(ctx context.Context, agentID string, index int) (string, error) {
	agents := v.store.Agents()
	attestations := v.store.Attestations()

	attestation, err := attestations.Get(ctx, agentID, index)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	agent, err := agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	hashAlg, err := tpm.HashAlgByName(attestation.HashAlg)
	if err != nil {
		return "", err
	}
	useSHA256 := hashAlg == crypto.SHA256

	akPub, _, err := tpm.DecodePublicKey(agent.AIKTpm)
	if err != nil {
		return "", err
	}

	var blob quoteBlob
	if err := json.Unmarshal([]byte(attestation.TPMQuote), &blob); err != nil {
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailureQuoteAuthentication, false, nil, nil, 0)
	}

	pcrValues, pcrsByIndex, err := decodeQuotedPCRs(blob.PCRs)
	if err != nil {
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailureQuoteAuthentication, false, nil, nil, 0)
	}

	nonce, err := base64.StdEncoding.DecodeString(attestation.Nonce)
	if err != nil {
		return "", fmt.Errorf("decoding stored nonce: %w", err)
	}

	if err := tpm.AuthenticateQuote(blob.Quoted, blob.Signature, akPub, nonce, pcrValues, hashAlg); err != nil {
		if v.log != nil {
			v.log.Warnf("quote authentication failed for agent %s index %d: %v", agentID, index, err)
		}
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailureQuoteAuthentication, false, nil, nil, 0)
	}

	if !pcrsSatisfy(pcrsByIndex, v.tpmPolicy) {
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailureLogAuthentication, true, nil, pcrsByIndex, 0)
	}

	mbEvents, err := tpm.ParseMBLog(attestation.MBEntries, useSHA256)
	if err != nil {
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailureLogAuthentication, true, nil, pcrsByIndex, 0)
	}
	replayedMB := tpm.ReplayMBLog(mbEvents, useSHA256)
	if !pcrMapMatches(replayedMB, pcrsByIndex) || !pcrsSatisfy(pcrsByIndex, v.mbPolicy) {
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailureLogAuthentication, true, nil, pcrsByIndex, 0)
	}

	imaEntries, err := tpm.ParseIMALog(attestation.IMAEntries)
	if err != nil {
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailureLogAuthentication, true, nil, pcrsByIndex, 0)
	}
	if err := tpm.ValidateBootAggregate(imaEntries, attestation.StartingIMAOffset); err != nil {
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailureLogAuthentication, true, nil, pcrsByIndex, 0)
	}
	replayedIMA := tpm.ReplayIMALog(imaEntries, v.imaPCRIndex, useSHA256)
	if quoted, ok := pcrsByIndex[v.imaPCRIndex]; ok && !bytes.Equal(replayedIMA, quoted) {
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailureLogAuthentication, true, nil, pcrsByIndex, 0)
	}

	learned := decodeLearnedKeyrings(agent.LearnedIMAKeyrings)
	violations, nextLearned := Evaluate(imaEntries, v.runtimePolicy, learned)
	quotedIMACount := len(imaEntries)
	if len(violations) > 0 {
		if v.log != nil {
			v.log.Warnf("policy violations for agent %s index %d: %d entries", agentID, index, len(violations))
		}
		return v.terminal(ctx, agentID, index, agent, attestation, api.FailurePolicyViolation, true, nextLearned, pcrsByIndex, quotedIMACount)
	}

	return v.terminal(ctx, agentID, index, agent, attestation, "", true, nextLearned, pcrsByIndex, quotedIMACount)
}

// terminal persists the classification outcome: the attestation's
// terminal status/failure_type/quoted_ima_entries_count/tpm_pcrs, the
// agent's accept_attestations gate, and — only when the quote itself
// authenticated — the learned IMA keyrings, per the procedure's step
// that those are written only once authentication succeeded.
func (v *EvidenceVerifier) terminal(ctx context.Context, agentID string, index int, agent *model.RegistrarAgent, attestation *model.PushAttestation, failureType string, authenticated bool, nextLearned learnedKeyrings, pcrsByIndex map[int][]byte, quotedIMACount int) (string, error) {
	status := api.AttestationVerified
	outcome := outcomeVerified
	if failureType != "" {
		status = api.AttestationFailed
		outcome = failureType
	}

	pcrsJSON := "{}"
	if authenticated {
		if b, err := json.Marshal(encodePCRMap(pcrsByIndex)); err == nil {
			pcrsJSON = string(b)
		}
	}

	if err := v.store.Attestations().SetTerminal(ctx, agentID, index, status, failureType, quotedIMACount, pcrsJSON); err != nil {
		return "", err
	}

	learnedJSON := agent.LearnedIMAKeyrings
	if authenticated && nextLearned != nil {
		learnedJSON = nextLearned.encode()
	}
	if err := v.store.Agents().UpdateAcceptAttestations(ctx, agentID, failureType == "", learnedJSON); err != nil {
		return "", err
	}

	if failureType == "" {
		if err := v.compactReboot(ctx, agentID, attestation); err != nil {
			return "", err
		}
	}

	return outcome, nil
}

// compactReboot implements the "retain only the last reboot-boundary
// verified record" rule: if the previous verified attestation wasn't
// itself a reboot boundary (starting_ima_offset != 0), it's no longer
// needed once a newer verified record exists, so it is deleted.
func (v *EvidenceVerifier) compactReboot(ctx context.Context, agentID string, current *model.PushAttestation) error {
	rows, err := v.store.Attestations().List(ctx, agentID, store.ListParams{})
	if err != nil {
		return err
	}
	for i := range rows {
		a := &rows[i]
		if a.Index == current.Index || a.Status != api.AttestationVerified {
			continue
		}
		if a.Index < current.Index && a.StartingIMAOffset != 0 {
			return v.store.Attestations().Delete(ctx, agentID, a.Index)
		}
		break
	}
	return nil
}

func decodeQuotedPCRs(raw map[string]string) ([][]byte, map[int][]byte, error) {
	indices := make([]int, 0, len(raw))
	byIndex := make(map[int][]byte, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid pcr index %q", k)
		}
		digest, err := hex.DecodeString(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid pcr digest for index %d: %w", idx, err)
		}
		indices = append(indices, idx)
		byIndex[idx] = digest
	}
	sort.Ints(indices)
	values := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		values = append(values, byIndex[idx])
	}
	return values, byIndex, nil
}

func encodePCRMap(pcrs map[int][]byte) map[string]string {
	out := make(map[string]string, len(pcrs))
	for idx, digest := range pcrs {
		out[strconv.Itoa(idx)] = hex.EncodeToString(digest)
	}
	return out
}

// pcrMapMatches reports whether every PCR index present in replayed
// also appears in quoted with an identical digest.
func pcrMapMatches(replayed, quoted map[int][]byte) bool {
	for idx, digest := range replayed {
		q, ok := quoted[idx]
		if !ok || !bytes.Equal(digest, q) {
			return false
		}
	}
	return true
}

// pcrsSatisfy reports whether every pinned PCR in policy equals the
// corresponding quoted value. An empty/nil policy always satisfies.
func pcrsSatisfy(quoted map[int][]byte, policy PCRPolicy) bool {
	for idx, want := range policy {
		got, ok := quoted[idx]
		if !ok || !bytes.Equal(got, want) {
			return false
		}
	}
	return true
}
