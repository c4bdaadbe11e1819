package tpm

import (
	"bufio"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// IMAEntry is one line of the IMA ASCII measurement log: a PCR
// extension plus the template data it was computed from.
type IMAEntry struct {
	PCR          int
	TemplateHash []byte
	TemplateName string
	FileHashAlg  string
	FileHash     []byte
	Path         string
}

// ParseIMALog parses the IMA ASCII template log format emitted by
// /sys/kernel/security/ima/ascii_runtime_measurements:
//
//	<pcr> <template-hash-hex> <template-name> <algo>:<filehash-hex> <path> [<sig>]
func ParseIMALog(log string) ([]IMAEntry, error) {
	var entries []IMAEntry
	scanner := bufio.NewScanner(strings.NewReader(log))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 5 {
			return nil, fmt.Errorf("ima log line %d: expected at least 5 fields, got %d", line, len(fields))
		}

		var pcr int
		if _, err := fmt.Sscanf(fields[0], "%d", &pcr); err != nil {
			return nil, fmt.Errorf("ima log line %d: invalid PCR index %q", line, fields[0])
		}

		templateHash, err := hex.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("ima log line %d: invalid template hash: %w", line, err)
		}

		algHash := strings.SplitN(fields[3], ":", 2)
		var alg, fileHashHex string
		if len(algHash) == 2 {
			alg, fileHashHex = algHash[0], algHash[1]
		} else {
			alg, fileHashHex = "sha1", algHash[0]
		}
		fileHash, err := hex.DecodeString(fileHashHex)
		if err != nil {
			return nil, fmt.Errorf("ima log line %d: invalid file hash: %w", line, err)
		}

		entries = append(entries, IMAEntry{
			PCR:          pcr,
			TemplateHash: templateHash,
			TemplateName: fields[2],
			FileHashAlg:  alg,
			FileHash:     fileHash,
			Path:         fields[4],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning ima log: %w", err)
	}
	return entries, nil
}

// ReplayIMALog extends a synthetic PCR (seeded with zero) with every
// entry's template hash, in order, and returns the resulting digest
// under the quote's hash algorithm. Callers compare the result
// against the corresponding entry in the quoted PCR map (default PCR
// 10).
func ReplayIMALog(entries []IMAEntry, pcrIndex int, useSHA256 bool) []byte {
	size := sha1.Size
	if useSHA256 {
		size = sha256.Size
	}
	pcr := make([]byte, size)

	for _, e := range entries {
		if e.PCR != pcrIndex {
			continue
		}
		pcr = extendPCR(pcr, e.TemplateHash, useSHA256)
	}
	return pcr
}

func extendPCR(current, event []byte, useSHA256 bool) []byte {
	if useSHA256 {
		h := sha256.New()
		h.Write(current)
		h.Write(event)
		return h.Sum(nil)
	}
	h := sha1.New()
	h.Write(current)
	h.Write(event)
	return h.Sum(nil)
}

// ValidateBootAggregate enforces that when startingIMAOffset is 0 (the
// agent's first batch of entries since boot), the first entry must be
// a boot_aggregate measurement.
func ValidateBootAggregate(entries []IMAEntry, startingIMAOffset int) error {
	if startingIMAOffset != 0 {
		return nil
	}
	if len(entries) == 0 {
		return nil
	}
	if !strings.Contains(entries[0].Path, "boot_aggregate") {
		return fmt.Errorf("%w: first IMA entry since boot must be boot_aggregate, got %q", ErrLogAuthenticationFailed, entries[0].Path)
	}
	return nil
}

// MatchesKeyring reports whether the entry's file hash is present in
// the provided allowlist of hex-encoded digests, used to evaluate
// runtime policy against the IMA allowlist and trusted signing keyrings.
func MatchesKeyring(entry IMAEntry, allowlist map[string]struct{}) bool {
	_, ok := allowlist[strings.ToLower(hex.EncodeToString(entry.FileHash))]
	return ok
}
