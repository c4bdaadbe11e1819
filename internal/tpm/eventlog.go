package tpm

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// mbPCRCount is the number of PCRs (0-7) a UEFI measured-boot log
// extends into.
const mbPCRCount = 8

// MBEvent is one TCG_PCR_EVENT2 entry from a measured-boot log.
type MBEvent struct {
	PCRIndex  int
	EventType uint32
	Digest    []byte
}

// ParseMBLog parses a binary TCG PC Client event log (the "crypto
// agile" TCG_PCR_EVENT2 format) into its constituent events. Only the
// digest matching useSHA256 is kept per event; events carrying other
// algorithms are skipped.
func ParseMBLog(log []byte, useSHA256 bool) ([]MBEvent, error) {
	r := newByteReader(log)
	var events []MBEvent

	for r.remaining() > 0 {
		var pcrIndex, eventType uint32
		if err := r.readUint32(&pcrIndex); err != nil {
			break // trailing padding
		}
		if err := r.readUint32(&eventType); err != nil {
			return nil, fmt.Errorf("reading event type: %w", err)
		}

		var digestCount uint32
		if err := r.readUint32(&digestCount); err != nil {
			return nil, fmt.Errorf("reading digest count: %w", err)
		}

		var matched []byte
		for i := uint32(0); i < digestCount; i++ {
			var algID uint16
			if err := r.readUint16(&algID); err != nil {
				return nil, fmt.Errorf("reading algorithm id: %w", err)
			}
			size := sha1.Size
			isSHA256 := algID == tpmAlgSHA256
			if isSHA256 {
				size = sha256.Size
			}
			digest, err := r.readBytes(size)
			if err != nil {
				return nil, fmt.Errorf("reading digest: %w", err)
			}
			if isSHA256 == useSHA256 {
				matched = digest
			}
		}

		var eventSize uint32
		if err := r.readUint32(&eventSize); err != nil {
			return nil, fmt.Errorf("reading event size: %w", err)
		}
		if _, err := r.readBytes(int(eventSize)); err != nil {
			return nil, fmt.Errorf("reading event data: %w", err)
		}

		if matched != nil {
			events = append(events, MBEvent{PCRIndex: int(pcrIndex), EventType: eventType, Digest: matched})
		}
	}

	return events, nil
}

// tpmAlgSHA256 is the TCG TPM_ALG_ID value for SHA-256.
const tpmAlgSHA256 = 0x000B

// ReplayMBLog extends synthetic PCRs 0-7 (seeded to zero) with every
// event's digest, in log order, and returns the resulting PCR map.
// Callers compare the result, PCR by PCR, against the quoted PCR map.
func ReplayMBLog(events []MBEvent, useSHA256 bool) map[int][]byte {
	size := sha1.Size
	if useSHA256 {
		size = sha256.Size
	}
	pcrs := make(map[int][]byte, mbPCRCount)
	for i := 0; i < mbPCRCount; i++ {
		pcrs[i] = make([]byte, size)
	}

	for _, e := range events {
		if e.PCRIndex < 0 || e.PCRIndex >= mbPCRCount {
			continue
		}
		pcrs[e.PCRIndex] = extendPCR(pcrs[e.PCRIndex], e.Digest, useSHA256)
	}
	return pcrs
}

type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{buf: b} }

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) readUint32(out *uint32) error {
	if r.remaining() < 4 {
		return io.ErrUnexpectedEOF
	}
	*out = binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return nil
}

func (r *byteReader) readUint16(out *uint16) error {
	if r.remaining() < 2 {
		return io.ErrUnexpectedEOF
	}
	*out = binary.LittleEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return nil
}

func (r *byteReader) readBytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
