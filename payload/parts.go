// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package payload

import (
	"encoding/binary"
	"fmt"
)

// Part is a single chunk of a streamed proposal: an index within the
// proposal's part sequence, the raw bytes at that index, and whether it is
// the terminal part for its (height, round) slot.
type Part struct {
	Index  uint32
	Data   []byte
	IsLast bool
}

// partHeaderSize is index(4) + length(4) + isLast(1).
const partHeaderSize = 4 + 4 + 1

// EncodeParts serializes parts as a back-to-back sequence of
// (index uint32 LE, length uint32 LE, data, isLast byte) records: a flat
// single-buffer framing for a full Part sequence, for callers that capture
// or replay one outside the adapter's own per-part event delivery.
func EncodeParts(parts []Part) []byte {
	size := 0
	for _, p := range parts {
		size += partHeaderSize + len(p.Data)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], p.Index)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(p.Data)))
		out = append(out, hdr[:]...)
		out = append(out, p.Data...)
		if p.IsLast {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}
	return out
}

// DecodeParts parses the framing EncodeParts produces. It fails on a
// truncated header, a length that runs past the end of buf, or an invalid
// isLast byte: any malformed stream is rejected rather than partially
// accepted.
func DecodeParts(buf []byte) ([]Part, error) {
	var parts []Part
	off := 0
	for off < len(buf) {
		if off+partHeaderSize > len(buf) {
			return nil, fmt.Errorf("part header truncated at offset %d", off)
		}
		index := binary.LittleEndian.Uint32(buf[off : off+4])
		length := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		off += 8
		if off+int(length) > len(buf) {
			return nil, fmt.Errorf("part %d data truncated: want %d bytes at offset %d", index, length, off)
		}
		data := append([]byte(nil), buf[off:off+int(length)]...)
		off += int(length)
		if off >= len(buf) {
			return nil, fmt.Errorf("part %d missing isLast byte", index)
		}
		isLastByte := buf[off]
		off++
		if isLastByte != 0 && isLastByte != 1 {
			return nil, fmt.Errorf("part %d has invalid isLast byte %d", index, isLastByte)
		}
		parts = append(parts, Part{Index: index, Data: data, IsLast: isLastByte == 1})
	}
	return parts, nil
}
