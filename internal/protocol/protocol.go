/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package protocol implements the wire codec shared by every node.

Frame Format:
=============

	+-----------------+---------------------------+-----------------+
	| Length (4B, BE)  | Metadata JSON line + "\n" | Payload (bytes) |
	+-----------------+---------------------------+-----------------+

Length is the size of everything that follows it (the metadata line plus
the payload), so a reader only ever needs to read the 4-byte prefix to
know how many bytes to pull off the wire next.

Metadata carries the routing and consensus-control fields that every
frame kind needs: source, destination (or a broadcast flag), term, kind,
and the optional round id / observed SNR. Payload is an opaque byte
string whose shape is up to the caller (consensus carries its own
sub-messages there; compression, if used, operates on this slice).

When a payload is compressed, the algorithm that was actually used is
named in Metadata.Compression (empty means none). A sender may compress
nothing even with compression configured, when the payload is smaller
than the configured MinSize, so the receiver cannot assume the sender's
own algorithm and must always consult this field rather than its local
config.

Decode failures (FrameTooShort, BadLength, BadJSON, UnknownKind) are
never fatal: the caller drops the offending frame and keeps reading.
*/
package protocol

import (
	"encoding/binary"
	"encoding/json"

	"consensusrig/internal/wcerrors"
)

// LengthPrefixSize is the size, in bytes, of the big-endian frame length
// prefix.
const LengthPrefixSize = 4

// Kind identifies the purpose of a frame, per spec §4.1.
type Kind string

const (
	KindRequestVote Kind = "REQUEST_VOTE"
	KindVote        Kind = "VOTE"
	KindAppend      Kind = "APPEND"
	KindAppendAck   Kind = "APPEND_ACK"
	KindHeartbeat   Kind = "HEARTBEAT"
	KindSNRReport   Kind = "SNR_REPORT"
	KindGainCmd     Kind = "GAIN_CMD"
	KindExpBegin    Kind = "EXP_BEGIN"
	KindExpEnd      Kind = "EXP_END"
)

var validKinds = map[Kind]bool{
	KindRequestVote: true,
	KindVote:        true,
	KindAppend:      true,
	KindAppendAck:   true,
	KindHeartbeat:   true,
	KindSNRReport:   true,
	KindGainCmd:     true,
	KindExpBegin:    true,
	KindExpEnd:      true,
}

// Metadata is the per-frame header carried as a JSON line ahead of the
// payload.
type Metadata struct {
	Src       int      `json:"src"`
	Dst       int      `json:"dst,omitempty"`
	Broadcast bool     `json:"broadcast,omitempty"`
	Term      uint64   `json:"term"`
	Kind      Kind     `json:"kind"`
	RoundID   *uint64  `json:"round_id,omitempty"`
	SNRDb     *float64 `json:"snr_db,omitempty"`
	// Compression names the algorithm the payload was compressed with
	// ("snappy", "lz4", "zstd", "gzip"), or is empty for an uncompressed
	// payload. A string, not internal/compression's Algorithm, so the
	// wire codec never needs to import the compression package itself.
	Compression string `json:"compression,omitempty"`
}

// Frame is a fully decoded wire frame.
type Frame struct {
	Metadata Metadata
	Payload  []byte
}

// Encode serializes a frame to its on-wire representation: the length
// prefix, the metadata JSON line, then the payload.
func Encode(f Frame) ([]byte, error) {
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return nil, wcerrors.BadJSON(err)
	}

	body := make([]byte, 0, len(meta)+1+len(f.Payload))
	body = append(body, meta...)
	body = append(body, '\n')
	body = append(body, f.Payload...)

	out := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:LengthPrefixSize], uint32(len(body)))
	copy(out[LengthPrefixSize:], body)
	return out, nil
}

// Decode parses a raw datagram into a Frame. Errors are always one of
// wcerrors' Decode-category constructors; callers drop the frame and
// continue rather than propagating.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < LengthPrefixSize {
		return Frame{}, wcerrors.FrameTooShort()
	}

	declared := int(binary.BigEndian.Uint32(raw[:LengthPrefixSize]))
	rest := raw[LengthPrefixSize:]
	if declared != len(rest) {
		return Frame{}, wcerrors.BadLength(declared, len(rest))
	}

	nl := indexByte(rest, '\n')
	if nl < 0 {
		return Frame{}, wcerrors.FrameTooShort()
	}

	var meta Metadata
	if err := json.Unmarshal(rest[:nl], &meta); err != nil {
		return Frame{}, wcerrors.BadJSON(err)
	}
	if !validKinds[meta.Kind] {
		return Frame{}, wcerrors.UnknownKind(string(meta.Kind))
	}

	payload := rest[nl+1:]
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return Frame{Metadata: meta, Payload: payloadCopy}, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
