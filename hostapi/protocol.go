// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostapi implements the per-stage-invocation control channel: a
// unix-domain socket carrying length-prefixed, strictly request-response
// messages between a running stage and the engine.
//
// The package is organized around the control channel's data flow:
//
//   - protocol.go: wire format for framed messages
//   - messages.go: request/response payload shapes for each message kind
//   - server.go: engine-side listener and per-connection dispatch
//   - client.go: stage-side connection, used by fetcher/stage test doubles
package hostapi

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Message kind constants for the host API wire format. Each message is
// a 5-byte header (1 byte tag + 4 byte big-endian payload length)
// followed by the payload.
const (
	// KindArguments delivers the stage's parameters. Called exactly
	// once at start; idempotent.
	KindArguments byte = 0x01

	// KindMkdtemp allocates a caller-owned scratch directory inside the
	// current sandbox's temp root.
	KindMkdtemp byte = 0x02

	// KindSource returns a source-type directory so stages can
	// reference blobs by hash.
	KindSource byte = 0x03

	// KindMetadata reports structured metadata to be attached to the
	// produced object.
	KindMetadata byte = 0x04

	// KindLog carries multiplexed logging back to the engine.
	KindLog byte = 0x05

	// KindException signals a structured failure; the stage will exit
	// non-zero afterward.
	KindException byte = 0x06

	// KindError is a server-only response kind for unknown request
	// kinds. The connection is not closed.
	KindError byte = 0x07
)

// cborFlag is set on the high bit of a frame's kind byte to select the
// CBOR-encoded payload form instead of the JSON default. This gives
// stage authors a lower-overhead encoding option without changing the
// wire format's default.
const cborFlag byte = 0x80

// messageHeaderLength is the fixed size of a message header: 1 byte
// kind + 4 bytes payload length.
const messageHeaderLength = 5

// maxPayloadLength bounds a single frame's payload. Host API payloads
// are small structured requests and responses, never bulk data — 1 MiB
// is generous headroom over any legitimate arguments or metadata blob.
const maxPayloadLength = 1 * 1024 * 1024

// Message is a single host API protocol frame.
type Message struct {
	Kind    byte
	CBOR    bool
	Payload []byte
}

// WriteMessage writes a framed message to w.
func WriteMessage(w io.Writer, message Message) error {
	tag := message.Kind
	if message.CBOR {
		tag |= cborFlag
	}

	var header [messageHeaderLength]byte
	header[0] = tag
	binary.BigEndian.PutUint32(header[1:5], uint32(len(message.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write message header: %w", err)
	}
	if len(message.Payload) > 0 {
		if _, err := w.Write(message.Payload); err != nil {
			return fmt.Errorf("write message payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads a framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var header [messageHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, fmt.Errorf("read message header: %w", err)
	}

	tag := header[0]
	cborEncoded := tag&cborFlag != 0
	kind := tag &^ cborFlag

	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return Message{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}

	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("read message payload: %w", err)
		}
	}

	return Message{Kind: kind, CBOR: cborEncoded, Payload: payload}, nil
}

// encodePayload marshals v using CBOR when cborEncoded is true,
// otherwise JSON.
func encodePayload(v any, cborEncoded bool) ([]byte, error) {
	if cborEncoded {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

// decodePayload unmarshals payload into v using CBOR when cborEncoded
// is true, otherwise JSON.
func decodePayload(payload []byte, v any, cborEncoded bool) error {
	if cborEncoded {
		return cbor.Unmarshal(payload, v)
	}
	return json.Unmarshal(payload, v)
}
