// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hostapi

import (
	"encoding/json"
	"fmt"
	"net"
)

// Client is the stage-side connection to a Server. Stage and fetcher
// binaries are separate processes from the engine; Client is used by
// internal/fakestage's test doubles to exercise the wire protocol the
// way a real stage would.
type Client struct {
	conn net.Conn
	cbor bool
}

// Dial connects to a host API socket. When useCBOR is true, all
// requests are sent CBOR-encoded instead of the JSON default.
func Dial(socketPath string, useCBOR bool) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing host api socket %s: %w", socketPath, err)
	}
	return &Client{conn: conn, cbor: useCBOR}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(kind byte, request, response any) error {
	var payload []byte
	if request != nil {
		encoded, err := encodePayload(request, c.cbor)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = encoded
	}

	if err := WriteMessage(c.conn, Message{Kind: kind, CBOR: c.cbor, Payload: payload}); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	reply, err := ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if reply.Kind == KindError {
		var errResp ErrorResponse
		if err := decodePayload(reply.Payload, &errResp, reply.CBOR); err != nil {
			return fmt.Errorf("server returned an error response that could not be decoded: %w", err)
		}
		return fmt.Errorf("host api error: %s", errResp.Error)
	}

	if response != nil {
		if err := decodePayload(reply.Payload, response, reply.CBOR); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Arguments requests the stage's delivered parameters.
func (c *Client) Arguments() (ArgumentsResponse, error) {
	var resp ArgumentsResponse
	err := c.call(KindArguments, nil, &resp)
	return resp, err
}

// Mkdtemp allocates a scratch directory under the given prefix.
func (c *Client) Mkdtemp(prefix string) (string, error) {
	var resp MkdtempResponse
	err := c.call(KindMkdtemp, MkdtempRequest{Prefix: prefix}, &resp)
	return resp.Path, err
}

// Source resolves a source-type directory.
func (c *Client) Source(sourceType string) (string, error) {
	var resp SourceResponse
	err := c.call(KindSource, SourceRequest{Type: sourceType}, &resp)
	return resp.Path, err
}

// Metadata reports structured metadata for the object being produced.
func (c *Client) Metadata(obj json.RawMessage) error {
	return c.call(KindMetadata, MetadataRequest{Obj: obj}, &EmptyResponse{})
}

// Log sends a multiplexed log line.
func (c *Client) Log(stream LogStream, text string) error {
	return c.call(KindLog, LogRequest{Stream: stream, Text: text}, &EmptyResponse{})
}

// Exception reports a structured failure signal.
func (c *Client) Exception(kind, message string) error {
	return c.call(KindException, ExceptionRequest{Kind: kind, Message: message}, &EmptyResponse{})
}
