// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hostapi

import "encoding/json"

// ArgumentsResponse delivers a stage's parameters, the response to a
// KindArguments request.
type ArgumentsResponse struct {
	// Tree is the path, inside the sandbox, of the writable build tree
	// the stage should modify.
	Tree string `json:"tree"`

	// Inputs maps each declared input's name to the path, inside the
	// sandbox, of its materialized read-only directory.
	Inputs map[string]string `json:"inputs"`

	// Options is the stage's options object from the manifest, passed
	// through unmodified.
	Options json.RawMessage `json:"options"`

	// Meta carries engine-supplied context outside the manifest
	// (currently just the object identifier being produced, for stages
	// that want to self-report progress against it).
	Meta json.RawMessage `json:"meta,omitempty"`
}

// MkdtempRequest is the payload of a KindMkdtemp request.
type MkdtempRequest struct {
	Prefix string `json:"prefix"`
}

// MkdtempResponse is the payload of a KindMkdtemp response.
type MkdtempResponse struct {
	Path string `json:"path"`
}

// SourceRequest is the payload of a KindSource request.
type SourceRequest struct {
	Type string `json:"type"`
}

// SourceResponse is the payload of a KindSource response.
type SourceResponse struct {
	Path string `json:"path"`
}

// MetadataRequest is the payload of a KindMetadata request. Obj is
// opaque to the host API server — it is persisted verbatim as the
// produced object's metadata sidecar.
type MetadataRequest struct {
	Obj json.RawMessage `json:"obj"`
}

// LogStream identifies which of a stage's output streams a log frame
// carries, per the log-multiplexing detail: the server prepends the
// owning stage's identifier when persisting to the engine's log sink.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
	LogStreamAPI    LogStream = "api"
)

// LogRequest is the payload of a KindLog request.
type LogRequest struct {
	Stream LogStream `json:"stream"`
	Text   string    `json:"text"`
}

// ExceptionRequest is the payload of a KindException request. The
// stage is expected to exit non-zero after sending this.
type ExceptionRequest struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// EmptyResponse is returned by handlers (metadata, log, exception) that
// return no data beyond acknowledgement.
type EmptyResponse struct{}

// ErrorResponse is the payload of a KindError response, sent when the
// server receives an unrecognized message kind. The connection is not
// closed.
type ErrorResponse struct {
	Error string `json:"error"`
}
