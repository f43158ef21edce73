// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kilnbuild/kiln/internal/testutil"
)

// fakeHandler records calls and returns canned responses, standing in
// for pipeline.Executor in tests.
type fakeHandler struct {
	mu         sync.Mutex
	metadata   []json.RawMessage
	logs       []LogRequest
	exceptions []ExceptionRequest
}

func (h *fakeHandler) Arguments(ctx context.Context) (ArgumentsResponse, error) {
	return ArgumentsResponse{
		Tree:    "/run/kiln/tree",
		Inputs:  map[string]string{"base": "/run/kiln/inputs/base"},
		Options: json.RawMessage(`{"key":"value"}`),
	}, nil
}

func (h *fakeHandler) Mkdtemp(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("prefix is required")
	}
	return "/run/kiln/tmp/" + prefix + "-1", nil
}

func (h *fakeHandler) Source(ctx context.Context, sourceType string) (string, error) {
	return "/kiln/store/sources/" + sourceType, nil
}

func (h *fakeHandler) Metadata(ctx context.Context, obj json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata = append(h.metadata, obj)
	return nil
}

func (h *fakeHandler) Log(ctx context.Context, stream LogStream, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, LogRequest{Stream: stream, Text: text})
	return nil
}

func (h *fakeHandler) Exception(ctx context.Context, kind, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exceptions = append(h.exceptions, ExceptionRequest{Kind: kind, Message: message})
	return nil
}

func startTestServer(t *testing.T, handler Handler) (socketPath string, wait func() error) {
	t.Helper()
	socketPath = filepath.Join(testutil.SocketDir(t), "api.sock")

	server, err := NewServer(ServerConfig{SocketPath: socketPath, Handler: handler})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	t.Cleanup(cancel)

	// Wait for the socket file to appear before the client dials, without
	// opening a probe connection ourselves — Serve accepts exactly one
	// connection per invocation, and a throwaway probe would consume it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return socketPath, func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			return fmt.Errorf("server did not exit")
		}
	}
}

func TestArgumentsRoundTrip(t *testing.T) {
	socketPath, _ := startTestServer(t, &fakeHandler{})

	client, err := Dial(socketPath, false)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	args, err := client.Arguments()
	if err != nil {
		t.Fatalf("Arguments failed: %v", err)
	}
	if args.Tree != "/run/kiln/tree" {
		t.Errorf("expected tree path, got %q", args.Tree)
	}
	if args.Inputs["base"] != "/run/kiln/inputs/base" {
		t.Errorf("expected input path, got %v", args.Inputs)
	}
}

func TestMkdtempAndSourceRoundTrip(t *testing.T) {
	socketPath, _ := startTestServer(t, &fakeHandler{})

	client, err := Dial(socketPath, false)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	path, err := client.Mkdtemp("build")
	if err != nil {
		t.Fatalf("Mkdtemp failed: %v", err)
	}
	if path != "/run/kiln/tmp/build-1" {
		t.Errorf("unexpected mkdtemp path: %s", path)
	}

	sourcePath, err := client.Source("files")
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	if sourcePath != "/kiln/store/sources/files" {
		t.Errorf("unexpected source path: %s", sourcePath)
	}
}

func TestMkdtempPropagatesHandlerError(t *testing.T) {
	socketPath, _ := startTestServer(t, &fakeHandler{})

	client, err := Dial(socketPath, false)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if _, err := client.Mkdtemp(""); err == nil {
		t.Fatal("expected error for empty prefix")
	}
}

func TestMetadataLogAndExceptionAreRecorded(t *testing.T) {
	handler := &fakeHandler{}
	socketPath, _ := startTestServer(t, handler)

	client, err := Dial(socketPath, false)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if err := client.Metadata(json.RawMessage(`{"size":1}`)); err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if err := client.Log(LogStreamStdout, "building"); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := client.Exception("ValueError", "boom"); err != nil {
		t.Fatalf("Exception failed: %v", err)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.metadata) != 1 || string(handler.metadata[0]) != `{"size":1}` {
		t.Errorf("expected metadata to be recorded, got %v", handler.metadata)
	}
	if len(handler.logs) != 1 || handler.logs[0].Text != "building" {
		t.Errorf("expected log to be recorded, got %v", handler.logs)
	}
	if len(handler.exceptions) != 1 || handler.exceptions[0].Kind != "ValueError" {
		t.Errorf("expected exception to be recorded, got %v", handler.exceptions)
	}
}

func TestUnknownMessageKindReturnsErrorWithoutClosing(t *testing.T) {
	socketPath, _ := startTestServer(t, &fakeHandler{})

	client, err := Dial(socketPath, false)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if err := WriteMessage(client.conn, Message{Kind: 0x7e, Payload: nil}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	reply, err := ReadMessage(client.conn)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if reply.Kind != KindError {
		t.Fatalf("expected KindError, got 0x%02x", reply.Kind)
	}

	// The connection must still be usable after an unknown-kind error.
	if _, err := client.Arguments(); err != nil {
		t.Errorf("expected connection to remain usable, got: %v", err)
	}
}

func TestCBOREncodingRoundTrip(t *testing.T) {
	socketPath, _ := startTestServer(t, &fakeHandler{})

	client, err := Dial(socketPath, true)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	args, err := client.Arguments()
	if err != nil {
		t.Fatalf("Arguments over CBOR failed: %v", err)
	}
	if args.Tree != "/run/kiln/tree" {
		t.Errorf("expected tree path over CBOR, got %q", args.Tree)
	}
}
