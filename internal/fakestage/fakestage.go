// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fakestage simulates a stage program's Host API traffic for
// tests, without shelling out to a real sandboxed binary. A Behavior
// describes the calls a stage would make against its control channel;
// Run dials the socket and plays them back, the way a real stage
// linked against libkiln would.
package fakestage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilnbuild/kiln/hostapi"
)

// Exception describes a structured failure a Behavior reports before
// finishing.
type Exception struct {
	Kind    string
	Message string
}

// Behavior scripts what a fake stage does against its Host API
// connection: read its arguments, write some files into its tree,
// emit some log lines, optionally record metadata or an exception.
type Behavior struct {
	// Files maps a path relative to the stage's tree to file content.
	Files map[string]string

	// Log lines are sent as stdout log frames, in order.
	Log []string

	// Metadata, if non-nil, is reported via the metadata call.
	Metadata json.RawMessage

	// Exception, if set, is reported via the exception call. The
	// caller is still responsible for making the fake stage's process
	// (or, here, its Run call) return a failure so the executor
	// observes it as it would a real crashed stage.
	Exception *Exception

	// UseCBOR selects the CBOR wire encoding instead of JSON, for
	// exercising the Host API's alternate framing.
	UseCBOR bool

	// ExitCode is what the fake stage process should exit with once its
	// script finishes, for simulating a stage that fails after doing
	// some partial work. Only meaningful when the fake stage is its own
	// re-exec'd process (RunFromOptions), since Run's caller controls
	// its own process's exit independently of the Behavior it played.
	ExitCode int `json:"ExitCode,omitempty"`
}

// Run dials socketPath and plays back behavior's script: fetches
// arguments, writes files into the reported tree, emits log lines, and
// reports metadata or an exception if configured. Returns the
// arguments the fake stage received, for assertions.
func Run(ctx context.Context, socketPath string, behavior Behavior) (hostapi.ArgumentsResponse, error) {
	client, err := hostapi.Dial(socketPath, behavior.UseCBOR)
	if err != nil {
		return hostapi.ArgumentsResponse{}, fmt.Errorf("dialing fake stage socket: %w", err)
	}
	defer client.Close()

	args, err := client.Arguments()
	if err != nil {
		return hostapi.ArgumentsResponse{}, fmt.Errorf("fetching arguments: %w", err)
	}

	if err := applyBehavior(client, args, behavior); err != nil {
		return args, err
	}
	return args, nil
}

// RunFromOptions dials socketPath, fetches arguments, and decodes the
// Behavior to play back from the stage's own Options field rather than
// from a caller-supplied value. A real stage reads its options over
// this same call; embedding the script there lets a process that only
// has the socket path — such as a test binary re-exec'd inside a real
// sandbox in place of a stage — recover its script without a separate
// side channel. Options that don't decode as a Behavior (or are empty)
// run as a no-op stage that only fetches its arguments.
func RunFromOptions(socketPath string, useCBOR bool) (hostapi.ArgumentsResponse, Behavior, error) {
	client, err := hostapi.Dial(socketPath, useCBOR)
	if err != nil {
		return hostapi.ArgumentsResponse{}, Behavior{}, fmt.Errorf("dialing fake stage socket: %w", err)
	}
	defer client.Close()

	args, err := client.Arguments()
	if err != nil {
		return hostapi.ArgumentsResponse{}, Behavior{}, fmt.Errorf("fetching arguments: %w", err)
	}

	var behavior Behavior
	if len(args.Options) > 0 {
		if err := json.Unmarshal(args.Options, &behavior); err != nil {
			return args, Behavior{}, fmt.Errorf("decoding behavior from options: %w", err)
		}
	}

	if err := applyBehavior(client, args, behavior); err != nil {
		return args, behavior, err
	}
	return args, behavior, nil
}

// applyBehavior plays behavior's script against an already-dialed
// client with its arguments already fetched, shared by Run and
// RunFromOptions since the Host API server accepts only one connection
// per stage invocation.
func applyBehavior(client *hostapi.Client, args hostapi.ArgumentsResponse, behavior Behavior) error {
	for relativePath, content := range behavior.Files {
		fullPath := filepath.Join(args.Tree, relativePath)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", relativePath, err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", relativePath, err)
		}
	}

	for _, line := range behavior.Log {
		if err := client.Log(hostapi.LogStreamStdout, line); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}

	if len(behavior.Metadata) > 0 {
		if err := client.Metadata(behavior.Metadata); err != nil {
			return fmt.Errorf("reporting metadata: %w", err)
		}
	}

	if behavior.Exception != nil {
		if err := client.Exception(behavior.Exception.Kind, behavior.Exception.Message); err != nil {
			return fmt.Errorf("reporting exception: %w", err)
		}
	}

	return nil
}
