// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements manifest parsing, object identifier
// computation, stage-chain planning, and sequential execution of kiln
// build pipelines.
//
// The package is organized around the pipeline compilation and
// execution flow:
//
//   - manifest.go: wire-level manifest structures and JSONC parsing
//   - identifier.go: deterministic object identifier computation
//   - validate.go: manifest schema and reference validation
//   - schema.go: per-stage schema loading from <libdir>/stages/<name>.json
//   - plan.go: build/main/assembler chain compilation, in declared order
//   - execute.go: sequential stage execution against the sandbox and store
//   - inspect.go: plan-only mode, no execution
//   - errors.go: typed failure modes
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

// Manifest is the root of a build manifest: one pipeline plus the
// per-source-type options needed to fetch its inputs.
type Manifest struct {
	Pipeline Pipeline                   `json:"pipeline"`
	Sources  map[string]json.RawMessage `json:"sources,omitempty"`
}

// Pipeline is a tree of stages producing a single filesystem tree. A
// pipeline may declare a Build sub-pipeline whose final tree becomes
// this pipeline's runtime root, and an optional terminal Assembler
// stage whose output is a non-tree artifact.
type Pipeline struct {
	Build     *Pipeline `json:"build,omitempty"`
	Runner    string    `json:"runner,omitempty"`
	Stages    []Stage   `json:"stages"`
	Assembler *Stage    `json:"assembler,omitempty"`
}

// Stage is a single invocation of a named stage program.
type Stage struct {
	Name    string           `json:"name"`
	Options json.RawMessage  `json:"options,omitempty"`
	Inputs  map[string]Input `json:"inputs,omitempty"`
}

// Input describes one of a stage's declared inputs: a set of blob or
// pipeline references resolved before the stage runs.
type Input struct {
	Type       string     `json:"type"`
	Origin     string     `json:"origin"`
	References References `json:"references"`
}

const (
	OriginSource   = "org.osbuild.source"
	OriginPipeline = "org.osbuild.pipeline"
)

// referenceMetadataKeyPattern matches the metadata keys allowed on a
// map-form reference (e.g. "rpm.check_gpg").
var referenceMetadataKeyPattern = `^\w+\.\w+$`

// Reference is a single resolved reference: a content hash or upstream
// object identifier string, plus any per-reference metadata attached
// when the manifest used the map form.
type Reference struct {
	Hash     string
	Metadata json.RawMessage
}

// References holds an input's references, accepting either JSON form a
// manifest may use: an ordered array of hash strings, or an object
// whose keys are hashes and whose values carry per-reference metadata.
// IsMap records which form the manifest used, since map-form references
// carry no manifest-declared order (see identifier.go's ordering rule).
type References struct {
	Items []Reference
	IsMap bool
}

// UnmarshalJSON implements the two accepted reference forms.
func (r *References) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*r = References{}
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var hashes []string
		if err := json.Unmarshal(data, &hashes); err != nil {
			return fmt.Errorf("parsing array-form references: %w", err)
		}
		items := make([]Reference, len(hashes))
		for i, hash := range hashes {
			items[i] = Reference{Hash: hash}
		}
		*r = References{Items: items, IsMap: false}
		return nil
	}

	var byHash map[string]struct {
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}
	if err := json.Unmarshal(data, &byHash); err != nil {
		return fmt.Errorf("parsing map-form references: %w", err)
	}
	items := make([]Reference, 0, len(byHash))
	for hash, value := range byHash {
		items = append(items, Reference{Hash: hash, Metadata: value.Metadata})
	}
	*r = References{Items: items, IsMap: true}
	return nil
}

// MarshalJSON round-trips References back to whichever form it was
// parsed from, so re-serializing a manifest for inspection output does
// not silently change its shape.
func (r References) MarshalJSON() ([]byte, error) {
	if !r.IsMap {
		hashes := make([]string, len(r.Items))
		for i, item := range r.Items {
			hashes[i] = item.Hash
		}
		return json.Marshal(hashes)
	}

	byHash := make(map[string]struct {
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}, len(r.Items))
	for _, item := range r.Items {
		byHash[item.Hash] = struct {
			Metadata json.RawMessage `json:"metadata,omitempty"`
		}{Metadata: item.Metadata}
	}
	return json.Marshal(byHash)
}

// Parse parses manifest content tolerant of // and /* */ comments.
func Parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &manifest, nil
}

// ReadFile reads and parses a manifest file.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	manifest, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}

// NameFromPath derives a human-readable manifest name from its file
// path, used in log lines and --inspect output when the manifest
// itself carries no name field.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
