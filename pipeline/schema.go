// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StageSchema describes a stage's declared inputs and required
// options, loaded from <libdir>/stages/<name>.json. This is a small,
// hand-rolled schema shape rather than a JSON Schema document: kiln
// only needs two facts per stage (which options are required, which
// inputs are order-sensitive), and pulling in a JSON Schema validation
// dependency for two boolean-ish facts would be a heavier dependency
// than the problem warrants.
type StageSchema struct {
	// RequiredOptions lists option keys that must be present in a
	// stage's Options object.
	RequiredOptions []string `json:"required_options,omitempty"`

	// Inputs maps input name to its schema, currently just whether
	// reference order is significant for identifier computation.
	Inputs map[string]InputSchema `json:"inputs,omitempty"`
}

// InputSchema describes one declared input slot of a stage.
type InputSchema struct {
	Ordered bool `json:"ordered,omitempty"`
}

// SchemaLoader resolves per-stage schemas from a libdir tree.
type SchemaLoader struct {
	libdir string
	cache  map[string]*StageSchema
}

// NewSchemaLoader creates a loader rooted at libdir. Schemas are
// optional: a stage with no schema file gets the zero StageSchema
// (no required options, no ordered inputs).
func NewSchemaLoader(libdir string) *SchemaLoader {
	return &SchemaLoader{libdir: libdir, cache: make(map[string]*StageSchema)}
}

// Load returns the schema for a named stage, reading and caching it on
// first use.
func (l *SchemaLoader) Load(stageName string) (*StageSchema, error) {
	if schema, ok := l.cache[stageName]; ok {
		return schema, nil
	}

	path := filepath.Join(l.libdir, "stages", stageName+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			schema := &StageSchema{}
			l.cache[stageName] = schema
			return schema, nil
		}
		return nil, fmt.Errorf("reading schema for %s: %w", stageName, err)
	}

	var schema StageSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parsing schema for %s: %w", stageName, err)
	}
	l.cache[stageName] = &schema
	return &schema, nil
}

// InputOrdered reports whether stageName declares name's input as
// order-sensitive.
func (l *SchemaLoader) InputOrdered(stageName, name string) (bool, error) {
	schema, err := l.Load(stageName)
	if err != nil {
		return false, err
	}
	return schema.Inputs[name].Ordered, nil
}
