// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kilnbuild/kiln/store"
	"github.com/zeebo/blake3"
)

// Identifier computes the deterministic object identifier for a stage
// invocation: H(stage-name, canonical(options), sorted(input-ids),
// upstream-id). Two invocations that produce the same identifier are
// guaranteed to produce semantically equal trees.
func Identifier(stageName string, options json.RawMessage, inputIDs []string, upstream store.ObjectID) (store.ObjectID, error) {
	canonicalOptions, err := canonicalJSON(options)
	if err != nil {
		return store.ObjectID{}, fmt.Errorf("canonicalizing options for %s: %w", stageName, err)
	}

	// inputIDs is sorted by the caller according to the ordering rule
	// for that input (see InputIdentifiers); Identifier itself never
	// re-sorts, since re-sorting here would erase the distinction
	// between ordered and unordered inputs.
	tuple := struct {
		Stage    string          `json:"stage"`
		Options  json.RawMessage `json:"options"`
		Inputs   []string        `json:"inputs"`
		Upstream string          `json:"upstream,omitempty"`
	}{
		Stage:   stageName,
		Options: canonicalOptions,
		Inputs:  inputIDs,
	}
	if !upstream.IsZero() {
		tuple.Upstream = upstream.String()
	}

	encoded, err := json.Marshal(tuple)
	if err != nil {
		return store.ObjectID{}, fmt.Errorf("encoding identifier tuple for %s: %w", stageName, err)
	}

	digest := blake3.Sum256(encoded)
	return store.ObjectID(digest), nil
}

// InputIdentifiers resolves an input's references into the ordered
// slice of identifier strings Identifier should hash: swapping two
// references produces a different identifier iff the schema declares
// the input ordered. Map-form references are always sorted, since
// JSON object key order carries no manifest-declared ordering to
// begin with.
func InputIdentifiers(input Input, ordered bool) []string {
	hashes := make([]string, len(input.References.Items))
	for i, ref := range input.References.Items {
		hashes[i] = ref.Hash
	}
	if !ordered || input.References.IsMap {
		sort.Strings(hashes)
	}
	return hashes
}

// canonicalJSON re-encodes JSON with object keys sorted, so semantically
// equal options objects with differently ordered keys hash identically.
// encoding/json already sorts map[string]any keys on Marshal, so
// round-tripping through an untyped value is sufficient here — no need
// for a hand-rolled canonicalizer.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("re-encoding: %w", err)
	}
	return canonical, nil
}
