// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package source implements fetching of source blobs (packages,
// container layers, arbitrary files) into the object store's
// sources/<type>/ directories, by launching a per-type fetcher binary
// inside a network-enabled sandbox and feeding it a JSON request on
// stdin.
package source

import "encoding/json"

// Item is one requested blob within a fetch request: its content hash
// and enough fetcher-specific detail (a URL, a package NEVRA, etc.) to
// locate it, carried opaquely in Options.
type Item struct {
	Hash    string          `json:"hash"`
	Options json.RawMessage `json:"options,omitempty"`
}

// FetchSpec is the JSON document written to a fetcher binary's stdin.
type FetchSpec struct {
	// Items lists the blobs to fetch in this invocation.
	Items []Item `json:"items"`

	// Options carries source-type-wide configuration from the
	// manifest's sources[type] object (e.g. repository URLs).
	Options json.RawMessage `json:"options,omitempty"`

	// Checksums, when true, tells the fetcher to verify each item's
	// hash itself before reporting success (some fetchers can compute
	// a streaming digest during download; others rely on the caller's
	// post-fetch verification instead).
	Checksums bool `json:"checksums"`

	// Cache is a directory the fetcher may use for its own caching
	// across invocations, distinct from the store's sources/ tree.
	Cache string `json:"cache,omitempty"`

	// Output is the directory the fetcher must place fetched blobs
	// into, named by their content hash.
	Output string `json:"output"`
}

// FetchResult is the JSON document a fetcher binary writes to stdout on
// completion.
type FetchResult struct {
	Fetched []string `json:"fetched"`
}
