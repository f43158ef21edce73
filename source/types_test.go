// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"encoding/json"
	"testing"
)

func TestFetchSpecRoundTrip(t *testing.T) {
	spec := FetchSpec{
		Items:     []Item{{Hash: "sha256:aaaa"}},
		Options:   json.RawMessage(`{"baseurl":"https://example.invalid/repo"}`),
		Checksums: true,
		Cache:     "/var/cache/kiln/dnf",
		Output:    "/tmp/kiln-fetch",
	}

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded FetchSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Items[0].Hash != spec.Items[0].Hash {
		t.Errorf("hash = %q, want %q", decoded.Items[0].Hash, spec.Items[0].Hash)
	}
	if decoded.Output != spec.Output {
		t.Errorf("output = %q, want %q", decoded.Output, spec.Output)
	}
	if !decoded.Checksums {
		t.Errorf("checksums flag not preserved")
	}
}

func TestFetchResultParsing(t *testing.T) {
	data := []byte(`{"fetched": ["sha256:aaaa", "sha256:bbbb"]}`)
	var result FetchResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(result.Fetched) != 2 {
		t.Errorf("expected 2 fetched entries, got %d", len(result.Fetched))
	}
}
