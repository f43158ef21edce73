// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// ObjectID is a deterministic 256-bit identifier for a stage invocation,
// computed by pipeline.Identifier over (stage-name, canonical options,
// sorted input identifiers, upstream identifier). Two invocations that
// produce the same ObjectID are guaranteed to produce semantically equal
// trees.
type ObjectID [32]byte

// String formats the identifier as lowercase hex.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value, used to represent "no
// upstream object" for the bootstrap pipeline's first stage.
func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

// ParseObjectID parses a hex-encoded object identifier previously
// produced by ObjectID.String.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing object identifier %q: %w", s, err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("object identifier %q has %d bytes, want %d", s, len(decoded), len(id))
	}
	copy(id[:], decoded)
	return id, nil
}

// contentHashAlgorithms maps the permitted algorithm names to a
// constructor for that hash.
var contentHashAlgorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha384": sha384New,
	"sha512": sha512.New,
}

func sha384New() hash.Hash { return sha512.New384() }

// ContentHash is a string of the form "<algo>:<hex>" naming an immutable
// source blob by the hash of its contents.
type ContentHash struct {
	Algo string
	Hex  string
}

// ParseContentHash parses a "<algo>:<hex>" string.
func ParseContentHash(s string) (ContentHash, error) {
	algo, hexPart, ok := strings.Cut(s, ":")
	if !ok {
		return ContentHash{}, fmt.Errorf("content hash %q missing algo prefix", s)
	}
	if _, known := contentHashAlgorithms[algo]; !known {
		return ContentHash{}, fmt.Errorf("content hash %q has unsupported algorithm %q", s, algo)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return ContentHash{}, fmt.Errorf("content hash %q has invalid hex: %w", s, err)
	}
	return ContentHash{Algo: algo, Hex: hexPart}, nil
}

// String formats the hash back to "<algo>:<hex>".
func (h ContentHash) String() string {
	return h.Algo + ":" + h.Hex
}

// Verify reports whether data hashes to h under h's algorithm.
func (h ContentHash) Verify(data []byte) bool {
	newHash, ok := contentHashAlgorithms[h.Algo]
	if !ok {
		return false
	}
	digest := newHash()
	digest.Write(data)
	return hex.EncodeToString(digest.Sum(nil)) == h.Hex
}
