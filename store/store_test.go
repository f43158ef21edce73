// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func testObjectID(t *testing.T, seed byte) ObjectID {
	t.Helper()
	var id ObjectID
	for i := range id {
		id[i] = seed
	}
	return id
}

func TestNewCreatesLayout(t *testing.T) {
	root := t.TempDir()
	if _, err := New(root); err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, dir := range []string{"objects", "refs", "sources", "tmp"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}

func TestCommitAndContains(t *testing.T) {
	s := newTestStore(t)
	id := testObjectID(t, 0x01)

	if s.Contains(id) {
		t.Fatal("expected object to be absent before commit")
	}

	handle, err := s.NewObject()
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(handle.Path(), "hello"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("writing into staged tree: %v", err)
	}

	if err := s.Commit(handle, id, nil, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if !s.Contains(id) {
		t.Fatal("expected object to be present after commit")
	}
}

func TestCommitIdempotentOnCollision(t *testing.T) {
	s := newTestStore(t)
	id := testObjectID(t, 0x02)

	first, err := s.NewObject()
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	os.WriteFile(filepath.Join(first.Path(), "marker"), []byte("first"), 0o644)
	if err := s.Commit(first, id, nil, nil); err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}

	second, err := s.NewObject()
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	os.WriteFile(filepath.Join(second.Path(), "marker"), []byte("second"), 0o644)
	if err := s.Commit(second, id, nil, nil); err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(s.objectPath(id), "marker"))
	if err != nil {
		t.Fatalf("reading committed object: %v", err)
	}
	if string(content) != "first" {
		t.Errorf("expected the first commit to win, got %q", content)
	}
	if _, err := os.Stat(second.Path()); !os.IsNotExist(err) {
		t.Errorf("expected losing staged directory to be discarded")
	}
}

func TestCommitMakesObjectReadOnly(t *testing.T) {
	s := newTestStore(t)
	id := testObjectID(t, 0x03)

	handle, _ := s.NewObject()
	filePath := filepath.Join(handle.Path(), "file")
	os.WriteFile(filePath, []byte("data"), 0o644)
	if err := s.Commit(handle, id, nil, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	committedPath := filepath.Join(s.objectPath(id), "file")
	info, err := os.Stat(committedPath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm()&0o222 != 0 {
		t.Errorf("expected committed file to be read-only, got mode %v", info.Mode())
	}
}

func TestSetRefAndRef(t *testing.T) {
	s := newTestStore(t)
	id := testObjectID(t, 0x04)

	if _, ok := s.Ref("latest"); ok {
		t.Fatal("expected unset ref to be absent")
	}

	if err := s.SetRef("latest", id); err != nil {
		t.Fatalf("SetRef failed: %v", err)
	}

	got, ok := s.Ref("latest")
	if !ok {
		t.Fatal("expected ref to resolve")
	}
	if got != id {
		t.Errorf("expected %s, got %s", id, got)
	}
}

func TestManifestSidecarRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := testObjectID(t, 0x05)

	handle, _ := s.NewObject()
	manifest := &ManifestSidecar{
		Stage:   "org.osbuild.noop",
		Options: []byte(`{}`),
		Inputs:  nil,
	}
	if err := s.Commit(handle, id, manifest, []byte(`{"size": 42}`)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := s.Manifest(id)
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}
	if got.Stage != "org.osbuild.noop" {
		t.Errorf("expected stage org.osbuild.noop, got %s", got.Stage)
	}

	meta, err := s.Metadata(id)
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if string(meta) != `{"size": 42}` {
		t.Errorf("expected metadata to round-trip, got %s", meta)
	}
}

func TestSnapshotClonesCommittedTree(t *testing.T) {
	s := newTestStore(t)
	id := testObjectID(t, 0x06)

	handle, _ := s.NewObject()
	os.MkdirAll(filepath.Join(handle.Path(), "subdir"), 0o755)
	os.WriteFile(filepath.Join(handle.Path(), "subdir", "file"), []byte("content"), 0o644)
	if err := s.Commit(handle, id, nil, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	clonePath, err := s.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(clonePath, "subdir", "file"))
	if err != nil {
		t.Fatalf("reading cloned file: %v", err)
	}
	if string(content) != "content" {
		t.Errorf("expected cloned content to match, got %q", content)
	}

	// The clone must be writable regardless of which cloning strategy
	// was used, since stages perform unlink-then-rewrite.
	if err := os.WriteFile(filepath.Join(clonePath, "subdir", "new"), []byte("x"), 0o644); err != nil {
		t.Errorf("expected clone to be writable: %v", err)
	}
}

func TestSnapshotOfMissingObject(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Snapshot(testObjectID(t, 0xff)); err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestPruneRemovesUnreferencedObjects(t *testing.T) {
	s := newTestStore(t)

	keepID := testObjectID(t, 0x10)
	dropID := testObjectID(t, 0x11)

	for _, id := range []ObjectID{keepID, dropID} {
		handle, _ := s.NewObject()
		s.Commit(handle, id, nil, nil)
	}

	if err := s.Prune(map[ObjectID]bool{keepID: true}); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	if !s.Contains(keepID) {
		t.Error("expected kept object to remain")
	}
	if s.Contains(dropID) {
		t.Error("expected unreferenced object to be pruned")
	}
}

func TestPruneKeepsRefTargets(t *testing.T) {
	s := newTestStore(t)
	id := testObjectID(t, 0x12)

	handle, _ := s.NewObject()
	s.Commit(handle, id, nil, nil)
	if err := s.SetRef("latest", id); err != nil {
		t.Fatalf("SetRef failed: %v", err)
	}

	if err := s.Prune(map[ObjectID]bool{}); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	if !s.Contains(id) {
		t.Error("expected ref-referenced object to survive prune")
	}
}

func TestWriteSourceBlobAcceptsMatchingHash(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello source blob")
	digest := sha256.Sum256(data)
	hash := ContentHash{Algo: "sha256", Hex: hex.EncodeToString(digest[:])}

	if err := s.WriteSourceBlob("files", hash, bytes.NewReader(data)); err != nil {
		t.Fatalf("WriteSourceBlob failed: %v", err)
	}

	if !s.ContainsSource("files", hash) {
		t.Error("expected blob to be present after write")
	}
}

func TestWriteSourceBlobRejectsMismatch(t *testing.T) {
	s := newTestStore(t)
	hash := ContentHash{Algo: "sha256", Hex: hex.EncodeToString(make([]byte, 32))}

	err := s.WriteSourceBlob("files", hash, bytes.NewReader([]byte("wrong content")))
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}

	if s.ContainsSource("files", hash) {
		t.Error("expected rejected blob to be absent")
	}
}

func TestWriteSourceBlobDedupsExisting(t *testing.T) {
	s := newTestStore(t)
	data := []byte("dedup me")
	digest := sha256.Sum256(data)
	hash := ContentHash{Algo: "sha256", Hex: hex.EncodeToString(digest[:])}

	if err := s.WriteSourceBlob("files", hash, bytes.NewReader(data)); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	// A second write of the same hash, even with different framing,
	// must not error — it's the loser of a concurrent-download race.
	if err := s.WriteSourceBlob("files", hash, bytes.NewReader(data)); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
}

func TestContentHashParseAndVerify(t *testing.T) {
	data := []byte("verify me")
	digest := sha256.Sum256(data)
	s := "sha256:" + hex.EncodeToString(digest[:])

	hash, err := ParseContentHash(s)
	if err != nil {
		t.Fatalf("ParseContentHash failed: %v", err)
	}
	if hash.String() != s {
		t.Errorf("expected round trip %q, got %q", s, hash.String())
	}
	if !hash.Verify(data) {
		t.Error("expected hash to verify matching data")
	}
	if hash.Verify([]byte("different data")) {
		t.Error("expected hash to reject non-matching data")
	}
}

func TestContentHashRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := ParseContentHash("blake9000:abcd"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}

func TestObjectIDStringRoundTrip(t *testing.T) {
	id := testObjectID(t, 0x42)
	parsed, err := ParseObjectID(id.String())
	if err != nil {
		t.Fatalf("ParseObjectID failed: %v", err)
	}
	if parsed != id {
		t.Errorf("expected round trip to match")
	}
}
