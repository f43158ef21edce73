// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements kiln's content-addressed object store: the
// on-disk home for committed pipeline outputs, source blobs, and the
// scratch space stages write into while running.
//
// The store is a directory with four subdirectories:
//
//	objects/<id>/          committed, read-only trees keyed by ObjectID
//	refs/<name>             human-readable pointers to an ObjectID
//	sources/<type>/<hash>   immutable blobs keyed by ContentHash
//	tmp/                    staged objects and stage scratch directories
//
// Readers never lock — committed objects are immutable once renamed into
// objects/. Writers (commit, staging allocation, source placement)
// serialize via advisory flock on tmp/.lock and objects/.lock.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Store is a handle onto a content-addressed object store rooted at a
// directory on disk. A *Store is safe for concurrent use by multiple
// goroutines; cross-process safety is provided by advisory file locks.
type Store struct {
	root string

	// reflinkOnce and reflinkSupported cache the result of the first
	// FICLONE probe so subsequent snapshots don't retry a syscall that
	// is known to fail on this filesystem.
	reflinkOnce      sync.Once
	reflinkSupported bool

	// mkdtempMu serializes allocation of scratch directory names so two
	// goroutines never race on the same generated path.
	mkdtempMu sync.Mutex
	tmpSeq    int
}

// New opens the store at root, creating the on-disk layout if it does
// not already exist.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}

	for _, dir := range []string{"objects", "refs", "sources", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			if errors.Is(err, unix.ENOSPC) {
				return nil, fmt.Errorf("creating %s: %w", dir, ErrStorageFull)
			}
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) objectPath(id ObjectID) string {
	return filepath.Join(s.root, "objects", id.String())
}

// ObjectPath returns the host filesystem path of a committed object's
// tree, for a caller that needs to reference it directly rather than
// clone or hardlink it — e.g. binding a build pipeline's final tree
// read-only as another pipeline's sandbox runtime root.
func (s *Store) ObjectPath(id ObjectID) (string, error) {
	path := s.objectPath(id)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("object %s not found: %w", id, err)
	}
	return path, nil
}

func (s *Store) manifestSidecarPath(id ObjectID) string {
	return filepath.Join(s.root, "objects", id.String()+".json")
}

func (s *Store) metadataSidecarPath(id ObjectID) string {
	return filepath.Join(s.root, "objects", id.String()+".meta.json")
}

func (s *Store) refPath(name string) string {
	return filepath.Join(s.root, "refs", name)
}

// Handle is a writable, staged directory allocated by NewObject. It has
// not yet been committed and is excluded from cache lookups (Contains
// never reports a staged handle as present).
type Handle struct {
	store *Store
	path  string
}

// Path returns the staged directory's filesystem path. The caller
// populates this tree before calling Commit.
func (h *Handle) Path() string {
	return h.path
}

// NewObject allocates a staged directory under tmp/ and returns a
// Handle the caller can populate before committing. Corresponds to
// the store's new-object operation.
func (s *Store) NewObject() (*Handle, error) {
	lock, err := acquireLock(filepath.Join(s.root, "tmp", ".lock"))
	if err != nil {
		return nil, err
	}
	defer lock.release()

	path, err := os.MkdirTemp(filepath.Join(s.root, "tmp"), "staged-*")
	if err != nil {
		if errors.Is(err, unix.ENOSPC) {
			return nil, fmt.Errorf("allocating staged object: %w", ErrStorageFull)
		}
		return nil, fmt.Errorf("allocating staged object: %w", err)
	}

	return &Handle{store: s, path: path}, nil
}

// ManifestSidecar records the invocation that produced a committed
// object, persisted alongside it for --inspect-style tooling.
type ManifestSidecar struct {
	Stage     string          `json:"stage"`
	Options   json.RawMessage `json:"options"`
	Inputs    []string        `json:"inputs"`
	Upstream  string          `json:"upstream,omitempty"`
}

// Commit renames handle's staged directory to objects/<id>/ and makes it
// read-only. Idempotent on id collision: if objects/<id>/ already
// exists, the fresh staged copy is discarded and the existing object
// wins, so concurrent producers of the same identifier converge.
//
// manifest, when non-nil, is persisted as the object's manifest sidecar.
// meta, when non-empty, is persisted as the object's metadata sidecar
// (the payload of a stage's metadata() host API call).
func (s *Store) Commit(handle *Handle, id ObjectID, manifest *ManifestSidecar, meta json.RawMessage) error {
	lock, err := acquireLock(filepath.Join(s.root, "objects", ".lock"))
	if err != nil {
		return err
	}
	defer lock.release()

	dest := s.objectPath(id)
	if _, err := os.Stat(dest); err == nil {
		// Another commit won the race. Discard our staged copy.
		os.RemoveAll(handle.path)
		return nil
	}

	if err := os.Rename(handle.path, dest); err != nil {
		if errors.Is(err, unix.ENOSPC) {
			return fmt.Errorf("committing %s: %w", id, ErrStorageFull)
		}
		return fmt.Errorf("committing %s: %w", id, err)
	}

	if err := makeTreeReadOnly(dest); err != nil {
		return fmt.Errorf("making %s read-only: %w", id, ErrStoreCorrupt)
	}

	if manifest != nil {
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding manifest sidecar for %s: %w", id, err)
		}
		if err := os.WriteFile(s.manifestSidecarPath(id), data, 0o444); err != nil {
			return fmt.Errorf("writing manifest sidecar for %s: %w", id, err)
		}
	}

	if len(meta) > 0 {
		if err := os.WriteFile(s.metadataSidecarPath(id), meta, 0o444); err != nil {
			return fmt.Errorf("writing metadata sidecar for %s: %w", id, err)
		}
	}

	return nil
}

// makeTreeReadOnly recursively strips write permission from every file
// and directory under root. Committed objects are immutable; this is
// defense in depth against a stage's writes surviving into a later
// clone via hardlink.
func makeTreeReadOnly(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		mode := info.Mode().Perm() &^ 0o222
		return os.Chmod(path, mode)
	})
}

// Contains reports whether a committed object with the given identifier
// exists.
func (s *Store) Contains(id ObjectID) bool {
	_, err := os.Stat(s.objectPath(id))
	return err == nil
}

// LinkObjectTree recursively hardlinks committed object id's tree into
// dest, which must not already exist. Used to materialize
// pipeline-origin inputs: the caller gets a real, independently
// removable directory entry rather than a path into the store's own
// tree, and — unlike a symlink — one that still resolves once bound
// into a sandbox's mount namespace, where the store's host-absolute
// path is not itself visible.
func (s *Store) LinkObjectTree(id ObjectID, dest string) error {
	source := s.objectPath(id)
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("linking %s: %w", id, ErrNotFound)
	}
	return cloneTree(source, dest, hardlinkFile)
}

// AdoptHandle wraps an existing writable directory as a Handle so it
// can be committed like one allocated by NewObject. Used when a
// stage's tree starts life as a Snapshot of its upstream rather than
// an empty staged directory.
func (s *Store) AdoptHandle(path string) *Handle {
	return &Handle{store: s, path: path}
}

// Metadata returns the metadata sidecar attached to a committed object
// by its stage's metadata() host API call, or nil if none was reported.
func (s *Store) Metadata(id ObjectID) (json.RawMessage, error) {
	data, err := os.ReadFile(s.metadataSidecarPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading metadata for %s: %w", id, err)
	}
	return json.RawMessage(data), nil
}

// Manifest returns the manifest sidecar recording the invocation that
// produced a committed object.
func (s *Store) Manifest(id ObjectID) (*ManifestSidecar, error) {
	data, err := os.ReadFile(s.manifestSidecarPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest for %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("reading manifest for %s: %w", id, err)
	}
	var manifest ManifestSidecar
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest for %s: %w", id, err)
	}
	return &manifest, nil
}

// Mkdtemp allocates a caller-owned scratch directory under prefixRoot,
// or under the store's own tmp/ when prefixRoot is empty.
// Exposed to stages via the
// Host API as store.mkdtemp.
func (s *Store) Mkdtemp(prefixRoot, prefix string) (string, error) {
	if prefixRoot == "" {
		prefixRoot = filepath.Join(s.root, "tmp")
	}
	if err := os.MkdirAll(prefixRoot, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch root %s: %w", prefixRoot, err)
	}

	path, err := os.MkdirTemp(prefixRoot, prefix+"-*")
	if err != nil {
		if errors.Is(err, unix.ENOSPC) {
			return "", fmt.Errorf("allocating scratch directory: %w", ErrStorageFull)
		}
		return "", fmt.Errorf("allocating scratch directory: %w", err)
	}
	return path, nil
}

// SetRef records a human-readable pointer to an object identifier.
func (s *Store) SetRef(name string, id ObjectID) error {
	if err := os.MkdirAll(filepath.Dir(s.refPath(name)), 0o755); err != nil {
		return fmt.Errorf("creating ref directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "refs"), ".ref-*")
	if err != nil {
		return fmt.Errorf("creating ref temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(id.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing ref %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing ref temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.refPath(name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming ref %s: %w", name, err)
	}
	return nil
}

// Ref resolves a human-readable pointer to the object identifier it
// names. The second return value is false if the ref does not exist.
func (s *Store) Ref(name string) (ObjectID, bool) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		return ObjectID{}, false
	}
	id, err := ParseObjectID(string(data))
	if err != nil {
		return ObjectID{}, false
	}
	return id, true
}

// Prune deletes every committed object not present in keep and not
// referenced by any refs/ pointer. Excluded from this scope
// (which exclude concurrent execution, incremental diffing, distributed
// workers, and signing, not garbage collection).
func (s *Store) Prune(keep map[ObjectID]bool) error {
	lock, err := acquireLock(filepath.Join(s.root, "objects", ".lock"))
	if err != nil {
		return err
	}
	defer lock.release()

	referenced := make(map[ObjectID]bool, len(keep))
	for id, want := range keep {
		if want {
			referenced[id] = true
		}
	}

	refEntries, err := os.ReadDir(filepath.Join(s.root, "refs"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading refs: %w", err)
	}
	for _, entry := range refEntries {
		if id, ok := s.Ref(entry.Name()); ok {
			referenced[id] = true
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.root, "objects"))
	if err != nil {
		return fmt.Errorf("reading objects: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue // sidecar files are removed alongside their object
		}
		id, err := ParseObjectID(entry.Name())
		if err != nil {
			continue // not an object directory we recognize
		}
		if referenced[id] {
			continue
		}
		if err := os.RemoveAll(s.objectPath(id)); err != nil {
			return fmt.Errorf("pruning %s: %w", id, err)
		}
		os.Remove(s.manifestSidecarPath(id))
		os.Remove(s.metadataSidecarPath(id))
	}

	return nil
}
