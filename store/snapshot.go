// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Snapshot produces a writable clone of a committed object, rooted
// under tmp/, whose lifetime belongs to the caller. Corresponds to
// tests and executor input materialization alike.
//
// Cloning prefers a FICLONE-style reflink where the filesystem
// supports it, falls back to a recursive hardlinked copy, and falls
// back again to a deep copy. Reflink support is probed once per Store
// and cached — mirroring sandbox.OverlayManager's probe-once pattern
// for fuse-overlayfs availability — since a failed FICLONE attempt is a
// syscall round trip we don't want to repeat on every stage.
func (s *Store) Snapshot(id ObjectID) (string, error) {
	source := s.objectPath(id)
	if _, err := os.Stat(source); err != nil {
		return "", fmt.Errorf("snapshotting %s: %w", id, ErrNotFound)
	}

	dest, err := os.MkdirTemp(filepath.Join(s.root, "tmp"), "snapshot-*")
	if err != nil {
		return "", fmt.Errorf("allocating snapshot directory: %w", err)
	}
	// MkdirTemp already created dest; cloneTree expects to create its
	// own destination directories as it walks, so remove the empty
	// shell and let the walk recreate the root the same way it
	// recreates every subdirectory.
	if err := os.Remove(dest); err != nil {
		return "", fmt.Errorf("preparing snapshot directory: %w", err)
	}

	if s.reflinkCapable() {
		if err := cloneTree(source, dest, reflinkFile); err == nil {
			return dest, nil
		}
		// A specific file failing to reflink (e.g. it lives on a
		// different filesystem than expected) doesn't mean the whole
		// clone should fail; fall through to hardlink.
		os.RemoveAll(dest)
	}

	if err := cloneTree(source, dest, hardlinkFile); err == nil {
		return dest, nil
	}
	os.RemoveAll(dest)

	if err := cloneTree(source, dest, deepCopyFile); err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("snapshotting %s: %w", id, err)
	}

	return dest, nil
}

// reflinkCapable probes FICLONE support once against the store's tmp
// directory and caches the result for the lifetime of the Store.
func (s *Store) reflinkCapable() bool {
	s.reflinkOnce.Do(func() {
		s.reflinkSupported = probeReflink(filepath.Join(s.root, "tmp"))
	})
	return s.reflinkSupported
}

// probeReflink attempts a real FICLONE against a throwaway file pair in
// dir, returning whether it succeeded.
func probeReflink(dir string) bool {
	src, err := os.CreateTemp(dir, ".reflink-probe-src-*")
	if err != nil {
		return false
	}
	defer os.Remove(src.Name())
	if _, err := src.WriteString("kiln-reflink-probe"); err != nil {
		src.Close()
		return false
	}
	src.Close()

	dstPath := src.Name() + ".dst"
	defer os.Remove(dstPath)

	err = reflinkFile(src.Name(), dstPath, 0o644)
	return err == nil
}

// fileCloner copies srcPath to dstPath, which does not yet exist,
// preserving mode. Each of reflinkFile/hardlinkFile/deepCopyFile
// implements this signature so cloneTree can be parameterized by
// strategy.
type fileCloner func(srcPath, dstPath string, mode fs.FileMode) error

// cloneTree walks src and recreates it at dst, cloning every regular
// file with clone and recreating directories and symlinks natively.
func cloneTree(src, dst string, clone fileCloner) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dst, relPath)

		switch {
		case entry.IsDir():
			info, err := entry.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(destPath, info.Mode().Perm()|0o200)

		case entry.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, destPath)

		default:
			info, err := entry.Info()
			if err != nil {
				return err
			}
			return clone(path, destPath, info.Mode().Perm())
		}
	})
}

func reflinkFile(srcPath, dstPath string, mode fs.FileMode) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode|0o200)
	if err != nil {
		return err
	}
	defer dst.Close()

	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd()))
}

func hardlinkFile(srcPath, dstPath string, mode fs.FileMode) error {
	if err := os.Link(srcPath, dstPath); err != nil {
		return err
	}
	// The source is read-only (committed objects are chmod'd read-only
	// on commit); the clone must be writable since stages perform
	// unlink-then-rewrite, never in-place modification, so the hardlink
	// itself never needs write permission — only the directory entry
	// needs to be replaceable, which unlink always allows regardless
	// of the file's own mode.
	return nil
}

func deepCopyFile(srcPath, dstPath string, mode fs.FileMode) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode|0o200)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Close()
}
