// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ArchiveCodec selects the compression codec Export writes an
// archive's body with. Export prefixes the stream with a one-byte
// codec tag so Import always knows how to read it back, the same
// tagging scheme the teacher's per-chunk artifact compression uses.
type ArchiveCodec uint8

const (
	// ArchiveCodecZstd gives the better ratio, worthwhile for the
	// mixed text/binary content typical of an OS tree — configs,
	// package databases, and scripts alongside binaries and libraries.
	ArchiveCodecZstd ArchiveCodec = 0

	// ArchiveCodecLZ4 trades ratio for decode speed. Worthwhile for
	// large image-assembly trees already dominated by dense binary
	// content (compiled objects, package archives) where zstd's
	// better ratio isn't worth its CPU cost.
	ArchiveCodecLZ4 ArchiveCodec = 1
)

// archiveWriteCloser is the common surface Export needs from either
// codec's streaming writer.
type archiveWriteCloser interface {
	io.Writer
	io.Closer
}

func newArchiveWriter(w io.Writer, codec ArchiveCodec) (archiveWriteCloser, error) {
	switch codec {
	case ArchiveCodecZstd:
		return zstd.NewWriter(w)
	case ArchiveCodecLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported archive codec: %d", codec)
	}
}

func newArchiveReader(r io.Reader, codec ArchiveCodec) (io.Reader, io.Closer, error) {
	switch codec {
	case ArchiveCodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, closerFunc(zr.Close), nil
	case ArchiveCodecLZ4:
		return lz4.NewReader(r), io.NopCloser(nil), nil
	default:
		return nil, nil, fmt.Errorf("unsupported archive codec: %d", codec)
	}
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// Export streams committed object id as a compressed tar archive to w,
// prefixed with a one-byte ArchiveCodec tag. Used to move a built tree
// to another machine's store without re-running the pipeline that
// produced it — the identifier already certifies the content, so the
// receiving store only needs to trust the transport, not recompute
// anything.
func (s *Store) Export(id ObjectID, w io.Writer, codec ArchiveCodec) error {
	source := s.objectPath(id)
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("exporting %s: %w", id, ErrNotFound)
	}

	if _, err := w.Write([]byte{byte(codec)}); err != nil {
		return fmt.Errorf("exporting %s: writing codec tag: %w", id, err)
	}

	zw, err := newArchiveWriter(w, codec)
	if err != nil {
		return fmt.Errorf("exporting %s: opening archive writer: %w", id, err)
	}

	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		var link string
		if entry.Type()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if entry.Type().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if walkErr != nil {
		tw.Close()
		zw.Close()
		return fmt.Errorf("exporting %s: %w", id, walkErr)
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("exporting %s: closing tar stream: %w", id, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("exporting %s: closing archive stream: %w", id, err)
	}
	return nil
}

// Import materializes a compressed tar archive previously produced by
// Export as committed object id, without re-executing the stage that
// originally produced it. The codec is read back from Export's
// one-byte tag, so a caller never needs to remember which one it used.
// Callers are trusted to supply the id that Export was called with;
// Import does not recompute a tree hash to verify it, since ObjectID
// is a hash over the stage invocation that produced the tree
// (pipeline.Identifier), not over the tree's bytes.
//
// Idempotent: if id is already present, r is drained and discarded
// without touching the store, matching Commit's collision behavior.
func (s *Store) Import(id ObjectID, r io.Reader) error {
	if s.Contains(id) {
		_, err := io.Copy(io.Discard, r)
		return err
	}

	var tagByte [1]byte
	if _, err := io.ReadFull(r, tagByte[:]); err != nil {
		return fmt.Errorf("importing %s: reading codec tag: %w", id, err)
	}

	zr, closer, err := newArchiveReader(r, ArchiveCodec(tagByte[0]))
	if err != nil {
		return fmt.Errorf("importing %s: opening archive reader: %w", id, err)
	}
	defer closer.Close()

	handle, err := s.NewObject()
	if err != nil {
		return err
	}
	dest := handle.Path()

	if err := extractTar(tar.NewReader(zr), dest); err != nil {
		os.RemoveAll(dest)
		return fmt.Errorf("importing %s: %w", id, err)
	}

	return s.Commit(handle, id, nil, nil)
}

func extractTar(tr *tar.Reader, dest string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dest, filepath.FromSlash(header.Name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, header.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}

		default:
			continue
		}
	}
}
