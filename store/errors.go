// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "errors"

// ErrStorageFull is returned when a write to the store fails because the
// underlying filesystem has no space left.
var ErrStorageFull = errors.New("store: no space left on device")

// ErrStoreCorrupt is returned when the store's on-disk layout cannot be
// trusted — a permission error during commit, an object directory that
// exists but fails validation, or a lock file that cannot be acquired
// for a reason other than contention.
var ErrStoreCorrupt = errors.New("store: on-disk layout is corrupt")

// ErrSourceInvalid is returned when a source blob's content does not
// hash to its filename. The caller must delete the partial blob; Fetch
// does this itself before returning the error.
var ErrSourceInvalid = errors.New("store: source blob checksum mismatch")

// ErrNotFound is returned by Snapshot, Export, LinkObjectTree and
// Manifest when the requested identifier is not present in the store.
// Ref reports a missing name through its boolean result instead.
var ErrNotFound = errors.New("store: not found")
