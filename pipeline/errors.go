// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"

	"github.com/kilnbuild/kiln/store"
)

// ManifestInvalidError signals a schema violation or unknown
// stage/input/source type, fatal at load time.
type ManifestInvalidError struct {
	Issues []string
}

func (e *ManifestInvalidError) Error() string {
	return fmt.Sprintf("manifest invalid: %d issue(s), first: %s", len(e.Issues), firstOr(e.Issues, "(none)"))
}

// SourceUnavailableError signals a fetcher failure or hash mismatch,
// fatal for the pipelines that depend on the missing blob.
type SourceUnavailableError struct {
	SourceType string
	Hash       string
	Cause      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable for %s: %v", e.SourceType, e.Hash, e.Cause)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Cause }

// StageFailedError signals a stage exiting non-zero. It carries the
// identifier that would have been committed and the structured
// exception payload if the stage reported one before exiting. Executor
// does not fill in Stderr: a stage's stdout and stderr go straight to
// the engine's own stdout and stderr and are not captured.
type StageFailedError struct {
	ID        store.ObjectID
	StageName string
	ExitCode  int
	Stderr    string
	Exception *ExceptionInfo
}

// ExceptionInfo is the structured failure signal a stage may report
// via the Host API exception call before exiting non-zero.
type ExceptionInfo struct {
	Kind    string
	Message string
}

func (e *StageFailedError) Error() string {
	if e.Exception != nil {
		return fmt.Sprintf("stage %s (%s) failed: exit %d: %s: %s",
			e.StageName, e.ID, e.ExitCode, e.Exception.Kind, e.Exception.Message)
	}
	return fmt.Sprintf("stage %s (%s) failed: exit %d", e.StageName, e.ID, e.ExitCode)
}

// SandboxErrorKind signals a mount or clone failure — treated as
// infrastructure failure, not a stage failure, and aborts the pipeline.
type SandboxErrorKind struct {
	StageName string
	Cause     error
}

func (e *SandboxErrorKind) Error() string {
	return fmt.Sprintf("sandbox error for stage %s: %v", e.StageName, e.Cause)
}

func (e *SandboxErrorKind) Unwrap() error { return e.Cause }

// StorageError wraps store.ErrStorageFull or store.ErrStoreCorrupt with
// the object identifier being produced when the failure occurred, so
// callers can diagnose which invocation triggered it. Never retried.
type StorageError struct {
	ID    store.ObjectID
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error for %s: %v", e.ID, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func firstOr(issues []string, fallback string) string {
	if len(issues) == 0 {
		return fallback
	}
	return issues[0]
}
