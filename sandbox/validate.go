// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ValidationResult holds the result of a validation check.
type ValidationResult struct {
	Name    string
	Passed  bool
	Message string
	Warning bool // True if this is a warning, not an error.
}

// Validator performs pre-flight validation for sandbox execution.
type Validator struct {
	results []ValidationResult
	errors  int
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		results: make([]ValidationResult, 0),
	}
}

// Results returns all validation results.
func (v *Validator) Results() []ValidationResult {
	return v.results
}

// HasErrors returns true if any validation failed.
func (v *Validator) HasErrors() bool {
	return v.errors > 0
}

// pass records a successful validation.
func (v *Validator) pass(name, message string) {
	v.results = append(v.results, ValidationResult{
		Name:    name,
		Passed:  true,
		Message: message,
	})
}

// warn records a warning (not a failure).
func (v *Validator) warn(name, message string) {
	v.results = append(v.results, ValidationResult{
		Name:    name,
		Passed:  true,
		Message: message,
		Warning: true,
	})
}

// fail records a validation failure.
func (v *Validator) fail(name, message string) {
	v.results = append(v.results, ValidationResult{
		Name:    name,
		Passed:  false,
		Message: message,
	})
	v.errors++
}

// ValidateAll runs all validation checks for a sandbox configuration.
// Capability probing (bwrap, systemd, user namespaces, fuse-overlayfs)
// runs once via DetectCapabilities and is shared across the individual
// checks, rather than each one re-invoking the same external commands.
func (v *Validator) ValidateAll(profile *Profile, tree string, apiSocket string) {
	caps := DetectCapabilities()
	v.ValidateCapabilities(caps)
	v.ValidateTree(tree)
	v.ValidateAPISocket(apiSocket)
	v.ValidateProfile(profile)
	v.ValidateProfileSources(profile, tree, apiSocket)
}

// ValidateCapabilities reports the detected sandbox capabilities as
// validation results: bwrap and user namespaces are required (a
// missing one fails validation), systemd and fuse-overlayfs are
// optional (a missing one only degrades resource limits or
// options._cache_overlay support, so it warns).
func (v *Validator) ValidateCapabilities(caps *Capabilities) {
	if !caps.BwrapAvailable {
		v.fail("bwrap", "bubblewrap not found in standard locations")
	} else if info, err := os.Stat(caps.BwrapPath); err != nil {
		v.fail("bwrap", fmt.Sprintf("cannot stat %s: %v", caps.BwrapPath, err))
	} else if info.Mode()&0111 == 0 {
		v.fail("bwrap", fmt.Sprintf("%s is not executable", caps.BwrapPath))
	} else if caps.BwrapVersion == "" {
		v.warn("bwrap", fmt.Sprintf("found at %s but --version failed", caps.BwrapPath))
	} else {
		v.pass("bwrap", fmt.Sprintf("available: %s (%s)", caps.BwrapPath, caps.BwrapVersion))
	}

	if !caps.UserNamespacesEnabled {
		v.fail("userns", "unprivileged user namespaces are disabled or unsupported (set kernel.unprivileged_userns_clone=1)")
	} else {
		v.pass("userns", "user namespaces enabled")
	}

	if !caps.SystemdRunAvailable {
		v.warn("systemd", "systemd-run not found (options._resources will not be enforced)")
	} else if !caps.SystemdUserScopesWork {
		v.warn("systemd", "systemd-run available but cannot create user scopes")
	} else {
		v.pass("systemd", "available (user scopes supported)")
	}

	if !caps.FuseOverlayfsAvailable {
		v.warn("fuse-overlayfs", "not installed (options._cache_overlay will not be usable)")
	} else {
		v.pass("fuse-overlayfs", fmt.Sprintf("available: %s", caps.FuseOverlayfsPath))
	}
}

// ValidateTree checks that the build tree exists.
func (v *Validator) ValidateTree(tree string) {
	if tree == "" {
		v.fail("tree", "build tree path is required")
		return
	}

	// Resolve to absolute path.
	absPath, err := filepath.Abs(tree)
	if err != nil {
		v.fail("tree", fmt.Sprintf("cannot resolve path: %v", err))
		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			v.fail("tree", fmt.Sprintf("does not exist: %s", absPath))
		} else {
			v.fail("tree", fmt.Sprintf("cannot access: %v", err))
		}
		return
	}

	if !info.IsDir() {
		v.fail("tree", fmt.Sprintf("not a directory: %s", absPath))
		return
	}

	v.pass("tree", fmt.Sprintf("exists: %s", absPath))
}

// ValidateAPISocket checks that the API socket exists.
func (v *Validator) ValidateAPISocket(socketPath string) {
	if socketPath == "" {
		socketPath = "/run/kiln/api.sock"
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			v.warn("api", fmt.Sprintf("socket not found: %s (host API features will not work)", socketPath))
		} else {
			v.warn("api", fmt.Sprintf("cannot access socket: %v", err))
		}
		return
	}

	// Check it's a socket.
	if info.Mode()&os.ModeSocket == 0 {
		v.warn("api", fmt.Sprintf("not a socket: %s", socketPath))
		return
	}

	v.pass("api", fmt.Sprintf("socket exists: %s", socketPath))
}

// ValidateProfile checks that the profile is valid.
func (v *Validator) ValidateProfile(profile *Profile) {
	if profile == nil {
		v.fail("profile", "profile is nil")
		return
	}

	if err := profile.Validate(); err != nil {
		v.fail("profile", err.Error())
		return
	}

	v.pass("profile", fmt.Sprintf("loaded: %s", profile.Name))
}

// ValidateProfileSources checks that all non-optional mount sources exist.
func (v *Validator) ValidateProfileSources(profile *Profile, tree, apiSocket string) {
	if profile == nil {
		return
	}

	vars := Variables{
		"TREE":       tree,
		"API_SOCKET": apiSocket,
	}

	for _, mount := range profile.Filesystem {
		// Skip special mount types.
		if mount.Type == MountTypeTmpfs || mount.Type == MountTypeProc || mount.Type == MountTypeDev {
			continue
		}

		source := vars.Expand(mount.Source)

		// Skip variable references that weren't expanded.
		if strings.Contains(source, "${") {
			if mount.Optional {
				continue
			}
			v.fail("mount", fmt.Sprintf("unresolved variable in source: %s", mount.Source))
			continue
		}

		// Check if source exists.
		_, err := os.Stat(source)
		if err != nil {
			if os.IsNotExist(err) {
				if mount.Optional {
					v.warn("mount", fmt.Sprintf("optional source not found: %s -> %s", source, mount.Dest))
				} else {
					v.fail("mount", fmt.Sprintf("source not found: %s -> %s", source, mount.Dest))
				}
			} else {
				v.fail("mount", fmt.Sprintf("cannot access source %s: %v", source, err))
			}
			continue
		}
	}
}

// ValidateLoopDevices checks loop-device requirements for disk image
// assembly stages.
func (v *Validator) ValidateLoopDevices() {
	if _, err := os.Stat("/dev/loop-control"); err != nil {
		v.warn("loop-control", "no /dev/loop-control found (disk image stages will fail)")
	} else {
		v.pass("loop-control", "/dev/loop-control available")
	}

	matches, err := filepath.Glob("/dev/loop[0-9]*")
	if err != nil || len(matches) == 0 {
		v.warn("loop-devices", "no loop devices found (optional, kernel creates them on demand)")
		return
	}
	v.pass("loop-devices", fmt.Sprintf("%d loop device(s) found", len(matches)))
}

// PrintResults writes validation results to a writer.
func (v *Validator) PrintResults(w io.Writer) {
	for _, r := range v.results {
		var prefix string
		if r.Passed {
			if r.Warning {
				prefix = "⚠"
			} else {
				prefix = "✓"
			}
		} else {
			prefix = "✗"
		}
		fmt.Fprintf(w, "%s %s: %s\n", prefix, r.Name, r.Message)
	}

	fmt.Fprintln(w)
	if v.HasErrors() {
		fmt.Fprintf(w, "Validation failed with %d error(s)\n", v.errors)
	} else {
		fmt.Fprintln(w, "Ready to run sandbox")
	}
}
