// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox creates isolated execution environments for pipeline
// stages using bubblewrap (bwrap) Linux namespaces.
//
// The central type is [Sandbox], which assembles a bwrap command from a
// [Profile] and executes it. Profiles are YAML-driven configurations that
// declare filesystem mounts, namespace isolation flags, environment variables,
// resource limits, and directories to create. Profiles support single
// inheritance via the Inherit field, and all string values undergo variable
// expansion ([Variables].ExpandProfile) before use.
//
// Filesystem isolation is the primary security boundary. Every mount is
// declared explicitly in the profile; there is no implicit host filesystem
// visibility. Mount types include bind (read-only or read-write), tmpfs,
// proc, dev, dev-bind (for loop device passthrough), and overlay. Overlay
// mounts use fuse-overlayfs ([OverlayManager]) to provide copy-on-write
// access to a shared package cache with writes captured in either a tmpfs
// or a build-tree-contained upper layer. The upper layer path is validated
// ([ValidateOverlayUpper]) with symlink resolution to prevent writes from
// escaping the build tree.
//
// Resource limits are enforced via systemd transient scopes ([SystemdScope]),
// setting cgroup v2 properties for task count, memory, CPU quota, and CPU
// weight. The scope wraps the bwrap command, so limits apply to the entire
// sandbox process tree.
//
// [BwrapBuilder] translates a Profile into bwrap command-line arguments.
// [Validator] performs pre-flight checks (bwrap availability, user namespace
// support, build tree existence, API socket reachability, mount source
// validity). [Capabilities] probes the host for available features.
// [EscapeTestRunner] verifies stage containment by running a battery of
// escape attempts (network, filesystem, process, privilege) and confirming
// they all fail.
//
// The sandbox creates the namespace and mounts, then exec's the stage's
// command with its stdin, stdout and stderr connected to the engine's
// own; the output is not captured. On context cancellation
// [Sandbox.RunStageGraceful] signals the command's process group
// (SIGTERM, then SIGKILL after a grace period). Host API serving is
// handled by the pipeline executor.
package sandbox
