// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// Sandbox manages isolated execution of a single pipeline stage.
type Sandbox struct {
	profile        *Profile
	tree           string
	runtimeRoot    string
	apiSocket      string
	scopeName      string
	loopDevices    bool
	packageCache   string
	extraBinds     []string
	extraEnv       map[string]string
	logger         *slog.Logger
	overlayManager *OverlayManager
	overlayMerged  map[string]string // dest -> merged path for overlay mounts
}

// Config holds configuration for creating a new Sandbox.
type Config struct {
	// Profile is the resolved profile to use.
	Profile *Profile

	// Tree is the path to the stage build tree.
	Tree string

	// RuntimeRoot is the host path of a directory that stands in for
	// the sandbox's root filesystem — a build pipeline's committed
	// final tree — in place of the host's own /usr, /bin, /lib, and
	// /lib64. Empty means the sandbox's root-defining mounts come from
	// the host directly, the bootstrap-pipeline case.
	RuntimeRoot string

	// APISocket is the path to the kiln-hostapi Unix socket.
	APISocket string

	// ScopeName is the systemd scope name for resource tracking.
	ScopeName string

	// LoopDevices enables loop device passthrough for disk image assembly stages.
	LoopDevices bool

	// PackageCache is the path to a shared package manager cache directory.
	PackageCache string

	// ExtraBinds are additional bind mounts (source:dest[:mode]).
	ExtraBinds []string

	// ExtraEnv are additional environment variables.
	ExtraEnv map[string]string

	// Logger for sandbox operations.
	Logger *slog.Logger
}

// New creates a new Sandbox.
func New(config Config) (*Sandbox, error) {
	if config.Profile == nil {
		return nil, fmt.Errorf("profile is required")
	}
	if config.Tree == "" {
		return nil, fmt.Errorf("tree is required")
	}

	// Resolve tree to absolute path.
	tree, err := filepath.Abs(config.Tree)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tree path: %w", err)
	}

	runtimeRoot := config.RuntimeRoot
	if runtimeRoot != "" {
		runtimeRoot, err = filepath.Abs(runtimeRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve runtime root path: %w", err)
		}
	}

	// Default API socket.
	apiSocket := config.APISocket
	if apiSocket == "" {
		apiSocket = "/run/kiln/api.sock"
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sandbox{
		profile:      config.Profile,
		tree:         tree,
		runtimeRoot:  runtimeRoot,
		apiSocket:    apiSocket,
		scopeName:    config.ScopeName,
		loopDevices:  config.LoopDevices,
		packageCache: config.PackageCache,
		extraBinds:   config.ExtraBinds,
		extraEnv:     config.ExtraEnv,
		logger:       logger,
	}, nil
}

// RunStage executes a stage's command in the sandbox. On context
// cancellation the sandboxed command is killed immediately (SIGKILL);
// use RunStageGraceful to give the command a chance to clean up first.
func (s *Sandbox) RunStage(ctx context.Context, command []string) error {
	return s.RunStageGraceful(ctx, command, 0)
}

// RunStageGraceful executes a stage's command in the sandbox. On
// context cancellation, if gracePeriod is positive the bwrap process
// group receives SIGTERM first and is only SIGKILLed after the grace
// period elapses; a zero gracePeriod sends SIGKILL immediately. This
// mirrors the executor's shell command cancellation, generalized from
// a single process to bwrap's process group so that the sandboxed
// stage and everything it spawned are reaped together.
func (s *Sandbox) RunStageGraceful(ctx context.Context, command []string, gracePeriod time.Duration) error {
	// Set up overlay mounts if any are configured.
	if HasOverlayMounts(s.profile) {
		if err := s.setupOverlays(); err != nil {
			return fmt.Errorf("failed to set up overlay mounts: %w", err)
		}
		defer s.cleanupOverlays()
	}

	cmd, err := s.Command(ctx, command)
	if err != nil {
		return err
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if gracePeriod > 0 {
		cmd.Cancel = func() error {
			processGroupID := -cmd.Process.Pid
			if err := syscall.Kill(processGroupID, syscall.SIGTERM); err != nil {
				return syscall.Kill(processGroupID, syscall.SIGKILL)
			}
			go func() {
				time.Sleep(gracePeriod)
				_ = syscall.Kill(processGroupID, syscall.SIGKILL)
			}()
			return nil
		}
	} else {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}

	s.logger.Info("running sandboxed stage",
		"profile", s.profile.Name,
		"tree", s.tree,
		"command", command,
	)

	if err := cmd.Run(); err != nil {
		// Extract exit code if available.
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("sandbox command failed: %w", err)
	}

	return nil
}

// setupOverlays creates overlay mounts for the sandbox.
func (s *Sandbox) setupOverlays() error {
	var err error
	s.overlayManager, err = NewOverlayManager(s.tree)
	if err != nil {
		return err
	}

	s.overlayMerged = make(map[string]string)

	// Expand variables for overlay mounts.
	vars := Variables{
		"TREE":       s.tree,
		"ROOT":       s.runtimeRoot,
		"API_SOCKET": s.apiSocket,
		"TERM":       os.Getenv("TERM"),
		"HOME":       os.Getenv("HOME"),
	}

	for _, mount := range s.profile.Filesystem {
		if mount.Type != MountTypeOverlay {
			continue
		}

		// Expand variables in mount paths.
		expandedMount := Mount{
			Source:   vars.Expand(mount.Source),
			Dest:     vars.Expand(mount.Dest),
			Type:     mount.Type,
			Upper:    vars.Expand(mount.Upper),
			Options:  mount.Options,
			Optional: mount.Optional,
		}

		s.logger.Info("setting up overlay mount",
			"source", expandedMount.Source,
			"dest", expandedMount.Dest,
			"upper", expandedMount.Upper,
		)

		mergedPath, err := s.overlayManager.SetupMount(expandedMount)
		if err != nil {
			s.overlayManager.Cleanup()
			return fmt.Errorf("failed to set up overlay for %s: %w", mount.Dest, err)
		}

		if mergedPath != "" {
			s.overlayMerged[expandedMount.Dest] = mergedPath
		}
	}

	return nil
}

// cleanupOverlays unmounts all overlay mounts.
func (s *Sandbox) cleanupOverlays() {
	if s.overlayManager != nil {
		s.overlayManager.Cleanup()
		s.overlayManager = nil
		s.overlayMerged = nil
	}
}

// Command creates an exec.Cmd for running a stage's command in the sandbox.
// Useful for custom I/O handling or testing.
func (s *Sandbox) Command(ctx context.Context, command []string) (*exec.Cmd, error) {
	// Expand profile variables.
	vars := Variables{
		"TREE":       s.tree,
		"ROOT":       s.runtimeRoot,
		"API_SOCKET": s.apiSocket,
		"TERM":       os.Getenv("TERM"),
	}
	profile := vars.ExpandProfile(s.profile)

	// Build bwrap command.
	builder := NewBwrapBuilder()
	bwrapArgs, err := builder.Build(&BwrapOptions{
		Profile:       profile,
		Tree:          s.tree,
		ExtraBinds:    s.extraBinds,
		ExtraEnv:      s.extraEnv,
		PackageCache:  s.packageCache,
		LoopDevices:   s.loopDevices,
		Command:       command,
		ClearEnv:      true,
		OverlayMerged: s.overlayMerged,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build bwrap command: %w", err)
	}

	// Get bwrap path.
	bwrapPath, err := BwrapPath()
	if err != nil {
		return nil, err
	}

	// Full command: bwrap [args...]
	fullCmd := append([]string{bwrapPath}, bwrapArgs...)

	// Wrap with systemd scope if resource limits are configured.
	if profile.Resources.HasLimits() {
		scope := NewSystemdScope(s.scopeName, profile.Resources)
		if scope.Available() {
			fullCmd = scope.WrapCommand(fullCmd)
		} else {
			s.logger.Warn("systemd-run not available, resource limits will not be enforced")
		}
	}

	// Create command.
	cmd := exec.CommandContext(ctx, fullCmd[0], fullCmd[1:]...)

	// Explicitly set a minimal environment for the bwrap process. If cmd.Env
	// is nil, Go inherits the parent's full environment; even though bwrap
	// itself uses --clearenv internally for the sandboxed process, bwrap's
	// own /proc/<pid>/environ would still carry the engine's environment,
	// readable by anything sharing its PID namespace.
	//
	// PATH lets bwrap find libraries; TERM covers stage tools that print
	// progress. Everything else reaches the stage via bwrap's --setenv.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TERM=" + os.Getenv("TERM"),
	}

	// Set process group for clean shutdown.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	return cmd, nil
}

// DryRun returns the command that would be executed without running it.
// Note: For profiles with overlay mounts, this returns the command as if
// overlays were set up. Call RunStage() to actually execute with overlay setup.
func (s *Sandbox) DryRun(command []string) ([]string, error) {
	// Expand profile variables.
	vars := Variables{
		"TREE":       s.tree,
		"ROOT":       s.runtimeRoot,
		"API_SOCKET": s.apiSocket,
		"TERM":       os.Getenv("TERM"),
	}
	profile := vars.ExpandProfile(s.profile)

	// Build bwrap command.
	// Note: overlayMerged will be nil for DryRun, so overlay mounts will
	// show up as errors or be skipped. This is intentional - DryRun shows
	// the template, not the actual runtime configuration.
	builder := NewBwrapBuilder()
	bwrapArgs, err := builder.Build(&BwrapOptions{
		Profile:       profile,
		Tree:          s.tree,
		ExtraBinds:    s.extraBinds,
		ExtraEnv:      s.extraEnv,
		PackageCache:  s.packageCache,
		LoopDevices:   s.loopDevices,
		Command:       command,
		ClearEnv:      true,
		OverlayMerged: s.overlayMerged,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build bwrap command: %w", err)
	}

	// Get bwrap path.
	bwrapPath, err := BwrapPath()
	if err != nil {
		return nil, err
	}

	// Full command: bwrap [args...]
	fullCmd := append([]string{bwrapPath}, bwrapArgs...)

	// Wrap with systemd scope if resource limits are configured.
	if profile.Resources.HasLimits() {
		scope := NewSystemdScope(s.scopeName, profile.Resources)
		fullCmd = scope.WrapCommand(fullCmd)
	}

	return fullCmd, nil
}

// Validate runs pre-flight validation checks.
func (s *Sandbox) Validate(w io.Writer) error {
	validator := NewValidator()
	validator.ValidateAll(s.profile, s.tree, s.apiSocket)

	if s.loopDevices {
		validator.ValidateLoopDevices()
	}

	validator.PrintResults(w)

	if validator.HasErrors() {
		return fmt.Errorf("validation failed")
	}
	return nil
}

// Profile returns the sandbox's profile.
func (s *Sandbox) Profile() *Profile {
	return s.profile
}

// Tree returns the sandbox's build tree path.
func (s *Sandbox) Tree() string {
	return s.tree
}

// ExitError represents a non-zero exit from the sandboxed command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// IsExitError checks if an error is an ExitError and returns the code.
func IsExitError(err error) (int, bool) {
	if exitErr, ok := err.(*ExitError); ok {
		return exitErr.Code, true
	}
	return 0, false
}
