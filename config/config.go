// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for kiln.
//
// Configuration is loaded from a single file specified by:
//   - KILN_CONFIG environment variable, or
//   - --config flag passed to the command
//
// When neither is given, the built-in defaults (see Default) are used.
// No configuration file is searched for, so there are no hidden
// overrides.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for kiln.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Sandbox configures the stage execution sandbox.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// HostAPI configures the per-stage control channel.
	HostAPI HostAPIConfig `yaml:"host_api"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Store is the root of the content-addressed object store
	// (objects/, refs/, sources/, tmp/).
	Store string `yaml:"store"`

	// Libdir is the directory tree containing stage and source
	// fetcher binaries, resolved as <libdir>/stages/<name> and
	// <libdir>/sources/<type>.
	Libdir string `yaml:"libdir"`

	// PackageCache is a directory shared read-only across stage
	// invocations via an overlay mount, typically a distro package
	// manager's download cache.
	PackageCache string `yaml:"package_cache"`
}

// SandboxConfig configures the stage execution sandbox.
type SandboxConfig struct {
	// DefaultProfile is the sandbox profile used when a stage does not
	// request a different one.
	DefaultProfile string `yaml:"default_profile"`

	// ProfilesFile is the path to a sandbox profiles configuration file.
	// Empty means use the built-in defaults only.
	ProfilesFile string `yaml:"profiles_file"`
}

// HostAPIConfig configures the per-stage control channel.
type HostAPIConfig struct {
	// SocketDir is the directory under which per-stage host API sockets
	// are created. Each stage gets its own socket, removed at teardown.
	SocketDir string `yaml:"socket_dir"`
}

// Default returns the default configuration. These defaults ensure all
// fields have sensible zero-values, not as a fallback — the config file
// is not required, but when present it only needs to override what
// differs from these defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "kiln")

	return &Config{
		Paths: PathsConfig{
			Store:        filepath.Join(defaultRoot, "store"),
			Libdir:       "/usr/lib/kiln",
			PackageCache: "",
		},
		Sandbox: SandboxConfig{
			DefaultProfile: "stage",
			ProfilesFile:   "",
		},
		HostAPI: HostAPIConfig{
			SocketDir: "/run/kiln",
		},
	}
}

// Load loads configuration from the KILN_CONFIG environment variable.
// Returns the defaults, unmodified, if the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv("KILN_CONFIG")
	if configPath == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applying it
// on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"KILN_STORE": c.Paths.Store,
		"HOME":       os.Getenv("HOME"),
	}

	c.Paths.Store = expandVars(c.Paths.Store, vars)
	vars["KILN_STORE"] = c.Paths.Store // Update for dependent paths.

	c.Paths.Libdir = expandVars(c.Paths.Libdir, vars)
	c.Paths.PackageCache = expandVars(c.Paths.PackageCache, vars)
	c.Sandbox.ProfilesFile = expandVars(c.Sandbox.ProfilesFile, vars)
	c.HostAPI.SocketDir = expandVars(c.HostAPI.SocketDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Paths.Store == "" {
		return fmt.Errorf("paths.store is required")
	}
	if c.Paths.Libdir == "" {
		return fmt.Errorf("paths.libdir is required")
	}
	if c.Sandbox.DefaultProfile == "" {
		return fmt.Errorf("sandbox.default_profile is required")
	}
	if c.HostAPI.SocketDir == "" {
		return fmt.Errorf("host_api.socket_dir is required")
	}
	return nil
}

// EnsurePaths creates the configured store and host API socket
// directories if they don't already exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Store, c.HostAPI.SocketDir} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// StagePath returns the resolved path to a stage binary within the
// configured libdir, resolved under runtimeRoot rather than the host
// directly when runtimeRoot is non-empty — runtimeRoot is the host path
// of a build pipeline's final tree standing in for the sandbox's root
// filesystem, empty when the stage runs against the host root itself.
func (c *Config) StagePath(runtimeRoot, name string) (string, error) {
	root := c.Paths.Libdir
	if runtimeRoot != "" {
		root = filepath.Join(runtimeRoot, c.Paths.Libdir)
	}
	path := filepath.Join(root, "stages", name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("stage %q not found under %s: %w", name, root, err)
	}
	return path, nil
}

// RunnerPath returns the resolved path to a runner script within the
// configured libdir, resolved the same way as StagePath — under
// runtimeRoot when a build pipeline supplies one, else under the host
// libdir directly.
func (c *Config) RunnerPath(runtimeRoot, name string) (string, error) {
	root := c.Paths.Libdir
	if runtimeRoot != "" {
		root = filepath.Join(runtimeRoot, c.Paths.Libdir)
	}
	path := filepath.Join(root, "runners", name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("runner %q not found under %s: %w", name, root, err)
	}
	return path, nil
}

// SourcePath returns the resolved path to a source fetcher binary within
// the configured libdir.
func (c *Config) SourcePath(sourceType string) (string, error) {
	path := filepath.Join(c.Paths.Libdir, "sources", sourceType)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("source %q not found under %s: %w", sourceType, c.Paths.Libdir, err)
	}
	return path, nil
}

// BinaryPath resolves a helper binary (e.g. kiln-hostapi) by looking in
// Paths.Libdir/bin first, then falling back to PATH lookup.
func (c *Config) BinaryPath(name string) (string, error) {
	if c.Paths.Libdir != "" {
		binPath := filepath.Join(c.Paths.Libdir, "bin", name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in %s/bin or PATH", name, c.Paths.Libdir)
	}
	return path, nil
}
