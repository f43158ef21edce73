// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilnbuild/kiln/config"
	"github.com/kilnbuild/kiln/sandbox"
	"github.com/kilnbuild/kiln/store"
)

// sourceProfile is the sandbox profile fetchers run under: isolated
// like a stage except the network namespace is left unshared, since
// fetchers need network access to reach package repositories, object
// storage, or container registries.
const sourceProfile = "source"

// Fetch launches the fetcher binary for sourceType inside a
// network-enabled sandbox, feeding it spec on stdin, and verifies every
// requested hash landed in spec.Output afterward.
func Fetch(ctx context.Context, cfg *config.Config, profiles *sandbox.ProfileLoader, sourceType string, spec FetchSpec, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	fetcherPath, err := cfg.SourcePath(sourceType)
	if err != nil {
		return fmt.Errorf("resolving fetcher for %s: %w", sourceType, err)
	}

	profile, err := profiles.Resolve(sourceProfile)
	if err != nil {
		return fmt.Errorf("resolving sandbox profile %q: %w", sourceProfile, err)
	}

	if err := os.MkdirAll(spec.Output, 0o755); err != nil {
		return fmt.Errorf("preparing output directory %s: %w", spec.Output, err)
	}

	sb, err := sandbox.New(sandbox.Config{
		Profile:      profile,
		Tree:         spec.Output,
		PackageCache: spec.Cache,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating fetcher sandbox for %s: %w", sourceType, err)
	}

	requestBody, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding fetch request: %w", err)
	}

	cmd, err := sb.Command(ctx, []string{fetcherPath})
	if err != nil {
		return fmt.Errorf("building fetcher command for %s: %w", sourceType, err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(requestBody)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("fetching source", "type", sourceType, "items", len(spec.Items))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("fetcher %s failed: %w: %s", sourceType, err, stderr.String())
	}

	var result FetchResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return fmt.Errorf("parsing fetcher %s output: %w", sourceType, err)
	}

	for _, item := range spec.Items {
		if _, err := os.Stat(filepath.Join(spec.Output, item.Hash)); err != nil {
			return fmt.Errorf("fetcher %s did not produce %s: %w", sourceType, item.Hash, store.ErrSourceInvalid)
		}
	}

	return nil
}

// Fetcher adapts Fetch into the pipeline.SourceFetcher interface,
// verifying and placing one blob at a time into the store.
type Fetcher struct {
	Config   *config.Config
	Profiles *sandbox.ProfileLoader
	Store    *store.Store
	Logger   *slog.Logger
}

// New creates a Fetcher.
func New(cfg *config.Config, profiles *sandbox.ProfileLoader, st *store.Store, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{Config: cfg, Profiles: profiles, Store: st, Logger: logger}
}

// Fetch fetches a single blob into the store's sources/<type>/
// directory, satisfying pipeline.SourceFetcher.
func (f *Fetcher) Fetch(ctx context.Context, sourceType string, options json.RawMessage, hash store.ContentHash) error {
	scratch, err := f.Store.Mkdtemp("", "fetch-")
	if err != nil {
		return fmt.Errorf("allocating fetch scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	spec := FetchSpec{
		Items:     []Item{{Hash: hash.String()}},
		Options:   options,
		Checksums: true,
		Output:    scratch,
	}

	if err := Fetch(ctx, f.Config, f.Profiles, sourceType, spec, f.Logger); err != nil {
		return err
	}

	fetchedPath := filepath.Join(scratch, hash.String())
	file, err := os.Open(fetchedPath)
	if err != nil {
		return fmt.Errorf("fetcher %s did not produce %s: %w", sourceType, hash, store.ErrSourceInvalid)
	}
	defer file.Close()

	if err := f.Store.WriteSourceBlob(sourceType, hash, file); err != nil {
		return fmt.Errorf("placing fetched blob %s: %w", hash, err)
	}

	return nil
}
