// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// kiln-build builds an OS image pipeline manifest.
//
// Usage:
//
//	kiln-build [flags] <manifest.json>
//	kiln-build --inspect [flags] <manifest.json>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kilnbuild/kiln/config"
	"github.com/kilnbuild/kiln/pipeline"
	"github.com/kilnbuild/kiln/sandbox"
	"github.com/kilnbuild/kiln/source"
	"github.com/kilnbuild/kiln/store"
	"github.com/kilnbuild/kiln/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kiln-build: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("kiln-build", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, `kiln-build - build an OS image pipeline manifest

USAGE
    kiln-build [flags] <manifest.json>

FLAGS
`)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", os.Getenv("KILN_CONFIG"), "path to kiln config file")
	libdir := fs.String("libdir", "", "override paths.libdir from config")
	storeDir := fs.String("store", "", "override paths.store from config")
	profilesFile := fs.String("profiles", "", "override sandbox.profiles_file from config")
	inspect := fs.Bool("inspect", false, "print the planned stage graph instead of building")
	exportPath := fs.String("export", "", "write the built tree as a compressed tar archive to this path")
	exportFast := fs.Bool("export-fast", false, "use LZ4 instead of zstd for --export, trading ratio for decode speed")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println(version.Info())
		return nil
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected exactly one manifest path argument")
	}
	manifestPath := fs.Arg(0)

	logLevel := slog.LevelInfo
	if os.Getenv("KILN_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *libdir != "" {
		cfg.Paths.Libdir = *libdir
	}
	if *storeDir != "" {
		cfg.Paths.Store = *storeDir
	}
	if *profilesFile != "" {
		cfg.Sandbox.ProfilesFile = *profilesFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	manifest, err := pipeline.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	schemas := pipeline.NewSchemaLoader(cfg.Paths.Libdir)
	if issues := pipeline.Validate(manifest, schemas); len(issues) > 0 {
		return &pipeline.ManifestInvalidError{Issues: issues}
	}

	st, err := store.New(cfg.Paths.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	planner := pipeline.NewPlanner(cfg.Paths.Libdir)

	if *inspect {
		result, err := pipeline.Inspect(manifest, planner, st, pipeline.NameFromPath(manifestPath))
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", manifestPath, err)
		}
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	}

	plan, err := planner.Plan(manifest)
	if err != nil {
		return fmt.Errorf("planning %s: %w", manifestPath, err)
	}

	profiles := sandbox.NewProfileLoader()
	profiles.SetLogger(logger)
	if err := profiles.LoadDefaults(); err != nil {
		return fmt.Errorf("loading default sandbox profiles: %w", err)
	}
	if cfg.Sandbox.ProfilesFile != "" {
		if err := profiles.LoadFile(cfg.Sandbox.ProfilesFile); err != nil {
			return fmt.Errorf("loading sandbox profiles %s: %w", cfg.Sandbox.ProfilesFile, err)
		}
	}

	fetcher := source.New(cfg, profiles, st, logger)
	executor := pipeline.NewExecutor(st, cfg, profiles, fetcher, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received signal, cancelling build")
		cancel()
	}()

	name := pipeline.NameFromPath(manifestPath)
	logger.Info("building pipeline", "name", name, "stages", len(plan.All()))

	final, err := executor.Execute(ctx, manifest, plan)
	if err != nil {
		return fmt.Errorf("building %s: %w", manifestPath, err)
	}

	fmt.Printf("kiln-build: %s -> %s\n", name, final)

	if *exportPath != "" {
		codec := store.ArchiveCodecZstd
		if *exportFast {
			codec = store.ArchiveCodecLZ4
		}
		if err := exportObject(st, final, *exportPath, codec); err != nil {
			return fmt.Errorf("exporting %s: %w", final, err)
		}
		logger.Info("exported build", "id", final, "path", *exportPath, "fast", *exportFast)
	}

	return nil
}

// exportObject writes id's committed tree as a compressed tar archive
// at path, for copying a build to another machine's store.
func exportObject(st *store.Store, id store.ObjectID, path string, codec store.ArchiveCodec) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := st.Export(id, f, codec); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// loadConfig loads configuration from an explicit path, if given,
// otherwise falls back to KILN_CONFIG / built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
