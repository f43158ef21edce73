// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilnbuild/kiln/config"
	"github.com/kilnbuild/kiln/hostapi"
	"github.com/kilnbuild/kiln/sandbox"
	"github.com/kilnbuild/kiln/store"
)

// defaultGracePeriod is how long a stage gets to exit cleanly after
// SIGTERM before Executor escalates to SIGKILL.
const defaultGracePeriod = 10 * time.Second

const (
	sandboxTreePath    = "/tree"
	sandboxInputsRoot  = "/run/kiln/inputs"
	sandboxSourcesRoot = "/run/kiln/sources"
	sandboxScratchRoot = "/run/kiln/scratch"
)

// SourceFetcher fetches a source blob into the store, keyed by its
// content hash. Executor calls it exactly once per missing blob; the
// store's own WriteSourceBlob dedups concurrent fetches of the same
// hash across processes, so a SourceFetcher implementation need not
// worry about that itself.
type SourceFetcher interface {
	Fetch(ctx context.Context, sourceType string, options json.RawMessage, hash store.ContentHash) error
}

// Executor runs a Plan's stages in order against a Store, materializing
// each stage's inputs, sandboxing its execution, and committing its
// output tree.
type Executor struct {
	Store       *store.Store
	Config      *config.Config
	Profiles    *sandbox.ProfileLoader
	Sources     SourceFetcher
	Logger      *slog.Logger
	GracePeriod time.Duration

	// ExtraBinds are additional bwrap bind specs ("source:dest[:mode]")
	// applied to every stage's sandbox, on top of the tree, scratch,
	// sources, and per-input binds the executor sets up itself. Useful
	// for host paths a deployment wants visible to every stage without
	// editing every profile — a shared toolchain directory, say.
	ExtraBinds []string
}

// NewExecutor creates an Executor. sources may be nil if the manifest
// is known not to reference any org.osbuild.source inputs.
func NewExecutor(st *store.Store, cfg *config.Config, profiles *sandbox.ProfileLoader, sources SourceFetcher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Store:       st,
		Config:      cfg,
		Profiles:    profiles,
		Sources:     sources,
		Logger:      logger,
		GracePeriod: defaultGracePeriod,
	}
}

// Execute runs every stage in plan, in order, and returns the final
// object identifier the plan produces.
func (e *Executor) Execute(ctx context.Context, manifest *Manifest, plan *Plan) (store.ObjectID, error) {
	for _, staged := range plan.All() {
		if err := e.executeStage(ctx, manifest, staged); err != nil {
			return store.ObjectID{}, err
		}
	}

	final, ok := plan.Final()
	if !ok {
		return store.ObjectID{}, &ManifestInvalidError{Issues: []string{"pipeline produces no stages or assembler"}}
	}
	return final, nil
}

func (e *Executor) executeStage(ctx context.Context, manifest *Manifest, staged PlannedStage) error {
	if e.Store.Contains(staged.ID) {
		e.Logger.Info("stage cached", "stage", staged.Stage.Name, "id", staged.ID)
		return nil
	}

	handle, tree, err := e.stageTree(staged)
	if err != nil {
		return &StorageError{ID: staged.ID, Cause: err}
	}
	// Any early return below leaves the tree uncommitted; nothing but a
	// successful Commit may let it survive in tmp/.
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tree)
		}
	}()

	scratchHost, err := e.Store.Mkdtemp("", "scratch-")
	if err != nil {
		return &StorageError{ID: staged.ID, Cause: err}
	}
	defer os.RemoveAll(scratchHost)

	inputs, extraBinds, cleanup, err := e.resolveInputs(ctx, manifest, staged.Stage)
	defer cleanup()
	if err != nil {
		return err
	}

	extraBinds = append(extraBinds, fmt.Sprintf("%s:%s:rw", scratchHost, sandboxScratchRoot))
	extraBinds = append(extraBinds, fmt.Sprintf("%s:%s:ro", filepath.Join(e.Store.Root(), "sources"), sandboxSourcesRoot))
	extraBinds = append(extraBinds, e.ExtraBinds...)

	profileName := e.Config.Sandbox.DefaultProfile
	profile, err := e.Profiles.Resolve(profileName)
	if err != nil {
		return &SandboxErrorKind{StageName: staged.Stage.Name, Cause: err}
	}

	stageOptions, err := parseStageOptions(staged.Stage.Options)
	if err != nil {
		return &ManifestInvalidError{Issues: []string{fmt.Sprintf("stage %s: %v", staged.Stage.Name, err)}}
	}
	if stageOptions.Resources != nil {
		profile = profile.Clone()
		if stageOptions.Resources.TasksMax != 0 {
			profile.Resources.TasksMax = stageOptions.Resources.TasksMax
		}
		if stageOptions.Resources.MemoryMax != "" {
			profile.Resources.MemoryMax = stageOptions.Resources.MemoryMax
		}
		if stageOptions.Resources.CPUQuota != "" {
			profile.Resources.CPUQuota = stageOptions.Resources.CPUQuota
		}
		if stageOptions.Resources.CPUWeight != 0 {
			profile.Resources.CPUWeight = stageOptions.Resources.CPUWeight
		}
	}

	socketPath := filepath.Join(e.Config.HostAPI.SocketDir, staged.ID.String()+".sock")
	defer os.Remove(socketPath)

	metaJSON, _ := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: staged.ID.String()})

	forwardedOptions := staged.Stage.Options
	var optionFields map[string]json.RawMessage
	if json.Unmarshal(staged.Stage.Options, &optionFields) == nil && optionFields != nil {
		delete(optionFields, "_resources")
		delete(optionFields, "_cache_overlay")
		if stripped, err := json.Marshal(optionFields); err == nil {
			forwardedOptions = stripped
		}
	}

	handlerState := &stageHandler{
		store:      e.Store,
		tree:       sandboxTreePath,
		inputs:     inputs,
		options:    forwardedOptions,
		meta:       metaJSON,
		scratchDir: scratchHost,
		logger:     e.Logger.With("stage", staged.Stage.Name, "id", staged.ID.String()),
	}

	server, err := hostapi.NewServer(hostapi.ServerConfig{
		SocketPath: socketPath,
		Handler:    handlerState,
		Logger:     e.Logger,
	})
	if err != nil {
		return &SandboxErrorKind{StageName: staged.Stage.Name, Cause: err}
	}

	serverErrs := make(chan error, 1)
	go func() { serverErrs <- server.Serve(ctx) }()
	defer server.Close()

	var runtimeRootHost string
	if !staged.RuntimeRoot.IsZero() {
		runtimeRootHost, err = e.Store.ObjectPath(staged.RuntimeRoot)
		if err != nil {
			return &StorageError{ID: staged.RuntimeRoot, Cause: err}
		}
	}

	stagePath, err := e.Config.StagePath(runtimeRootHost, staged.Stage.Name)
	if err != nil {
		return &SandboxErrorKind{StageName: staged.Stage.Name, Cause: err}
	}

	command := []string{stagePath}
	if staged.Runner != "" {
		runnerPath, err := e.Config.RunnerPath(runtimeRootHost, staged.Runner)
		if err != nil {
			return &SandboxErrorKind{StageName: staged.Stage.Name, Cause: err}
		}
		command = []string{runnerPath, stagePath}
	}

	sb, err := sandbox.New(sandbox.Config{
		Profile:      profile,
		Tree:         tree,
		RuntimeRoot:  runtimeRootHost,
		APISocket:    socketPath,
		ScopeName:    "kiln-" + staged.ID.String(),
		PackageCache: stageOptions.CacheOverlay,
		ExtraBinds:   extraBinds,
		Logger:       e.Logger,
	})
	if err != nil {
		return &SandboxErrorKind{StageName: staged.Stage.Name, Cause: err}
	}

	runErr := sb.RunStageGraceful(ctx, command, e.GracePeriod)

	if runErr != nil {
		if code, ok := sandbox.IsExitError(runErr); ok {
			return &StageFailedError{
				ID:        staged.ID,
				StageName: staged.Stage.Name,
				ExitCode:  code,
				Exception: handlerState.exception,
			}
		}
		return &SandboxErrorKind{StageName: staged.Stage.Name, Cause: runErr}
	}

	select {
	case err := <-serverErrs:
		if err != nil {
			e.Logger.Warn("host api server reported an error after stage exit", "stage", staged.Stage.Name, "error", err)
		}
	default:
	}

	manifestSidecar := &store.ManifestSidecar{
		Stage:    staged.Stage.Name,
		Options:  staged.Stage.Options,
		Inputs:   staged.InputIDs,
		Upstream: upstreamString(staged.Upstream),
	}

	if err := e.Store.Commit(handle, staged.ID, manifestSidecar, handlerState.metadata); err != nil {
		return &StorageError{ID: staged.ID, Cause: err}
	}
	committed = true

	return nil
}

func upstreamString(id store.ObjectID) string {
	if id.IsZero() {
		return ""
	}
	return id.String()
}

// stageDirectives holds the underscore-prefixed option keys kiln reads
// itself rather than passing through to the stage: resource limits and
// an opt-in shared package cache, both otherwise indistinguishable from
// ordinary stage options in the manifest.
type stageDirectives struct {
	Resources    *sandbox.ResourceConfig `json:"_resources,omitempty"`
	CacheOverlay string                  `json:"_cache_overlay,omitempty"`
}

// parseStageOptions extracts kiln's own directives from a stage's
// options object. A stage's declared options are still passed to it
// verbatim over the Host API; these keys are consumed here and never
// forwarded, matching how the teacher's ResourceConfig is scoped to the
// sandbox layer rather than exposed to the sandboxed process itself.
func parseStageOptions(options json.RawMessage) (stageDirectives, error) {
	var directives stageDirectives
	if len(options) == 0 {
		return directives, nil
	}
	if err := json.Unmarshal(options, &directives); err != nil {
		return stageDirectives{}, fmt.Errorf("parsing stage options: %w", err)
	}
	return directives, nil
}

// stageTree allocates the tree a stage runs against: an empty staged
// directory for the first stage of a pipeline, or a writable clone of
// the upstream tree otherwise.
func (e *Executor) stageTree(staged PlannedStage) (*store.Handle, string, error) {
	if staged.Upstream.IsZero() {
		handle, err := e.Store.NewObject()
		if err != nil {
			return nil, "", err
		}
		return handle, handle.Path(), nil
	}

	path, err := e.Store.Snapshot(staged.Upstream)
	if err != nil {
		return nil, "", err
	}
	return e.Store.AdoptHandle(path), path, nil
}

// resolveInputs materializes a stage's declared inputs into host
// directories and returns the sandbox paths the stage should see, the
// bwrap bind specs needed to expose them, and a cleanup func the caller
// must always invoke.
func (e *Executor) resolveInputs(ctx context.Context, manifest *Manifest, stage Stage) (map[string]string, []string, func(), error) {
	inputs := make(map[string]string, len(stage.Inputs))
	var binds []string
	var scratchDirs []string

	cleanup := func() {
		for _, dir := range scratchDirs {
			os.RemoveAll(dir)
		}
	}

	for name, input := range stage.Inputs {
		hostDir, err := e.Store.Mkdtemp("", "input-")
		if err != nil {
			return nil, nil, cleanup, &StorageError{Cause: err}
		}
		scratchDirs = append(scratchDirs, hostDir)

		switch input.Origin {
		case OriginPipeline:
			for _, ref := range input.References.Items {
				id, err := store.ParseObjectID(ref.Hash)
				if err != nil {
					return nil, nil, cleanup, &ManifestInvalidError{Issues: []string{fmt.Sprintf("input %s: %v", name, err)}}
				}
				if err := e.Store.LinkObjectTree(id, filepath.Join(hostDir, id.String())); err != nil {
					return nil, nil, cleanup, &StorageError{ID: id, Cause: err}
				}
			}

		case OriginSource:
			for _, ref := range input.References.Items {
				hash, err := store.ParseContentHash(ref.Hash)
				if err != nil {
					return nil, nil, cleanup, &ManifestInvalidError{Issues: []string{fmt.Sprintf("input %s: %v", name, err)}}
				}
				if !e.Store.ContainsSource(input.Type, hash) {
					if e.Sources == nil {
						return nil, nil, cleanup, &SourceUnavailableError{SourceType: input.Type, Hash: hash.String(),
							Cause: fmt.Errorf("no source fetcher configured")}
					}
					options := manifest.Sources[input.Type]
					if err := e.Sources.Fetch(ctx, input.Type, options, hash); err != nil {
						return nil, nil, cleanup, &SourceUnavailableError{SourceType: input.Type, Hash: hash.String(), Cause: err}
					}
				}
				srcDir, err := e.Store.SourceDir(input.Type)
				if err != nil {
					return nil, nil, cleanup, &StorageError{Cause: err}
				}
				if err := os.Link(filepath.Join(srcDir, hash.String()), filepath.Join(hostDir, hash.String())); err != nil {
					return nil, nil, cleanup, &StorageError{Cause: err}
				}
			}
		}

		sandboxPath := filepath.Join(sandboxInputsRoot, name)
		inputs[name] = sandboxPath
		binds = append(binds, fmt.Sprintf("%s:%s:ro", hostDir, sandboxPath))
	}

	return inputs, binds, cleanup, nil
}

// stageHandler implements hostapi.Handler for a single stage
// invocation, translating Host API calls into store operations scoped
// to that stage's tree, inputs, and scratch directory.
type stageHandler struct {
	store      *store.Store
	tree       string
	inputs     map[string]string
	options    json.RawMessage
	meta       json.RawMessage
	scratchDir string
	logger     *slog.Logger

	mu        sync.Mutex
	metadata  json.RawMessage
	exception *ExceptionInfo
}

func (h *stageHandler) Arguments(ctx context.Context) (hostapi.ArgumentsResponse, error) {
	return hostapi.ArgumentsResponse{
		Tree:    h.tree,
		Inputs:  h.inputs,
		Options: h.options,
		Meta:    h.meta,
	}, nil
}

func (h *stageHandler) Mkdtemp(ctx context.Context, prefix string) (string, error) {
	path, err := h.store.Mkdtemp(h.scratchDir, prefix)
	if err != nil {
		return "", err
	}
	return filepath.Join(sandboxScratchRoot, filepath.Base(path)), nil
}

func (h *stageHandler) Source(ctx context.Context, sourceType string) (string, error) {
	return filepath.Join(sandboxSourcesRoot, sourceType), nil
}

func (h *stageHandler) Metadata(ctx context.Context, obj json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata = obj
	return nil
}

func (h *stageHandler) Log(ctx context.Context, stream hostapi.LogStream, text string) error {
	switch stream {
	case hostapi.LogStreamStderr:
		h.logger.Warn(text, "stream", stream)
	default:
		h.logger.Info(text, "stream", stream)
	}
	return nil
}

func (h *stageHandler) Exception(ctx context.Context, kind, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exception = &ExceptionInfo{Kind: kind, Message: message}
	h.logger.Error("stage reported exception", "kind", kind, "message", message)
	return nil
}
