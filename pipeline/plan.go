// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"sort"

	"github.com/kilnbuild/kiln/store"
)

// PlannedStage is one stage in build order: its manifest definition,
// its computed object identifier, and the identifier of the tree it
// runs against (its upstream: the previous stage's identifier, the build
// pipeline's final identifier for the first stage of a pipeline built
// on one, and zero for the first stage of the build pipeline or of a
// pipeline without one).
type PlannedStage struct {
	Stage      Stage
	ID         store.ObjectID
	Upstream   store.ObjectID
	InputIDs   []string
	PipelineOf string // "" for the top-level pipeline, else "build" or "assembler"

	// RuntimeRoot is the tree that stands in for the sandbox's root
	// filesystem when this stage runs: the build pipeline's final
	// object for a pipeline built on top of one, zero to use the host
	// root directly. This is distinct from Upstream, which is the
	// stage's own writable build tree (mounted at /tree) — a stage
	// resolves its binary and its C library, interpreter, and so on
	// from RuntimeRoot, and writes its output into Upstream.
	RuntimeRoot store.ObjectID

	// Runner names an entrypoint script resolved under RuntimeRoot
	// (or the host root) that wraps the stage binary's invocation,
	// or empty to invoke the stage binary directly. Set from the
	// owning pipeline level's "runner" field.
	Runner string
}

// Plan is the fully resolved build order for a manifest: every stage
// from the build pipeline, then the main pipeline, then the assembler,
// each carrying its computed identifier.
type Plan struct {
	BuildStages []PlannedStage
	MainStages  []PlannedStage
	Assembler   *PlannedStage
}

// Final returns the identifier of the tree the plan ultimately
// produces: the assembler's identifier if present, else the last main
// stage's, else the last build stage's (a pipeline with no stages of
// its own but a build sub-pipeline just re-exports the build tree).
func (p *Plan) Final() (store.ObjectID, bool) {
	if p.Assembler != nil {
		return p.Assembler.ID, true
	}
	if len(p.MainStages) > 0 {
		return p.MainStages[len(p.MainStages)-1].ID, true
	}
	if len(p.BuildStages) > 0 {
		return p.BuildStages[len(p.BuildStages)-1].ID, true
	}
	return store.ObjectID{}, false
}

// All returns every planned stage in execution order.
func (p *Plan) All() []PlannedStage {
	all := make([]PlannedStage, 0, len(p.BuildStages)+len(p.MainStages)+1)
	all = append(all, p.BuildStages...)
	all = append(all, p.MainStages...)
	if p.Assembler != nil {
		all = append(all, *p.Assembler)
	}
	return all
}

// Planner compiles a validated manifest into a Plan: a linear stage
// order plus each stage's deterministic object identifier. Pipelines
// in this system form a chain, not a general DAG — each stage other
// than pipeline-origin inputs consumes the previous stage's tree — so
// planning is a straight walk rather than a topological sort.
type Planner struct {
	Schemas *SchemaLoader
}

// NewPlanner creates a Planner using schemas loaded from libdir.
func NewPlanner(libdir string) *Planner {
	return &Planner{Schemas: NewSchemaLoader(libdir)}
}

// Plan resolves manifest into a Plan. It assumes manifest has already
// passed Validate; Plan does not re-validate.
func (p *Planner) Plan(manifest *Manifest) (*Plan, error) {
	plan := &Plan{}

	var buildFinal store.ObjectID
	if manifest.Pipeline.Build != nil {
		// The build pipeline is itself the bootstrap pipeline: it runs
		// against the host root (RuntimeRoot zero), same as any
		// pipeline with no build pipeline of its own.
		stages, err := p.planPipeline(manifest.Pipeline.Build, store.ObjectID{}, "build", store.ObjectID{}, manifest.Pipeline.Build.Runner)
		if err != nil {
			return nil, fmt.Errorf("planning build pipeline: %w", err)
		}
		plan.BuildStages = stages
		if len(stages) > 0 {
			buildFinal = stages[len(stages)-1].ID
		}
	}

	// The outer pipeline's stages resolve their binaries from buildFinal
	// (the runtime root) while their own working tree still chains from
	// stage to stage starting at buildFinal (the upstream) — the same
	// object plays both roles for the first stage only; RuntimeRoot
	// stays buildFinal for every stage at this level, while Upstream
	// advances stage by stage.
	mainStages, err := p.planPipeline(&manifest.Pipeline, buildFinal, "", buildFinal, manifest.Pipeline.Runner)
	if err != nil {
		return nil, fmt.Errorf("planning pipeline: %w", err)
	}
	plan.MainStages = mainStages

	upstream := buildFinal
	if len(mainStages) > 0 {
		upstream = mainStages[len(mainStages)-1].ID
	}

	if manifest.Pipeline.Assembler != nil {
		planned, err := p.planStage(*manifest.Pipeline.Assembler, upstream, "assembler", buildFinal, manifest.Pipeline.Runner)
		if err != nil {
			return nil, fmt.Errorf("planning assembler: %w", err)
		}
		plan.Assembler = &planned
	}

	return plan, nil
}

// planPipeline plans the linear chain of stages within a single
// pipeline level (excluding its Build sub-pipeline and Assembler,
// which the caller plans separately since they occupy distinct
// positions in the overall build order). runtimeRoot and runner are
// the same for every stage at this level: the runtime root is fixed
// once per pipeline, only the working tree (upstream) advances.
func (p *Planner) planPipeline(pl *Pipeline, upstream store.ObjectID, of string, runtimeRoot store.ObjectID, runner string) ([]PlannedStage, error) {
	planned := make([]PlannedStage, 0, len(pl.Stages))
	for _, stage := range pl.Stages {
		result, err := p.planStage(stage, upstream, of, runtimeRoot, runner)
		if err != nil {
			return nil, err
		}
		planned = append(planned, result)
		upstream = result.ID
	}
	return planned, nil
}

func (p *Planner) planStage(stage Stage, upstream store.ObjectID, of string, runtimeRoot store.ObjectID, runner string) (PlannedStage, error) {
	// Input names are iterated in sorted order, not map order: the
	// combined inputIDs slice feeds directly into the identifier hash,
	// so its element order must be deterministic across runs even
	// though map iteration itself is not.
	names := make([]string, 0, len(stage.Inputs))
	for name := range stage.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var inputIDs []string
	for _, name := range names {
		ordered, err := p.Schemas.InputOrdered(stage.Name, name)
		if err != nil {
			return PlannedStage{}, fmt.Errorf("stage %s: input %s: %w", stage.Name, name, err)
		}
		inputIDs = append(inputIDs, InputIdentifiers(stage.Inputs[name], ordered)...)
	}

	id, err := Identifier(stage.Name, stage.Options, inputIDs, upstream)
	if err != nil {
		return PlannedStage{}, fmt.Errorf("stage %s: %w", stage.Name, err)
	}

	return PlannedStage{
		Stage:       stage,
		ID:          id,
		Upstream:    upstream,
		InputIDs:    inputIDs,
		PipelineOf:  of,
		RuntimeRoot: runtimeRoot,
		Runner:      runner,
	}, nil
}
