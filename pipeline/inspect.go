// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/kilnbuild/kiln/store"
)

// InspectResult is the --inspect output for a manifest: every planned
// stage's identifier and cache status, without running anything.
type InspectResult struct {
	Name   string         `json:"name"`
	Stages []InspectStage `json:"stages"`
	Final  string         `json:"final,omitempty"`
}

// InspectStage describes one planned stage's identity: identifier and
// cache status only, no execution.
type InspectStage struct {
	Pipeline string `json:"pipeline,omitempty"`
	Name     string `json:"stage"`
	ID       string `json:"id"`
	Cached   bool   `json:"cached"`
}

// Inspect plans manifest and reports each stage's identifier and
// whether it is already present in st, without executing anything.
func Inspect(manifest *Manifest, planner *Planner, st *store.Store, name string) (*InspectResult, error) {
	plan, err := planner.Plan(manifest)
	if err != nil {
		return nil, err
	}

	result := &InspectResult{Name: name}
	for _, staged := range plan.All() {
		result.Stages = append(result.Stages, InspectStage{
			Pipeline: staged.PipelineOf,
			Name:     staged.Stage.Name,
			ID:       staged.ID.String(),
			Cached:   st.Contains(staged.ID),
		})
	}

	if final, ok := plan.Final(); ok {
		result.Final = final.String()
	}

	return result, nil
}
