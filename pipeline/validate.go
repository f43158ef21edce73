// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var referenceMetadataKeyRegexp = regexp.MustCompile(referenceMetadataKeyPattern)

// Validate checks a Manifest for structural issues. Returns a list of
// human-readable issue descriptions. An empty list means the manifest
// is valid.
//
// Structural checks include:
//   - The root pipeline must declare at least one stage or an assembler
//   - Each stage must have a non-empty Name
//   - Each input must set Type and a recognized Origin
//   - Each input must reference at least one hash
//   - Map-form reference metadata keys must match ^\w+\.\w+$
//
// Pipeline-origin references are not checked against the objects the
// manifest's stages produce.
//
// schemas, when non-nil, is consulted for required options; a nil
// loader skips that check (used by callers validating a manifest
// before a libdir is known, e.g. a syntax-only lint pass).
func Validate(manifest *Manifest, schemas *SchemaLoader) []string {
	var issues []string

	issues = append(issues, validatePipeline(&manifest.Pipeline, "pipeline", schemas)...)

	return issues
}

func validatePipeline(p *Pipeline, prefix string, schemas *SchemaLoader) []string {
	var issues []string

	if p.Build != nil {
		issues = append(issues, validatePipeline(p.Build, prefix+".build", schemas)...)
	}

	if len(p.Stages) == 0 && p.Assembler == nil {
		issues = append(issues, fmt.Sprintf("%s: has no stages and no assembler (at least one is required)", prefix))
	}

	for index, stage := range p.Stages {
		issues = append(issues, validateStage(stage, fmt.Sprintf("%s.stages[%d]", prefix, index), schemas)...)
	}

	if p.Assembler != nil {
		issues = append(issues, validateStage(*p.Assembler, prefix+".assembler", schemas)...)
	}

	return issues
}

func validateStage(stage Stage, prefix string, schemas *SchemaLoader) []string {
	var issues []string

	if stage.Name == "" {
		issues = append(issues, fmt.Sprintf("%s: name is required", prefix))
	} else {
		prefix = fmt.Sprintf("%s %q", prefix, stage.Name)
	}

	for name, input := range stage.Inputs {
		issues = append(issues, validateInput(input, fmt.Sprintf("%s.inputs[%q]", prefix, name))...)
	}

	if schemas != nil && stage.Name != "" {
		issues = append(issues, validateAgainstSchema(stage, prefix, schemas)...)
	}

	return issues
}

func validateInput(input Input, prefix string) []string {
	var issues []string

	if input.Type == "" {
		issues = append(issues, fmt.Sprintf("%s: type is required", prefix))
	}

	switch input.Origin {
	case OriginSource, OriginPipeline:
	case "":
		issues = append(issues, fmt.Sprintf("%s: origin is required", prefix))
	default:
		issues = append(issues, fmt.Sprintf("%s: unknown origin %q (want %q or %q)",
			prefix, input.Origin, OriginSource, OriginPipeline))
	}

	if len(input.References.Items) == 0 {
		issues = append(issues, fmt.Sprintf("%s: must reference at least one hash", prefix))
	}

	if input.References.IsMap {
		for _, ref := range input.References.Items {
			if len(ref.Metadata) == 0 {
				continue
			}
			var keyed map[string]any
			if err := json.Unmarshal(ref.Metadata, &keyed); err != nil {
				continue
			}
			for key := range keyed {
				if !referenceMetadataKeyRegexp.MatchString(key) {
					issues = append(issues, fmt.Sprintf(
						"%s: reference %s metadata key %q does not match %s",
						prefix, ref.Hash, key, referenceMetadataKeyPattern))
				}
			}
		}
	}

	return issues
}

func validateAgainstSchema(stage Stage, prefix string, schemas *SchemaLoader) []string {
	var issues []string

	schema, err := schemas.Load(stage.Name)
	if err != nil {
		issues = append(issues, fmt.Sprintf("%s: loading schema: %v", prefix, err))
		return issues
	}

	if len(schema.RequiredOptions) == 0 {
		return issues
	}

	options := map[string]any{}
	if len(stage.Options) > 0 {
		if err := json.Unmarshal(stage.Options, &options); err != nil {
			issues = append(issues, fmt.Sprintf("%s: options is not a JSON object", prefix))
			return issues
		}
	}

	for _, required := range schema.RequiredOptions {
		if _, ok := options[required]; !ok {
			issues = append(issues, fmt.Sprintf("%s: missing required option %q", prefix, required))
		}
	}

	return issues
}
