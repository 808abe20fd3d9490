// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	cedar "github.com/cedar-policy/cedar-go"

	"github.com/relaymesh/authd/pkg/logger"
)

// Common errors for Cedar bundle loading.
var (
	ErrNoCheckpoints = errors.New("bundle defines no checkpoints")
	ErrNoPolicies    = errors.New("checkpoint defines no policies")
	ErrInvalidPolicy = errors.New("invalid policy")
)

// Entity types and baseline policy used by every checkpoint.
const (
	entityTypeRequester = "Requester"
	entityTypeAction    = "Action"
	entityTypeResource  = "Resource"

	// baselinePermit makes the bundle violation-driven: a checkpoint
	// allows unless one of its forbid rules fires.
	baselinePermit = "permit(principal, action, resource);"
)

// Rule is one forbid rule with the violation it produces when it fires.
type Rule struct {
	// ID names the rule within its checkpoint.
	ID string `json:"id"`

	// Cedar is the policy text. Expected to be a forbid rule; a rule that
	// permits adds nothing since the baseline already permits.
	Cedar string `json:"cedar"`

	// Violation is reported when the rule denies the request.
	Violation Violation `json:"violation"`
}

// CheckpointBundle is the compiled-policy input for one checkpoint.
type CheckpointBundle struct {
	Rules []Rule `json:"rules"`

	// EntitiesJSON is the optional Cedar entity store for this
	// checkpoint, in Cedar entity-JSON format.
	EntitiesJSON string `json:"entities_json,omitempty"`
}

// BundleConfig is the serialized policy bundle: per-checkpoint rule sets.
type BundleConfig struct {
	Version     string                          `json:"version"`
	Checkpoints map[Checkpoint]CheckpointBundle `json:"checkpoints"`
}

// LoadBundleConfig loads a bundle from a JSON file.
//
//nolint:gosec // intentionally loading a user-specified file
func LoadBundleConfig(path string) (*BundleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy bundle: %w", err)
	}

	var cfg BundleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy bundle: %w", err)
	}
	return &cfg, nil
}

// compiledCheckpoint is one checkpoint's immutable policy set.
type compiledCheckpoint struct {
	policySet *cedar.PolicySet
	entities  cedar.EntityMap

	// violations maps a rule's policy ID to the violation it reports.
	violations map[cedar.PolicyID]Violation
}

// CedarEngine evaluates checkpoints against Cedar policy sets. The engine
// is immutable once built; reloads go through Handle.Swap.
type CedarEngine struct {
	checkpoints map[Checkpoint]*compiledCheckpoint
}

// NewCedarEngine compiles a bundle into an engine. Every checkpoint gets a
// baseline permit so that only forbid rules, each tagged with a violation,
// decide the outcome.
func NewCedarEngine(cfg *BundleConfig) (*CedarEngine, error) {
	if cfg == nil || len(cfg.Checkpoints) == 0 {
		return nil, ErrNoCheckpoints
	}

	engine := &CedarEngine{checkpoints: make(map[Checkpoint]*compiledCheckpoint, len(cfg.Checkpoints))}

	for name, bundle := range cfg.Checkpoints {
		compiled := &compiledCheckpoint{
			policySet:  cedar.NewPolicySet(),
			entities:   cedar.EntityMap{},
			violations: make(map[cedar.PolicyID]Violation, len(bundle.Rules)),
		}

		var baseline cedar.Policy
		if err := baseline.UnmarshalCedar([]byte(baselinePermit)); err != nil {
			return nil, fmt.Errorf("%w: baseline: %w", ErrInvalidPolicy, err)
		}
		compiled.policySet.Add("baseline", &baseline)

		for i, rule := range bundle.Rules {
			var policy cedar.Policy
			if err := policy.UnmarshalCedar([]byte(rule.Cedar)); err != nil {
				return nil, fmt.Errorf("%w: checkpoint %s rule %d (%s): %w", ErrInvalidPolicy, name, i, rule.ID, err)
			}

			id := cedar.PolicyID(rule.ID)
			if id == "" {
				id = cedar.PolicyID(fmt.Sprintf("rule%d", i))
			}
			compiled.policySet.Add(id, &policy)
			compiled.violations[id] = rule.Violation
		}

		if bundle.EntitiesJSON != "" {
			if err := json.Unmarshal([]byte(bundle.EntitiesJSON), &compiled.entities); err != nil {
				return nil, fmt.Errorf("failed to parse entities for checkpoint %s: %w", name, err)
			}
		}

		engine.checkpoints[name] = compiled
	}

	return engine, nil
}

// Evaluate runs the checkpoint's policy set against the input. A denial is
// translated into the violations of the forbid rules that fired; an
// evaluation error is reported as ErrUnavailable, never as an allow.
func (e *CedarEngine) Evaluate(_ context.Context, checkpoint Checkpoint, input Input) ([]Violation, error) {
	compiled, ok := e.checkpoints[checkpoint]
	if !ok {
		return nil, fmt.Errorf("%w: unknown checkpoint %q", ErrUnavailable, checkpoint)
	}

	principal := input.Principal
	if principal == "" {
		principal = "anonymous"
	}
	resource := input.Resource
	if resource == "" {
		resource = "none"
	}

	req := cedar.Request{
		Principal: cedar.NewEntityUID(cedar.EntityType(entityTypeRequester), cedar.String(principal)),
		Action:    cedar.NewEntityUID(cedar.EntityType(entityTypeAction), cedar.String(string(checkpoint))),
		Resource:  cedar.NewEntityUID(cedar.EntityType(entityTypeResource), cedar.String(resource)),
		Context:   buildContext(input),
	}

	decision, diagnostic := cedar.Authorize(compiled.policySet, compiled.entities, req)

	if len(diagnostic.Errors) > 0 {
		logger.Errorw("policy evaluation failed",
			"checkpoint", checkpoint,
			"errors", fmt.Sprintf("%v", diagnostic.Errors),
		)
		return nil, fmt.Errorf("%w: checkpoint %s evaluation errored", ErrUnavailable, checkpoint)
	}

	if decision == cedar.Allow {
		return nil, nil
	}

	violations := make([]Violation, 0, len(diagnostic.Reasons))
	for _, reason := range diagnostic.Reasons {
		if v, ok := compiled.violations[reason.PolicyID]; ok {
			violations = append(violations, v)
		}
	}
	if len(violations) == 0 {
		// Denied without a matching tagged rule; still a denial.
		violations = append(violations, Violation{Code: "not-permitted", Message: "request not permitted"})
	}

	logger.Debugw("policy denied request", "checkpoint", checkpoint, "violations", len(violations))
	return violations, nil
}

// buildContext converts the input into a Cedar record, merging the context
// map with the requester metadata.
func buildContext(input Input) cedar.Record {
	rec := make(cedar.RecordMap, len(input.Context)+2)
	for k, v := range input.Context {
		rec[cedar.String(k)] = toCedarValue(v)
	}
	if input.Requester.IPAddress != "" {
		rec["ip_address"] = cedar.String(input.Requester.IPAddress)
	}
	if input.Requester.UserAgent != "" {
		rec["user_agent"] = cedar.String(input.Requester.UserAgent)
	}
	return cedar.NewRecord(rec)
}

// toCedarValue maps Go values onto Cedar values. Unknown types fall back to
// their string form so a rule can still match on them.
func toCedarValue(v any) cedar.Value {
	switch val := v.(type) {
	case string:
		return cedar.String(val)
	case bool:
		return cedar.Boolean(val)
	case int:
		return cedar.Long(val)
	case int64:
		return cedar.Long(val)
	case float64:
		return cedar.Long(int64(val))
	case []string:
		elems := make([]cedar.Value, 0, len(val))
		for _, s := range val {
			elems = append(elems, cedar.String(s))
		}
		return cedar.NewSet(elems...)
	case []any:
		elems := make([]cedar.Value, 0, len(val))
		for _, e := range val {
			elems = append(elems, toCedarValue(e))
		}
		return cedar.NewSet(elems...)
	case map[string]any:
		rec := make(cedar.RecordMap, len(val))
		for k, e := range val {
			rec[cedar.String(k)] = toCedarValue(e)
		}
		return cedar.NewRecord(rec)
	default:
		return cedar.String(fmt.Sprintf("%v", val))
	}
}

var _ Evaluator = (*CedarEngine)(nil)
