// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, checkpoints map[Checkpoint]CheckpointBundle) *CedarEngine {
	t.Helper()
	engine, err := NewCedarEngine(&BundleConfig{Version: "test", Checkpoints: checkpoints})
	require.NoError(t, err)
	return engine
}

func TestCedarEngine_AllowsByDefault(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, map[Checkpoint]CheckpointBundle{
		CheckpointRegister: {Rules: []Rule{}},
	})

	violations, err := engine.Evaluate(context.Background(), CheckpointRegister, Input{
		Principal: "alice",
	})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCedarEngine_ForbidRuleReportsViolation(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, map[Checkpoint]CheckpointBundle{
		CheckpointRegister: {Rules: []Rule{{
			ID:    "short-username",
			Cedar: `forbid(principal, action, resource) when { context.username_length < 3 };`,
			Violation: Violation{
				Field:   "username",
				Code:    "username-too-short",
				Message: "username must be at least 3 characters",
			},
		}}},
	})

	violations, err := engine.Evaluate(context.Background(), CheckpointRegister, Input{
		Principal: "ab",
		Context:   map[string]any{"username_length": 2},
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "username-too-short", violations[0].Code)
	assert.Equal(t, "username", violations[0].Field)

	violations, err = engine.Evaluate(context.Background(), CheckpointRegister, Input{
		Principal: "alice",
		Context:   map[string]any{"username_length": 5},
	})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCedarEngine_RequesterMetadataInContext(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, map[Checkpoint]CheckpointBundle{
		CheckpointRegister: {Rules: []Rule{{
			ID:    "banned-ip",
			Cedar: `forbid(principal, action, resource) when { context.ip_address == "10.0.0.1" };`,
			Violation: Violation{
				Code:    "requester-banned",
				Message: "requests from this address are not allowed",
			},
		}}},
	})

	violations, err := engine.Evaluate(context.Background(), CheckpointRegister, Input{
		Requester: Requester{IPAddress: "10.0.0.1", UserAgent: "test"},
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "requester-banned", violations[0].Code)
}

func TestCedarEngine_UnknownCheckpointUnavailable(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, map[Checkpoint]CheckpointBundle{
		CheckpointRegister: {},
	})

	_, err := engine.Evaluate(context.Background(), CheckpointPassword, Input{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCedarEngine_InvalidRuleRejectedAtCompile(t *testing.T) {
	t.Parallel()

	_, err := NewCedarEngine(&BundleConfig{Checkpoints: map[Checkpoint]CheckpointBundle{
		CheckpointRegister: {Rules: []Rule{{ID: "broken", Cedar: "this is not cedar"}}},
	}})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = NewCedarEngine(&BundleConfig{})
	assert.ErrorIs(t, err, ErrNoCheckpoints)
}

func TestLoadBundleConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"version": "1",
		"checkpoints": {
			"register": {
				"rules": [{
					"id": "banned-domain",
					"cedar": "forbid(principal, action, resource) when { context.email_domain == \"banned.example\" };",
					"violation": {"field": "email", "code": "email-domain-banned", "msg": "this email domain is not allowed"}
				}]
			}
		}
	}`), 0o600))

	cfg, err := LoadBundleConfig(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Checkpoints, CheckpointRegister)

	engine, err := NewCedarEngine(cfg)
	require.NoError(t, err)

	violations, err := engine.Evaluate(context.Background(), CheckpointRegister, Input{
		Context: map[string]any{"email_domain": "banned.example"},
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "email-domain-banned", violations[0].Code)
}

func TestHandle_SwapTakesEffect(t *testing.T) {
	t.Parallel()

	permissive := newTestEngine(t, map[Checkpoint]CheckpointBundle{
		CheckpointRegister: {},
	})
	strict := newTestEngine(t, map[Checkpoint]CheckpointBundle{
		CheckpointRegister: {Rules: []Rule{{
			ID:        "closed",
			Cedar:     `forbid(principal, action, resource);`,
			Violation: Violation{Code: "registration-closed", Message: "registration is closed"},
		}}},
	})

	h := NewHandle(permissive)
	violations, err := h.Evaluate(context.Background(), CheckpointRegister, Input{})
	require.NoError(t, err)
	assert.Empty(t, violations)

	h.Swap(strict)
	violations, err = h.Evaluate(context.Background(), CheckpointRegister, Input{})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "registration-closed", violations[0].Code)
}

func TestDeniedError_Message(t *testing.T) {
	t.Parallel()

	err := &DeniedError{Violations: []Violation{
		{Code: "a", Message: "first"},
		{Code: "b", Message: "second"},
	}}
	assert.Equal(t, "denied by policy: first, second", err.Error())
}
