// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy provides the in-process policy decision point. A named
// checkpoint is evaluated against a structured input and yields zero or
// more violations; an empty result means the request is allowed.
//
// Evaluation is synchronous and side-effect-free. An evaluation that errors
// (as opposed to one that denies) is a fail-closed condition: callers must
// treat it as a denial and surface a generic server error.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// Checkpoint names an evaluation entrypoint.
type Checkpoint string

// Checkpoints consulted by the authorization core.
const (
	CheckpointRegister           Checkpoint = "register"
	CheckpointClientRegistration Checkpoint = "client_registration"
	CheckpointAuthorizationGrant Checkpoint = "authorization_grant"
	CheckpointPassword           Checkpoint = "password"
	CheckpointEmail              Checkpoint = "email"
)

// ErrUnavailable is returned when evaluation itself failed: bundle missing,
// unknown checkpoint, or an evaluation error. Never treated as an allow.
var ErrUnavailable = errors.New("policy evaluation unavailable")

// Violation is a single policy violation. Violations are ephemeral: they are
// produced per evaluation and surfaced to the caller, never persisted.
type Violation struct {
	// Field is the input field the violation applies to, if any.
	Field string `json:"field,omitempty"`

	// Code is a stable machine-readable code, kebab-case
	// (e.g. "username-too-short", "email-domain-banned").
	Code string `json:"code,omitempty"`

	// Message is the human-readable description.
	Message string `json:"msg"`
}

// Requester describes the entity making the request, passed to every
// checkpoint for IP and user-agent based rules.
type Requester struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Input is the structured input for one evaluation.
type Input struct {
	// Principal identifies who the evaluation is about (user ID,
	// localpart, or client ID depending on the checkpoint). Empty means
	// anonymous.
	Principal string

	// Resource identifies what is being acted on (grant ID, client ID).
	Resource string

	// Context carries checkpoint-specific attributes (requested scopes,
	// username, email domain, ...).
	Context map[string]any

	// Requester carries request metadata.
	Requester Requester
}

// Evaluator evaluates a checkpoint against an input and returns the set of
// violations. A nil error with an empty slice means allowed. Implementations
// must be safe for concurrent use and must not retain the input.
type Evaluator interface {
	Evaluate(ctx context.Context, checkpoint Checkpoint, input Input) ([]Violation, error)
}

// DeniedError is returned by callers that translate a non-empty violation
// set into an error. The violations are surfaced verbatim for user-facing
// display and are never retried automatically.
type DeniedError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("denied by policy: %s", strings.Join(msgs, ", "))
}

// Handle wraps an Evaluator behind an atomic pointer so the compiled bundle
// can be swapped at runtime. The swap is visible to new evaluations only;
// in-flight evaluations finish against the bundle they started with.
type Handle struct {
	current atomic.Pointer[evaluatorBox]
}

// evaluatorBox exists because atomic.Pointer needs a concrete type.
type evaluatorBox struct {
	ev Evaluator
}

// NewHandle creates a Handle serving the given evaluator.
func NewHandle(ev Evaluator) *Handle {
	h := &Handle{}
	h.current.Store(&evaluatorBox{ev: ev})
	return h
}

// Swap atomically replaces the evaluator.
func (h *Handle) Swap(ev Evaluator) {
	h.current.Store(&evaluatorBox{ev: ev})
}

// Evaluate delegates to the current evaluator.
func (h *Handle) Evaluate(ctx context.Context, checkpoint Checkpoint, input Input) ([]Violation, error) {
	box := h.current.Load()
	if box == nil || box.ev == nil {
		return nil, fmt.Errorf("%w: no policy bundle loaded", ErrUnavailable)
	}
	return box.ev.Evaluate(ctx, checkpoint, input)
}

var _ Evaluator = (*Handle)(nil)
