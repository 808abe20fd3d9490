// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine is the facade over the authorization core. It wires the
// grant state machine, token issuer, session tracker, upstream resolver,
// revocation propagator, policy decision point and rate limiter into the
// operations a transport layer exposes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/relaymesh/authd/pkg/policy"
	"github.com/relaymesh/authd/pkg/ratelimit"
	"github.com/relaymesh/authd/pkg/revoke"
	"github.com/relaymesh/authd/pkg/session"
	"github.com/relaymesh/authd/pkg/storage"
	"github.com/relaymesh/authd/pkg/token"
	"github.com/relaymesh/authd/pkg/upstream"
)

// Request validation and authentication failures.
var (
	// ErrUnknownClient means the client ID is not registered.
	ErrUnknownClient = errors.New("unknown client")

	// ErrInvalidRedirectURI means the redirect URI is not registered for
	// the client.
	ErrInvalidRedirectURI = errors.New("redirect URI not registered")

	// ErrScopeNotAllowed means the requested scope exceeds what the
	// client may request.
	ErrScopeNotAllowed = errors.New("scope not allowed for client")

	// ErrPKCERequired means the client must supply a PKCE challenge.
	ErrPKCERequired = errors.New("PKCE challenge required")

	// ErrUnsupportedPKCEMethod means a challenge method other than S256
	// was supplied.
	ErrUnsupportedPKCEMethod = errors.New("unsupported PKCE challenge method")

	// ErrClientAuthFailed means client authentication did not succeed.
	ErrClientAuthFailed = errors.New("client authentication failed")

	// ErrBadCredentials means user authentication did not succeed.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrGrantNotApprovable means the grant kind has no approval step.
	ErrGrantNotApprovable = errors.New("grant does not require approval")

	// ErrPolicyUnavailable means the policy decision point could not
	// evaluate; the operation is denied.
	ErrPolicyUnavailable = errors.New("policy unavailable, denying")
)

// Config holds grant lifetimes.
type Config struct {
	// CodeGrantTTL bounds how long an authorization-code grant may sit
	// before exchange.
	CodeGrantTTL time.Duration

	// DeviceGrantTTL bounds the device-code polling window.
	DeviceGrantTTL time.Duration

	// ClientCredentialsGrantTTL bounds a client-credentials grant's
	// exchange window.
	ClientCredentialsGrantTTL time.Duration
}

// DefaultConfig returns production grant lifetimes.
func DefaultConfig() Config {
	return Config{
		CodeGrantTTL:              10 * time.Minute,
		DeviceGrantTTL:            15 * time.Minute,
		ClientCredentialsGrantTTL: 5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CodeGrantTTL <= 0 {
		c.CodeGrantTTL = d.CodeGrantTTL
	}
	if c.DeviceGrantTTL <= 0 {
		c.DeviceGrantTTL = d.DeviceGrantTTL
	}
	if c.ClientCredentialsGrantTTL <= 0 {
		c.ClientCredentialsGrantTTL = d.ClientCredentialsGrantTTL
	}
}

// Params collects the engine's dependencies.
type Params struct {
	Store    storage.Store
	Issuer   *token.Issuer
	Sessions *session.Tracker
	Resolver *upstream.Resolver
	Policy   policy.Evaluator
	Limiter  *ratelimit.Limiter
	Clock    clock.PassiveClock
	Config   Config
}

// Engine exposes the authorization operations.
type Engine struct {
	store      storage.Store
	issuer     *token.Issuer
	sessions   *session.Tracker
	resolver   *upstream.Resolver
	propagator *revoke.Propagator
	policy     policy.Evaluator
	limiter    *ratelimit.Limiter
	clk        clock.PassiveClock
	cfg        Config
}

// New builds an Engine. Store, Issuer, Sessions and Policy are required;
// a nil Clock falls back to the real clock and a nil Limiter applies the
// default budgets.
func New(p Params) (*Engine, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if p.Issuer == nil {
		return nil, fmt.Errorf("issuer is required")
	}
	if p.Sessions == nil {
		return nil, fmt.Errorf("session tracker is required")
	}
	if p.Policy == nil {
		return nil, fmt.Errorf("policy evaluator is required")
	}
	if p.Clock == nil {
		p.Clock = clock.RealClock{}
	}
	if p.Limiter == nil {
		p.Limiter = ratelimit.NewLimiter(nil)
	}
	p.Config.applyDefaults()

	return &Engine{
		store:      p.Store,
		issuer:     p.Issuer,
		sessions:   p.Sessions,
		resolver:   p.Resolver,
		propagator: revoke.NewPropagator(p.Store, p.Clock),
		policy:     p.Policy,
		limiter:    p.Limiter,
		clk:        p.Clock,
		cfg:        p.Config,
	}, nil
}

// EntityKind names a revocable entity class.
type EntityKind string

// Revocable entities.
const (
	EntitySession EntityKind = "session"
	EntityGrant   EntityKind = "grant"
	EntityToken   EntityKind = "token"
)

// EntityRef points at one revocable entity.
type EntityRef struct {
	Kind EntityKind
	ID   string
}

// Revoke revokes the referenced entity and cascades downward: a session
// takes its compat sessions, grants and tokens, a grant its tokens, a
// token only itself. Idempotent.
func (e *Engine) Revoke(ctx context.Context, ref EntityRef) error {
	switch ref.Kind {
	case EntitySession:
		return e.propagator.Session(ctx, ref.ID)
	case EntityGrant:
		return e.propagator.Grant(ctx, ref.ID)
	case EntityToken:
		return e.propagator.Token(ctx, ref.ID)
	default:
		return fmt.Errorf("unknown entity kind %q", ref.Kind)
	}
}

// EvaluateCheckpoint runs a policy checkpoint and returns its violations.
// An empty slice means allowed. Evaluation failure is reported as
// ErrPolicyUnavailable; callers must treat it as a denial.
func (e *Engine) EvaluateCheckpoint(ctx context.Context, checkpoint policy.Checkpoint, input policy.Input) ([]policy.Violation, error) {
	violations, err := e.policy.Evaluate(ctx, checkpoint, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return violations, nil
}

// checkpoint evaluates and folds the outcome into an error: nil when
// allowed, a DeniedError carrying the violations, or ErrPolicyUnavailable.
func (e *Engine) checkpoint(ctx context.Context, cp policy.Checkpoint, input policy.Input) error {
	violations, err := e.EvaluateCheckpoint(ctx, cp, input)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return &policy.DeniedError{Violations: violations}
	}
	return nil
}
