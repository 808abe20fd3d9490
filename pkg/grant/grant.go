// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package grant implements the guards of the authorization grant state
// machine: proof-of-possession checks, scope rules, device codes and TTL
// evaluation. The transitions themselves are driven by the engine through
// the storage layer's conditional updates.
package grant

import (
	"errors"
	"time"

	"github.com/relaymesh/authd/pkg/storage"
)

// Domain errors for grant state-machine transitions. Callers map these to
// protocol-level OAuth error codes.
var (
	// ErrNotFound means the grant does not exist.
	ErrNotFound = errors.New("grant not found")

	// ErrExpired means the grant's TTL elapsed before a terminal
	// transition.
	ErrExpired = errors.New("grant expired")

	// ErrAlreadyExchanged means a second exchange was attempted on an
	// exchanged grant. Reuse is the dominant replay-attack signal: the
	// attempt also revokes every token issued under the grant.
	ErrAlreadyExchanged = errors.New("grant already exchanged")

	// ErrRevoked means the grant was explicitly revoked.
	ErrRevoked = errors.New("grant revoked")

	// ErrRejected means the grant was denied by the human or the PDP.
	ErrRejected = errors.New("grant rejected")

	// ErrNotFulfilled means exchange was attempted before approval.
	ErrNotFulfilled = errors.New("grant not fulfilled")

	// ErrProofInvalid means the PKCE verifier or client credentials did
	// not match.
	ErrProofInvalid = errors.New("proof of possession invalid")

	// ErrRedirectMismatch means the redirect URI at exchange was not
	// byte-identical to the one supplied at creation.
	ErrRedirectMismatch = errors.New("redirect URI mismatch")

	// ErrScopeWidened means the requested scope was not a subset of the
	// originally granted scope.
	ErrScopeWidened = errors.New("scope widening not permitted")

	// ErrUserCodeUnverified means a device-code grant was approved before
	// its user code was verified out of band.
	ErrUserCodeUnverified = errors.New("user code not verified")
)

// Expired reports whether the grant's TTL has elapsed without a terminal
// transition. Expiry is checked lazily at each access; there is no
// background sweep.
func Expired(g *storage.Grant, now time.Time) bool {
	if g.State.Terminal() {
		return false
	}
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// StateErr maps a terminal grant state to its domain error. Returns nil
// for non-terminal states.
func StateErr(state storage.GrantState) error {
	switch state {
	case storage.GrantStateExchanged:
		return ErrAlreadyExchanged
	case storage.GrantStateRevoked:
		return ErrRevoked
	case storage.GrantStateRejected:
		return ErrRejected
	case storage.GrantStateExpired:
		return ErrExpired
	default:
		return nil
	}
}

// ScopeSubset reports whether every element of sub appears in super.
func ScopeSubset(sub, super []string) bool {
	set := make(map[string]struct{}, len(super))
	for _, s := range super {
		set[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// IntersectScopes returns the elements of a that also appear in b,
// preserving a's order.
func IntersectScopes(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
