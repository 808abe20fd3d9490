// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package revoke propagates revocation down the ownership chain: a session
// takes its compat sessions, grants and tokens with it, a grant takes its
// tokens, a token only itself. Every operation is idempotent, and the
// storage layer's conditional updates keep cascades atomic with respect to
// concurrent issuance.
package revoke

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/relaymesh/authd/pkg/logger"
	"github.com/relaymesh/authd/pkg/storage"
)

// ErrNotFound is returned when the named entity does not exist.
var ErrNotFound = errors.New("entity not found")

// transitionAttempts bounds the revoke-transition retry loop against
// concurrent state changes.
const transitionAttempts = 3

// Propagator walks revocation cascades over a Store.
type Propagator struct {
	store storage.Store
	clk   clock.PassiveClock
}

// NewPropagator builds a Propagator. A nil clk falls back to the real
// clock.
func NewPropagator(store storage.Store, clk clock.PassiveClock) *Propagator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Propagator{store: store, clk: clk}
}

// Session revokes a session and cascades to its compat sessions, grants
// and tokens. Re-revoking an already-revoked session succeeds and
// re-walks the cascade, so a partially applied revocation can be retried.
func (p *Propagator) Session(ctx context.Context, id string) error {
	if _, err := p.store.RevokeSession(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return fmt.Errorf("revoking session %s: %w", id, err)
	}

	compat, err := p.store.ListCompatSessionsBySession(ctx, id)
	if err != nil {
		return fmt.Errorf("listing compat sessions for %s: %w", id, err)
	}
	for _, cs := range compat {
		if err := p.store.RevokeCompatSession(ctx, cs.ID); err != nil {
			return fmt.Errorf("revoking compat session %s: %w", cs.ID, err)
		}
	}

	grants, err := p.store.ListGrantsBySession(ctx, id)
	if err != nil {
		return fmt.Errorf("listing grants for session %s: %w", id, err)
	}
	for _, g := range grants {
		if err := p.Grant(ctx, g.ID); err != nil {
			return err
		}
	}
	logger.Infow("session revoked", "session_id", id,
		"grants", len(grants), "compat_sessions", len(compat))
	return nil
}

// Grant revokes a grant and every token it issued. Tokens created
// concurrently lose to the grant's state change: once the grant is
// revoked, storage rejects new tokens for it.
func (p *Propagator) Grant(ctx context.Context, id string) error {
	if err := p.markGrantRevoked(ctx, id); err != nil {
		return err
	}
	tokens, err := p.store.ListTokensByGrant(ctx, id)
	if err != nil {
		return fmt.Errorf("listing tokens for grant %s: %w", id, err)
	}
	for _, t := range tokens {
		if err := p.store.RevokeToken(ctx, t.ID); err != nil {
			return fmt.Errorf("revoking token %s: %w", t.ID, err)
		}
	}
	return nil
}

// Token revokes a single token. Already-revoked tokens succeed.
func (p *Propagator) Token(ctx context.Context, id string) error {
	if err := p.store.RevokeToken(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: token %s", ErrNotFound, id)
		}
		return fmt.Errorf("revoking token %s: %w", id, err)
	}
	return nil
}

func (p *Propagator) markGrantRevoked(ctx context.Context, id string) error {
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		g, err := p.store.GetGrant(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: grant %s", ErrNotFound, id)
			}
			return fmt.Errorf("reading grant %s: %w", id, err)
		}
		if g.State == storage.GrantStateRevoked {
			return nil
		}
		_, err = p.store.TransitionGrant(ctx, id, g.State, storage.GrantStateRevoked, p.clk.Now())
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrConflict) {
			// Raced with another transition; re-read and retry.
			continue
		}
		return fmt.Errorf("revoking grant %s: %w", id, err)
	}
	return fmt.Errorf("revoking grant %s: %w", id, storage.ErrConflict)
}
