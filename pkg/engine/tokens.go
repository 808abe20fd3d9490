// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"

	"github.com/relaymesh/authd/pkg/grant"
	"github.com/relaymesh/authd/pkg/logger"
	"github.com/relaymesh/authd/pkg/session"
	"github.com/relaymesh/authd/pkg/storage"
	"github.com/relaymesh/authd/pkg/token"
)

// IssueToken mints one additional token under an already-exchanged grant,
// within the grant's scope.
func (e *Engine) IssueToken(ctx context.Context, grantID string, kind storage.TokenKind, scope []string) (*token.IssuedToken, error) {
	g, err := e.store.GetGrant(ctx, grantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	if serr := grant.StateErr(g.State); serr != nil && !errors.Is(serr, grant.ErrAlreadyExchanged) {
		return nil, serr
	}
	if g.State != storage.GrantStateExchanged {
		return nil, grant.ErrNotFulfilled
	}
	if len(scope) == 0 {
		scope = g.Scope
	} else if !grant.ScopeSubset(scope, g.Scope) {
		return nil, grant.ErrScopeWidened
	}
	issued, err := e.issuer.Issue(ctx, g, kind, scope)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, grant.ErrRevoked
		}
		return nil, err
	}
	return issued, nil
}

// RefreshToken rotates a refresh token into a fresh token set. Activity on
// the owning session is recorded so a regularly refreshing client keeps
// its session alive.
func (e *Engine) RefreshToken(ctx context.Context, value string, scope []string) (*token.Set, error) {
	set, err := e.issuer.Refresh(ctx, value, scope)
	if err != nil {
		return nil, err
	}
	if sid := set.Access.Record.SessionID; sid != "" {
		if terr := e.sessions.Touch(ctx, sid); terr != nil {
			logger.Debugw("touching session on refresh failed", "session_id", sid, "error", terr)
		}
	}
	return set, nil
}

// ValidateToken checks a presented token value: signature and expiry for
// signed tokens, the storage record for revocation, and the owning
// session's liveness. Returns the token record on success.
func (e *Engine) ValidateToken(ctx context.Context, value string) (*storage.Token, error) {
	rec, err := e.issuer.Validate(ctx, value)
	if err != nil {
		return nil, err
	}
	if rec.SessionID != "" {
		if _, serr := e.sessions.Get(ctx, rec.SessionID); serr != nil {
			switch {
			case errors.Is(serr, session.ErrExpired):
				return nil, token.ErrExpired
			case errors.Is(serr, session.ErrRevoked), errors.Is(serr, session.ErrNotFound):
				return nil, token.ErrRevoked
			default:
				return nil, serr
			}
		}
	}
	return rec, nil
}
