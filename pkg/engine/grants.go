// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaymesh/authd/pkg/grant"
	"github.com/relaymesh/authd/pkg/logger"
	"github.com/relaymesh/authd/pkg/policy"
	"github.com/relaymesh/authd/pkg/storage"
	"github.com/relaymesh/authd/pkg/token"
)

// CreateGrantRequest starts one authorization transaction.
type CreateGrantRequest struct {
	ClientID string
	Kind     storage.GrantKind

	// Scope is the requested scope set; it must be within the client's
	// allowed scopes.
	Scope []string

	// RedirectURI and ResponseMode apply to authorization-code grants.
	RedirectURI  string
	ResponseMode string

	// PKCEChallenge and PKCEMethod carry the S256 proof commitment.
	// Required for public authorization-code clients.
	PKCEChallenge string
	PKCEMethod    string
}

// CreateGrant validates the request against the client registration and
// creates the grant in its initial state: pending for the interactive
// kinds, fulfilled for client credentials.
func (e *Engine) CreateGrant(ctx context.Context, req CreateGrantRequest) (*storage.Grant, error) {
	client, err := e.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownClient, req.ClientID)
		}
		return nil, err
	}
	if !grant.ScopeSubset(req.Scope, client.AllowedScopes) {
		return nil, ErrScopeNotAllowed
	}

	now := e.clk.Now()
	g := &storage.Grant{
		ID:        uuid.NewString(),
		ClientID:  client.ID,
		Kind:      req.Kind,
		State:     storage.GrantStatePending,
		Scope:     req.Scope,
		CreatedAt: now,
	}

	switch req.Kind {
	case storage.GrantKindAuthorizationCode:
		if !containsString(client.RedirectURIs, req.RedirectURI) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRedirectURI, req.RedirectURI)
		}
		if req.PKCEChallenge == "" {
			if client.AuthMethod == "none" {
				return nil, ErrPKCERequired
			}
		} else if req.PKCEMethod != grant.PKCEChallengeMethodS256 {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedPKCEMethod, req.PKCEMethod)
		}
		g.RedirectURI = req.RedirectURI
		g.ResponseMode = req.ResponseMode
		g.PKCEChallenge = req.PKCEChallenge
		g.PKCEMethod = req.PKCEMethod
		g.ExpiresAt = now.Add(e.cfg.CodeGrantTTL)

	case storage.GrantKindDeviceCode:
		g.DeviceCode = grant.NewDeviceCode()
		g.UserCode = grant.NewUserCode()
		g.ExpiresAt = now.Add(e.cfg.DeviceGrantTTL)

	case storage.GrantKindClientCredentials:
		// No human in the loop: the grant is born fulfilled and carries
		// no session.
		g.State = storage.GrantStateFulfilled
		g.FulfilledAt = now
		g.ExpiresAt = now.Add(e.cfg.ClientCredentialsGrantTTL)

	default:
		return nil, fmt.Errorf("unknown grant kind %q", req.Kind)
	}

	if err := e.store.CreateGrant(ctx, g); err != nil {
		return nil, fmt.Errorf("creating grant: %w", err)
	}
	logger.Infow("grant created", "grant_id", g.ID, "client_id", g.ClientID, "kind", g.Kind)
	return g, nil
}

// ApproveRequest carries an approval decision for a pending grant.
type ApproveRequest struct {
	GrantID   string
	SessionID string
	Requester policy.Requester
}

// ApproveGrant fulfills a pending grant on behalf of an authenticated
// session, after the authorization_grant policy checkpoint passes. The
// approval is recorded as consent so an identical later request can be
// re-approved silently. Approving an already-fulfilled grant succeeds
// without re-evaluating.
func (e *Engine) ApproveGrant(ctx context.Context, req ApproveRequest) (*storage.Grant, error) {
	g, err := e.loadLiveGrant(ctx, req.GrantID)
	if err != nil {
		return nil, err
	}
	if g.Kind == storage.GrantKindClientCredentials {
		return nil, ErrGrantNotApprovable
	}
	if g.State == storage.GrantStateFulfilled {
		return g, nil
	}
	if g.Kind == storage.GrantKindDeviceCode && !g.UserCodeVerified {
		return nil, grant.ErrUserCodeUnverified
	}

	sess, err := e.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	input := policy.Input{
		Principal: sess.UserID,
		Resource:  g.ClientID,
		Context: map[string]any{
			"client_id":  g.ClientID,
			"grant_kind": string(g.Kind),
			"scope":      g.Scope,
		},
		Requester: req.Requester,
	}
	if err := e.checkpoint(ctx, policy.CheckpointAuthorizationGrant, input); err != nil {
		var denied *policy.DeniedError
		if errors.As(err, &denied) {
			if _, terr := e.store.TransitionGrant(ctx, g.ID, storage.GrantStatePending, storage.GrantStateRejected, e.clk.Now()); terr != nil {
				logger.Warnw("rejecting denied grant failed", "grant_id", g.ID, "error", terr)
			}
		}
		return nil, err
	}

	fulfilled, err := e.store.FulfillGrant(ctx, g.ID, sess.ID, sess.UserID, e.clk.Now())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, e.observeGrantState(ctx, g.ID)
		}
		return nil, err
	}

	if err := e.sessions.GrantConsent(ctx, sess.ID, g.ClientID, g.Scope); err != nil {
		logger.Warnw("recording consent failed", "session_id", sess.ID, "error", err)
	}
	if err := e.sessions.Touch(ctx, sess.ID); err != nil {
		logger.Warnw("touching session failed", "session_id", sess.ID, "error", err)
	}
	logger.Infow("grant approved", "grant_id", g.ID, "session_id", sess.ID)
	return fulfilled, nil
}

// RejectGrant moves a pending grant to rejected on behalf of the human who
// declined it.
func (e *Engine) RejectGrant(ctx context.Context, grantID string) (*storage.Grant, error) {
	g, err := e.loadLiveGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	rejected, err := e.store.TransitionGrant(ctx, g.ID, storage.GrantStatePending, storage.GrantStateRejected, e.clk.Now())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, e.observeGrantState(ctx, g.ID)
		}
		return nil, err
	}
	return rejected, nil
}

// NeedsConsent reports whether approving the grant requires asking the
// human, or whether a previous approval of the same client and scopes
// allows silent re-approval.
func (e *Engine) NeedsConsent(ctx context.Context, grantID, sessionID string) (bool, error) {
	g, err := e.loadLiveGrant(ctx, grantID)
	if err != nil {
		return false, err
	}
	has, err := e.sessions.HasConsent(ctx, sessionID, g.ClientID, g.Scope)
	if err != nil {
		return false, err
	}
	return !has, nil
}

// VerifyDeviceCode matches a user-entered code against its grant and marks
// the grant approvable. The input is trimmed and uppercased before lookup,
// so codes survive being read aloud or typed in lowercase.
func (e *Engine) VerifyDeviceCode(ctx context.Context, userCode string) (*storage.Grant, error) {
	g, err := e.store.GetGrantByUserCode(ctx, strings.ToUpper(strings.TrimSpace(userCode)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	if grant.Expired(g, e.clk.Now()) {
		return nil, e.expireGrant(ctx, g)
	}
	if serr := grant.StateErr(g.State); serr != nil {
		return nil, serr
	}
	if err := e.store.MarkUserCodeVerified(ctx, g.ID); err != nil {
		return nil, err
	}
	g.UserCodeVerified = true
	return g, nil
}

// ExchangeRequest redeems a grant for tokens.
type ExchangeRequest struct {
	// GrantID is the authorization code (or the client-credentials grant
	// ID). Leave empty when exchanging by device code.
	GrantID string

	// DeviceCode selects the grant for the device-code flow.
	DeviceCode string

	// ClientID and ClientSecret authenticate the client. The secret is
	// required for confidential clients.
	ClientID     string
	ClientSecret string

	// PKCEVerifier is the code_verifier matching the grant's challenge.
	PKCEVerifier string

	// RedirectURI must be byte-identical to the one supplied at creation.
	RedirectURI string

	// Scope optionally narrows the granted scope. Empty keeps it.
	Scope []string
}

// ExchangeResult is a successful exchange.
type ExchangeResult struct {
	Grant  *storage.Grant
	Tokens *token.Set
}

// ExchangeGrant performs the one-shot exchange of a fulfilled grant for a
// token set. A second exchange of the same grant is treated as a replay:
// everything issued from the first exchange is revoked and the attempt
// fails with ErrAlreadyExchanged.
func (e *Engine) ExchangeGrant(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	g, err := e.lookupForExchange(ctx, req)
	if err != nil {
		return nil, err
	}

	// Replay detection runs before client authentication: a second
	// exchange attempt burns the first exchange's tokens no matter who
	// presents it or with what credentials.
	now := e.clk.Now()
	if grant.Expired(g, now) {
		return nil, e.expireGrant(ctx, g)
	}
	if g.State == storage.GrantStateExchanged {
		return nil, e.handleReplay(ctx, g)
	}
	if serr := grant.StateErr(g.State); serr != nil {
		return nil, serr
	}
	if g.State != storage.GrantStateFulfilled {
		return nil, grant.ErrNotFulfilled
	}

	if err := e.authenticateClient(ctx, g, req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	if g.PKCEChallenge != "" && !grant.VerifyPKCE(g.PKCEChallenge, req.PKCEVerifier) {
		return nil, grant.ErrProofInvalid
	}
	if g.RedirectURI != "" && req.RedirectURI != g.RedirectURI {
		return nil, grant.ErrRedirectMismatch
	}

	scope := req.Scope
	if len(scope) == 0 {
		scope = g.Scope
	} else if !grant.ScopeSubset(scope, g.Scope) {
		return nil, grant.ErrScopeWidened
	}

	exchanged, err := e.store.TransitionGrant(ctx, g.ID, storage.GrantStateFulfilled, storage.GrantStateExchanged, now)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost the race; the winning state decides the error.
			current, gerr := e.store.GetGrant(ctx, g.ID)
			if gerr != nil {
				return nil, gerr
			}
			if current.State == storage.GrantStateExchanged {
				return nil, e.handleReplay(ctx, current)
			}
			if serr := grant.StateErr(current.State); serr != nil {
				return nil, serr
			}
			return nil, grant.ErrNotFulfilled
		}
		return nil, err
	}

	withRefresh := g.Kind != storage.GrantKindClientCredentials
	set, err := e.issuer.IssueSet(ctx, exchanged, scope, withRefresh)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Revoked between the transition and issuance.
			return nil, grant.ErrRevoked
		}
		return nil, err
	}

	logger.Infow("grant exchanged", "grant_id", exchanged.ID,
		"client_id", exchanged.ClientID, "kind", exchanged.Kind)
	return &ExchangeResult{Grant: exchanged, Tokens: set}, nil
}

func (e *Engine) lookupForExchange(ctx context.Context, req ExchangeRequest) (*storage.Grant, error) {
	var (
		g   *storage.Grant
		err error
	)
	switch {
	case req.DeviceCode != "":
		g, err = e.store.GetGrantByDeviceCode(ctx, req.DeviceCode)
	case req.GrantID != "":
		g, err = e.store.GetGrant(ctx, req.GrantID)
	default:
		return nil, grant.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	return g, nil
}

// authenticateClient checks that the exchanging client is the one the
// grant was created for, and proves possession of the secret for
// confidential clients.
func (e *Engine) authenticateClient(ctx context.Context, g *storage.Grant, clientID, clientSecret string) error {
	if clientID != g.ClientID {
		return ErrClientAuthFailed
	}
	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrClientAuthFailed
		}
		return err
	}
	if client.AuthMethod == "none" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(clientSecret)); err != nil {
		return ErrClientAuthFailed
	}
	return nil
}

// handleReplay revokes everything issued from the grant's first exchange.
// Always returns ErrAlreadyExchanged.
func (e *Engine) handleReplay(ctx context.Context, g *storage.Grant) error {
	logger.Warnw("grant replay detected, revoking issued tokens",
		"grant_id", g.ID, "client_id", g.ClientID)
	if err := e.propagator.Grant(ctx, g.ID); err != nil {
		logger.Errorw("revoking replayed grant failed", "grant_id", g.ID, "error", err)
	}
	return grant.ErrAlreadyExchanged
}

// expireGrant records lazy expiry, tolerating races with other observers,
// and returns ErrExpired.
func (e *Engine) expireGrant(ctx context.Context, g *storage.Grant) error {
	_, err := e.store.TransitionGrant(ctx, g.ID, g.State, storage.GrantStateExpired, e.clk.Now())
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		logger.Warnw("recording grant expiry failed", "grant_id", g.ID, "error", err)
	}
	return grant.ErrExpired
}

// loadLiveGrant fetches a grant and applies lazy expiry. Terminal states
// other than fulfilled map to their domain errors; pending and fulfilled
// grants are returned.
func (e *Engine) loadLiveGrant(ctx context.Context, id string) (*storage.Grant, error) {
	g, err := e.store.GetGrant(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	if grant.Expired(g, e.clk.Now()) {
		return nil, e.expireGrant(ctx, g)
	}
	if serr := grant.StateErr(g.State); serr != nil {
		return nil, serr
	}
	return g, nil
}

// observeGrantState re-reads a grant after a lost conditional update and
// maps the winning state to an error.
func (e *Engine) observeGrantState(ctx context.Context, id string) error {
	current, err := e.store.GetGrant(ctx, id)
	if err != nil {
		return err
	}
	if serr := grant.StateErr(current.State); serr != nil {
		return serr
	}
	return fmt.Errorf("%w: grant %s is %s", storage.ErrConflict, id, current.State)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
