// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/relaymesh/authd/pkg/grant"
	"github.com/relaymesh/authd/pkg/keys"
	"github.com/relaymesh/authd/pkg/logger"
	"github.com/relaymesh/authd/pkg/storage"
)

// IssuedToken pairs a token value with its storage record.
type IssuedToken struct {
	// Value is what the caller hands to the client: a compact JWT for
	// signed tokens, an opaque prefixed string for refresh tokens.
	Value string

	// Record is the stored token as created.
	Record *storage.Token
}

// Set is the output of a grant exchange or a refresh: a fresh access token
// and, depending on the grant kind and scope, a refresh and ID token.
type Set struct {
	Access  *IssuedToken
	Refresh *IssuedToken
	ID      *IssuedToken
}

// Issuer mints and validates tokens against a key provider and records
// every issued token in storage so revocation and rotation are enforceable.
type Issuer struct {
	store storage.Store
	keys  keys.Provider
	cfg   Config
	clk   clock.PassiveClock
}

// NewIssuer builds an Issuer. A nil clk falls back to the real clock.
func NewIssuer(store storage.Store, keyProvider keys.Provider, cfg Config, clk clock.PassiveClock) *Issuer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Issuer{store: store, keys: keyProvider, cfg: cfg, clk: clk}
}

// Issue mints a single token of the given kind for an exchanged grant.
// Refresh tokens issued this way start a new rotation family.
func (i *Issuer) Issue(ctx context.Context, g *storage.Grant, kind storage.TokenKind, scope []string) (*IssuedToken, error) {
	switch kind {
	case storage.TokenKindRefresh:
		return i.issueRefresh(ctx, g, scope, uuid.NewString())
	case storage.TokenKindAccess, storage.TokenKindID:
		return i.issueSigned(ctx, g, kind, scope, "")
	default:
		return nil, fmt.Errorf("%w: %q", ErrWrongKind, kind)
	}
}

// IssueSet mints the token set for a freshly exchanged grant: an access
// token, a refresh token when withRefresh is set, and an ID token when the
// scope includes "openid" and the grant carries a subject. All tokens in
// the set share one rotation family, so refresh reuse revokes them together.
func (i *Issuer) IssueSet(ctx context.Context, g *storage.Grant, scope []string, withRefresh bool) (*Set, error) {
	familyID := uuid.NewString()

	out := &Set{}
	access, err := i.issueSigned(ctx, g, storage.TokenKindAccess, scope, familyID)
	if err != nil {
		return nil, err
	}
	out.Access = access

	if withRefresh {
		refresh, err := i.issueRefresh(ctx, g, scope, familyID)
		if err != nil {
			return nil, err
		}
		out.Refresh = refresh
	}

	if g.Subject != "" && hasScope(scope, "openid") {
		id, err := i.issueSigned(ctx, g, storage.TokenKindID, scope, familyID)
		if err != nil {
			return nil, err
		}
		out.ID = id
	}

	return out, nil
}

// Refresh rotates a refresh token: the presented token is consumed exactly
// once, a new access token (and, unless rotation is disabled, a new refresh
// token in the same family) is minted. Presenting an already-consumed token
// revokes the whole family and returns ErrReuseDetected.
//
// The requested scope may narrow the refresh token's snapshot, never widen
// it, and is additionally intersected with the client's currently allowed
// scopes so a shrunk registration takes effect at the next refresh.
func (i *Issuer) Refresh(ctx context.Context, value string, requestedScope []string) (*Set, error) {
	rec, err := i.store.GetToken(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Kind != storage.TokenKindRefresh {
		return nil, ErrWrongKind
	}
	if rec.Revoked {
		return nil, ErrRevoked
	}
	now := i.clk.Now()
	if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
		return nil, ErrExpired
	}
	if rec.Consumed {
		return nil, i.handleReuse(ctx, rec)
	}

	g, err := i.store.GetGrant(ctx, rec.GrantID)
	if err != nil {
		return nil, err
	}
	if g.State == storage.GrantStateRevoked {
		return nil, ErrRevoked
	}

	client, err := i.store.GetClient(ctx, g.ClientID)
	if err != nil {
		return nil, err
	}
	scope := requestedScope
	if len(scope) == 0 {
		scope = rec.Scope
	}
	if !grant.ScopeSubset(scope, rec.Scope) {
		return nil, ErrScopeWidened
	}
	scope = grant.IntersectScopes(scope, client.AllowedScopes)

	rotate := !i.cfg.DisableRefreshRotation
	if rotate {
		if err := i.store.ConsumeRefreshToken(ctx, rec.ID); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				// Lost the consume race: someone else presented the
				// same token concurrently.
				return nil, i.handleReuse(ctx, rec)
			}
			return nil, err
		}
	}

	out := &Set{}
	out.Access, err = i.issueSigned(ctx, g, storage.TokenKindAccess, scope, rec.FamilyID)
	if err != nil {
		return nil, err
	}
	if rotate {
		out.Refresh, err = i.issueRefresh(ctx, g, scope, rec.FamilyID)
		if err != nil {
			return nil, err
		}
	} else {
		out.Refresh = &IssuedToken{Value: rec.ID, Record: rec}
	}
	return out, nil
}

// handleReuse revokes every token in the presented token's family.
// Always returns ErrReuseDetected.
func (i *Issuer) handleReuse(ctx context.Context, rec *storage.Token) error {
	logger.Warnw("refresh token reuse detected, revoking family",
		"family_id", rec.FamilyID, "grant_id", rec.GrantID)
	family, err := i.store.ListTokensByFamily(ctx, rec.FamilyID)
	if err != nil {
		logger.Errorw("listing token family failed", "family_id", rec.FamilyID, "error", err)
		return ErrReuseDetected
	}
	for _, t := range family {
		if err := i.store.RevokeToken(ctx, t.ID); err != nil {
			logger.Errorw("revoking family member failed", "token_id", t.ID, "error", err)
		}
	}
	return ErrReuseDetected
}

func (i *Issuer) issueSigned(ctx context.Context, g *storage.Grant, kind storage.TokenKind, scope []string, familyID string) (*IssuedToken, error) {
	now := i.clk.Now()
	lifespan := i.cfg.AccessTokenLifespan
	if kind == storage.TokenKindID {
		lifespan = i.cfg.IDTokenLifespan
	}
	expires := now.Add(lifespan)
	jti := uuid.NewString()

	value, err := i.mint(ctx, g, kind, scope, jti, now, expires)
	if err != nil {
		return nil, err
	}

	rec := &storage.Token{
		ID:        jti,
		Kind:      kind,
		GrantID:   g.ID,
		SessionID: g.SessionID,
		FamilyID:  familyID,
		Subject:   subjectFor(g),
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: expires,
	}
	if err := i.store.CreateToken(ctx, rec); err != nil {
		return nil, err
	}
	return &IssuedToken{Value: value, Record: rec}, nil
}

func (i *Issuer) issueRefresh(ctx context.Context, g *storage.Grant, scope []string, familyID string) (*IssuedToken, error) {
	now := i.clk.Now()
	value := RefreshTokenPrefix + randomURLSafe(32)

	rec := &storage.Token{
		ID:        value,
		Kind:      storage.TokenKindRefresh,
		GrantID:   g.ID,
		SessionID: g.SessionID,
		FamilyID:  familyID,
		Subject:   subjectFor(g),
		Scope:     scope,
		IssuedAt:  now,
	}
	if i.cfg.RefreshTokenLifespan > 0 {
		rec.ExpiresAt = now.Add(i.cfg.RefreshTokenLifespan)
	}
	if err := i.store.CreateToken(ctx, rec); err != nil {
		return nil, err
	}
	return &IssuedToken{Value: value, Record: rec}, nil
}

// mint signs the claim set with the current preferred key. The key ID lands
// in the JWS header so verifiers can select the right key during rotation.
func (i *Issuer) mint(ctx context.Context, g *storage.Grant, kind storage.TokenKind, scope []string, jti string, now, expires time.Time) (string, error) {
	sk, err := i.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("getting signing key: %w", err)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT")
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(sk.Algorithm),
		Key:       jose.JSONWebKey{Key: sk.Key, KeyID: sk.KeyID},
	}, opts)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	cl := jwt.Claims{
		Issuer:   i.cfg.Issuer,
		Subject:  subjectFor(g),
		Audience: jwt.Audience{g.ClientID},
		ID:       jti,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(expires),
	}
	extra := map[string]any{
		"client_id":  g.ClientID,
		"scope":      strings.Join(scope, " "),
		"token_kind": string(kind),
	}
	if g.SessionID != "" {
		extra["sid"] = g.SessionID
	}

	value, err := jwt.Signed(signer).Claims(cl).Claims(extra).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return value, nil
}

// subjectFor resolves the sub claim: the approving user, or the client
// itself for client-credentials grants.
func subjectFor(g *storage.Grant) string {
	if g.Subject != "" {
		return g.Subject
	}
	return g.ClientID
}

func hasScope(scope []string, want string) bool {
	for _, s := range scope {
		if s == want {
			return true
		}
	}
	return false
}

func randomURLSafe(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
