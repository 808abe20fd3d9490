// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/relaymesh/authd/pkg/keys"
	"github.com/relaymesh/authd/pkg/storage"
)

type issuerFixture struct {
	store  *storage.MemoryStore
	keys   *keys.Store
	clk    *clocktesting.FakeClock
	issuer *Issuer
	grant  *storage.Grant
}

func newIssuerFixture(t *testing.T, cfg Config) *issuerFixture {
	t.Helper()
	t.Parallel()

	clk := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	keyStore, err := keys.NewGeneratedStore(clk)
	require.NoError(t, err)

	if cfg.Issuer == "" {
		cfg = DefaultConfig("https://auth.example")
	}

	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, &storage.Client{
		ID:            "client-1",
		AuthMethod:    "none",
		AllowedScopes: []string{"openid", "messaging.read", "messaging.write"},
	}))
	g := &storage.Grant{
		ID:       "grant-1",
		ClientID: "client-1",
		Kind:     storage.GrantKindAuthorizationCode,
		State:    storage.GrantStateExchanged,
		Scope:    []string{"openid", "messaging.read"},
		Subject:  "user-1",
	}
	require.NoError(t, store.CreateGrant(ctx, g))

	return &issuerFixture{
		store:  store,
		keys:   keyStore,
		clk:    clk,
		issuer: NewIssuer(store, keyStore, cfg, clk),
		grant:  g,
	}
}

func TestIssueAndValidateSigned(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	issued, err := fx.issuer.Issue(ctx, fx.grant, storage.TokenKindAccess, fx.grant.Scope)
	require.NoError(t, err)
	assert.Contains(t, issued.Value, ".", "signed tokens are compact JWTs")
	assert.Equal(t, "user-1", issued.Record.Subject)

	rec, err := fx.issuer.Validate(ctx, issued.Value)
	require.NoError(t, err)
	assert.Equal(t, issued.Record.ID, rec.ID)
	assert.Equal(t, storage.TokenKindAccess, rec.Kind)
}

func TestValidateExpired(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	issued, err := fx.issuer.Issue(ctx, fx.grant, storage.TokenKindAccess, fx.grant.Scope)
	require.NoError(t, err)

	fx.clk.SetTime(fx.clk.Now().Add(time.Hour))
	_, err = fx.issuer.Validate(ctx, issued.Value)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidateMalformed(t *testing.T) {
	fx := newIssuerFixture(t, Config{})

	_, err := fx.issuer.Validate(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValidateUnknownKey(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	issued, err := fx.issuer.Issue(ctx, fx.grant, storage.TokenKindAccess, fx.grant.Scope)
	require.NoError(t, err)

	// A verifier with a different key set does not know the kid.
	otherKeys, err := keys.NewGeneratedStore(fx.clk)
	require.NoError(t, err)
	other := NewIssuer(fx.store, otherKeys, DefaultConfig("https://auth.example"), fx.clk)

	_, err = other.Validate(ctx, issued.Value)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestValidateAfterRotation(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	issued, err := fx.issuer.Issue(ctx, fx.grant, storage.TokenKindAccess, fx.grant.Scope)
	require.NoError(t, err)

	_, err = fx.keys.Rotate(ctx)
	require.NoError(t, err)

	// The old key stays in the verification set.
	_, err = fx.issuer.Validate(ctx, issued.Value)
	require.NoError(t, err)

	// New tokens carry the new kid and also verify.
	issued2, err := fx.issuer.Issue(ctx, fx.grant, storage.TokenKindAccess, fx.grant.Scope)
	require.NoError(t, err)
	_, err = fx.issuer.Validate(ctx, issued2.Value)
	require.NoError(t, err)
}

func TestValidateRevoked(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	issued, err := fx.issuer.Issue(ctx, fx.grant, storage.TokenKindAccess, fx.grant.Scope)
	require.NoError(t, err)
	require.NoError(t, fx.store.RevokeToken(ctx, issued.Record.ID))

	_, err = fx.issuer.Validate(ctx, issued.Value)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestIssueSet(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	set, err := fx.issuer.IssueSet(ctx, fx.grant, fx.grant.Scope, true)
	require.NoError(t, err)
	require.NotNil(t, set.Access)
	require.NotNil(t, set.Refresh)
	require.NotNil(t, set.ID, "openid scope produces an ID token")

	assert.True(t, strings.HasPrefix(set.Refresh.Value, RefreshTokenPrefix))
	assert.Equal(t, set.Access.Record.FamilyID, set.Refresh.Record.FamilyID,
		"set members share a rotation family")

	set2, err := fx.issuer.IssueSet(ctx, fx.grant, []string{"messaging.read"}, false)
	require.NoError(t, err)
	assert.Nil(t, set2.Refresh)
	assert.Nil(t, set2.ID, "no openid scope, no ID token")
}

func TestRefreshRotation(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	set, err := fx.issuer.IssueSet(ctx, fx.grant, fx.grant.Scope, true)
	require.NoError(t, err)

	rotated, err := fx.issuer.Refresh(ctx, set.Refresh.Value, nil)
	require.NoError(t, err)
	assert.NotEqual(t, set.Refresh.Value, rotated.Refresh.Value)
	assert.Equal(t, set.Refresh.Record.FamilyID, rotated.Refresh.Record.FamilyID)

	old, err := fx.store.GetToken(ctx, set.Refresh.Value)
	require.NoError(t, err)
	assert.True(t, old.Consumed)
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	set, err := fx.issuer.IssueSet(ctx, fx.grant, fx.grant.Scope, true)
	require.NoError(t, err)

	rotated, err := fx.issuer.Refresh(ctx, set.Refresh.Value, nil)
	require.NoError(t, err)

	// Presenting the consumed token again is reuse: the whole family dies.
	_, err = fx.issuer.Refresh(ctx, set.Refresh.Value, nil)
	assert.ErrorIs(t, err, ErrReuseDetected)

	family, err := fx.store.ListTokensByFamily(ctx, set.Refresh.Record.FamilyID)
	require.NoError(t, err)
	require.NotEmpty(t, family)
	for _, tok := range family {
		assert.True(t, tok.Revoked, "family member %s must be revoked", tok.ID)
	}

	_, err = fx.issuer.Refresh(ctx, rotated.Refresh.Value, nil)
	assert.ErrorIs(t, err, ErrRevoked, "rotated descendant is dead too")
}

func TestRefreshScopeNarrowing(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	set, err := fx.issuer.IssueSet(ctx, fx.grant, fx.grant.Scope, true)
	require.NoError(t, err)

	narrowed, err := fx.issuer.Refresh(ctx, set.Refresh.Value, []string{"messaging.read"})
	require.NoError(t, err)
	assert.Equal(t, []string{"messaging.read"}, narrowed.Access.Record.Scope)

	_, err = fx.issuer.Refresh(ctx, narrowed.Refresh.Value, []string{"messaging.read", "messaging.write"})
	assert.ErrorIs(t, err, ErrScopeWidened)
}

func TestRefreshIntersectsClientScopes(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	set, err := fx.issuer.IssueSet(ctx, fx.grant, fx.grant.Scope, true)
	require.NoError(t, err)

	// The client's registration shrinks after issuance.
	require.NoError(t, fx.store.UpdateClient(ctx, &storage.Client{
		ID:            "client-1",
		AuthMethod:    "none",
		AllowedScopes: []string{"openid"},
	}))

	rotated, err := fx.issuer.Refresh(ctx, set.Refresh.Value, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"openid"}, rotated.Access.Record.Scope,
		"shrunk registration takes effect at refresh")
}

func TestRefreshWrongKind(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	issued, err := fx.issuer.Issue(ctx, fx.grant, storage.TokenKindAccess, fx.grant.Scope)
	require.NoError(t, err)

	_, err = fx.issuer.Refresh(ctx, issued.Record.ID, nil)
	assert.ErrorIs(t, err, ErrWrongKind)

	_, err = fx.issuer.Refresh(ctx, "rt_missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshRotationDisabled(t *testing.T) {
	cfg := DefaultConfig("https://auth.example")
	cfg.DisableRefreshRotation = true
	fx := newIssuerFixture(t, cfg)
	ctx := context.Background()

	set, err := fx.issuer.IssueSet(ctx, fx.grant, fx.grant.Scope, true)
	require.NoError(t, err)

	first, err := fx.issuer.Refresh(ctx, set.Refresh.Value, nil)
	require.NoError(t, err)
	assert.Equal(t, set.Refresh.Value, first.Refresh.Value, "value is stable without rotation")

	_, err = fx.issuer.Refresh(ctx, set.Refresh.Value, nil)
	require.NoError(t, err, "no consumption, no reuse detection")
}

func TestRefreshExpiry(t *testing.T) {
	cfg := DefaultConfig("https://auth.example")
	cfg.RefreshTokenLifespan = 24 * time.Hour
	fx := newIssuerFixture(t, cfg)
	ctx := context.Background()

	set, err := fx.issuer.IssueSet(ctx, fx.grant, fx.grant.Scope, true)
	require.NoError(t, err)

	fx.clk.SetTime(fx.clk.Now().Add(25 * time.Hour))
	_, err = fx.issuer.Refresh(ctx, set.Refresh.Value, nil)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidateOpaqueRefresh(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	set, err := fx.issuer.IssueSet(ctx, fx.grant, fx.grant.Scope, true)
	require.NoError(t, err)

	rec, err := fx.issuer.Validate(ctx, set.Refresh.Value)
	require.NoError(t, err)
	assert.Equal(t, storage.TokenKindRefresh, rec.Kind)

	_, err = fx.issuer.Refresh(ctx, set.Refresh.Value, nil)
	require.NoError(t, err)

	// A consumed refresh token no longer validates.
	_, err = fx.issuer.Validate(ctx, set.Refresh.Value)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestJWKS(t *testing.T) {
	fx := newIssuerFixture(t, Config{})
	ctx := context.Background()

	set, err := fx.issuer.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "sig", set.Keys[0].Use)
	assert.NotEmpty(t, set.Keys[0].KeyID)
}
