// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/relaymesh/authd/pkg/grant"
	"github.com/relaymesh/authd/pkg/keys"
	"github.com/relaymesh/authd/pkg/policy"
	"github.com/relaymesh/authd/pkg/ratelimit"
	"github.com/relaymesh/authd/pkg/session"
	"github.com/relaymesh/authd/pkg/storage"
	"github.com/relaymesh/authd/pkg/token"
	"github.com/relaymesh/authd/pkg/upstream"
)

const testRedirectURI = "https://app.example/callback"

// testBundle permits everything except two tagged forbid rules: spam.example
// email domains and the admin scope.
func testBundle() *policy.BundleConfig {
	domainRule := policy.Rule{
		ID:    "email-domain-banned",
		Cedar: `forbid(principal, action, resource) when { context.email_domain == "spam.example" };`,
		Violation: policy.Violation{
			Field:   "email",
			Code:    "email-domain-banned",
			Message: "email domain not allowed",
		},
	}
	return &policy.BundleConfig{
		Version: "1",
		Checkpoints: map[policy.Checkpoint]policy.CheckpointBundle{
			policy.CheckpointRegister:           {Rules: []policy.Rule{domainRule}},
			policy.CheckpointClientRegistration: {},
			policy.CheckpointAuthorizationGrant: {Rules: []policy.Rule{{
				ID:    "admin-scope-denied",
				Cedar: `forbid(principal, action, resource) when { context.scope.contains("admin") };`,
				Violation: policy.Violation{
					Field:   "scope",
					Code:    "admin-scope-denied",
					Message: "admin scope requires operator approval",
				},
			}}},
			policy.CheckpointPassword: {},
			policy.CheckpointEmail:    {Rules: []policy.Rule{domainRule}},
		},
	}
}

type fixtureParams struct {
	bundle     *policy.BundleConfig
	tokenCfg   token.Config
	sessionCfg session.Config
	limiter    *ratelimit.Limiter
	providers  []*upstream.ProviderConfig
}

type engineFixture struct {
	eng   *Engine
	store *storage.MemoryStore
	clk   *clocktesting.FakeClock
}

func newTestEngine(t *testing.T, params fixtureParams) *engineFixture {
	t.Helper()
	t.Parallel()

	clk := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	keyStore, err := keys.NewGeneratedStore(clk)
	require.NoError(t, err)

	if params.bundle == nil {
		params.bundle = testBundle()
	}
	evaluator, err := policy.NewCedarEngine(params.bundle)
	require.NoError(t, err)

	if params.tokenCfg.Issuer == "" {
		params.tokenCfg = token.DefaultConfig("https://auth.example")
	}

	tracker := session.NewTracker(store, params.sessionCfg, clk)
	eng, err := New(Params{
		Store:    store,
		Issuer:   token.NewIssuer(store, keyStore, params.tokenCfg, clk),
		Sessions: tracker,
		Resolver: upstream.NewResolver(store, params.providers, clk),
		Policy:   evaluator,
		Limiter:  params.limiter,
		Clock:    clk,
	})
	require.NoError(t, err)

	return &engineFixture{eng: eng, store: store, clk: clk}
}

// registerPublicClient registers a PKCE-only public client.
func (fx *engineFixture) registerPublicClient(t *testing.T, scopes ...string) *storage.Client {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"openid", "messaging.read", "messaging.write", "admin"}
	}
	c, secret, err := fx.eng.RegisterClient(context.Background(), RegisterClientRequest{
		Name:          "Test App",
		RedirectURIs:  []string{testRedirectURI},
		AuthMethod:    "none",
		AllowedScopes: scopes,
	})
	require.NoError(t, err)
	require.Empty(t, secret, "public clients get no secret")
	return c
}

// loginUser registers and logs in a local account, returning the session.
func (fx *engineFixture) loginUser(t *testing.T, localpart string) *storage.Session {
	t.Helper()
	ctx := context.Background()
	_, err := fx.eng.RegisterUser(ctx, RegisterUserRequest{
		Localpart: localpart,
		Email:     localpart + "@corp.example",
		Password:  "correct horse battery staple",
	})
	require.NoError(t, err)
	sess, err := fx.eng.Login(ctx, LoginRequest{
		Localpart: localpart,
		Password:  "correct horse battery staple",
	})
	require.NoError(t, err)
	return sess
}

// startCodeGrant creates a pending authorization-code grant with a fresh
// PKCE proof and returns the grant and the verifier.
func (fx *engineFixture) startCodeGrant(t *testing.T, clientID string, scope []string) (*storage.Grant, string) {
	t.Helper()
	verifier := grant.GeneratePKCEVerifier()
	g, err := fx.eng.CreateGrant(context.Background(), CreateGrantRequest{
		ClientID:      clientID,
		Kind:          storage.GrantKindAuthorizationCode,
		Scope:         scope,
		RedirectURI:   testRedirectURI,
		PKCEChallenge: grant.ComputePKCEChallenge(verifier),
		PKCEMethod:    grant.PKCEChallengeMethodS256,
	})
	require.NoError(t, err)
	return g, verifier
}

func TestAuthorizationCodeFlow(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	scope := []string{"openid", "messaging.read"}
	g, verifier := fx.startCodeGrant(t, client.ID, scope)

	needs, err := fx.eng.NeedsConsent(ctx, g.ID, sess.ID)
	require.NoError(t, err)
	assert.True(t, needs, "first approval asks the human")

	approved, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)
	assert.Equal(t, storage.GrantStateFulfilled, approved.State)
	assert.Equal(t, sess.ID, approved.SessionID)
	assert.Equal(t, sess.UserID, approved.Subject)

	res, err := fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens.Access)
	require.NotNil(t, res.Tokens.Refresh)
	require.NotNil(t, res.Tokens.ID, "openid scope yields an ID token")

	rec, err := fx.eng.ValidateToken(ctx, res.Tokens.Access.Value)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, rec.Subject)
	assert.Equal(t, sess.ID, rec.SessionID)

	rotated, err := fx.eng.RefreshToken(ctx, res.Tokens.Refresh.Value, nil)
	require.NoError(t, err)
	assert.NotEqual(t, res.Tokens.Refresh.Value, rotated.Refresh.Value)

	// The identical request is now silently approvable.
	g2, _ := fx.startCodeGrant(t, client.ID, scope)
	needs, err = fx.eng.NeedsConsent(ctx, g2.ID, sess.ID)
	require.NoError(t, err)
	assert.False(t, needs, "recorded consent covers the repeat request")
}

func TestExchangeReplayRevokesTokens(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, verifier := fx.startCodeGrant(t, client.ID, []string{"messaging.read"})
	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)

	req := ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  testRedirectURI,
	}
	first, err := fx.eng.ExchangeGrant(ctx, req)
	require.NoError(t, err)

	_, err = fx.eng.ExchangeGrant(ctx, req)
	assert.ErrorIs(t, err, grant.ErrAlreadyExchanged)

	// The replay burned everything issued the first time.
	_, err = fx.eng.ValidateToken(ctx, first.Tokens.Access.Value)
	assert.ErrorIs(t, err, token.ErrRevoked)
	_, err = fx.eng.ValidateToken(ctx, first.Tokens.Refresh.Value)
	assert.ErrorIs(t, err, token.ErrRevoked)

	g2, err := fx.store.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.GrantStateRevoked, g2.State)
}

func TestExchangeReplayWithBadCredentials(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, verifier := fx.startCodeGrant(t, client.ID, []string{"messaging.read"})
	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)

	first, err := fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)

	// A replay from a different client still burns the issued tokens;
	// credential validity does not gate replay handling.
	_, err = fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:  g.ID,
		ClientID: "attacker",
	})
	assert.ErrorIs(t, err, grant.ErrAlreadyExchanged)

	stored, err := fx.store.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.GrantStateRevoked, stored.State)

	_, err = fx.eng.ValidateToken(ctx, first.Tokens.Access.Value)
	assert.ErrorIs(t, err, token.ErrRevoked)
}

func TestExchangePKCEMismatch(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, verifier := fx.startCodeGrant(t, client.ID, []string{"messaging.read"})
	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)

	_, err = fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: "wrong-verifier-wrong-verifier-wrong-verifier",
		RedirectURI:  testRedirectURI,
	})
	assert.ErrorIs(t, err, grant.ErrProofInvalid)

	// A failed proof does not consume the grant.
	_, err = fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)
}

func TestExchangeRedirectMismatch(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, verifier := fx.startCodeGrant(t, client.ID, []string{"messaging.read"})
	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)

	_, err = fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  "https://app.example/callback/", // trailing slash
	})
	assert.ErrorIs(t, err, grant.ErrRedirectMismatch)
}

func TestExchangeScopeNarrowing(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, verifier := fx.startCodeGrant(t, client.ID, []string{"messaging.read", "messaging.write"})
	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)

	_, err = fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  testRedirectURI,
		Scope:        []string{"messaging.read", "openid"},
	})
	assert.ErrorIs(t, err, grant.ErrScopeWidened)

	res, err := fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  testRedirectURI,
		Scope:        []string{"messaging.read"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"messaging.read"}, res.Tokens.Access.Record.Scope)
}

func TestCreateGrantValidation(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()
	client := fx.registerPublicClient(t, "openid")

	tests := []struct {
		name    string
		req     CreateGrantRequest
		wantErr error
	}{
		{
			name:    "unknown client",
			req:     CreateGrantRequest{ClientID: "nope", Kind: storage.GrantKindAuthorizationCode},
			wantErr: ErrUnknownClient,
		},
		{
			name: "scope not allowed",
			req: CreateGrantRequest{
				ClientID: client.ID,
				Kind:     storage.GrantKindAuthorizationCode,
				Scope:    []string{"openid", "messaging.read"},
			},
			wantErr: ErrScopeNotAllowed,
		},
		{
			name: "unregistered redirect",
			req: CreateGrantRequest{
				ClientID:    client.ID,
				Kind:        storage.GrantKindAuthorizationCode,
				Scope:       []string{"openid"},
				RedirectURI: "https://evil.example/cb",
			},
			wantErr: ErrInvalidRedirectURI,
		},
		{
			name: "public client without PKCE",
			req: CreateGrantRequest{
				ClientID:    client.ID,
				Kind:        storage.GrantKindAuthorizationCode,
				Scope:       []string{"openid"},
				RedirectURI: testRedirectURI,
			},
			wantErr: ErrPKCERequired,
		},
		{
			name: "plain challenge method",
			req: CreateGrantRequest{
				ClientID:      client.ID,
				Kind:          storage.GrantKindAuthorizationCode,
				Scope:         []string{"openid"},
				RedirectURI:   testRedirectURI,
				PKCEChallenge: "abc",
				PKCEMethod:    "plain",
			},
			wantErr: ErrUnsupportedPKCEMethod,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.eng.CreateGrant(ctx, tc.req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestClientCredentialsFlow(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client, secret, err := fx.eng.RegisterClient(ctx, RegisterClientRequest{
		Name:          "Batch Job",
		AuthMethod:    "client_secret_basic",
		AllowedScopes: []string{"messaging.read"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	g, err := fx.eng.CreateGrant(ctx, CreateGrantRequest{
		ClientID: client.ID,
		Kind:     storage.GrantKindClientCredentials,
		Scope:    []string{"messaging.read"},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.GrantStateFulfilled, g.State, "born fulfilled")
	assert.Empty(t, g.SessionID, "no human, no session")

	_, err = fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID})
	assert.ErrorIs(t, err, ErrGrantNotApprovable)

	_, err = fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		ClientSecret: "not-the-secret",
	})
	assert.ErrorIs(t, err, ErrClientAuthFailed)

	res, err := fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens.Access)
	assert.Nil(t, res.Tokens.Refresh, "machine grants do not refresh")
	assert.Nil(t, res.Tokens.ID)
	assert.Equal(t, client.ID, res.Tokens.Access.Record.Subject, "client is its own subject")
}

func TestDeviceCodeFlow(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")

	g, err := fx.eng.CreateGrant(ctx, CreateGrantRequest{
		ClientID: client.ID,
		Kind:     storage.GrantKindDeviceCode,
		Scope:    []string{"messaging.read"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, g.DeviceCode)
	require.NotEmpty(t, g.UserCode)

	// Approval requires the user to have typed the code first.
	_, err = fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	assert.ErrorIs(t, err, grant.ErrUserCodeUnverified)

	_, err = fx.eng.VerifyDeviceCode(ctx, "WRONGCOD")
	assert.ErrorIs(t, err, grant.ErrNotFound)

	// Codes are typed by humans; lowercase and stray whitespace are fine.
	verified, err := fx.eng.VerifyDeviceCode(ctx, " "+strings.ToLower(g.UserCode)+" ")
	require.NoError(t, err)
	assert.True(t, verified.UserCodeVerified)

	_, err = fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)

	res, err := fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		DeviceCode: g.DeviceCode,
		ClientID:   client.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, res.Tokens.Access.Record.Subject)
}

func TestPolicyDenialRejectsGrant(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, _ := fx.startCodeGrant(t, client.ID, []string{"admin"})

	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	var denied *policy.DeniedError
	require.ErrorAs(t, err, &denied)
	require.Len(t, denied.Violations, 1)
	assert.Equal(t, "admin-scope-denied", denied.Violations[0].Code)

	stored, err := fx.store.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.GrantStateRejected, stored.State, "denied grants cannot be retried")
}

func TestPolicyUnavailableFailsClosed(t *testing.T) {
	// A bundle without the authorization_grant checkpoint cannot evaluate
	// approvals; every approval must fail, none may slip through.
	fx := newTestEngine(t, fixtureParams{bundle: &policy.BundleConfig{
		Version: "1",
		Checkpoints: map[policy.Checkpoint]policy.CheckpointBundle{
			policy.CheckpointRegister:           {},
			policy.CheckpointClientRegistration: {},
		},
	}})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, _ := fx.startCodeGrant(t, client.ID, []string{"messaging.read"})

	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	assert.ErrorIs(t, err, ErrPolicyUnavailable)

	stored, err := fx.store.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.GrantStatePending, stored.State, "unavailable is not a rejection")
}

func TestExpiredCodeGrant(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, verifier := fx.startCodeGrant(t, client.ID, []string{"messaging.read"})
	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)

	fx.clk.SetTime(fx.clk.Now().Add(time.Hour))
	_, err = fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  testRedirectURI,
	})
	assert.ErrorIs(t, err, grant.ErrExpired)

	stored, err := fx.store.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.GrantStateExpired, stored.State, "expiry is recorded lazily")
}

func TestRegisterUserDenied(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})

	_, err := fx.eng.RegisterUser(context.Background(), RegisterUserRequest{
		Localpart: "spammer",
		Email:     "spammer@spam.example",
	})
	var denied *policy.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "email-domain-banned", denied.Violations[0].Code)
}

func TestLoginBadCredentials(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()
	fx.loginUser(t, "alice")

	_, err := fx.eng.Login(ctx, LoginRequest{Localpart: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = fx.eng.Login(ctx, LoginRequest{Localpart: "nobody", Password: "whatever"})
	assert.ErrorIs(t, err, ErrBadCredentials, "unknown accounts look like bad passwords")
}

func TestLoginRateLimited(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{
		limiter: ratelimit.NewLimiter(map[ratelimit.Op]ratelimit.Config{
			ratelimit.OpLogin: {PerSecond: 0.01, Burst: 2},
		}),
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := fx.eng.Login(ctx, LoginRequest{Localpart: "alice", Password: "x"})
		assert.ErrorIs(t, err, ErrBadCredentials, "attempt %d consumes budget", i)
	}

	var limited *ratelimit.LimitedError
	_, err := fx.eng.Login(ctx, LoginRequest{Localpart: "alice", Password: "x"})
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, ratelimit.OpLogin, limited.Op)

	// Another localpart is unaffected.
	_, err = fx.eng.Login(ctx, LoginRequest{Localpart: "bob", Password: "x"})
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestChangePassword(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()
	sess := fx.loginUser(t, "alice")

	err := fx.eng.ChangePassword(ctx, ChangePasswordRequest{
		UserID:      sess.UserID,
		OldPassword: "wrong",
		NewPassword: "new password 1",
	})
	assert.ErrorIs(t, err, ErrBadCredentials)

	require.NoError(t, fx.eng.ChangePassword(ctx, ChangePasswordRequest{
		UserID:      sess.UserID,
		OldPassword: "correct horse battery staple",
		NewPassword: "new password 1",
	}))

	_, err = fx.eng.Login(ctx, LoginRequest{Localpart: "alice", Password: "new password 1"})
	require.NoError(t, err)
}

func TestSetEmail(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()
	sess := fx.loginUser(t, "alice")

	err := fx.eng.SetEmail(ctx, sess.UserID, "alice@spam.example", policy.Requester{})
	var denied *policy.DeniedError
	require.ErrorAs(t, err, &denied)

	require.NoError(t, fx.eng.SetEmail(ctx, sess.UserID, "alice@other.example", policy.Requester{}))
	u, err := fx.store.GetUser(ctx, sess.UserID)
	require.NoError(t, err)
	assert.Equal(t, "alice@other.example", u.Email)
}

func TestRevokeSessionCascade(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, verifier := fx.startCodeGrant(t, client.ID, []string{"messaging.read"})
	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)
	res, err := fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)

	require.NoError(t, fx.eng.Revoke(ctx, EntityRef{Kind: EntitySession, ID: sess.ID}))

	_, err = fx.eng.ValidateToken(ctx, res.Tokens.Access.Value)
	assert.ErrorIs(t, err, token.ErrRevoked)
	_, err = fx.eng.RefreshToken(ctx, res.Tokens.Refresh.Value, nil)
	assert.ErrorIs(t, err, token.ErrRevoked)

	assert.Error(t, fx.eng.Revoke(ctx, EntityRef{Kind: "nonsense", ID: "x"}))
}

func TestValidateTokenSessionExpiry(t *testing.T) {
	cfg := token.DefaultConfig("https://auth.example")
	cfg.AccessTokenLifespan = 24 * time.Hour
	fx := newTestEngine(t, fixtureParams{
		tokenCfg:   cfg,
		sessionCfg: session.Config{InactivityTTL: time.Hour},
	})
	ctx := context.Background()

	client := fx.registerPublicClient(t)
	sess := fx.loginUser(t, "alice")
	g, verifier := fx.startCodeGrant(t, client.ID, []string{"messaging.read"})
	_, err := fx.eng.ApproveGrant(ctx, ApproveRequest{GrantID: g.ID, SessionID: sess.ID})
	require.NoError(t, err)
	res, err := fx.eng.ExchangeGrant(ctx, ExchangeRequest{
		GrantID:      g.ID,
		ClientID:     client.ID,
		PKCEVerifier: verifier,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)

	// The token itself is fresh, but its session has gone idle.
	fx.clk.SetTime(fx.clk.Now().Add(2 * time.Hour))
	_, err = fx.eng.ValidateToken(ctx, res.Tokens.Access.Value)
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestResolveUpstreamIdentity(t *testing.T) {
	fx := newTestEngine(t, fixtureParams{
		providers: []*upstream.ProviderConfig{{
			ID:        "corp-oidc",
			Localpart: upstream.ImportRule{Action: upstream.ActionRequire},
			Email:     upstream.ImportRule{Action: upstream.ActionForce},
		}},
	})
	ctx := context.Background()

	login, err := fx.eng.ResolveUpstreamIdentity(ctx, "corp-oidc", "sub-1", map[string]string{
		"preferred_username": "alice",
		"email":              "alice@corp.example",
	})
	require.NoError(t, err)
	assert.True(t, login.Resolution.Created)
	assert.Equal(t, login.Resolution.UserID, login.Session.UserID)

	// The fresh session drives the rest of the flow as usual.
	_, err = fx.eng.Sessions().Get(ctx, login.Session.ID)
	require.NoError(t, err)
}
