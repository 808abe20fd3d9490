// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contract for the authorization
// core: clients, grants, sessions, tokens, users and upstream links, keyed
// by opaque identifiers, with the conditional-update primitives the state
// machine relies on for serialization.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique constraint is violated.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned when a conditional update loses the race:
	// the record's current state did not match the expected state.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("storage unavailable")
)

// GrantKind identifies the authorization flow a grant belongs to.
type GrantKind string

// Grant kinds.
const (
	GrantKindAuthorizationCode GrantKind = "authorization_code"
	GrantKindDeviceCode        GrantKind = "device_code"
	GrantKindClientCredentials GrantKind = "client_credentials"
)

// GrantState is the current position of a grant in its state machine.
type GrantState string

// Grant states. Exchanged, rejected, expired and revoked are terminal.
const (
	GrantStatePending   GrantState = "pending"
	GrantStateFulfilled GrantState = "fulfilled"
	GrantStateExchanged GrantState = "exchanged"
	GrantStateRejected  GrantState = "rejected"
	GrantStateExpired   GrantState = "expired"
	GrantStateRevoked   GrantState = "revoked"
)

// Terminal reports whether s is a terminal grant state.
func (s GrantState) Terminal() bool {
	switch s {
	case GrantStateExchanged, GrantStateRejected, GrantStateExpired, GrantStateRevoked:
		return true
	default:
		return false
	}
}

// TokenKind identifies the kind of an issued credential.
type TokenKind string

// Token kinds.
const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
	TokenKindID      TokenKind = "id"
)

// Client is a registered OAuth application. Immutable after registration
// except through UpdateClient.
type Client struct {
	// ID is the stable client identifier.
	ID string

	// Name is the human-readable client name.
	Name string

	// RedirectURIs are the allowed redirect URIs. Redirect URIs supplied
	// at grant creation must match one of these byte for byte.
	RedirectURIs []string

	// AuthMethod is the token-endpoint authentication method
	// ("client_secret_basic", "none").
	AuthMethod string

	// SecretHash is the hashed client secret for confidential clients.
	SecretHash []byte

	// AllowedScopes are the scopes the client may request.
	AllowedScopes []string

	// CreatedAt is when the client was registered.
	CreatedAt time.Time
}

// clone returns a defensive copy.
func (c *Client) clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.SecretHash = slices.Clone(c.SecretHash)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	return &cp
}

// Grant is one authorization transaction tracked from creation to exchange
// or termination.
type Grant struct {
	ID       string
	ClientID string
	Kind     GrantKind
	State    GrantState

	// Scope is the requested scope set. Exchange may narrow it, never widen.
	Scope []string

	// ResponseMode is the requested response mode for code-flow grants.
	ResponseMode string

	// RedirectURI is the redirect URI supplied at creation. The URI
	// presented at exchange must be byte-identical.
	RedirectURI string

	// PKCEChallenge and PKCEMethod hold the S256 proof-of-possession
	// challenge for code-flow grants.
	PKCEChallenge string
	PKCEMethod    string

	// SessionID is the owning browser session, when the grant kind
	// requires one. Client-credentials grants have none.
	SessionID string

	// Subject is the user the grant was approved for.
	Subject string

	// DeviceCode and UserCode are set for device-code grants. The user
	// code is verified out of band before the grant can be fulfilled.
	DeviceCode       string
	UserCode         string
	UserCodeVerified bool

	CreatedAt   time.Time
	ExpiresAt   time.Time
	FulfilledAt time.Time
	ExchangedAt time.Time
}

func (g *Grant) clone() *Grant {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Scope = slices.Clone(g.Scope)
	return &cp
}

// Session is a human actor's authenticated browser context.
type Session struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	LastActiveAt time.Time

	// ExpiresAt is an optional absolute expiry; zero means none.
	ExpiresAt time.Time

	Revoked bool
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// CompatSession is a long-lived device-linked session owned by a browser
// session, kept for clients that predate the OAuth surface.
type CompatSession struct {
	ID        string
	SessionID string
	UserID    string
	DeviceID  string
	CreatedAt time.Time
	Revoked   bool
}

func (s *CompatSession) clone() *CompatSession {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Consent records a session's approval of a (client, scope set) pair,
// enabling silent re-approval of later authorization requests.
type Consent struct {
	SessionID string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
}

func (c *Consent) clone() *Consent {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// Token is an issued credential. The ID is the lookup key: the opaque token
// value for refresh tokens, the jti for signed tokens.
type Token struct {
	ID   string
	Kind TokenKind

	// GrantID is the owning grant; SessionID the owning session if any.
	GrantID   string
	SessionID string

	// FamilyID links successive refresh-token rotations to one lineage.
	FamilyID string

	Subject string

	// Scope is the scope snapshot at issuance.
	Scope []string

	IssuedAt time.Time

	// ExpiresAt is zero for expiry-less refresh tokens.
	ExpiresAt time.Time

	Revoked bool

	// Consumed marks a refresh token that has been rotated away. Set via
	// ConsumeRefreshToken only; presenting a consumed token is reuse.
	Consumed bool
}

func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scope = slices.Clone(t.Scope)
	return &cp
}

// User is a local account.
type User struct {
	ID          string
	Localpart   string
	DisplayName string
	Email       string

	// PasswordHash is the bcrypt hash of the account password; empty for
	// accounts that only authenticate upstream.
	PasswordHash []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	cp := *u
	cp.PasswordHash = slices.Clone(u.PasswordHash)
	return &cp
}

// UpstreamLink associates a local user with an external provider subject.
// (ProviderID, Subject) is unique.
type UpstreamLink struct {
	ID         string
	ProviderID string
	Subject    string
	UserID     string

	// Claims is the imported-claims snapshot from the last login.
	Claims map[string]string

	// AccountName is the human-readable name of the account on the
	// provider, shown so users can tell linked accounts apart. Refreshed
	// on every login when the provider imports it.
	AccountName string

	CreatedAt time.Time
}

func (l *UpstreamLink) clone() *UpstreamLink {
	if l == nil {
		return nil
	}
	cp := *l
	if l.Claims != nil {
		cp.Claims = make(map[string]string, len(l.Claims))
		for k, v := range l.Claims {
			cp.Claims[k] = v
		}
	}
	return &cp
}

// Store is the persistence contract consumed by the authorization core.
//
// Conditional updates (TransitionGrant, ConsumeRefreshToken, RevokeSession)
// are the serialization primitives of the state machine: an exchange attempt
// and a concurrent revocation of the same grant must not both succeed, and a
// rotated refresh token must be consumable exactly once.
type Store interface {
	// Clients.
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	UpdateClient(ctx context.Context, client *Client) error

	// Users.
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByLocalpart(ctx context.Context, localpart string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error

	// Grants.
	CreateGrant(ctx context.Context, grant *Grant) error
	GetGrant(ctx context.Context, id string) (*Grant, error)
	GetGrantByDeviceCode(ctx context.Context, deviceCode string) (*Grant, error)
	GetGrantByUserCode(ctx context.Context, userCode string) (*Grant, error)
	ListGrantsBySession(ctx context.Context, sessionID string) ([]*Grant, error)

	// TransitionGrant moves the grant from state from to state to as a
	// single conditional update, stamping the exchange time when the
	// target state is exchanged. Returns ErrConflict without mutating
	// anything if the grant's current state differs from from; the caller
	// re-reads to observe the winning state.
	TransitionGrant(ctx context.Context, id string, from, to GrantState, at time.Time) (*Grant, error)

	// FulfillGrant moves a pending grant to fulfilled, binding the
	// approving session and subject in the same conditional update.
	// Returns ErrConflict if the grant is not pending.
	FulfillGrant(ctx context.Context, id, sessionID, subject string, at time.Time) (*Grant, error)

	// MarkUserCodeVerified records the out-of-band user-code match for a
	// device-code grant.
	MarkUserCodeVerified(ctx context.Context, id string) error

	// Sessions.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error

	// RevokeSession marks the session revoked. Returns the session as it
	// was before the call; revoking an already-revoked session succeeds.
	RevokeSession(ctx context.Context, id string) (*Session, error)

	// Compat sessions.
	CreateCompatSession(ctx context.Context, session *CompatSession) error
	GetCompatSession(ctx context.Context, id string) (*CompatSession, error)
	ListCompatSessionsBySession(ctx context.Context, sessionID string) ([]*CompatSession, error)
	RevokeCompatSession(ctx context.Context, id string) error

	// Consent.
	UpsertConsent(ctx context.Context, consent *Consent) error
	GetConsent(ctx context.Context, sessionID, clientID string) (*Consent, error)

	// Tokens.
	//
	// CreateToken fails with ErrConflict if the owning grant has reached a
	// revoked state, making revocation propagation atomic with respect to
	// concurrent issuance.
	CreateToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)

	// RevokeToken marks the token revoked; revoking an already-revoked
	// token is a no-op that still succeeds.
	RevokeToken(ctx context.Context, id string) error

	// ConsumeRefreshToken marks a refresh token consumed as a conditional
	// update. Returns ErrConflict if the token was already consumed.
	ConsumeRefreshToken(ctx context.Context, id string) error

	ListTokensByGrant(ctx context.Context, grantID string) ([]*Token, error)
	ListTokensByFamily(ctx context.Context, familyID string) ([]*Token, error)

	// Upstream links.
	CreateUpstreamLink(ctx context.Context, link *UpstreamLink) error
	GetUpstreamLink(ctx context.Context, providerID, subject string) (*UpstreamLink, error)
	ListUpstreamLinksByUser(ctx context.Context, userID string) ([]*UpstreamLink, error)
	UpdateUpstreamLink(ctx context.Context, id string, claims map[string]string, accountName string) error

	// Health reports whether the store is reachable.
	Health(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
