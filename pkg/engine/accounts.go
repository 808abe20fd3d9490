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

	"github.com/relaymesh/authd/pkg/logger"
	"github.com/relaymesh/authd/pkg/policy"
	"github.com/relaymesh/authd/pkg/ratelimit"
	"github.com/relaymesh/authd/pkg/session"
	"github.com/relaymesh/authd/pkg/storage"
	"github.com/relaymesh/authd/pkg/upstream"
)

// RegisterUserRequest creates a local account.
type RegisterUserRequest struct {
	Localpart   string
	DisplayName string
	Email       string
	Password    string
	Requester   policy.Requester
}

// RegisterUser creates a local account after the register checkpoint
// passes. Registration attempts are rate limited by requester IP.
func (e *Engine) RegisterUser(ctx context.Context, req RegisterUserRequest) (*storage.User, error) {
	if err := e.limiter.Allow(ratelimit.OpRegister, req.Requester.IPAddress); err != nil {
		return nil, err
	}

	input := policy.Input{
		Principal: req.Localpart,
		Context: map[string]any{
			"username":     req.Localpart,
			"email":        req.Email,
			"email_domain": emailDomain(req.Email),
		},
		Requester: req.Requester,
	}
	if err := e.checkpoint(ctx, policy.CheckpointRegister, input); err != nil {
		return nil, err
	}

	now := e.clk.Now()
	u := &storage.User{
		ID:          uuid.NewString(),
		Localpart:   req.Localpart,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
		u.PasswordHash = hash
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	logger.Infow("user registered", "user_id", u.ID, "localpart", u.Localpart)
	return u, nil
}

// LoginRequest authenticates a local account.
type LoginRequest struct {
	Localpart string
	Password  string
	Requester policy.Requester
}

// Login verifies the password and opens a session. Attempts are rate
// limited per localpart so an attacker cannot burn one account's budget
// from many addresses unnoticed.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*storage.Session, error) {
	if err := e.limiter.Allow(ratelimit.OpLogin, req.Localpart); err != nil {
		return nil, err
	}

	u, err := e.store.GetUserByLocalpart(ctx, req.Localpart)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if len(u.PasswordHash) == 0 {
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)); err != nil {
		return nil, ErrBadCredentials
	}
	return e.sessions.Create(ctx, u.ID)
}

// RegisterClientRequest registers an OAuth client.
type RegisterClientRequest struct {
	Name         string
	RedirectURIs []string

	// AuthMethod is "client_secret_basic" for confidential clients or
	// "none" for public ones.
	AuthMethod string

	AllowedScopes []string
	Requester     policy.Requester
}

// RegisterClient registers a client after the client_registration
// checkpoint passes. For confidential clients the generated secret is
// returned once, in the clear; only its hash is stored.
func (e *Engine) RegisterClient(ctx context.Context, req RegisterClientRequest) (*storage.Client, string, error) {
	input := policy.Input{
		Principal: req.Name,
		Context: map[string]any{
			"client_name":   req.Name,
			"redirect_uris": req.RedirectURIs,
			"auth_method":   req.AuthMethod,
		},
		Requester: req.Requester,
	}
	if err := e.checkpoint(ctx, policy.CheckpointClientRegistration, input); err != nil {
		return nil, "", err
	}

	c := &storage.Client{
		ID:            uuid.NewString(),
		Name:          req.Name,
		RedirectURIs:  req.RedirectURIs,
		AuthMethod:    req.AuthMethod,
		AllowedScopes: req.AllowedScopes,
		CreatedAt:     e.clk.Now(),
	}

	var secret string
	if req.AuthMethod != "none" {
		secret = uuid.NewString() + uuid.NewString()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hashing client secret: %w", err)
		}
		c.SecretHash = hash
	}

	if err := e.store.CreateClient(ctx, c); err != nil {
		return nil, "", err
	}
	logger.Infow("client registered", "client_id", c.ID, "name", c.Name, "auth_method", c.AuthMethod)
	return c, secret, nil
}

// ChangePasswordRequest rotates an account password.
type ChangePasswordRequest struct {
	UserID      string
	OldPassword string
	NewPassword string
	Requester   policy.Requester
}

// ChangePassword verifies the current password, runs the password
// checkpoint, and stores the new hash. Rate limited per user.
func (e *Engine) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	if err := e.limiter.Allow(ratelimit.OpPassword, req.UserID); err != nil {
		return err
	}

	u, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		return err
	}
	if len(u.PasswordHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.OldPassword)); err != nil {
			return ErrBadCredentials
		}
	}

	input := policy.Input{
		Principal: u.ID,
		Context: map[string]any{
			"username": u.Localpart,
		},
		Requester: req.Requester,
	}
	if err := e.checkpoint(ctx, policy.CheckpointPassword, input); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	u.PasswordHash = hash
	u.UpdatedAt = e.clk.Now()
	if err := e.store.UpdateUser(ctx, u); err != nil {
		return err
	}
	logger.Infow("password changed", "user_id", u.ID)
	return nil
}

// SetEmail updates an account's email address after the email checkpoint
// passes.
func (e *Engine) SetEmail(ctx context.Context, userID, email string, requester policy.Requester) error {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	input := policy.Input{
		Principal: u.ID,
		Context: map[string]any{
			"email":        email,
			"email_domain": emailDomain(email),
		},
		Requester: requester,
	}
	if err := e.checkpoint(ctx, policy.CheckpointEmail, input); err != nil {
		return err
	}

	u.Email = email
	u.UpdatedAt = e.clk.Now()
	return e.store.UpdateUser(ctx, u)
}

// UpstreamLogin is a successful upstream resolution bound to a fresh
// session.
type UpstreamLogin struct {
	Resolution *upstream.Resolution
	Session    *storage.Session
}

// ResolveUpstreamIdentity maps an upstream provider's assertion to a local
// user, provisioning one if the provider's import rules allow, and opens a
// session for the resolved user.
func (e *Engine) ResolveUpstreamIdentity(ctx context.Context, providerID, subject string, claims map[string]string) (*UpstreamLogin, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("no upstream providers configured")
	}
	res, err := e.resolver.Resolve(ctx, providerID, subject, claims)
	if err != nil {
		return nil, err
	}
	sess, err := e.sessions.Create(ctx, res.UserID)
	if err != nil {
		return nil, err
	}
	return &UpstreamLogin{Resolution: res, Session: sess}, nil
}

// Sessions exposes the session tracker for transport-level session
// management (logout, compat sessions, consent queries).
func (e *Engine) Sessions() *session.Tracker {
	return e.sessions
}

func emailDomain(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 {
		return email[at+1:]
	}
	return ""
}
