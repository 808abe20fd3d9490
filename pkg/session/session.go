// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks authenticated browser sessions, their consent
// decisions, and the long-lived device-linked compatibility sessions they
// own. Expiry is lazy: sessions are judged stale at read time, never by a
// background sweep.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/relaymesh/authd/pkg/grant"
	"github.com/relaymesh/authd/pkg/storage"
)

// Session lookup failures.
var (
	// ErrNotFound is returned when the session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned when the session is past its absolute expiry
	// or its inactivity window.
	ErrExpired = errors.New("session expired")

	// ErrRevoked is returned when the session has been revoked.
	ErrRevoked = errors.New("session revoked")
)

// Config holds session lifetime parameters.
type Config struct {
	// InactivityTTL is how long a session may go untouched before it is
	// considered expired. Zero disables inactivity expiry.
	InactivityTTL time.Duration

	// AbsoluteTTL caps total session lifetime regardless of activity.
	// Zero disables the cap.
	AbsoluteTTL time.Duration
}

// Tracker manages session lifecycle and consent on top of a Store.
type Tracker struct {
	store storage.Store
	cfg   Config
	clk   clock.PassiveClock
}

// NewTracker builds a Tracker. A nil clk falls back to the real clock.
func NewTracker(store storage.Store, cfg Config, clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{store: store, cfg: cfg, clk: clk}
}

// Create starts a new session for a user who just authenticated.
func (t *Tracker) Create(ctx context.Context, userID string) (*storage.Session, error) {
	now := t.clk.Now()
	s := &storage.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if t.cfg.AbsoluteTTL > 0 {
		s.ExpiresAt = now.Add(t.cfg.AbsoluteTTL)
	}
	if err := t.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return s, nil
}

// Get returns the session if it is still live. Revoked sessions and
// sessions past their absolute expiry or inactivity window are reported
// through the package's typed errors.
func (t *Tracker) Get(ctx context.Context, id string) (*storage.Session, error) {
	s, err := t.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if s.Revoked {
		return nil, ErrRevoked
	}
	now := t.clk.Now()
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return nil, ErrExpired
	}
	if t.cfg.InactivityTTL > 0 && now.Sub(s.LastActiveAt) >= t.cfg.InactivityTTL {
		return nil, ErrExpired
	}
	return s, nil
}

// Touch records activity on a live session, resetting its inactivity
// window.
func (t *Tracker) Touch(ctx context.Context, id string) error {
	if _, err := t.Get(ctx, id); err != nil {
		return err
	}
	return t.store.TouchSession(ctx, id, t.clk.Now())
}

// GrantConsent records the session's approval of a client for a scope set.
// Scopes accumulate across approvals so a later narrower request still
// re-approves silently.
func (t *Tracker) GrantConsent(ctx context.Context, sessionID, clientID string, scopes []string) error {
	if _, err := t.Get(ctx, sessionID); err != nil {
		return err
	}
	merged := scopes
	existing, err := t.store.GetConsent(ctx, sessionID, clientID)
	switch {
	case err == nil:
		merged = unionScopes(existing.Scopes, scopes)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}
	return t.store.UpsertConsent(ctx, &storage.Consent{
		SessionID: sessionID,
		ClientID:  clientID,
		Scopes:    merged,
		GrantedAt: t.clk.Now(),
	})
}

// HasConsent reports whether the session has previously approved the
// client for at least the given scopes.
func (t *Tracker) HasConsent(ctx context.Context, sessionID, clientID string, scopes []string) (bool, error) {
	existing, err := t.store.GetConsent(ctx, sessionID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return grant.ScopeSubset(scopes, existing.Scopes), nil
}

// CreateCompat opens a device-linked compatibility session owned by a live
// browser session. It is revoked together with its owner.
func (t *Tracker) CreateCompat(ctx context.Context, sessionID, deviceID string) (*storage.CompatSession, error) {
	s, err := t.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cs := &storage.CompatSession{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		UserID:    s.UserID,
		DeviceID:  deviceID,
		CreatedAt: t.clk.Now(),
	}
	if err := t.store.CreateCompatSession(ctx, cs); err != nil {
		return nil, fmt.Errorf("creating compat session: %w", err)
	}
	return cs, nil
}

func unionScopes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
