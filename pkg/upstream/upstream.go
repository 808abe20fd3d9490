// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream resolves identities asserted by external providers into
// local users. A (provider, subject) pair maps to at most one user through
// an upstream link; claims from the provider are imported into local
// attributes under per-attribute rules.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/relaymesh/authd/pkg/logger"
	"github.com/relaymesh/authd/pkg/storage"
)

// Resolution failures.
var (
	// ErrUnknownProvider is returned for a provider ID with no
	// configuration.
	ErrUnknownProvider = errors.New("unknown upstream provider")

	// ErrClaimMissing is returned when a required claim is absent from the
	// provider's assertion.
	ErrClaimMissing = errors.New("required claim missing")

	// ErrLocalpartConflict is returned when the imported localpart already
	// belongs to a local user and the provider is configured to fail on
	// conflict.
	ErrLocalpartConflict = errors.New("localpart already taken")
)

// ClaimAction says what to do with an imported attribute value.
type ClaimAction string

// Claim actions, in increasing order of force.
const (
	// ActionIgnore discards the attribute.
	ActionIgnore ClaimAction = "ignore"

	// ActionSuggest surfaces the value for the user to confirm; it is
	// never applied automatically.
	ActionSuggest ClaimAction = "suggest"

	// ActionForce applies the value on every login, overwriting local
	// edits.
	ActionForce ClaimAction = "force"

	// ActionRequire is force plus: the login fails if the claim is absent.
	ActionRequire ClaimAction = "require"
)

// OnConflict controls what happens when an imported localpart collides
// with an existing local user.
type OnConflict string

// Localpart conflict policies.
const (
	// OnConflictFail rejects the login.
	OnConflictFail OnConflict = "fail"

	// OnConflictAdd links the upstream identity to the existing user.
	OnConflictAdd OnConflict = "add"
)

// ImportRule configures the import of one attribute.
type ImportRule struct {
	// Action is what to do with the rendered value.
	Action ClaimAction

	// Template renders the value from the provider's claims, exposed as
	// {{ .user }} ({{ .user.preferred_username }} and so on). Empty falls
	// back to the attribute's canonical claim.
	Template string
}

// ProviderConfig is the import policy for one upstream provider.
type ProviderConfig struct {
	// ID identifies the provider in upstream links.
	ID string

	// Localpart, DisplayName, Email and AccountName are the attribute
	// import rules. A zero-value rule means ignore. AccountName is the
	// provider-side account label stored on the link rather than the
	// user; the subject itself is never templated, it is always the
	// verbatim link key.
	Localpart   ImportRule
	DisplayName ImportRule
	Email       ImportRule
	AccountName ImportRule

	// OnConflict is the localpart collision policy. Defaults to fail.
	OnConflict OnConflict
}

// Resolution is the outcome of resolving an upstream assertion.
type Resolution struct {
	// UserID is the local user the assertion resolved to.
	UserID string

	// Created reports whether the user was provisioned by this resolution.
	Created bool

	// Suggestions holds suggest-action values for the caller to surface;
	// they have not been applied.
	Suggestions map[string]string
}

// Resolver maps upstream assertions to local users.
type Resolver struct {
	store     storage.Store
	providers map[string]*ProviderConfig
	clk       clock.PassiveClock
}

// NewResolver builds a Resolver over the given provider configurations.
// A nil clk falls back to the real clock.
func NewResolver(store storage.Store, providers []*ProviderConfig, clk clock.PassiveClock) *Resolver {
	if clk == nil {
		clk = clock.RealClock{}
	}
	byID := make(map[string]*ProviderConfig, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}
	return &Resolver{store: store, providers: byID, clk: clk}
}

// Resolve maps a provider assertion (subject plus claims) to a local user.
// An existing link binds immediately and refreshes its claims snapshot;
// otherwise a user is provisioned, or linked to an existing one when the
// localpart collides and the provider allows it.
func (r *Resolver) Resolve(ctx context.Context, providerID, subject string, claims map[string]string) (*Resolution, error) {
	cfg, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}

	attrs, err := importAttributes(cfg, claims)
	if err != nil {
		return nil, err
	}

	link, err := r.store.GetUpstreamLink(ctx, providerID, subject)
	switch {
	case err == nil:
		return r.resolveExisting(ctx, link, attrs, claims)
	case errors.Is(err, storage.ErrNotFound):
		return r.resolveNew(ctx, cfg, subject, attrs, claims)
	default:
		return nil, fmt.Errorf("looking up upstream link: %w", err)
	}
}

func (r *Resolver) resolveExisting(ctx context.Context, link *storage.UpstreamLink, attrs *attributes, claims map[string]string) (*Resolution, error) {
	if err := r.store.UpdateUpstreamLink(ctx, link.ID, claims, attrs.accountName); err != nil {
		return nil, fmt.Errorf("updating link snapshot: %w", err)
	}
	if err := r.applyForced(ctx, link.UserID, attrs); err != nil {
		return nil, err
	}
	return &Resolution{UserID: link.UserID, Suggestions: attrs.suggestions}, nil
}

func (r *Resolver) resolveNew(ctx context.Context, cfg *ProviderConfig, subject string, attrs *attributes, claims map[string]string) (*Resolution, error) {
	if attrs.localpart == "" {
		return nil, fmt.Errorf("%w: localpart", ErrClaimMissing)
	}

	now := r.clk.Now()
	created := false
	existing, err := r.store.GetUserByLocalpart(ctx, attrs.localpart)
	switch {
	case err == nil:
		if cfg.OnConflict != OnConflictAdd {
			return nil, fmt.Errorf("%w: %q", ErrLocalpartConflict, attrs.localpart)
		}
	case errors.Is(err, storage.ErrNotFound):
		existing = &storage.User{
			ID:          uuid.NewString(),
			Localpart:   attrs.localpart,
			DisplayName: attrs.displayName,
			Email:       attrs.email,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := r.store.CreateUser(ctx, existing); err != nil {
			return nil, fmt.Errorf("provisioning user: %w", err)
		}
		created = true
	default:
		return nil, fmt.Errorf("looking up localpart: %w", err)
	}

	l := &storage.UpstreamLink{
		ID:          uuid.NewString(),
		ProviderID:  cfg.ID,
		Subject:     subject,
		UserID:      existing.ID,
		Claims:      claims,
		AccountName: attrs.accountName,
		CreatedAt:   now,
	}
	if err := r.store.CreateUpstreamLink(ctx, l); err != nil {
		return nil, fmt.Errorf("creating upstream link: %w", err)
	}
	logger.Infow("upstream identity linked", "provider_id", cfg.ID,
		"user_id", existing.ID, "provisioned", created)
	return &Resolution{UserID: existing.ID, Created: created, Suggestions: attrs.suggestions}, nil
}

// applyForced overwrites local attributes that the provider forces on
// every login.
func (r *Resolver) applyForced(ctx context.Context, userID string, attrs *attributes) error {
	if attrs.displayName == "" && attrs.email == "" {
		return nil
	}
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading linked user: %w", err)
	}
	changed := false
	if attrs.displayName != "" && attrs.displayName != u.DisplayName {
		u.DisplayName = attrs.displayName
		changed = true
	}
	if attrs.email != "" && attrs.email != u.Email {
		u.Email = attrs.email
		changed = true
	}
	if !changed {
		return nil
	}
	u.UpdatedAt = r.clk.Now()
	if err := r.store.UpdateUser(ctx, u); err != nil {
		return fmt.Errorf("applying imported attributes: %w", err)
	}
	return nil
}

// attributes holds rendered import values. Forced values are set directly,
// suggest values only in suggestions.
type attributes struct {
	localpart   string
	displayName string
	email       string
	accountName string
	suggestions map[string]string
}

func importAttributes(cfg *ProviderConfig, claims map[string]string) (*attributes, error) {
	out := &attributes{suggestions: map[string]string{}}

	lp, err := renderAttribute("localpart", cfg.Localpart, "preferred_username", claims, out)
	if err != nil {
		return nil, err
	}
	out.localpart = lp

	dn, err := renderAttribute("displayname", cfg.DisplayName, "name", claims, out)
	if err != nil {
		return nil, err
	}
	out.displayName = dn

	em, err := renderAttribute("email", cfg.Email, "email", claims, out)
	if err != nil {
		return nil, err
	}
	out.email = em

	an, err := renderAttribute("account_name", cfg.AccountName, "preferred_username", claims, out)
	if err != nil {
		return nil, err
	}
	out.accountName = an

	return out, nil
}

// renderAttribute evaluates one import rule. Returns the value to apply
// (empty for ignore and suggest); suggest values land in out.suggestions.
func renderAttribute(name string, rule ImportRule, defaultClaim string, claims map[string]string, out *attributes) (string, error) {
	if rule.Action == "" || rule.Action == ActionIgnore {
		return "", nil
	}

	value, err := renderValue(name, rule.Template, defaultClaim, claims)
	if err != nil {
		return "", err
	}

	switch rule.Action {
	case ActionRequire:
		if value == "" {
			return "", fmt.Errorf("%w: %s", ErrClaimMissing, name)
		}
		return value, nil
	case ActionForce:
		return value, nil
	case ActionSuggest:
		if value != "" {
			out.suggestions[name] = value
		}
		return "", nil
	default:
		return "", fmt.Errorf("unknown claim action %q for %s", rule.Action, name)
	}
}

func renderValue(name, tmpl, defaultClaim string, claims map[string]string) (string, error) {
	if tmpl == "" {
		return claims[defaultClaim], nil
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing %s template: %w", name, err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, map[string]any{"user": claims}); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
