// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package token issues and validates the credentials produced by exchanged
// grants: signed JWT access and ID tokens, and opaque rotating refresh
// tokens backed by storage records.
package token

import (
	"errors"
	"time"
)

// Validation and refresh failures. Callers switch on these to decide
// whether a failure is retryable, an attack signal, or a dead credential.
var (
	// ErrNotFound is returned when no record exists for the presented token.
	ErrNotFound = errors.New("token not found")

	// ErrExpired is returned when the token is past its expiry.
	ErrExpired = errors.New("token expired")

	// ErrRevoked is returned when the token has been revoked.
	ErrRevoked = errors.New("token revoked")

	// ErrMalformed is returned when the value does not parse as a token.
	ErrMalformed = errors.New("malformed token")

	// ErrSignatureInvalid is returned when a signed token fails verification.
	ErrSignatureInvalid = errors.New("invalid token signature")

	// ErrUnknownKey is returned when a signed token references a key ID
	// that is not in the active key set.
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrWrongKind is returned when a token of the wrong kind is presented,
	// such as an access token at the refresh operation.
	ErrWrongKind = errors.New("wrong token kind")

	// ErrReuseDetected is returned when an already-rotated refresh token is
	// presented again. The whole token family has been revoked by the time
	// the caller sees this.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrScopeWidened is returned when a refresh requests scopes beyond the
	// refresh token's snapshot.
	ErrScopeWidened = errors.New("requested scope exceeds granted scope")
)

// RefreshTokenPrefix marks opaque refresh-token values so logs and bug
// reports identify the token kind without revealing validity.
const RefreshTokenPrefix = "rt_"

// Config holds token issuance parameters.
type Config struct {
	// Issuer is the iss claim stamped into signed tokens.
	Issuer string

	// AccessTokenLifespan bounds access-token validity.
	AccessTokenLifespan time.Duration

	// IDTokenLifespan bounds ID-token validity.
	IDTokenLifespan time.Duration

	// RefreshTokenLifespan is the absolute refresh-token lifetime. Zero
	// means refresh tokens never expire on their own.
	RefreshTokenLifespan time.Duration

	// DisableRefreshRotation keeps the same refresh-token value across
	// refreshes. Rotation (and with it reuse detection) is on by default.
	DisableRefreshRotation bool
}

// DefaultConfig returns issuance parameters suitable for production.
func DefaultConfig(issuer string) Config {
	return Config{
		Issuer:              issuer,
		AccessTokenLifespan: 5 * time.Minute,
		IDTokenLifespan:     5 * time.Minute,
	}
}
