// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing key management for the token issuer. It
// handles key lifecycle: loading from files, generation, explicit rotation,
// and retrieval for signing and verification.
package keys

import (
	"crypto"
	"time"
)

// DefaultAlgorithm is the default signing algorithm for generated keys.
// ES256 (ECDSA with P-256) is recommended by NIST and OWASP for JWT
// signing, with smaller keys and faster operations than RSA.
const DefaultAlgorithm = "ES256"

// SigningKeyData represents a signing key with its metadata. This contains
// private key material and must not be exposed externally.
type SigningKeyData struct {
	// KeyID is the unique identifier for this key (RFC 7638 thumbprint).
	KeyID string

	// Algorithm is the signing algorithm (e.g., "ES256", "RS256").
	Algorithm string

	// Key is the private key used for signing.
	Key crypto.Signer

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// PublicKeyData represents the public portion of a signing key, safe to
// expose for verification.
type PublicKeyData struct {
	// KeyID is the unique identifier for this key (RFC 7638 thumbprint).
	KeyID string

	// Algorithm is the signing algorithm (e.g., "ES256", "RS256").
	Algorithm string

	// PublicKey is the public key for verification.
	PublicKey crypto.PublicKey

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// Config configures key loading for the file provider.
type Config struct {
	// KeyDir is the directory holding PEM key files.
	KeyDir string

	// SigningKeyFile is the primary key used for signing new tokens.
	SigningKeyFile string

	// FallbackKeyFiles are additional keys kept active for verification
	// during rotation periods.
	FallbackKeyFiles []string
}
