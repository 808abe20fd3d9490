// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/relaymesh/authd/pkg/logger"
)

// ErrNoSigningKey is returned when no signing key is available.
var ErrNoSigningKey = errors.New("no signing key available")

// ErrUnknownKey is returned when a key ID does not match any active key.
var ErrUnknownKey = errors.New("unknown key")

// Provider provides signing keys for token operations.
//
// Key material is read-mostly: SigningKey and PublicKeys are safe for
// concurrent use from many workers.
type Provider interface {
	// SigningKey returns the current preferred signing key.
	// Returns ErrNoSigningKey if no key is available.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all active public keys. Multiple keys may be
	// active during rotation periods; verifiers must accept tokens
	// signed by any of them.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// loadKeyFromFile loads a single key from a PEM file and derives its
// key ID and algorithm.
func loadKeyFromFile(keyPath string, now time.Time) (*SigningKeyData, error) {
	signer, err := LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}

	keyID, err := DeriveKeyID(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}
	algorithm, err := DeriveAlgorithm(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive algorithm: %w", err)
	}

	return &SigningKeyData{
		KeyID:     keyID,
		Algorithm: algorithm,
		Key:       signer,
		CreatedAt: now,
	}, nil
}

// Store holds the active key set. New tokens are always signed with the
// preferred key; verification accepts any key still listed as active,
// enabling overlap during rotation. Rotation is an explicit administrative
// call, never ambient mutation from token issuance paths.
type Store struct {
	mu      sync.RWMutex
	signing *SigningKeyData
	all     []*SigningKeyData
	clk     clock.PassiveClock
}

// NewFileStore creates a Store loading keys from a directory.
// cfg.SigningKeyFile is the preferred key; cfg.FallbackKeyFiles remain
// active for verification during rotation. All keys are loaded and
// validated immediately: load keys before serving.
func NewFileStore(cfg Config, clk clock.PassiveClock) (*Store, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	now := clk.Now()

	signingKey, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	all := []*SigningKeyData{signingKey}
	for _, filename := range cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, filename), now)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		all = append(all, key)
	}

	logger.Infow("signing keys loaded", "count", len(all), "preferred", signingKey.KeyID)

	return &Store{signing: signingKey, all: all, clk: clk}, nil
}

// NewGeneratedStore creates a Store with a freshly generated ES256 key.
// Intended for development and tests; tokens do not survive restarts.
// A nil clk falls back to the real clock.
func NewGeneratedStore(clk clock.PassiveClock) (*Store, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	key, err := generateKey(clk.Now())
	if err != nil {
		return nil, err
	}

	logger.Infow("generated ephemeral signing key", "keyID", key.KeyID)

	return &Store{signing: key, all: []*SigningKeyData{key}, clk: clk}, nil
}

func generateKey(now time.Time) (*SigningKeyData, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	keyID, err := DeriveKeyID(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &SigningKeyData{
		KeyID:     keyID,
		Algorithm: DefaultAlgorithm,
		Key:       priv,
		CreatedAt: now,
	}, nil
}

// SigningKey returns the current preferred signing key.
// Returns a copy to prevent external mutation of internal state.
func (s *Store) SigningKey(_ context.Context) (*SigningKeyData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.signing == nil {
		return nil, ErrNoSigningKey
	}
	cp := *s.signing
	return &cp, nil
}

// PublicKeys returns public keys for all active keys (preferred +
// still-listed retired keys), so tokens signed under any of them remain
// verifiable.
func (s *Store) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pubKeys := make([]*PublicKeyData, 0, len(s.all))
	for _, key := range s.all {
		pubKeys = append(pubKeys, &PublicKeyData{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PublicKey: key.Key.Public(),
			CreatedAt: key.CreatedAt,
		})
	}
	return pubKeys, nil
}

// Rotate generates a new preferred signing key. The previous key stays in
// the active set so in-flight verification of tokens signed under it is
// not disrupted. Returns the new key ID.
func (s *Store) Rotate(_ context.Context) (string, error) {
	key, err := generateKey(s.clk.Now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.all = append([]*SigningKeyData{key}, s.all...)
	s.signing = key

	logger.Infow("rotated signing key", "keyID", key.KeyID, "active", len(s.all))
	return key.KeyID, nil
}

// Retire removes a key from the active set. Tokens signed under a retired
// key fail verification with an unknown-key error. The preferred signing
// key cannot be retired.
func (s *Store) Retire(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signing != nil && s.signing.KeyID == keyID {
		return fmt.Errorf("cannot retire the preferred signing key %s", keyID)
	}

	for i, key := range s.all {
		if key.KeyID == keyID {
			s.all = append(s.all[:i], s.all[i+1:]...)
			logger.Infow("retired signing key", "keyID", keyID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
}

var _ Provider = (*Store)(nil)
