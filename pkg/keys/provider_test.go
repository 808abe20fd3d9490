// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratedStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewGeneratedStore(nil)
	require.NoError(t, err)

	sk, err := store.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultAlgorithm, sk.Algorithm)
	assert.NotEmpty(t, sk.KeyID)

	pubs, err := store.PublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, sk.KeyID, pubs[0].KeyID)
}

func TestNilClockFallsBackToRealClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewGeneratedStore(nil)
	require.NoError(t, err)

	sk, err := store.SigningKey(ctx)
	require.NoError(t, err)
	assert.False(t, sk.CreatedAt.IsZero())

	// Rotation reads the stored clock; it must be usable too.
	_, err = store.Rotate(ctx)
	require.NoError(t, err)
}

func TestRotateKeepsOldKeyActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewGeneratedStore(nil)
	require.NoError(t, err)

	before, err := store.SigningKey(ctx)
	require.NoError(t, err)

	newKID, err := store.Rotate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.KeyID, newKID)

	after, err := store.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, newKID, after.KeyID, "new key becomes preferred")

	pubs, err := store.PublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, pubs, 2, "old key stays active for verification")
}

func TestRetire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewGeneratedStore(nil)
	require.NoError(t, err)
	old, err := store.SigningKey(ctx)
	require.NoError(t, err)
	_, err = store.Rotate(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Retire(ctx, old.KeyID))
	pubs, err := store.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, pubs, 1)

	// The preferred key cannot be retired.
	current, err := store.SigningKey(ctx)
	require.NoError(t, err)
	assert.Error(t, store.Retire(ctx, current.KeyID))

	assert.ErrorIs(t, store.Retire(ctx, "missing"), ErrUnknownKey)
}

func TestDeriveKeyIDStable(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	kid1, err := DeriveKeyID(key)
	require.NoError(t, err)
	kid2, err := DeriveKeyID(key)
	require.NoError(t, err)
	assert.Equal(t, kid1, kid2, "thumbprint must be deterministic")

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	kid3, err := DeriveKeyID(other)
	require.NoError(t, err)
	assert.NotEqual(t, kid1, kid3)
}

func TestDeriveAlgorithm(t *testing.T) {
	t.Parallel()

	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	alg, err := DeriveAlgorithm(ec)
	require.NoError(t, err)
	assert.Equal(t, "ES256", alg)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	alg, err = DeriveAlgorithm(rsaKey)
	require.NoError(t, err)
	assert.Equal(t, "RS256", alg)

	_, ed, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	alg, err = DeriveAlgorithm(ed)
	require.NoError(t, err)
	assert.Equal(t, "EdDSA", alg)
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	writeECKey(t, filepath.Join(dir, "signing.pem"))
	writeECKey(t, filepath.Join(dir, "fallback.pem"))

	store, err := NewFileStore(Config{
		KeyDir:           dir,
		SigningKeyFile:   "signing.pem",
		FallbackKeyFiles: []string{"fallback.pem"},
	}, nil)
	require.NoError(t, err)

	sk, err := store.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ES256", sk.Algorithm)

	pubs, err := store.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, pubs, 2)
}

func writeECKey(t *testing.T, path string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
}
