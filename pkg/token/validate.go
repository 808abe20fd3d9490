// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/relaymesh/authd/pkg/storage"
)

// supportedSignatureAlgorithms lists the JWS algorithms accepted during
// validation. Tokens signed with anything else are rejected at parse time.
var supportedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512, // RSA PKCS#1 v1.5
	jose.ES256, jose.ES384, jose.ES512, // ECDSA
	jose.PS256, jose.PS384, jose.PS512, // RSA-PSS
	jose.EdDSA, // Edwards curve
}

// Validate checks a presented token value and returns its storage record.
// Signed tokens are verified against the active key set and their expiry;
// every token is additionally checked against storage so revocation takes
// effect immediately. Failures are reported through the package's typed
// errors.
func (i *Issuer) Validate(ctx context.Context, value string) (*storage.Token, error) {
	if strings.HasPrefix(value, RefreshTokenPrefix) {
		return i.validateOpaque(ctx, value)
	}
	return i.validateSigned(ctx, value)
}

func (i *Issuer) validateOpaque(ctx context.Context, value string) (*storage.Token, error) {
	rec, err := i.store.GetToken(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Revoked || rec.Consumed {
		return nil, ErrRevoked
	}
	if !rec.ExpiresAt.IsZero() && !i.clk.Now().Before(rec.ExpiresAt) {
		return nil, ErrExpired
	}
	return rec, nil
}

func (i *Issuer) validateSigned(ctx context.Context, value string) (*storage.Token, error) {
	parsed, err := jwt.ParseSigned(value, supportedSignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parsed.Headers) == 0 {
		return nil, ErrMalformed
	}
	kid := parsed.Headers[0].KeyID
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrMalformed)
	}

	keySet, err := i.verificationKeys(ctx)
	if err != nil {
		return nil, err
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("exporting verification key: %w", err)
	}

	var cl jwt.Claims
	if err := parsed.Claims(rawKey, &cl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if cl.Expiry != nil && !i.clk.Now().Before(cl.Expiry.Time()) {
		return nil, ErrExpired
	}
	if cl.ID == "" {
		return nil, fmt.Errorf("%w: missing jti claim", ErrMalformed)
	}

	rec, err := i.store.GetToken(ctx, cl.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Revoked {
		return nil, ErrRevoked
	}
	return rec, nil
}

// verificationKeys assembles the active public keys into a JWK set. The
// set is rebuilt per call so rotations and retirements take effect without
// coordination.
func (i *Issuer) verificationKeys(ctx context.Context) (jwk.Set, error) {
	pubs, err := i.keys.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting public keys: %w", err)
	}
	set := jwk.NewSet()
	for _, pk := range pubs {
		key, err := jwk.Import(pk.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("importing key %s: %w", pk.KeyID, err)
		}
		if err := key.Set(jwk.KeyIDKey, pk.KeyID); err != nil {
			return nil, fmt.Errorf("setting kid on %s: %w", pk.KeyID, err)
		}
		if err := key.Set(jwk.AlgorithmKey, pk.Algorithm); err != nil {
			return nil, fmt.Errorf("setting alg on %s: %w", pk.KeyID, err)
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("adding key %s to set: %w", pk.KeyID, err)
		}
	}
	return set, nil
}

// JWKS returns the active public keys as a JSON Web Key Set for the
// discovery endpoint.
func (i *Issuer) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	pubs, err := i.keys.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting public keys: %w", err)
	}
	set := &jose.JSONWebKeySet{}
	for _, pk := range pubs {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pk.PublicKey,
			KeyID:     pk.KeyID,
			Algorithm: pk.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}
