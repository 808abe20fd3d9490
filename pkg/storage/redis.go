// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// terminalGrantRetention is how long terminal grants are kept so that late
// exchange attempts still observe the terminal state instead of NotFound.
const terminalGrantRetention = 24 * time.Hour

// Key type segments. Keys are "<prefix><type>:<id>".
const (
	keyTypeClient   = "client"
	keyTypeUser     = "user"
	keyTypeGrant    = "grant"
	keyTypeSession  = "session"
	keyTypeCompat   = "compat"
	keyTypeConsent  = "consent"
	keyTypeToken    = "token"
	keyTypeLink     = "link"
	keyIdxDevice    = "idx:device"
	keyIdxUserCode  = "idx:usercode"
	keyIdxLocalpart = "idx:localpart"
	keyIdxLink      = "idx:link"
	keySetGrants    = "set:session-grants"
	keySetCompat    = "set:session-compat"
	keySetTokens    = "set:grant-tokens"
	keySetFamily    = "set:family"
	keySetUserLinks = "set:user-links"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is the Redis server address.
	Addr string

	// Username and Password for ACL authentication, optional.
	Username string
	Password string

	// DB is the logical database number.
	DB int

	// KeyPrefix namespaces all keys, e.g. "authd:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store on a Redis backend, enabling horizontal
// scaling of the authorization core. Conditional updates use WATCH-based
// optimistic transactions so an exchange attempt and a concurrent
// revocation of the same grant cannot both succeed.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates Redis-backed storage. Returns an error if the
// configuration is invalid or the connection cannot be established.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		return nil, errors.New("key prefix is required")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// mapErr translates go-redis errors into the Store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// getJSON loads and unmarshals a record.
func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return mapErr(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// setJSON marshals and stores a record with an optional TTL.
func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return mapErr(err)
	}
	return nil
}

// createJSON stores a record only if the key does not exist.
func (s *RedisStore) createJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return mapErr(err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	return nil
}

// Health checks Redis connectivity.
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// -----------------------
// Clients
// -----------------------

// CreateClient registers a new client.
func (s *RedisStore) CreateClient(ctx context.Context, client *Client) error {
	return s.createJSON(ctx, s.key(keyTypeClient, client.ID), client, 0)
}

// GetClient loads a client by ID.
func (s *RedisStore) GetClient(ctx context.Context, id string) (*Client, error) {
	var client Client
	if err := s.getJSON(ctx, s.key(keyTypeClient, id), &client); err != nil {
		return nil, fmt.Errorf("%w: client %s", err, id)
	}
	return &client, nil
}

// UpdateClient replaces a registered client's record.
func (s *RedisStore) UpdateClient(ctx context.Context, client *Client) error {
	key := s.key(keyTypeClient, client.ID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return mapErr(err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: client %s", ErrNotFound, client.ID)
	}
	return s.setJSON(ctx, key, client, redis.KeepTTL)
}

// -----------------------
// Users
// -----------------------

// CreateUser creates a local account, claiming its localpart atomically.
func (s *RedisStore) CreateUser(ctx context.Context, user *User) error {
	if user.Localpart != "" {
		ok, err := s.client.SetNX(ctx, s.key(keyIdxLocalpart, user.Localpart), user.ID, 0).Result()
		if err != nil {
			return mapErr(err)
		}
		if !ok {
			return fmt.Errorf("%w: localpart %s", ErrAlreadyExists, user.Localpart)
		}
	}
	if err := s.createJSON(ctx, s.key(keyTypeUser, user.ID), user, 0); err != nil {
		if user.Localpart != "" {
			// Release the localpart claim; the user row was never written.
			_ = s.client.Del(ctx, s.key(keyIdxLocalpart, user.Localpart)).Err()
		}
		return err
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *RedisStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.getJSON(ctx, s.key(keyTypeUser, id), &user); err != nil {
		return nil, fmt.Errorf("%w: user %s", err, id)
	}
	return &user, nil
}

// GetUserByLocalpart retrieves a user by localpart.
func (s *RedisStore) GetUserByLocalpart(ctx context.Context, localpart string) (*User, error) {
	id, err := s.client.Get(ctx, s.key(keyIdxLocalpart, localpart)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: localpart %s", mapErr(err), localpart)
	}
	return s.GetUser(ctx, id)
}

// UpdateUser replaces a user record. Localpart changes claim the new
// localpart before releasing the old one.
func (s *RedisStore) UpdateUser(ctx context.Context, user *User) error {
	prev, err := s.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if user.Localpart != prev.Localpart {
		if user.Localpart != "" {
			ok, err := s.client.SetNX(ctx, s.key(keyIdxLocalpart, user.Localpart), user.ID, 0).Result()
			if err != nil {
				return mapErr(err)
			}
			if !ok {
				return fmt.Errorf("%w: localpart %s", ErrAlreadyExists, user.Localpart)
			}
		}
		if prev.Localpart != "" {
			if err := s.client.Del(ctx, s.key(keyIdxLocalpart, prev.Localpart)).Err(); err != nil {
				return mapErr(err)
			}
		}
	}
	return s.setJSON(ctx, s.key(keyTypeUser, user.ID), user, redis.KeepTTL)
}

// -----------------------
// Grants
// -----------------------

// grantTTL keeps grant rows alive until well past their expiry so that
// late exchange attempts observe the terminal state.
func grantTTL(grant *Grant) time.Duration {
	if grant.ExpiresAt.IsZero() {
		return 0
	}
	return time.Until(grant.ExpiresAt) + terminalGrantRetention
}

// CreateGrant stores a new grant and its device/user-code indexes.
func (s *RedisStore) CreateGrant(ctx context.Context, grant *Grant) error {
	ttl := grantTTL(grant)
	if err := s.createJSON(ctx, s.key(keyTypeGrant, grant.ID), grant, ttl); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if grant.DeviceCode != "" {
			p.Set(ctx, s.key(keyIdxDevice, grant.DeviceCode), grant.ID, ttl)
		}
		if grant.UserCode != "" {
			p.Set(ctx, s.key(keyIdxUserCode, grant.UserCode), grant.ID, ttl)
		}
		if grant.SessionID != "" {
			p.SAdd(ctx, s.key(keySetGrants, grant.SessionID), grant.ID)
		}
		return nil
	})
	return mapErr(err)
}

// GetGrant retrieves a grant by ID.
func (s *RedisStore) GetGrant(ctx context.Context, id string) (*Grant, error) {
	var grant Grant
	if err := s.getJSON(ctx, s.key(keyTypeGrant, id), &grant); err != nil {
		return nil, fmt.Errorf("%w: grant %s", err, id)
	}
	return &grant, nil
}

// GetGrantByDeviceCode retrieves a device-code grant by its device code.
func (s *RedisStore) GetGrantByDeviceCode(ctx context.Context, deviceCode string) (*Grant, error) {
	id, err := s.client.Get(ctx, s.key(keyIdxDevice, deviceCode)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: device code", mapErr(err))
	}
	return s.GetGrant(ctx, id)
}

// GetGrantByUserCode retrieves a device-code grant by its user code.
func (s *RedisStore) GetGrantByUserCode(ctx context.Context, userCode string) (*Grant, error) {
	id, err := s.client.Get(ctx, s.key(keyIdxUserCode, userCode)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: user code", mapErr(err))
	}
	return s.GetGrant(ctx, id)
}

// ListGrantsBySession returns all grants bound to a session.
func (s *RedisStore) ListGrantsBySession(ctx context.Context, sessionID string) ([]*Grant, error) {
	ids, err := s.client.SMembers(ctx, s.key(keySetGrants, sessionID)).Result()
	if err != nil {
		return nil, mapErr(err)
	}

	var grants []*Grant
	for _, id := range ids {
		grant, err := s.GetGrant(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired row, set member is stale
		}
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

// mutateGrant applies fn to the grant under a WATCH transaction.
func (s *RedisStore) mutateGrant(ctx context.Context, id string, fn func(*Grant) error) (*Grant, error) {
	key := s.key(keyTypeGrant, id)
	var result *Grant

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return mapErr(err)
		}

		var grant Grant
		if err := json.Unmarshal(data, &grant); err != nil {
			return fmt.Errorf("failed to unmarshal grant: %w", err)
		}
		if err := fn(&grant); err != nil {
			return err
		}

		updated, err := json.Marshal(&grant)
		if err != nil {
			return fmt.Errorf("failed to marshal grant: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		result = &grant
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent writer touched the grant between read and write.
		return nil, fmt.Errorf("%w: grant %s modified concurrently", ErrConflict, id)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TransitionGrant moves a grant between states as a conditional update.
func (s *RedisStore) TransitionGrant(ctx context.Context, id string, from, to GrantState, at time.Time) (*Grant, error) {
	return s.mutateGrant(ctx, id, func(grant *Grant) error {
		if grant.State != from {
			return fmt.Errorf("%w: grant %s is %s, expected %s", ErrConflict, id, grant.State, from)
		}
		grant.State = to
		if to == GrantStateExchanged {
			grant.ExchangedAt = at
		}
		return nil
	})
}

// FulfillGrant moves a pending grant to fulfilled and binds the approving
// session and subject in the same conditional update.
func (s *RedisStore) FulfillGrant(ctx context.Context, id, sessionID, subject string, at time.Time) (*Grant, error) {
	g, err := s.mutateGrant(ctx, id, func(grant *Grant) error {
		if grant.State != GrantStatePending {
			return fmt.Errorf("%w: grant %s is %s, expected pending", ErrConflict, id, grant.State)
		}
		grant.State = GrantStateFulfilled
		grant.SessionID = sessionID
		grant.Subject = subject
		grant.FulfilledAt = at
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		// Grants bind to their session at fulfillment, not creation.
		if err := s.client.SAdd(ctx, s.key(keySetGrants, sessionID), id).Err(); err != nil {
			return nil, mapErr(err)
		}
	}
	return g, nil
}

// MarkUserCodeVerified records the out-of-band user-code match.
func (s *RedisStore) MarkUserCodeVerified(ctx context.Context, id string) error {
	_, err := s.mutateGrant(ctx, id, func(grant *Grant) error {
		grant.UserCodeVerified = true
		return nil
	})
	return err
}

// -----------------------
// Sessions
// -----------------------

// CreateSession stores a new session.
func (s *RedisStore) CreateSession(ctx context.Context, session *Session) error {
	return s.createJSON(ctx, s.key(keyTypeSession, session.ID), session, 0)
}

// GetSession retrieves a session by ID.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := s.getJSON(ctx, s.key(keyTypeSession, id), &session); err != nil {
		return nil, fmt.Errorf("%w: session %s", err, id)
	}
	return &session, nil
}

// mutateSession applies fn to the session under a WATCH transaction.
func (s *RedisStore) mutateSession(ctx context.Context, id string, fn func(*Session)) (*Session, error) {
	key := s.key(keyTypeSession, id)
	var prior *Session

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return mapErr(err)
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		p := session
		prior = &p
		fn(&session)

		updated, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: session %s modified concurrently", ErrConflict, id)
	}
	if err != nil {
		return nil, err
	}
	return prior, nil
}

// TouchSession updates the session's last-active timestamp.
func (s *RedisStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.mutateSession(ctx, id, func(session *Session) {
		session.LastActiveAt = at
	})
	return err
}

// RevokeSession marks a session revoked and returns its prior state.
func (s *RedisStore) RevokeSession(ctx context.Context, id string) (*Session, error) {
	return s.mutateSession(ctx, id, func(session *Session) {
		session.Revoked = true
	})
}

// -----------------------
// Compat sessions
// -----------------------

// CreateCompatSession stores a device-linked compatibility session.
func (s *RedisStore) CreateCompatSession(ctx context.Context, session *CompatSession) error {
	if err := s.createJSON(ctx, s.key(keyTypeCompat, session.ID), session, 0); err != nil {
		return err
	}
	if session.SessionID != "" {
		if err := s.client.SAdd(ctx, s.key(keySetCompat, session.SessionID), session.ID).Err(); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// GetCompatSession retrieves a compat session by ID.
func (s *RedisStore) GetCompatSession(ctx context.Context, id string) (*CompatSession, error) {
	var session CompatSession
	if err := s.getJSON(ctx, s.key(keyTypeCompat, id), &session); err != nil {
		return nil, fmt.Errorf("%w: compat session %s", err, id)
	}
	return &session, nil
}

// ListCompatSessionsBySession returns all compat sessions owned by a session.
func (s *RedisStore) ListCompatSessionsBySession(ctx context.Context, sessionID string) ([]*CompatSession, error) {
	ids, err := s.client.SMembers(ctx, s.key(keySetCompat, sessionID)).Result()
	if err != nil {
		return nil, mapErr(err)
	}

	var sessions []*CompatSession
	for _, id := range ids {
		session, err := s.GetCompatSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// RevokeCompatSession marks a compat session revoked; idempotent.
func (s *RedisStore) RevokeCompatSession(ctx context.Context, id string) error {
	key := s.key(keyTypeCompat, id)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return mapErr(err)
		}

		var session CompatSession
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("failed to unmarshal compat session: %w", err)
		}
		session.Revoked = true

		updated, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("failed to marshal compat session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: compat session %s modified concurrently", ErrConflict, id)
	}
	return err
}

// -----------------------
// Consent
// -----------------------

// UpsertConsent records or extends a session's approval of a client.
func (s *RedisStore) UpsertConsent(ctx context.Context, consent *Consent) error {
	key := s.key(keyTypeConsent, consentKey(consent.SessionID, consent.ClientID))
	return s.setJSON(ctx, key, consent, 0)
}

// GetConsent retrieves the consent a session granted to a client.
func (s *RedisStore) GetConsent(ctx context.Context, sessionID, clientID string) (*Consent, error) {
	var consent Consent
	key := s.key(keyTypeConsent, consentKey(sessionID, clientID))
	if err := s.getJSON(ctx, key, &consent); err != nil {
		return nil, fmt.Errorf("%w: consent", err)
	}
	return &consent, nil
}

// -----------------------
// Tokens
// -----------------------

func tokenTTL(token *Token) time.Duration {
	if token.ExpiresAt.IsZero() {
		return 0
	}
	// Keep revoked/expired rows around briefly so validation reports the
	// precise failure instead of NotFound.
	return time.Until(token.ExpiresAt) + time.Hour
}

// CreateToken stores a new token. The owning grant's key is watched so a
// concurrent revocation aborts the write.
func (s *RedisStore) CreateToken(ctx context.Context, token *Token) error {
	tokenKey := s.key(keyTypeToken, token.ID)

	write := func(tx redis.Pipeliner) {
		data, _ := json.Marshal(token)
		tx.Set(ctx, tokenKey, data, tokenTTL(token))
		if token.GrantID != "" {
			tx.SAdd(ctx, s.key(keySetTokens, token.GrantID), token.ID)
		}
		if token.FamilyID != "" {
			tx.SAdd(ctx, s.key(keySetFamily, token.FamilyID), token.ID)
		}
	}

	if token.GrantID == "" {
		_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			write(p)
			return nil
		})
		return mapErr(err)
	}

	grantKey := s.key(keyTypeGrant, token.GrantID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, grantKey).Bytes()
		if err != nil {
			return mapErr(err)
		}
		var grant Grant
		if err := json.Unmarshal(data, &grant); err != nil {
			return fmt.Errorf("failed to unmarshal grant: %w", err)
		}
		if grant.State == GrantStateRevoked {
			return fmt.Errorf("%w: grant %s is revoked", ErrConflict, token.GrantID)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			write(p)
			return nil
		})
		return err
	}, grantKey)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: grant %s modified concurrently", ErrConflict, token.GrantID)
	}
	return err
}

// GetToken retrieves a token by ID.
func (s *RedisStore) GetToken(ctx context.Context, id string) (*Token, error) {
	var token Token
	if err := s.getJSON(ctx, s.key(keyTypeToken, id), &token); err != nil {
		return nil, fmt.Errorf("%w: token", err)
	}
	return &token, nil
}

// mutateToken applies fn to the token under a WATCH transaction.
func (s *RedisStore) mutateToken(ctx context.Context, id string, fn func(*Token) error) error {
	key := s.key(keyTypeToken, id)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return mapErr(err)
		}

		var token Token
		if err := json.Unmarshal(data, &token); err != nil {
			return fmt.Errorf("failed to unmarshal token: %w", err)
		}
		if err := fn(&token); err != nil {
			return err
		}

		updated, err := json.Marshal(&token)
		if err != nil {
			return fmt.Errorf("failed to marshal token: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: token modified concurrently", ErrConflict)
	}
	return err
}

// RevokeToken marks a token revoked; idempotent.
func (s *RedisStore) RevokeToken(ctx context.Context, id string) error {
	return s.mutateToken(ctx, id, func(token *Token) error {
		token.Revoked = true
		return nil
	})
}

// ConsumeRefreshToken marks a refresh token consumed exactly once.
func (s *RedisStore) ConsumeRefreshToken(ctx context.Context, id string) error {
	return s.mutateToken(ctx, id, func(token *Token) error {
		if token.Consumed {
			return fmt.Errorf("%w: refresh token already consumed", ErrConflict)
		}
		token.Consumed = true
		return nil
	})
}

// listTokensBySet resolves a token-ID set into token records.
func (s *RedisStore) listTokensBySet(ctx context.Context, setKey string) ([]*Token, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, mapErr(err)
	}

	var tokens []*Token
	for _, id := range ids {
		token, err := s.GetToken(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// ListTokensByGrant returns all tokens issued under a grant.
func (s *RedisStore) ListTokensByGrant(ctx context.Context, grantID string) ([]*Token, error) {
	return s.listTokensBySet(ctx, s.key(keySetTokens, grantID))
}

// ListTokensByFamily returns the refresh-token lineage for a family.
func (s *RedisStore) ListTokensByFamily(ctx context.Context, familyID string) ([]*Token, error) {
	return s.listTokensBySet(ctx, s.key(keySetFamily, familyID))
}

// -----------------------
// Upstream links
// -----------------------

// CreateUpstreamLink links an external identity to a local user. The
// (provider, subject) index is claimed with SETNX to enforce uniqueness.
func (s *RedisStore) CreateUpstreamLink(ctx context.Context, link *UpstreamLink) error {
	idxKey := s.key(keyIdxLink, linkKey(link.ProviderID, link.Subject))
	ok, err := s.client.SetNX(ctx, idxKey, link.ID, 0).Result()
	if err != nil {
		return mapErr(err)
	}
	if !ok {
		return fmt.Errorf("%w: upstream link", ErrAlreadyExists)
	}

	if err := s.createJSON(ctx, s.key(keyTypeLink, link.ID), link, 0); err != nil {
		_ = s.client.Del(ctx, idxKey).Err()
		return err
	}
	if link.UserID != "" {
		if err := s.client.SAdd(ctx, s.key(keySetUserLinks, link.UserID), link.ID).Err(); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// GetUpstreamLink retrieves a link by (provider, subject).
func (s *RedisStore) GetUpstreamLink(ctx context.Context, providerID, subject string) (*UpstreamLink, error) {
	id, err := s.client.Get(ctx, s.key(keyIdxLink, linkKey(providerID, subject))).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: upstream link", mapErr(err))
	}

	var link UpstreamLink
	if err := s.getJSON(ctx, s.key(keyTypeLink, id), &link); err != nil {
		return nil, fmt.Errorf("%w: upstream link", err)
	}
	return &link, nil
}

// ListUpstreamLinksByUser returns all links bound to a user.
func (s *RedisStore) ListUpstreamLinksByUser(ctx context.Context, userID string) ([]*UpstreamLink, error) {
	ids, err := s.client.SMembers(ctx, s.key(keySetUserLinks, userID)).Result()
	if err != nil {
		return nil, mapErr(err)
	}

	var links []*UpstreamLink
	for _, id := range ids {
		var link UpstreamLink
		if err := s.getJSON(ctx, s.key(keyTypeLink, id), &link); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		links = append(links, &link)
	}
	return links, nil
}

// UpdateUpstreamLink replaces the link's per-login snapshot: the imported
// claims and the provider-side account name.
func (s *RedisStore) UpdateUpstreamLink(ctx context.Context, id string, claims map[string]string, accountName string) error {
	key := s.key(keyTypeLink, id)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return mapErr(err)
		}

		var link UpstreamLink
		if err := json.Unmarshal(data, &link); err != nil {
			return fmt.Errorf("failed to unmarshal upstream link: %w", err)
		}
		link.Claims = claims
		link.AccountName = accountName

		updated, err := json.Marshal(&link)
		if err != nil {
			return fmt.Errorf("failed to marshal upstream link: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: upstream link %s modified concurrently", ErrConflict, id)
	}
	return err
}

// Compile-time interface compliance check
var _ Store = (*RedisStore)(nil)
