// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"

	"sync"

	"k8s.io/utils/clock"

	"github.com/relaymesh/authd/pkg/logger"
)

// DefaultCleanupInterval is how often the janitor purges expired rows.
const DefaultCleanupInterval = 5 * time.Minute

// MemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for development and testing; production deployments use the
// Redis-backed store.
//
// The janitor goroutine is storage hygiene only. Correctness never depends
// on it: expiry is enforced by lazy TTL checks in the callers.
type MemoryStore struct {
	mu sync.RWMutex

	clients  map[string]*Client
	users    map[string]*User
	grants   map[string]*Grant
	sessions map[string]*Session
	compat   map[string]*CompatSession
	consents map[string]*Consent
	tokens   map[string]*Token
	links    map[string]*UpstreamLink

	// Secondary indexes for O(1) lookup.
	byDeviceCode map[string]string // device code -> grant ID
	byUserCode   map[string]string // user code -> grant ID
	byLocalpart  map[string]string // localpart -> user ID
	byLinkKey    map[string]string // provider identity key -> link ID

	clk clock.Clock

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom janitor interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// WithClock injects the clock used by the janitor. Tests use a fake clock.
func WithClock(clk clock.Clock) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.clk = clk
	}
}

// NewMemoryStore creates a MemoryStore with initialized maps and starts the
// janitor goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clients:         make(map[string]*Client),
		users:           make(map[string]*User),
		grants:          make(map[string]*Grant),
		sessions:        make(map[string]*Session),
		compat:          make(map[string]*CompatSession),
		consents:        make(map[string]*Consent),
		tokens:          make(map[string]*Token),
		links:           make(map[string]*UpstreamLink),
		byDeviceCode:    make(map[string]string),
		byUserCode:      make(map[string]string),
		byLocalpart:     make(map[string]string),
		byLinkKey:       make(map[string]string),
		clk:             clock.RealClock{},
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the janitor goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired purges grants and tokens whose expiry has long passed.
// Collect under read lock, delete under write lock.
func (s *MemoryStore) cleanupExpired() {
	now := s.clk.Now()

	s.mu.RLock()
	var expiredGrants []string
	for id, g := range s.grants {
		if g.State.Terminal() && !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt) {
			expiredGrants = append(expiredGrants, id)
		}
	}
	var expiredTokens []string
	for id, t := range s.tokens {
		if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
			expiredTokens = append(expiredTokens, id)
		}
	}
	s.mu.RUnlock()

	if len(expiredGrants) == 0 && len(expiredTokens) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range expiredGrants {
		if g, ok := s.grants[id]; ok {
			delete(s.byDeviceCode, g.DeviceCode)
			delete(s.byUserCode, g.UserCode)
			delete(s.grants, id)
		}
	}
	for _, id := range expiredTokens {
		delete(s.tokens, id)
	}
	logger.Debugw("purged expired records", "grants", len(expiredGrants), "tokens", len(expiredTokens))
}

// -----------------------
// Clients
// -----------------------

// CreateClient registers a new client.
func (s *MemoryStore) CreateClient(_ context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("%w: client ID required", ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ID]; exists {
		return fmt.Errorf("%w: client %s", ErrAlreadyExists, client.ID)
	}
	s.clients[client.ID] = client.clone()
	return nil
}

// GetClient loads a client by ID.
func (s *MemoryStore) GetClient(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		logger.Debugw("client not found", "client_id", id)
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	return client.clone(), nil
}

// UpdateClient replaces a registered client's record.
func (s *MemoryStore) UpdateClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ID]; !ok {
		return fmt.Errorf("%w: client %s", ErrNotFound, client.ID)
	}
	s.clients[client.ID] = client.clone()
	return nil
}

// -----------------------
// Users
// -----------------------

// CreateUser creates a local account. The localpart must be unique.
func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user ID required", ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("%w: user %s", ErrAlreadyExists, user.ID)
	}
	if user.Localpart != "" {
		if _, taken := s.byLocalpart[user.Localpart]; taken {
			return fmt.Errorf("%w: localpart %s", ErrAlreadyExists, user.Localpart)
		}
		s.byLocalpart[user.Localpart] = user.ID
	}
	s.users[user.ID] = user.clone()
	return nil
}

// GetUser retrieves a user by ID.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return user.clone(), nil
}

// GetUserByLocalpart retrieves a user by localpart.
func (s *MemoryStore) GetUserByLocalpart(_ context.Context, localpart string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLocalpart[localpart]
	if !ok {
		return nil, fmt.Errorf("%w: localpart %s", ErrNotFound, localpart)
	}
	return s.users[id].clone(), nil
}

// UpdateUser replaces a user record. Changing the localpart reindexes it;
// moving onto a taken localpart fails.
func (s *MemoryStore) UpdateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, user.ID)
	}
	if user.Localpart != prev.Localpart {
		if other, taken := s.byLocalpart[user.Localpart]; taken && other != user.ID {
			return fmt.Errorf("%w: localpart %s", ErrAlreadyExists, user.Localpart)
		}
		delete(s.byLocalpart, prev.Localpart)
		if user.Localpart != "" {
			s.byLocalpart[user.Localpart] = user.ID
		}
	}
	s.users[user.ID] = user.clone()
	return nil
}

// -----------------------
// Grants
// -----------------------

// CreateGrant stores a new grant and indexes its device and user codes.
func (s *MemoryStore) CreateGrant(_ context.Context, grant *Grant) error {
	if grant == nil || grant.ID == "" {
		return fmt.Errorf("%w: grant ID required", ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		return fmt.Errorf("%w: grant %s", ErrAlreadyExists, grant.ID)
	}
	s.grants[grant.ID] = grant.clone()
	if grant.DeviceCode != "" {
		s.byDeviceCode[grant.DeviceCode] = grant.ID
	}
	if grant.UserCode != "" {
		s.byUserCode[grant.UserCode] = grant.ID
	}
	return nil
}

// GetGrant retrieves a grant by ID.
func (s *MemoryStore) GetGrant(_ context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[id]
	if !ok {
		logger.Debugw("grant not found", "grant_id", id)
		return nil, fmt.Errorf("%w: grant %s", ErrNotFound, id)
	}
	return grant.clone(), nil
}

// GetGrantByDeviceCode retrieves a device-code grant by its device code.
func (s *MemoryStore) GetGrantByDeviceCode(_ context.Context, deviceCode string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDeviceCode[deviceCode]
	if !ok {
		return nil, fmt.Errorf("%w: device code", ErrNotFound)
	}
	return s.grants[id].clone(), nil
}

// GetGrantByUserCode retrieves a device-code grant by its user code.
func (s *MemoryStore) GetGrantByUserCode(_ context.Context, userCode string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUserCode[userCode]
	if !ok {
		return nil, fmt.Errorf("%w: user code", ErrNotFound)
	}
	return s.grants[id].clone(), nil
}

// ListGrantsBySession returns all grants bound to a session.
func (s *MemoryStore) ListGrantsBySession(_ context.Context, sessionID string) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var grants []*Grant
	for _, g := range s.grants {
		if g.SessionID == sessionID {
			grants = append(grants, g.clone())
		}
	}
	return grants, nil
}

// TransitionGrant moves a grant between states as a compare-and-set.
func (s *MemoryStore) TransitionGrant(_ context.Context, id string, from, to GrantState, at time.Time) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: grant %s", ErrNotFound, id)
	}
	if grant.State != from {
		return nil, fmt.Errorf("%w: grant %s is %s, expected %s", ErrConflict, id, grant.State, from)
	}
	grant.State = to
	if to == GrantStateExchanged {
		grant.ExchangedAt = at
	}
	return grant.clone(), nil
}

// FulfillGrant moves a pending grant to fulfilled and binds the approving
// session and subject in the same conditional update.
func (s *MemoryStore) FulfillGrant(_ context.Context, id, sessionID, subject string, at time.Time) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: grant %s", ErrNotFound, id)
	}
	if grant.State != GrantStatePending {
		return nil, fmt.Errorf("%w: grant %s is %s, expected pending", ErrConflict, id, grant.State)
	}
	grant.State = GrantStateFulfilled
	grant.SessionID = sessionID
	grant.Subject = subject
	grant.FulfilledAt = at
	return grant.clone(), nil
}

// MarkUserCodeVerified records the out-of-band user-code match.
func (s *MemoryStore) MarkUserCodeVerified(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[id]
	if !ok {
		return fmt.Errorf("%w: grant %s", ErrNotFound, id)
	}
	grant.UserCodeVerified = true
	return nil
}

// -----------------------
// Sessions
// -----------------------

// CreateSession stores a new session.
func (s *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session ID required", ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("%w: session %s", ErrAlreadyExists, session.ID)
	}
	s.sessions[session.ID] = session.clone()
	return nil
}

// GetSession retrieves a session by ID.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return session.clone(), nil
}

// TouchSession updates the session's last-active timestamp.
func (s *MemoryStore) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	session.LastActiveAt = at
	return nil
}

// RevokeSession marks a session revoked and returns its prior state.
func (s *MemoryStore) RevokeSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	prior := session.clone()
	session.Revoked = true
	return prior, nil
}

// -----------------------
// Compat sessions
// -----------------------

// CreateCompatSession stores a device-linked compatibility session.
func (s *MemoryStore) CreateCompatSession(_ context.Context, session *CompatSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: compat session ID required", ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.compat[session.ID]; exists {
		return fmt.Errorf("%w: compat session %s", ErrAlreadyExists, session.ID)
	}
	s.compat[session.ID] = session.clone()
	return nil
}

// GetCompatSession retrieves a compat session by ID.
func (s *MemoryStore) GetCompatSession(_ context.Context, id string) (*CompatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.compat[id]
	if !ok {
		return nil, fmt.Errorf("%w: compat session %s", ErrNotFound, id)
	}
	return session.clone(), nil
}

// ListCompatSessionsBySession returns all compat sessions owned by a
// browser session.
func (s *MemoryStore) ListCompatSessionsBySession(_ context.Context, sessionID string) ([]*CompatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []*CompatSession
	for _, cs := range s.compat {
		if cs.SessionID == sessionID {
			sessions = append(sessions, cs.clone())
		}
	}
	return sessions, nil
}

// RevokeCompatSession marks a compat session revoked; idempotent.
func (s *MemoryStore) RevokeCompatSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.compat[id]
	if !ok {
		return fmt.Errorf("%w: compat session %s", ErrNotFound, id)
	}
	session.Revoked = true
	return nil
}

// -----------------------
// Consent
// -----------------------

func consentKey(sessionID, clientID string) string {
	return fmt.Sprintf("%d:%s:%s", len(sessionID), sessionID, clientID)
}

// UpsertConsent records or extends a session's approval of a client.
func (s *MemoryStore) UpsertConsent(_ context.Context, consent *Consent) error {
	if consent == nil || consent.SessionID == "" || consent.ClientID == "" {
		return fmt.Errorf("%w: consent requires session and client", ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.consents[consentKey(consent.SessionID, consent.ClientID)] = consent.clone()
	return nil
}

// GetConsent retrieves the consent a session granted to a client.
func (s *MemoryStore) GetConsent(_ context.Context, sessionID, clientID string) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey(sessionID, clientID)]
	if !ok {
		return nil, fmt.Errorf("%w: consent", ErrNotFound)
	}
	return consent.clone(), nil
}

// -----------------------
// Tokens
// -----------------------

// CreateToken stores a new token. The owning grant is checked under the
// same lock that revocation takes, so a token can never be created under a
// grant that has already reached the revoked state.
func (s *MemoryStore) CreateToken(_ context.Context, token *Token) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("%w: token ID required", ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; exists {
		return fmt.Errorf("%w: token", ErrAlreadyExists)
	}
	if token.GrantID != "" {
		grant, ok := s.grants[token.GrantID]
		if !ok {
			return fmt.Errorf("%w: grant %s", ErrNotFound, token.GrantID)
		}
		if grant.State == GrantStateRevoked {
			return fmt.Errorf("%w: grant %s is revoked", ErrConflict, token.GrantID)
		}
	}
	s.tokens[token.ID] = token.clone()
	return nil
}

// GetToken retrieves a token by ID.
func (s *MemoryStore) GetToken(_ context.Context, id string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[id]
	if !ok {
		logger.Debugw("token not found")
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	return token.clone(), nil
}

// RevokeToken marks a token revoked. Revoking an already-revoked token
// succeeds without change.
func (s *MemoryStore) RevokeToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: token", ErrNotFound)
	}
	token.Revoked = true
	return nil
}

// ConsumeRefreshToken marks a refresh token consumed exactly once.
func (s *MemoryStore) ConsumeRefreshToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: token", ErrNotFound)
	}
	if token.Consumed {
		return fmt.Errorf("%w: refresh token already consumed", ErrConflict)
	}
	token.Consumed = true
	return nil
}

// ListTokensByGrant returns all tokens issued under a grant.
func (s *MemoryStore) ListTokensByGrant(_ context.Context, grantID string) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tokens []*Token
	for _, t := range s.tokens {
		if t.GrantID == grantID {
			tokens = append(tokens, t.clone())
		}
	}
	return tokens, nil
}

// ListTokensByFamily returns the refresh-token lineage for a family.
func (s *MemoryStore) ListTokensByFamily(_ context.Context, familyID string) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tokens []*Token
	for _, t := range s.tokens {
		if t.FamilyID == familyID {
			tokens = append(tokens, t.clone())
		}
	}
	return tokens, nil
}

// -----------------------
// Upstream links
// -----------------------

// linkKey builds the unique (provider, subject) key. The length prefix
// keeps keys collision-free when subjects contain colons.
func linkKey(providerID, subject string) string {
	return fmt.Sprintf("%d:%s:%s", len(providerID), providerID, subject)
}

// CreateUpstreamLink links an external identity to a local user.
func (s *MemoryStore) CreateUpstreamLink(_ context.Context, link *UpstreamLink) error {
	if link == nil || link.ID == "" || link.ProviderID == "" || link.Subject == "" {
		return fmt.Errorf("%w: link requires ID, provider and subject", ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey(link.ProviderID, link.Subject)
	if _, exists := s.byLinkKey[key]; exists {
		return fmt.Errorf("%w: upstream link", ErrAlreadyExists)
	}
	s.links[link.ID] = link.clone()
	s.byLinkKey[key] = link.ID
	return nil
}

// GetUpstreamLink retrieves a link by (provider, subject).
func (s *MemoryStore) GetUpstreamLink(_ context.Context, providerID, subject string) (*UpstreamLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLinkKey[linkKey(providerID, subject)]
	if !ok {
		return nil, fmt.Errorf("%w: upstream link", ErrNotFound)
	}
	return s.links[id].clone(), nil
}

// ListUpstreamLinksByUser returns all links bound to a user.
func (s *MemoryStore) ListUpstreamLinksByUser(_ context.Context, userID string) ([]*UpstreamLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var links []*UpstreamLink
	for _, l := range s.links {
		if l.UserID == userID {
			links = append(links, l.clone())
		}
	}
	return links, nil
}

// UpdateUpstreamLink replaces the link's per-login snapshot: the imported
// claims and the provider-side account name.
func (s *MemoryStore) UpdateUpstreamLink(_ context.Context, id string, claims map[string]string, accountName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return fmt.Errorf("%w: upstream link %s", ErrNotFound, id)
	}
	link.Claims = make(map[string]string, len(claims))
	for k, v := range claims {
		link.Claims[k] = v
	}
	link.AccountName = accountName
	return nil
}

// -----------------------
// Stats
// -----------------------

// Stats contains statistics about the store contents, for tests and
// monitoring.
type Stats struct {
	Clients       int
	Users         int
	Grants        int
	Sessions      int
	CompatSess    int
	Consents      int
	Tokens        int
	UpstreamLinks int
}

// Stats returns current statistics about store contents.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Clients:       len(s.clients),
		Users:         len(s.users),
		Grants:        len(s.grants),
		Sessions:      len(s.sessions),
		CompatSess:    len(s.compat),
		Consents:      len(s.consents),
		Tokens:        len(s.tokens),
		UpstreamLinks: len(s.links),
	}
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
