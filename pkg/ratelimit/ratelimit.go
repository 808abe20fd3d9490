// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles abuse-prone account operations with per-key
// token buckets. A key is typically the caller's IP or the targeted
// account, so one attacker cannot exhaust another caller's budget.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Op names a throttled operation class.
type Op string

// Throttled operations.
const (
	OpLogin    Op = "login"
	OpRegister Op = "register"
	OpRecovery Op = "recovery"
	OpPassword Op = "password"
)

// LimitedError reports a denied attempt with a retry hint.
type LimitedError struct {
	Op         Op
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s, retry after %s", e.Op, e.RetryAfter.Round(time.Millisecond))
}

// Config is the budget for one operation class.
type Config struct {
	// PerSecond is the sustained rate of allowed attempts.
	PerSecond float64

	// Burst is how many attempts may be spent at once.
	Burst int
}

// DefaultConfigs returns conservative budgets for the account operations.
func DefaultConfigs() map[Op]Config {
	return map[Op]Config{
		OpLogin:    {PerSecond: 0.5, Burst: 5},
		OpRegister: {PerSecond: 0.1, Burst: 3},
		OpRecovery: {PerSecond: 0.05, Burst: 2},
		OpPassword: {PerSecond: 0.2, Burst: 3},
	}
}

// maxEntries bounds the per-key limiter map; the oldest entries are
// pruned once it is exceeded.
const maxEntries = 16384

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter applies per-(op, key) token buckets.
type Limiter struct {
	mu      sync.Mutex
	configs map[Op]Config
	entries map[string]*entry
}

// NewLimiter builds a Limiter. Nil configs fall back to DefaultConfigs.
func NewLimiter(configs map[Op]Config) *Limiter {
	if configs == nil {
		configs = DefaultConfigs()
	}
	return &Limiter{
		configs: configs,
		entries: make(map[string]*entry),
	}
}

// Allow spends one attempt from the bucket for (op, key). Returns a
// LimitedError carrying a retry hint when the bucket is empty. Operations
// with no configured budget are always allowed.
func (l *Limiter) Allow(op Op, key string) error {
	cfg, ok := l.configs[op]
	if !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := string(op) + ":" + key
	e, ok := l.entries[id]
	if !ok {
		if len(l.entries) >= maxEntries {
			l.prune()
		}
		e = &entry{lim: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)}
		l.entries[id] = e
	}
	e.lastSeen = time.Now()

	r := e.lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return &LimitedError{Op: op, RetryAfter: delay}
	}
	return nil
}

// prune drops the least recently used half of the entries. Callers hold
// the mutex.
func (l *Limiter) prune() {
	cutoff := time.Now().Add(-time.Hour)
	for id, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, id)
		}
	}
	// Everything is recent: drop arbitrarily down to half capacity.
	for id := range l.entries {
		if len(l.entries) <= maxEntries/2 {
			break
		}
		delete(l.entries, id)
	}
}
