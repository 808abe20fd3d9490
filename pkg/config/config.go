// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the process configuration from a
// YAML file and AUTHD_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relaymesh/authd/pkg/engine"
	"github.com/relaymesh/authd/pkg/keys"
	"github.com/relaymesh/authd/pkg/session"
	"github.com/relaymesh/authd/pkg/storage"
	"github.com/relaymesh/authd/pkg/token"
	"github.com/relaymesh/authd/pkg/upstream"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the full process configuration.
type Config struct {
	// Issuer is the iss claim stamped into signed tokens. Required.
	Issuer string `mapstructure:"issuer"`

	Server   ServerConfig             `mapstructure:"server"`
	Storage  StorageConfig            `mapstructure:"storage"`
	Keys     KeysConfig               `mapstructure:"keys"`
	Tokens   TokensConfig             `mapstructure:"tokens"`
	Sessions SessionsConfig           `mapstructure:"sessions"`
	Grants   GrantsConfig             `mapstructure:"grants"`
	Policy   PolicyConfig             `mapstructure:"policy"`
	Upstream []UpstreamProviderConfig `mapstructure:"upstream"`
}

// ServerConfig configures the management listener.
type ServerConfig struct {
	// Address is the listen address for health and key discovery.
	Address string `mapstructure:"address"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "memory" or "redis".
	Backend string `mapstructure:"backend"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig mirrors storage.RedisConfig for file loading.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// KeysConfig configures signing key material. All fields empty means an
// ephemeral generated key.
type KeysConfig struct {
	Dir              string   `mapstructure:"dir"`
	SigningKeyFile   string   `mapstructure:"signing_key_file"`
	FallbackKeyFiles []string `mapstructure:"fallback_key_files"`
}

// TokensConfig configures token lifetimes.
type TokensConfig struct {
	AccessTokenLifespan    time.Duration `mapstructure:"access_token_lifespan"`
	IDTokenLifespan        time.Duration `mapstructure:"id_token_lifespan"`
	RefreshTokenLifespan   time.Duration `mapstructure:"refresh_token_lifespan"`
	DisableRefreshRotation bool          `mapstructure:"disable_refresh_rotation"`
}

// SessionsConfig configures session lifetimes.
type SessionsConfig struct {
	InactivityTTL time.Duration `mapstructure:"inactivity_ttl"`
	AbsoluteTTL   time.Duration `mapstructure:"absolute_ttl"`
}

// GrantsConfig configures grant lifetimes.
type GrantsConfig struct {
	CodeGrantTTL              time.Duration `mapstructure:"code_grant_ttl"`
	DeviceGrantTTL            time.Duration `mapstructure:"device_grant_ttl"`
	ClientCredentialsGrantTTL time.Duration `mapstructure:"client_credentials_grant_ttl"`
}

// PolicyConfig points at the compiled policy bundle.
type PolicyConfig struct {
	// BundlePath is the JSON policy bundle loaded at startup. Required.
	BundlePath string `mapstructure:"bundle_path"`
}

// UpstreamProviderConfig configures one upstream identity provider's
// claim import rules.
type UpstreamProviderConfig struct {
	ID          string           `mapstructure:"id"`
	OnConflict  string           `mapstructure:"on_conflict"`
	Localpart   ImportRuleConfig `mapstructure:"localpart"`
	DisplayName ImportRuleConfig `mapstructure:"display_name"`
	Email       ImportRuleConfig `mapstructure:"email"`
	AccountName ImportRuleConfig `mapstructure:"account_name"`
}

// ImportRuleConfig configures one attribute import rule.
type ImportRuleConfig struct {
	Action   string `mapstructure:"action"`
	Template string `mapstructure:"template"`
}

// Load reads the configuration file (optional), merges AUTHD_ environment
// variables, applies defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUTHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:8090"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Tokens.AccessTokenLifespan <= 0 {
		c.Tokens.AccessTokenLifespan = 5 * time.Minute
	}
	if c.Tokens.IDTokenLifespan <= 0 {
		c.Tokens.IDTokenLifespan = 5 * time.Minute
	}
	if c.Sessions.InactivityTTL <= 0 {
		c.Sessions.InactivityTTL = 30 * 24 * time.Hour
	}
	d := engine.DefaultConfig()
	if c.Grants.CodeGrantTTL <= 0 {
		c.Grants.CodeGrantTTL = d.CodeGrantTTL
	}
	if c.Grants.DeviceGrantTTL <= 0 {
		c.Grants.DeviceGrantTTL = d.DeviceGrantTTL
	}
	if c.Grants.ClientCredentialsGrantTTL <= 0 {
		c.Grants.ClientCredentialsGrantTTL = d.ClientCredentialsGrantTTL
	}
}

// Validate checks the configuration for errors that would only surface at
// runtime otherwise.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Policy.BundlePath == "" {
		return fmt.Errorf("policy.bundle_path is required")
	}
	for i, p := range c.Upstream {
		if p.ID == "" {
			return fmt.Errorf("upstream[%d]: id is required", i)
		}
		switch upstream.OnConflict(p.OnConflict) {
		case "", upstream.OnConflictFail, upstream.OnConflictAdd:
		default:
			return fmt.Errorf("upstream %s: unknown on_conflict %q", p.ID, p.OnConflict)
		}
	}
	return nil
}

// TokenConfig converts to the issuer's config.
func (c *Config) TokenConfig() token.Config {
	return token.Config{
		Issuer:                 c.Issuer,
		AccessTokenLifespan:    c.Tokens.AccessTokenLifespan,
		IDTokenLifespan:        c.Tokens.IDTokenLifespan,
		RefreshTokenLifespan:   c.Tokens.RefreshTokenLifespan,
		DisableRefreshRotation: c.Tokens.DisableRefreshRotation,
	}
}

// SessionConfig converts to the session tracker's config.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		InactivityTTL: c.Sessions.InactivityTTL,
		AbsoluteTTL:   c.Sessions.AbsoluteTTL,
	}
}

// EngineConfig converts to the engine's config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		CodeGrantTTL:              c.Grants.CodeGrantTTL,
		DeviceGrantTTL:            c.Grants.DeviceGrantTTL,
		ClientCredentialsGrantTTL: c.Grants.ClientCredentialsGrantTTL,
	}
}

// KeysConfigValue converts to the key store's config.
func (c *Config) KeysConfigValue() keys.Config {
	return keys.Config{
		KeyDir:           c.Keys.Dir,
		SigningKeyFile:   c.Keys.SigningKeyFile,
		FallbackKeyFiles: c.Keys.FallbackKeyFiles,
	}
}

// RedisStorageConfig converts to the Redis store's config.
func (c *Config) RedisStorageConfig() storage.RedisConfig {
	return storage.RedisConfig{
		Addr:      c.Storage.Redis.Addr,
		Username:  c.Storage.Redis.Username,
		Password:  c.Storage.Redis.Password,
		DB:        c.Storage.Redis.DB,
		KeyPrefix: c.Storage.Redis.KeyPrefix,
	}
}

// UpstreamProviders converts to the resolver's provider configs.
func (c *Config) UpstreamProviders() []*upstream.ProviderConfig {
	out := make([]*upstream.ProviderConfig, 0, len(c.Upstream))
	for _, p := range c.Upstream {
		out = append(out, &upstream.ProviderConfig{
			ID:          p.ID,
			OnConflict:  upstream.OnConflict(p.OnConflict),
			Localpart:   importRule(p.Localpart),
			DisplayName: importRule(p.DisplayName),
			Email:       importRule(p.Email),
			AccountName: importRule(p.AccountName),
		})
	}
	return out
}

func importRule(r ImportRuleConfig) upstream.ImportRule {
	return upstream.ImportRule{
		Action:   upstream.ClaimAction(r.Action),
		Template: r.Template,
	}
}
