// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaymesh/authd/pkg/config"
	"github.com/relaymesh/authd/pkg/engine"
	"github.com/relaymesh/authd/pkg/keys"
	"github.com/relaymesh/authd/pkg/logger"
	"github.com/relaymesh/authd/pkg/policy"
	"github.com/relaymesh/authd/pkg/session"
	"github.com/relaymesh/authd/pkg/storage"
	"github.com/relaymesh/authd/pkg/token"
	"github.com/relaymesh/authd/pkg/upstream"
)

// newServeCmd creates the serve command for starting the engine.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization engine",
		Long: `Start the authorization engine with the configured storage
backend, signing keys and policy bundle, and expose the management
endpoints (health, key discovery).`,
		RunE: runServe,
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("authd (%s %s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warnf("Closing storage: %v", cerr)
		}
	}()

	keyProvider, err := buildKeys(cfg)
	if err != nil {
		return err
	}

	bundle, err := policy.LoadBundleConfig(cfg.Policy.BundlePath)
	if err != nil {
		return fmt.Errorf("loading policy bundle: %w", err)
	}
	cedarEngine, err := policy.NewCedarEngine(bundle)
	if err != nil {
		return fmt.Errorf("compiling policy bundle: %w", err)
	}
	pdp := policy.NewHandle(cedarEngine)

	issuer := token.NewIssuer(store, keyProvider, cfg.TokenConfig(), nil)
	sessions := session.NewTracker(store, cfg.SessionConfig(), nil)
	resolver := upstream.NewResolver(store, cfg.UpstreamProviders(), nil)

	eng, err := engine.New(engine.Params{
		Store:    store,
		Issuer:   issuer,
		Sessions: sessions,
		Resolver: resolver,
		Policy:   pdp,
		Config:   cfg.EngineConfig(),
	})
	if err != nil {
		return err
	}

	logger.Infow("authd started", "issuer", cfg.Issuer,
		"storage", cfg.Storage.Backend, "address", cfg.Server.Address)
	return serveManagement(ctx, cfg.Server.Address, eng, issuer, store)
}

func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		store, err := storage.NewRedisStore(ctx, cfg.RedisStorageConfig())
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStore(storage.WithCleanupInterval(time.Minute)), nil
	}
}

func buildKeys(cfg *config.Config) (keys.Provider, error) {
	kc := cfg.KeysConfigValue()
	if kc.SigningKeyFile == "" {
		logger.Warn("No signing key configured, generating an ephemeral key; tokens will not survive restarts")
		return keys.NewGeneratedStore(nil)
	}
	return keys.NewFileStore(kc, nil)
}

// serveManagement exposes health and key discovery until the context is
// canceled.
func serveManagement(ctx context.Context, addr string, eng *engine.Engine, issuer *token.Issuer, store storage.Store) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Health(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /device/verify", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserCode string `json:"user_code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		g, err := eng.VerifyDeviceCode(r.Context(), body.UserCode)
		if err != nil {
			http.Error(w, "code not recognized", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"grant_id": g.ID}); err != nil {
			logger.Warnf("Writing device verify response: %v", err)
		}
	})
	mux.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		set, err := issuer.JWKS(r.Context())
		if err != nil {
			http.Error(w, "keys unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(set); err != nil {
			logger.Warnf("Writing JWKS response: %v", err)
		}
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
