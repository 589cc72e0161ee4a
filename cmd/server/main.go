// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

// Command server runs the Affinity recommendation service: the HTTP API, the
// versioned cache, the quorum lock provider, and the periodic retrain
// scheduler, all under one supervisor tree.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/affinity-rec/affinity/internal/api"
	"github.com/affinity-rec/affinity/internal/auth"
	"github.com/affinity-rec/affinity/internal/cache"
	"github.com/affinity-rec/affinity/internal/config"
	"github.com/affinity-rec/affinity/internal/lock"
	"github.com/affinity-rec/affinity/internal/logging"
	"github.com/affinity-rec/affinity/internal/recommend"
	"github.com/affinity-rec/affinity/internal/retrain"
	"github.com/affinity-rec/affinity/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	log := logging.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache: badger store behind a circuit breaker, with version-qualified
	// keys on top.
	cacheStore, err := cache.NewBadgerStore(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cacheStore.Close()

	breakerCfg := cache.DefaultBreakerConfig()
	if cfg.Cache.BreakerFailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.Cache.BreakerFailureThreshold
	}
	if cfg.Cache.BreakerTimeout > 0 {
		breakerCfg.Timeout = cfg.Cache.BreakerTimeout
	}
	versioned := cache.NewVersioned(
		cache.NewBreakerStore(cacheStore, breakerCfg),
		cfg.Cache.Namespace,
		cfg.Cache.TTL,
	)

	// Lock provider: quorum across the configured endpoints, or single-node
	// when only one is configured. The endpoints are file-backed so a cron
	// retrainer (or another host on a shared filesystem) contends for the
	// same lock.
	lockStores := make([]lock.Store, 0, len(cfg.Lock.Endpoints))
	for _, dir := range cfg.Lock.Endpoints {
		s, err := lock.NewFileStore(dir)
		if err != nil {
			return fmt.Errorf("open lock endpoint %s: %w", dir, err)
		}
		lockStores = append(lockStores, s)
	}
	lockOpts := lock.Options{
		DriftFactor:   cfg.Lock.DriftFactor,
		RetryInterval: cfg.Lock.RetryInterval,
	}
	var locker *lock.Provider
	if cfg.Lock.QuorumEnabled() {
		locker, err = lock.New(lockStores, lockOpts)
		if err != nil {
			return fmt.Errorf("create lock provider: %w", err)
		}
	} else {
		locker = lock.NewSingleNode(lockStores[0], lockOpts)
	}

	// Engine: load the persisted model, or train the first one.
	engine := recommend.New(recommend.Config{
		ModelPath:   cfg.Model.Path,
		RatingsPath: cfg.Model.RatingsPath,
		ItemsPath:   cfg.Model.ItemsPath,
		MaxFeatures: cfg.Model.MaxFeatures,
	}, versioned)
	if err := engine.LoadOrTrain(ctx); err != nil {
		return fmt.Errorf("initialize model: %w", err)
	}

	orchestrator := retrain.New(retrain.Config{
		Resource:       cfg.Lock.Resource,
		LockTTL:        cfg.Lock.TTL,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
	}, engine, versioned, locker)

	if cfg.Retrain.OnStartup {
		go func() {
			outcome := orchestrator.Retrain(ctx, false)
			log.Info().Str("outcome", outcome.String()).Msg("Startup retrain finished")
		}()
	}

	// Identity.
	users, err := auth.NewUserStore(cfg.Security.UsersDBPath)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	defer users.Close()

	jwtMgr, err := auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.SessionTimeout)
	if err != nil {
		return fmt.Errorf("create jwt manager: %w", err)
	}

	// Transport.
	handler := api.NewHandler(engine, orchestrator, users, jwtMgr,
		cfg.Security.RetrainToken, locker.Mode())
	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins:       cfg.Security.CORSOrigins,
		RateLimitReqs:     cfg.Security.RateLimitReqs,
		RateLimitWindow:   cfg.Security.RateLimitWindow,
		AuthRateLimitReqs: cfg.Security.AuthRateLimitReqs,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Supervision.
	slogger := slog.New(logging.NewSlogHandler())
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	tree.AddTrainingService(retrain.NewScheduler(orchestrator, cfg.Retrain.Interval))

	log.Info().
		Str("addr", server.Addr).
		Str("environment", cfg.Server.Environment).
		Str("model_version", engine.Version()).
		Str("lock_mode", locker.Mode()).
		Msg("Affinity server starting")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	log.Info().Msg("Affinity server stopped")
	return nil
}
