// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

// Command retrainer runs exactly one retrain attempt and exits, for cron or
// a Kubernetes CronJob. Exit codes: 0 retrained, 1 skipped, 2 failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/affinity-rec/affinity/internal/cache"
	"github.com/affinity-rec/affinity/internal/config"
	"github.com/affinity-rec/affinity/internal/lock"
	"github.com/affinity-rec/affinity/internal/logging"
	"github.com/affinity-rec/affinity/internal/recommend"
	"github.com/affinity-rec/affinity/internal/retrain"
)

const (
	exitRetrained = 0
	exitSkipped   = 1
	exitFailed    = 2
)

func main() {
	wait := flag.Bool("wait", false, "block until the retrain lock is free instead of skipping")
	flag.Parse()

	os.Exit(run(*wait))
}

func run(wait bool) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitFailed
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	log := logging.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The server's badger cache directory cannot be opened by a second
	// process, so the one-shot run invalidates against a private in-memory
	// instance. Correctness does not depend on it: cache keys embed the
	// model version, so a concurrently running server can never serve
	// entries for a superseded snapshot.
	cacheStore, err := cache.NewBadgerStore("")
	if err != nil {
		log.Error().Err(err).Msg("Failed to open cache")
		return exitFailed
	}
	defer cacheStore.Close()
	versioned := cache.NewVersioned(cacheStore, cfg.Cache.Namespace, cfg.Cache.TTL)

	// File-backed endpoints: the lock is shared with any live server using
	// the same configuration, which is the whole point of the one-shot run.
	lockStores := make([]lock.Store, 0, len(cfg.Lock.Endpoints))
	for _, dir := range cfg.Lock.Endpoints {
		s, err := lock.NewFileStore(dir)
		if err != nil {
			log.Error().Err(err).Str("endpoint", dir).Msg("Failed to open lock endpoint")
			return exitFailed
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
			log.Error().Err(err).Msg("Failed to create lock provider")
			return exitFailed
		}
	} else {
		locker = lock.NewSingleNode(lockStores[0], lockOpts)
	}

	engine := recommend.New(recommend.Config{
		ModelPath:   cfg.Model.Path,
		RatingsPath: cfg.Model.RatingsPath,
		ItemsPath:   cfg.Model.ItemsPath,
		MaxFeatures: cfg.Model.MaxFeatures,
	}, nil)
	if err := engine.LoadOrTrain(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to initialize model")
		return exitFailed
	}

	orchestrator := retrain.New(retrain.Config{
		Resource:       cfg.Lock.Resource,
		LockTTL:        cfg.Lock.TTL,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
	}, engine, versioned, locker)

	outcome := orchestrator.Retrain(ctx, wait)
	log.Info().Str("outcome", outcome.String()).Msg("One-shot retrain finished")

	switch outcome {
	case retrain.Retrained:
		return exitRetrained
	case retrain.Skipped:
		return exitSkipped
	default:
		return exitFailed
	}
}
