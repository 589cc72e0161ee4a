// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

// Package retrain orchestrates model retraining: one retrain at a time across
// all processes, guarded by the distributed lock, with the old model's cache
// entries invalidated after the swap.
package retrain

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/affinity-rec/affinity/internal/lock"
	"github.com/affinity-rec/affinity/internal/logging"
	"github.com/affinity-rec/affinity/internal/metrics"
	"github.com/affinity-rec/affinity/internal/recommend"
)

// Outcome classifies one retrain attempt.
type Outcome int

const (
	// Retrained: a new snapshot was trained and published.
	Retrained Outcome = iota
	// Skipped: another process holds the retrain lock; nothing changed.
	Skipped
	// Failed: training errored; the previous snapshot stays authoritative.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Retrained:
		return "retrained"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Trainer is the engine surface the orchestrator drives.
type Trainer interface {
	Train(ctx context.Context) (*recommend.Snapshot, error)
	Swap(s *recommend.Snapshot)
	Version() string
}

// Invalidator reclaims cache entries of a superseded model version.
type Invalidator interface {
	InvalidateVersion(ctx context.Context, version string) (deleted, failed int, err error)
}

// Locker is the distributed lock surface the orchestrator uses.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration, blocking bool, timeout time.Duration) (*lock.Handle, error)
	Release(ctx context.Context, h *lock.Handle) (released, failed int)
}

// Config holds the retrain lock parameters.
type Config struct {
	// Resource names the lock shared by every process of the deployment.
	Resource string
	// LockTTL bounds how long a crashed retrainer can block others.
	LockTTL time.Duration
	// AcquireTimeout caps the wait in blocking mode.
	AcquireTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Resource:       "affinity:retrain-lock",
		LockTTL:        30 * time.Minute,
		AcquireTimeout: time.Minute,
	}
}

// Orchestrator runs the retrain sequence: lock, train, swap, invalidate,
// release. Safe to invoke concurrently from any number of processes; the
// lock is the only serialization mechanism.
type Orchestrator struct {
	cfg     Config
	trainer Trainer
	cache   Invalidator
	locker  Locker
	log     zerolog.Logger
}

// New creates an orchestrator. cache may be nil when no cache is configured.
func New(cfg Config, trainer Trainer, cache Invalidator, locker Locker) *Orchestrator {
	if cfg.Resource == "" {
		cfg.Resource = DefaultConfig().Resource
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	return &Orchestrator{
		cfg:     cfg,
		trainer: trainer,
		cache:   cache,
		locker:  locker,
		log:     logging.Logger().With().Str("component", "retrain").Logger(),
	}
}

// Retrain attempts one retrain. With waitForLock it blocks up to
// AcquireTimeout for the lock; otherwise a held lock means Skipped.
//
// Failure modes: a busy lock is Skipped, a training error is Failed with the
// active snapshot untouched. Cache invalidation and lock release are best
// effort; version-qualified cache keys and the lock TTL make their failures
// harmless.
func (o *Orchestrator) Retrain(ctx context.Context, waitForLock bool) Outcome {
	start := time.Now()

	h, err := o.locker.Acquire(ctx, o.cfg.Resource, o.cfg.LockTTL, waitForLock, o.cfg.AcquireTimeout)
	if err != nil {
		o.log.Warn().Err(err).Msg("Lock acquisition error, skipping retrain")
		metrics.RecordRetrain(Skipped.String(), time.Since(start))
		return Skipped
	}
	if h == nil {
		o.log.Info().Str("resource", o.cfg.Resource).
			Msg("Retrain already running elsewhere, skipping")
		metrics.RecordRetrain(Skipped.String(), time.Since(start))
		return Skipped
	}

	oldVersion := o.trainer.Version()

	snapshot, err := o.trainer.Train(ctx)
	if err != nil {
		o.log.Error().Err(err).Str("version", oldVersion).
			Msg("Training failed, keeping current snapshot")
		o.locker.Release(ctx, h)
		metrics.RecordRetrain(Failed.String(), time.Since(start))
		return Failed
	}

	o.trainer.Swap(snapshot)

	if o.cache != nil && oldVersion != snapshot.Version {
		deleted, failed, err := o.cache.InvalidateVersion(ctx, oldVersion)
		if err != nil {
			o.log.Warn().Err(err).Str("version", oldVersion).
				Msg("Cache invalidation failed, stale entries expire via TTL")
		} else if failed > 0 {
			o.log.Warn().Int("deleted", deleted).Int("failed", failed).
				Str("version", oldVersion).Msg("Cache invalidation incomplete")
		}
	}

	o.locker.Release(ctx, h)

	o.log.Info().
		Str("old_version", oldVersion).
		Str("new_version", snapshot.Version).
		Dur("elapsed", time.Since(start)).
		Msg("Retrain complete")
	metrics.RecordRetrain(Retrained.String(), time.Since(start))
	return Retrained
}
