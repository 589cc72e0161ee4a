// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/affinity-rec/affinity/internal/logging"
	"github.com/affinity-rec/affinity/internal/metrics"
)

// BreakerConfig configures the cache circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed in half-open state.
	MaxRequests uint32

	// Interval is the cyclic reset period for failure counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold uint32
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

type getResult struct {
	value []byte
	found bool
}

// BreakerStore wraps a Store with a circuit breaker so a sick cache backend
// cannot slow down the recommend path. While the breaker is open every read
// is a miss and every write is dropped; the engine recomputes from the
// snapshot, which is always correct, just slower.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker[getResult]
	log     zerolog.Logger
}

// NewBreakerStore wraps inner with the given breaker settings.
func NewBreakerStore(inner Store, cfg BreakerConfig) *BreakerStore {
	log := logging.Logger().With().Str("component", "cache-breaker").Logger()

	settings := gobreaker.Settings{
		Name:        "recommendation-cache",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("Cache breaker state change")
			metrics.CacheBreakerState.Set(breakerStateValue(to))
		},
	}

	return &BreakerStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[getResult](settings),
		log:     log,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Get reads through the breaker. An open circuit or backend failure reads as
// a miss with no error; the caller falls back to computing the result.
func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := s.breaker.Execute(func() (getResult, error) {
		value, found, err := s.inner.Get(ctx, key)
		return getResult{value: value, found: found}, err
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CacheErrorsTotal.Inc()
		}
		return nil, false, nil
	}
	return res.value, res.found, nil
}

// Set writes through the breaker. Failures and open-circuit drops are
// swallowed; a lost cache write only costs a future recompute.
func (s *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.breaker.Execute(func() (getResult, error) {
		return getResult{}, s.inner.Set(ctx, key, value, ttl)
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CacheErrorsTotal.Inc()
		s.log.Debug().Err(err).Str("key", key).Msg("Cache write dropped")
	}
	return nil
}

// Delete passes through the breaker and reports failures, since callers use
// it for invalidation and need to know it did not happen.
func (s *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := s.breaker.Execute(func() (getResult, error) {
		return getResult{}, s.inner.Delete(ctx, key)
	})
	return err
}

// DeletePattern bypasses the breaker: invalidation sweeps are rare, already
// best-effort, and their per-key failure accounting must reach the caller.
func (s *BreakerStore) DeletePattern(ctx context.Context, pattern string) (int, int, error) {
	return s.inner.DeletePattern(ctx, pattern)
}

func (s *BreakerStore) Close() error {
	return s.inner.Close()
}
