// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package cache

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/affinity-rec/affinity/internal/logging"
	"github.com/affinity-rec/affinity/internal/metrics"
	"github.com/affinity-rec/affinity/internal/recommend"
)

// DefaultNamespace prefixes every cache key so multiple deployments can share
// a store without collisions.
const DefaultNamespace = "affinity"

// Versioned is the typed recommendation cache. Keys embed the model version;
// entries written against one snapshot are unreachable once a retrain bumps
// the version, and InvalidateVersion reclaims them eagerly.
//
// Versioned satisfies recommend.ResultCache.
type Versioned struct {
	store     Store
	namespace string
	ttl       time.Duration
	log       zerolog.Logger
}

// NewVersioned wraps store with the recommendation key layout. An empty
// namespace falls back to DefaultNamespace; a zero ttl means entries live
// for one hour.
func NewVersioned(store Store, namespace string, ttl time.Duration) *Versioned {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Versioned{
		store:     store,
		namespace: namespace,
		ttl:       ttl,
		log:       logging.Logger().With().Str("component", "cache").Logger(),
	}
}

// Key returns the cache key for one (version, user, limit) request.
// Layout: <ns>:rec:v<version>:u<userID>:n<limit>.
func (v *Versioned) Key(version string, userID, n int) string {
	return fmt.Sprintf("%s:rec:v%s:u%d:n%d", v.namespace, version, userID, n)
}

// Get returns the cached recommendations for the request, if present. Backend
// errors and undecodable entries count as misses.
func (v *Versioned) Get(ctx context.Context, version string, userID, n int) ([]recommend.Recommendation, bool, error) {
	data, ok, err := v.store.Get(ctx, v.Key(version, userID, n))
	if err != nil {
		metrics.CacheErrorsTotal.Inc()
		return nil, false, err
	}
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false, nil
	}

	var recs []recommend.Recommendation
	if err := json.Unmarshal(data, &recs); err != nil {
		metrics.CacheErrorsTotal.Inc()
		v.log.Warn().Err(err).Str("version", version).Msg("Cached entry undecodable, treating as miss")
		return nil, false, nil
	}
	metrics.CacheHitsTotal.Inc()
	return recs, true, nil
}

// Set stores the recommendations under the versioned key with the configured
// TTL.
func (v *Versioned) Set(ctx context.Context, version string, userID, n int, recs []recommend.Recommendation) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	if err := v.store.Set(ctx, v.Key(version, userID, n), data, v.ttl); err != nil {
		metrics.CacheErrorsTotal.Inc()
		return err
	}
	return nil
}

// InvalidateVersion deletes every entry cached under the given model version.
// Best effort: per-key failures are counted and logged, and the remaining
// entries age out via TTL. Version-qualified keys make leftovers harmless.
func (v *Versioned) InvalidateVersion(ctx context.Context, version string) (int, int, error) {
	pattern := fmt.Sprintf("%s:rec:v%s:*", v.namespace, version)
	deleted, failed, err := v.store.DeletePattern(ctx, pattern)
	if err != nil {
		metrics.CacheErrorsTotal.Inc()
		return deleted, failed, err
	}
	if failed > 0 {
		v.log.Warn().Int("deleted", deleted).Int("failed", failed).
			Str("version", version).Msg("Version invalidation incomplete")
	} else {
		v.log.Debug().Int("deleted", deleted).Str("version", version).
			Msg("Version invalidated")
	}
	return deleted, failed, nil
}
