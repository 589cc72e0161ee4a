// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

// Package recommend implements the hybrid recommendation engine: collaborative
// and content-based scoring over immutable, versioned model snapshots.
//
// A Snapshot is trained or loaded once and never mutated; the Engine serves
// from an atomic pointer to the active snapshot, so readers never observe a
// half-replaced model. Retraining builds a fresh snapshot off to the side and
// publishes it with a single Swap.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/affinity-rec/affinity/internal/logging"
	"github.com/affinity-rec/affinity/internal/metrics"
)

// ErrNotReady is returned by Recommend before a snapshot has been published.
var ErrNotReady = errors.New("recommend: no active model snapshot")

// ResultCache caches recommendation lists keyed by (model version, user,
// limit). Implementations are expected to fail open; the engine treats any
// error as a miss and drops failed writes.
type ResultCache interface {
	Get(ctx context.Context, version string, userID, n int) ([]Recommendation, bool, error)
	Set(ctx context.Context, version string, userID, n int, recs []Recommendation) error
}

// Config holds the engine's file locations and training parameters.
type Config struct {
	// ModelPath is where the trained snapshot artifact is persisted.
	ModelPath string
	// RatingsPath and ItemsPath are the CSV training inputs.
	RatingsPath string
	ItemsPath   string
	// MaxFeatures caps the TF-IDF vocabulary (default 5000).
	MaxFeatures int
}

// Engine serves recommendations from the active snapshot and trains new ones.
// All methods are safe for concurrent use.
type Engine struct {
	cfg    Config
	cache  ResultCache
	active atomic.Pointer[Snapshot]
	log    zerolog.Logger
}

// New creates an engine. cache may be nil, in which case every request is
// computed from the snapshot.
func New(cfg Config, cache ResultCache) *Engine {
	return &Engine{
		cfg:   cfg,
		cache: cache,
		log:   logging.Logger().With().Str("component", "recommend").Logger(),
	}
}

// LoadOrTrain publishes an initial snapshot: the persisted artifact when one
// exists, otherwise a freshly trained model. A corrupt artifact is logged and
// falls back to training rather than failing startup.
func (e *Engine) LoadOrTrain(ctx context.Context) error {
	if _, err := os.Stat(e.cfg.ModelPath); err == nil {
		s, err := loadSnapshot(e.cfg.ModelPath)
		if err == nil {
			e.Swap(s)
			e.log.Info().
				Str("version", s.Version).
				Int("users", len(s.UserIndex)).
				Int("items", len(s.ItemIndex)).
				Msg("Loaded model artifact")
			return nil
		}
		e.log.Warn().Err(err).Str("path", e.cfg.ModelPath).
			Msg("Model artifact unreadable, retraining")
	}

	s, err := e.Train(ctx)
	if err != nil {
		return fmt.Errorf("initial training: %w", err)
	}
	e.Swap(s)
	e.log.Info().Str("version", s.Version).Msg("Trained initial model")
	return nil
}

// Train builds a new snapshot from the CSV inputs, persists it, and stamps it
// with the artifact fingerprint. The active snapshot is not touched; callers
// publish the result with Swap when ready.
func (e *Engine) Train(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	ratings, items, err := loadDataset(e.cfg.RatingsPath, e.cfg.ItemsPath)
	if err != nil {
		return nil, err
	}

	s := buildSnapshot(ratings, items, e.cfg.MaxFeatures)
	if err := s.validate(); err != nil {
		return nil, err
	}

	if err := saveSnapshot(s, e.cfg.ModelPath); err != nil {
		return nil, err
	}
	version, err := Fingerprint(e.cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	s.Version = version

	e.log.Info().
		Str("version", version).
		Int("ratings", len(ratings)).
		Int("users", len(s.UserIndex)).
		Int("items", len(s.ItemIndex)).
		Dur("elapsed", time.Since(start)).
		Msg("Training complete")
	return s, nil
}

// buildSnapshot assembles the dense rating matrix and TF-IDF item profiles.
// Item columns cover the union of rated items and catalog items, sorted by
// id, so unrated catalog entries still carry content signal.
func buildSnapshot(ratings []Rating, items []Item, maxFeatures int) *Snapshot {
	userSet := make(map[int]struct{})
	itemSet := make(map[int]struct{})
	itemMeta := make(map[int]Item, len(items))
	for _, r := range ratings {
		userSet[r.UserID] = struct{}{}
		itemSet[r.ItemID] = struct{}{}
	}
	for _, it := range items {
		itemSet[it.ID] = struct{}{}
		itemMeta[it.ID] = it
	}

	s := &Snapshot{
		UserIndex: sortedKeys(userSet),
		ItemIndex: sortedKeys(itemSet),
		Items:     itemMeta,
	}
	s.buildLookups()

	s.UserItem = make([][]float64, len(s.UserIndex))
	for i := range s.UserItem {
		s.UserItem[i] = make([]float64, len(s.ItemIndex))
	}
	for _, r := range ratings {
		s.UserItem[s.userPos[r.UserID]][s.itemPos[r.ItemID]] = r.Value
	}

	docs := make([]string, len(s.ItemIndex))
	for j, id := range s.ItemIndex {
		if it, ok := itemMeta[id]; ok {
			docs[j] = it.Title + " " + strings.ReplaceAll(it.Category, "|", " ")
		}
	}
	s.ItemProfiles = newTFIDFVectorizer(maxFeatures).FitTransform(docs)

	return s
}

func sortedKeys(set map[int]struct{}) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Recommend returns up to n recommendations for userID, best first. An
// unknown user yields an empty slice. Results are cached per (version, user,
// n); cache failures are treated as misses.
func (e *Engine) Recommend(ctx context.Context, userID, n int) ([]Recommendation, error) {
	timer := time.Now()
	metrics.RecommendRequestsTotal.Inc()
	defer func() {
		metrics.RecommendLatency.Observe(time.Since(timer).Seconds())
	}()

	s := e.active.Load()
	if s == nil {
		return nil, ErrNotReady
	}
	if n <= 0 {
		return []Recommendation{}, nil
	}

	if e.cache != nil {
		if recs, ok, err := e.cache.Get(ctx, s.Version, userID, n); err == nil && ok {
			return recs, nil
		}
	}

	userRow, ok := s.userRow(userID)
	if !ok {
		return []Recommendation{}, nil
	}

	collab := collaborativeScores(s, userRow)
	content := contentScores(s, userRow)
	combined := combineAndNormalize(collab, content)

	recs := make([]Recommendation, 0, n)
	for _, j := range topN(combined, n) {
		itemID := s.ItemIndex[j]
		rec := Recommendation{ItemID: itemID, Score: combined[j]}
		if it, ok := s.Items[itemID]; ok {
			rec.Title = it.Title
			rec.Category = it.Category
		}
		recs = append(recs, rec)
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, s.Version, userID, n, recs); err != nil {
			e.log.Debug().Err(err).Msg("Cache write dropped")
		}
	}
	return recs, nil
}

// Swap publishes s as the active snapshot.
func (e *Engine) Swap(s *Snapshot) {
	e.active.Store(s)
}

// Active returns the current snapshot, or nil before LoadOrTrain.
func (e *Engine) Active() *Snapshot {
	return e.active.Load()
}

// Version returns the active model version, or NoVersion before startup.
func (e *Engine) Version() string {
	if s := e.active.Load(); s != nil {
		return s.Version
	}
	return NoVersion
}
