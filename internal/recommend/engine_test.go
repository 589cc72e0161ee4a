// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package recommend

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		ModelPath:   filepath.Join(dir, "model.json"),
		RatingsPath: filepath.Join(dir, "ratings.csv"),
		ItemsPath:   filepath.Join(dir, "items.csv"),
		MaxFeatures: 5000,
	}
}

// fakeCache records calls and serves what was stored.
type fakeCache struct {
	store map[string][]Recommendation
	gets  int
	hits  int
	sets  int
	err   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: make(map[string][]Recommendation)}
}

func (c *fakeCache) key(version string, userID, n int) string {
	return fmt.Sprintf("%s:%d:%d", version, userID, n)
}

func (c *fakeCache) Get(_ context.Context, version string, userID, n int) ([]Recommendation, bool, error) {
	c.gets++
	if c.err != nil {
		return nil, false, c.err
	}
	recs, ok := c.store[c.key(version, userID, n)]
	if ok {
		c.hits++
	}
	return recs, ok, nil
}

func (c *fakeCache) Set(_ context.Context, version string, userID, n int, recs []Recommendation) error {
	c.sets++
	if c.err != nil {
		return c.err
	}
	c.store[c.key(version, userID, n)] = recs
	return nil
}

func TestLoadOrTrainBootstraps(t *testing.T) {
	e := New(testConfig(t), nil)

	if err := e.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("LoadOrTrain: %v", err)
	}

	s := e.Active()
	if s == nil {
		t.Fatal("no active snapshot after LoadOrTrain")
	}
	if len(s.UserIndex) != 2 || len(s.ItemIndex) != 3 {
		t.Errorf("bootstrap shape: %d users, %d items; want 2, 3",
			len(s.UserIndex), len(s.ItemIndex))
	}
	if e.Version() == NoVersion {
		t.Error("version still none after training")
	}
}

func TestLoadOrTrainPrefersArtifact(t *testing.T) {
	cfg := testConfig(t)

	first := New(cfg, nil)
	if err := first.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("first LoadOrTrain: %v", err)
	}
	wantVersion := first.Version()

	second := New(cfg, nil)
	if err := second.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("second LoadOrTrain: %v", err)
	}
	if second.Version() != wantVersion {
		t.Errorf("loaded version %q, want artifact version %q",
			second.Version(), wantVersion)
	}
}

func TestRecommendFixtureRanking(t *testing.T) {
	e := New(testConfig(t), nil)
	if err := e.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("LoadOrTrain: %v", err)
	}

	// User 1 rated The Matrix (5.0) and Toy Story (4.0).
	recs, err := e.Recommend(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d recommendations, want 2", len(recs))
	}
	if recs[0].ItemID != 1 || recs[1].ItemID != 2 {
		t.Errorf("ranking = [%d %d], want [1 2]", recs[0].ItemID, recs[1].ItemID)
	}
	if recs[0].Score < recs[1].Score {
		t.Errorf("scores not descending: %v then %v", recs[0].Score, recs[1].Score)
	}
	if recs[0].Title != "The Matrix" {
		t.Errorf("metadata missing: title = %q", recs[0].Title)
	}

	// User 2's only rating is The Godfather; it must rank first.
	recs, err = e.Recommend(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(recs) == 0 || recs[0].ItemID != 3 {
		t.Errorf("user 2 top item = %v, want item 3", recs)
	}
}

func TestRecommendUnknownUser(t *testing.T) {
	e := New(testConfig(t), nil)
	if err := e.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("LoadOrTrain: %v", err)
	}

	recs, err := e.Recommend(context.Background(), 99, 5)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("unknown user got %d recommendations, want 0", len(recs))
	}
}

func TestRecommendDeterministic(t *testing.T) {
	e := New(testConfig(t), nil)
	if err := e.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("LoadOrTrain: %v", err)
	}

	first, err := e.Recommend(context.Background(), 1, 3)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := e.Recommend(context.Background(), 1, 3)
		if err != nil {
			t.Fatalf("Recommend: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %v vs %v", i, again, first)
		}
	}
}

func TestRecommendBeforeStartup(t *testing.T) {
	e := New(testConfig(t), nil)
	if _, err := e.Recommend(context.Background(), 1, 2); err != ErrNotReady {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestRecommendZeroLimit(t *testing.T) {
	e := New(testConfig(t), nil)
	if err := e.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("LoadOrTrain: %v", err)
	}

	recs, err := e.Recommend(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("n=0 got %d recommendations, want 0", len(recs))
	}
}

func TestRecommendUsesCache(t *testing.T) {
	cache := newFakeCache()
	e := New(testConfig(t), cache)
	if err := e.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("LoadOrTrain: %v", err)
	}

	first, err := e.Recommend(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if cache.sets != 1 {
		t.Errorf("cache sets = %d, want 1", cache.sets)
	}

	second, err := e.Recommend(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if cache.hits != 1 {
		t.Errorf("cache hits = %d, want 1", cache.hits)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached result differs: %v vs %v", second, first)
	}
}

func TestRecommendCacheFailOpen(t *testing.T) {
	cache := newFakeCache()
	cache.err = context.DeadlineExceeded
	e := New(testConfig(t), cache)
	if err := e.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("LoadOrTrain: %v", err)
	}

	recs, err := e.Recommend(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("cache errors must not fail the request: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d recommendations, want 2", len(recs))
	}
}

func TestTrainDoesNotSwap(t *testing.T) {
	e := New(testConfig(t), nil)
	if err := e.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("LoadOrTrain: %v", err)
	}
	active := e.Active()

	fresh, err := e.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if fresh == nil {
		t.Fatal("Train returned nil snapshot")
	}
	if e.Active() != active {
		t.Error("Train replaced the active snapshot; only Swap may do that")
	}

	e.Swap(fresh)
	if e.Active() != fresh {
		t.Error("Swap did not publish the new snapshot")
	}
}

func TestFingerprint(t *testing.T) {
	cfg := testConfig(t)

	v, err := Fingerprint(cfg.ModelPath)
	if err != nil {
		t.Fatalf("Fingerprint on missing file: %v", err)
	}
	if v != NoVersion {
		t.Errorf("missing artifact version = %q, want %q", v, NoVersion)
	}

	e := New(cfg, nil)
	if _, err := e.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	v, err = Fingerprint(cfg.ModelPath)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if v == NoVersion || v == "" {
		t.Errorf("artifact version = %q, want mtime-size fingerprint", v)
	}
}

func TestLoadDatasetParsesCSV(t *testing.T) {
	cfg := testConfig(t)

	// First call synthesizes the bootstrap files; second must parse them back.
	ratings, items, err := loadDataset(cfg.RatingsPath, cfg.ItemsPath)
	if err != nil {
		t.Fatalf("loadDataset (bootstrap): %v", err)
	}
	again, itemsAgain, err := loadDataset(cfg.RatingsPath, cfg.ItemsPath)
	if err != nil {
		t.Fatalf("loadDataset (reload): %v", err)
	}
	if !reflect.DeepEqual(ratings, again) {
		t.Errorf("reloaded ratings differ: %v vs %v", again, ratings)
	}
	if !reflect.DeepEqual(items, itemsAgain) {
		t.Errorf("reloaded items differ: %v vs %v", itemsAgain, items)
	}
}
