// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

// Package cache provides the version-qualified recommendation cache: a TTL
// key-value store whose keys embed the model version, so results computed
// against a superseded snapshot can never be served after a retrain.
package cache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/affinity-rec/affinity/internal/logging"
)

// Store is the raw byte-level cache backend.
type Store interface {
	// Get returns the value for key. The second return is false on a miss;
	// an expired entry is a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePattern deletes every key matching the path.Match-style glob.
	// It visits all candidates even when individual deletes fail, returning
	// how many were deleted and how many failed.
	DeletePattern(ctx context.Context, pattern string) (deleted, failed int, err error)
	// Close releases the backend.
	Close() error
}

// BadgerStore implements Store on an embedded badger database with native
// TTL entries.
type BadgerStore struct {
	db  *badger.DB
	log zerolog.Logger
}

// NewBadgerStore opens (or creates) a badger database at dir. An empty dir
// selects an in-memory instance, for tests and ephemeral deployments.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	log := logging.Logger().With().Str("component", "cache").Logger()

	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	log.Debug().Str("dir", dir).Bool("in_memory", dir == "").Msg("Cache store opened")
	return &BadgerStore{db: db, log: log}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

// DeletePattern sweeps keys matching the glob. The scan is bounded by the
// pattern's literal prefix so invalidating one model version does not touch
// entries for other versions. Per-key failures are counted, not fatal; the
// sweep always runs to completion.
func (s *BadgerStore) DeletePattern(ctx context.Context, pattern string) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	var candidates []string
	prefix := []byte(literalPrefix(pattern))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			if ok, _ := path.Match(pattern, key); ok {
				candidates = append(candidates, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("cache scan %q: %w", pattern, err)
	}

	deleted, failed := 0, 0
	for _, key := range candidates {
		if err := s.Delete(ctx, key); err != nil {
			failed++
			s.log.Warn().Err(err).Str("key", key).Msg("Pattern delete skipped key")
			continue
		}
		deleted++
	}
	return deleted, failed, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// literalPrefix returns the part of a glob before its first metacharacter,
// usable as an iterator seek prefix.
func literalPrefix(pattern string) string {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[', '\\':
			return pattern[:i]
		}
	}
	return pattern
}
