// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

// Package lock provides the distributed lock that serializes retraining.
// A Provider acquires the lock on a majority of independent stores; a single
// store cannot grant the lock to two holders because acquisition is an atomic
// compare-and-set with a TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Store is one lock endpoint. Implementations must make TryAcquire atomic:
// the token is written only if the resource is currently unheld.
type Store interface {
	// TryAcquire attempts to take resource for token with the given TTL.
	// Returns false when another token holds it.
	TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)
	// Release frees resource if token owns it. Returns true when released
	// or when the lock no longer exists; false on an owner mismatch.
	Release(ctx context.Context, resource, token string) (bool, error)
	// Name identifies the endpoint in logs and errors.
	Name() string
}

// BadgerStore implements Store on an embedded badger database. Badger's
// serializable transactions give the compare-and-set; its entry TTL gives
// the lock expiry.
//
// Badger holds an exclusive directory lock, so a BadgerStore endpoint serves
// goroutines of ONE process only. Deployments where separate processes
// contend for the lock (a live server plus a cron retrainer, or several
// hosts) must use FileStore endpoints instead.
type BadgerStore struct {
	db   *badger.DB
	name string
}

// NewBadgerStore opens (or creates) a lock endpoint at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open lock store %s: %w", dir, err)
	}
	return &BadgerStore{db: db, name: dir}, nil
}

func (s *BadgerStore) Name() string { return s.name }

func (s *BadgerStore) TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(resource))
		if err == nil {
			// Held by someone (possibly us from a retry); CAS fails.
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		entry := badger.NewEntry([]byte(resource), []byte(token)).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lock store %s: acquire %q: %w", s.name, resource, err)
	}
	return acquired, nil
}

func (s *BadgerStore) Release(ctx context.Context, resource, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	released := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(resource))
		if errors.Is(err, badger.ErrKeyNotFound) {
			// Already expired or never held here. Releasing is idempotent.
			released = true
			return nil
		}
		if err != nil {
			return err
		}

		owner, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(owner) != token {
			return nil
		}

		if err := txn.Delete([]byte(resource)); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lock store %s: release %q: %w", s.name, resource, err)
	}
	return released, nil
}

// Close releases the backing database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
