// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// lockRecord is the on-disk content of a held lock.
type lockRecord struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// FileStore implements Store on a shared directory: one lock file per
// resource, created with O_EXCL so exactly one candidate wins. Unlike the
// embedded badger endpoint, a FileStore directory can be opened by any number
// of processes at once, which makes it the backend for deployments where the
// server and a cron retrainer (or several hosts over a shared filesystem)
// contend for the same lock.
//
// Expiry is recorded inside the file; an expired record is reclaimed by
// renaming the file aside first, so concurrent reclaimers cannot delete each
// other's fresh acquisition.
type FileStore struct {
	dir  string
	name string
}

// NewFileStore creates (if needed) and uses dir as a lock endpoint.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open lock store %s: %w", dir, err)
	}
	return &FileStore{dir: dir, name: dir}, nil
}

func (s *FileStore) Name() string { return s.name }

func (s *FileStore) TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path := s.path(resource)

	// At most two rounds: a second one only after reclaiming a stale file.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.create(path, token, ttl)
		if err != nil {
			return false, fmt.Errorf("lock store %s: acquire %q: %w", s.name, resource, err)
		}
		if created {
			return true, nil
		}

		rec, err := s.read(path)
		if errors.Is(err, fs.ErrNotExist) {
			// Released between the create attempt and the read; try again.
			continue
		}
		if err != nil {
			return false, fmt.Errorf("lock store %s: acquire %q: %w", s.name, resource, err)
		}
		if time.Now().UnixNano() < rec.ExpiresAt {
			return false, nil
		}
		if !s.reclaim(path) {
			// Another candidate reaped the stale file first and may already
			// hold a fresh lock.
			return false, nil
		}
	}
	return false, nil
}

func (s *FileStore) Release(ctx context.Context, resource, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path := s.path(resource)

	rec, err := s.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Already expired and reclaimed, or never held here. Idempotent.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock store %s: release %q: %w", s.name, resource, err)
	}
	if rec.Token != token {
		return false, nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("lock store %s: release %q: %w", s.name, resource, err)
	}
	return true, nil
}

// create attempts the exclusive creation of the lock file. Returns false
// without error when the file already exists.
func (s *FileStore) create(path, token string, ttl time.Duration) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	data, err := json.Marshal(lockRecord{
		Token:     token,
		ExpiresAt: time.Now().Add(ttl).UnixNano(),
	})
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return false, err
	}
	return true, nil
}

func (s *FileStore) read(path string) (lockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockRecord{}, err
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A torn write from a crashed holder reads as long expired.
		return lockRecord{}, nil
	}
	return rec, nil
}

// reclaim removes an expired lock file by renaming it aside first. The rename
// succeeds for exactly one caller, so a reclaimed path is safe to recreate.
func (s *FileStore) reclaim(path string) bool {
	reaped := path + ".reap-" + uuid.NewString()
	if err := os.Rename(path, reaped); err != nil {
		return false
	}
	os.Remove(reaped)
	return true
}

// path maps a resource name to its lock file, flattening characters that are
// unsafe in filenames.
func (s *FileStore) path(resource string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, resource)
	return filepath.Join(s.dir, safe+".lock")
}
