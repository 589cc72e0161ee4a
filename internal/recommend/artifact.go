// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package recommend

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// NoVersion is the model version reported when no persisted artifact exists.
const NoVersion = "none"

// Fingerprint derives the model version from the artifact file's metadata:
// "<unix mtime>-<size in bytes>". A missing artifact yields NoVersion. Any
// other stat failure is surfaced, since serving an unverifiable version
// would break cache correctness.
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return NoVersion, nil
	}
	if err != nil {
		return "", fmt.Errorf("stat model artifact: %w", err)
	}
	return fmt.Sprintf("%d-%d", info.ModTime().Unix(), info.Size()), nil
}

// saveSnapshot writes the snapshot to path via a temp file and rename, so a
// crash mid-write never leaves a truncated artifact behind.
func saveSnapshot(s *Snapshot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// loadSnapshot reads a persisted snapshot, rebuilds derived lookups, and
// stamps it with the artifact's current fingerprint.
func loadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal model artifact: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.buildLookups()

	version, err := Fingerprint(path)
	if err != nil {
		return nil, err
	}
	s.Version = version
	return &s, nil
}
