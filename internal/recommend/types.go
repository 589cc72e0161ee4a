// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package recommend

import "fmt"

// Rating is a single user-item interaction with an explicit rating value.
type Rating struct {
	UserID int     `json:"user_id"`
	ItemID int     `json:"item_id"`
	Value  float64 `json:"value"`
}

// Item holds the metadata attached to recommendations.
type Item struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
}

// Recommendation is one scored item returned to a caller.
type Recommendation struct {
	ItemID   int     `json:"item_id"`
	Title    string  `json:"title"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// Snapshot is one immutable trained model state. It is never mutated after
// construction; a retrain produces a new Snapshot that atomically replaces
// the active one.
//
// UserItem is dense: rows are indexed by UserIndex, columns by ItemIndex,
// cells hold the rating or 0 when absent. ItemProfiles is row-aligned 1:1
// with ItemIndex. UserIndex and ItemIndex are bijections between external
// ids and matrix positions.
type Snapshot struct {
	UserItem     [][]float64  `json:"user_item"`
	ItemProfiles [][]float64  `json:"item_profiles"`
	UserIndex    []int        `json:"user_index"`
	ItemIndex    []int        `json:"item_index"`
	Items        map[int]Item `json:"items"`

	// Version is the fingerprint of the persisted artifact this snapshot
	// was trained to or loaded from ("<mtime>-<size>", or "none").
	Version string `json:"-"`

	// userPos maps external user id to row position. Derived, not persisted.
	userPos map[int]int
	// itemPos maps external item id to column position. Derived, not persisted.
	itemPos map[int]int
}

// buildLookups populates the derived id->position maps. Called once after
// training or loading, before the snapshot is published.
func (s *Snapshot) buildLookups() {
	s.userPos = make(map[int]int, len(s.UserIndex))
	for i, id := range s.UserIndex {
		s.userPos[id] = i
	}
	s.itemPos = make(map[int]int, len(s.ItemIndex))
	for j, id := range s.ItemIndex {
		s.itemPos[id] = j
	}
}

// validate checks the index/matrix shape invariants.
func (s *Snapshot) validate() error {
	if len(s.UserItem) != len(s.UserIndex) {
		return fmt.Errorf("snapshot: %d matrix rows for %d users", len(s.UserItem), len(s.UserIndex))
	}
	for i, row := range s.UserItem {
		if len(row) != len(s.ItemIndex) {
			return fmt.Errorf("snapshot: row %d has %d columns for %d items", i, len(row), len(s.ItemIndex))
		}
	}
	if len(s.ItemProfiles) != len(s.ItemIndex) {
		return fmt.Errorf("snapshot: %d profiles for %d items", len(s.ItemProfiles), len(s.ItemIndex))
	}
	return nil
}

// userRow returns the rating row for an external user id.
func (s *Snapshot) userRow(userID int) ([]float64, bool) {
	pos, ok := s.userPos[userID]
	if !ok {
		return nil, false
	}
	return s.UserItem[pos], true
}
