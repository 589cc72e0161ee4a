// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package recommend

import (
	"math"
	"sort"
)

// cosine returns the cosine similarity of two equal-length dense vectors,
// or 0 when either has zero norm.
func cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// column extracts column j of a dense matrix.
func column(m [][]float64, j int) []float64 {
	col := make([]float64, len(m))
	for i := range m {
		col[i] = m[i][j]
	}
	return col
}

// collaborativeScores computes, per item, the cosine similarity between that
// item's full rating column (all users) and the target user's rating row
// projected into user space. The projection taste[v] = sum_k r(u,k)*r(v,k)
// measures co-rating affinity between the target user u and each user v, so
// items favored by users who rate like u score high. A user with no ratings
// yields all-zero scores.
func collaborativeScores(s *Snapshot, userRow []float64) []float64 {
	scores := make([]float64, len(s.ItemIndex))

	taste := make([]float64, len(s.UserIndex))
	for v, row := range s.UserItem {
		var dot float64
		for j, r := range userRow {
			dot += r * row[j]
		}
		taste[v] = dot
	}

	for j := range s.ItemIndex {
		scores[j] = cosine(column(s.UserItem, j), taste)
	}
	return scores
}

// contentScores computes, per item, the cosine similarity between the item's
// profile vector and a user profile built as the rating-weighted sum of the
// profiles of items the user rated. A degenerate profile (no ratings, or no
// profile overlap) yields all-zero scores rather than an error.
func contentScores(s *Snapshot, userRow []float64) []float64 {
	scores := make([]float64, len(s.ItemIndex))
	if len(s.ItemProfiles) == 0 {
		return scores
	}

	dims := len(s.ItemProfiles[0])
	profile := make([]float64, dims)
	for j, rating := range userRow {
		if rating == 0 {
			continue
		}
		for d := 0; d < dims; d++ {
			profile[d] += rating * s.ItemProfiles[j][d]
		}
	}

	var norm float64
	for _, v := range profile {
		norm += v * v
	}
	if norm == 0 {
		return scores
	}

	for j := range s.ItemIndex {
		scores[j] = cosine(s.ItemProfiles[j], profile)
	}
	return scores
}

// combineAndNormalize sums the two score vectors elementwise and scales the
// whole combined vector to unit L2 norm. The scaling is global, not per
// item: relative ranking is unchanged, the magnitudes are not calibrated
// probabilities.
func combineAndNormalize(collab, content []float64) []float64 {
	combined := make([]float64, len(collab))
	var norm float64
	for j := range combined {
		combined[j] = collab[j] + content[j]
		norm += combined[j] * combined[j]
	}
	if norm == 0 {
		return combined
	}
	norm = math.Sqrt(norm)
	for j := range combined {
		combined[j] /= norm
	}
	return combined
}

// topN selects the n highest-scoring item positions, descending by score
// with ties broken by ascending original index position. Deterministic for
// a fixed snapshot and inputs.
func topN(scores []float64, n int) []int {
	idx := make([]int, len(scores))
	for j := range idx {
		idx[j] = j
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if scores[idx[a]] != scores[idx[b]] {
			return scores[idx[a]] > scores[idx[b]]
		}
		return idx[a] < idx[b]
	})
	if n < len(idx) {
		idx = idx[:n]
	}
	return idx
}
