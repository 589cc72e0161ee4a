// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package recommend

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// tfidfVectorizer builds fixed-vocabulary TF-IDF vectors from short item
// texts (title plus category). The vocabulary is fitted once per training
// pass; profiles from different snapshots are never mixed.
type tfidfVectorizer struct {
	// maxFeatures caps the vocabulary. Terms are kept by descending corpus
	// frequency, ties broken alphabetically, so fitting is deterministic.
	maxFeatures int

	vocab map[string]int // term -> dimension
	idf   []float64
}

func newTFIDFVectorizer(maxFeatures int) *tfidfVectorizer {
	if maxFeatures <= 0 {
		maxFeatures = 5000
	}
	return &tfidfVectorizer{maxFeatures: maxFeatures}
}

// tokenize lowercases and splits on any non-letter, non-digit rune. The
// original attribute texts use '|' separators, which this handles uniformly.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// FitTransform fits the vocabulary on the given documents and returns their
// L2-normalized TF-IDF vectors, row-aligned with the input order.
func (v *tfidfVectorizer) FitTransform(docs []string) [][]float64 {
	tokenized := make([][]string, len(docs))
	termCount := make(map[string]int)
	docFreq := make(map[string]int)

	for i, doc := range docs {
		tokens := tokenize(doc)
		tokenized[i] = tokens

		seen := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			termCount[tok]++
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				docFreq[tok]++
			}
		}
	}

	terms := make([]string, 0, len(termCount))
	for term := range termCount {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(a, b int) bool {
		if termCount[terms[a]] != termCount[terms[b]] {
			return termCount[terms[a]] > termCount[terms[b]]
		}
		return terms[a] < terms[b]
	})
	if len(terms) > v.maxFeatures {
		terms = terms[:v.maxFeatures]
	}
	sort.Strings(terms)

	v.vocab = make(map[string]int, len(terms))
	v.idf = make([]float64, len(terms))
	n := float64(len(docs))
	for dim, term := range terms {
		v.vocab[term] = dim
		// Smoothed idf: ln((1+n)/(1+df)) + 1, never zero so rare terms and
		// ubiquitous terms both retain signal.
		v.idf[dim] = math.Log((1+n)/(1+float64(docFreq[term]))) + 1
	}

	out := make([][]float64, len(docs))
	for i, tokens := range tokenized {
		out[i] = v.transformTokens(tokens)
	}
	return out
}

// transformTokens converts one token list to an L2-normalized TF-IDF vector.
func (v *tfidfVectorizer) transformTokens(tokens []string) []float64 {
	vec := make([]float64, len(v.idf))
	for _, tok := range tokens {
		if dim, ok := v.vocab[tok]; ok {
			vec[dim] += v.idf[dim]
		}
	}

	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for d := range vec {
			vec[d] /= norm
		}
	}
	return vec
}
