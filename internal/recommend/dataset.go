// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package recommend

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// bootstrapItems and bootstrapRatings are the minimal dataset synthesized
// when no training inputs exist, so a fresh deployment is never unusable.
// This is a convenience policy, not part of the algorithm.
var bootstrapItems = []Item{
	{ID: 1, Title: "The Matrix", Category: "Action|Sci-Fi"},
	{ID: 2, Title: "Toy Story", Category: "Animation|Children|Comedy"},
	{ID: 3, Title: "The Godfather", Category: "Crime|Drama"},
}

var bootstrapRatings = []Rating{
	{UserID: 1, ItemID: 1, Value: 5.0},
	{UserID: 1, ItemID: 2, Value: 4.0},
	{UserID: 2, ItemID: 3, Value: 5.0},
}

// loadDataset reads ratings and items from the configured CSV paths. When
// either file is missing, the bootstrap fixture is written to both paths and
// returned, so subsequent trainings see the same inputs.
func loadDataset(ratingsPath, itemsPath string) ([]Rating, []Item, error) {
	_, ratingsErr := os.Stat(ratingsPath)
	_, itemsErr := os.Stat(itemsPath)
	if ratingsErr != nil || itemsErr != nil {
		if err := writeBootstrap(ratingsPath, itemsPath); err != nil {
			return nil, nil, fmt.Errorf("synthesize bootstrap dataset: %w", err)
		}
		return bootstrapRatings, bootstrapItems, nil
	}

	ratings, err := loadRatingsCSV(ratingsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load ratings: %w", err)
	}
	items, err := loadItemsCSV(itemsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load items: %w", err)
	}
	if len(ratings) == 0 {
		return nil, nil, fmt.Errorf("load ratings: %s contains no rows", ratingsPath)
	}
	return ratings, items, nil
}

// loadRatingsCSV reads "user_id,item_id,rating" rows, skipping the header.
func loadRatingsCSV(path string) ([]Rating, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 3

	var ratings []Rating
	header := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header {
			header = false
			continue
		}

		userID, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %v: bad user id: %w", rec, err)
		}
		itemID, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("row %v: bad item id: %w", rec, err)
		}
		value, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("row %v: bad rating: %w", rec, err)
		}
		ratings = append(ratings, Rating{UserID: userID, ItemID: itemID, Value: value})
	}
	return ratings, nil
}

// loadItemsCSV reads "item_id,title,category" rows, skipping the header.
func loadItemsCSV(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 3

	var items []Item
	header := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header {
			header = false
			continue
		}

		id, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %v: bad item id: %w", rec, err)
		}
		items = append(items, Item{ID: id, Title: rec[1], Category: rec[2]})
	}
	return items, nil
}

// writeBootstrap persists the bootstrap fixture to the configured paths.
func writeBootstrap(ratingsPath, itemsPath string) error {
	if err := os.MkdirAll(filepath.Dir(ratingsPath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(itemsPath), 0o755); err != nil {
		return err
	}

	rf, err := os.Create(ratingsPath)
	if err != nil {
		return err
	}
	defer rf.Close()

	rw := csv.NewWriter(rf)
	if err := rw.Write([]string{"user_id", "item_id", "rating"}); err != nil {
		return err
	}
	for _, r := range bootstrapRatings {
		rec := []string{
			strconv.Itoa(r.UserID),
			strconv.Itoa(r.ItemID),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
		}
		if err := rw.Write(rec); err != nil {
			return err
		}
	}
	rw.Flush()
	if err := rw.Error(); err != nil {
		return err
	}

	itf, err := os.Create(itemsPath)
	if err != nil {
		return err
	}
	defer itf.Close()

	iw := csv.NewWriter(itf)
	if err := iw.Write([]string{"item_id", "title", "category"}); err != nil {
		return err
	}
	for _, it := range bootstrapItems {
		if err := iw.Write([]string{strconv.Itoa(it.ID), it.Title, it.Category}); err != nil {
			return err
		}
	}
	iw.Flush()
	return iw.Error()
}
