package domain

import (
	"slices"
	"strings"
	"time"
)

// OrderBatches sorts lots in consumption order for the given strategy.
// fifo orders by creation time; fefo orders by expiry, using creation time
// for lots without one.
func OrderBatches(batches []Batch, strategy string) {
	slices.SortStableFunc(batches, func(a, b Batch) int {
		if strategy == StrategyFEFO {
			if c := compareTime(fefoKey(a), fefoKey(b)); c != 0 {
				return c
			}
		}
		if c := compareTime(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// AvailableBatches filters lots down to the ones with active stock.
func AvailableBatches(batches []Batch) []Batch {
	out := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.Available() {
			out = append(out, b)
		}
	}
	return out
}

func fefoKey(b Batch) time.Time {
	if b.ExpiryDate != nil {
		return *b.ExpiryDate
	}
	return b.CreatedAt
}

func compareTime(a time.Time, b time.Time) int {
	if a.Before(b) {
		return -1
	}
	if a.After(b) {
		return 1
	}
	return 0
}
