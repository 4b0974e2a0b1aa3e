package ranking

import (
	"errors"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestAdjustScoreVisibleToRangeQueries(t *testing.T) {
	index := NewIndex(IndexConfig{})
	index.Add("item-1", time.Unix(1700000000, 0))

	score, err := index.AdjustScore("item-1", 432)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 432 {
		t.Fatalf("expected score 432, got %v", score)
	}

	results := index.RangeByScore(400, 500)
	if len(results) != 1 || results[0].ID != "item-1" {
		t.Fatalf("expected item-1 in range, got %+v", results)
	}
}

func TestAdjustScoreUnknownEntry(t *testing.T) {
	index := NewIndex(IndexConfig{})
	if _, err := index.AdjustScore("nope", 1); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("expected ErrUnknownEntry, got %v", err)
	}
}

func TestRangeByScoreOrderAndBounds(t *testing.T) {
	index := NewIndex(IndexConfig{})
	createdAt := time.Unix(1700000000, 0)
	scores := map[string]float64{
		"item-a": 10,
		"item-d": 20,
		"item-b": 15,
		"item-c": 15,
		"item-e": 30,
	}
	for id := range scores {
		index.Add(id, createdAt)
	}
	for id, score := range scores {
		if _, err := index.AdjustScore(id, score); err != nil {
			t.Fatalf("adjust failed: %v", err)
		}
	}

	results := index.RangeByScore(10, 20)
	expected := []string{"item-a", "item-b", "item-c", "item-d"}
	if len(results) != len(expected) {
		t.Fatalf("expected %d entries, got %d: %+v", len(expected), len(results), results)
	}
	for i, id := range expected {
		if results[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, results[i].ID)
		}
	}
}

func TestRemoveDropsEntity(t *testing.T) {
	index := NewIndex(IndexConfig{})
	index.Add("item-1", time.Unix(1700000000, 0))
	if _, err := index.AdjustScore("item-1", 5); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	index.Remove("item-1")
	if _, ok := index.Score("item-1"); ok {
		t.Fatalf("expected score lookup to miss after removal")
	}
	if results := index.RangeByScore(0, 100); len(results) != 0 {
		t.Fatalf("expected empty range after removal, got %+v", results)
	}
	index.Remove("item-1")
}

func TestFreshnessWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	index := NewIndex(IndexConfig{
		FreshnessWindow: 7 * 24 * time.Hour,
		Clock:           fixedClock(now),
	})
	index.Add("fresh", now.Add(-24*time.Hour))
	index.Add("stale", now.Add(-8*24*time.Hour))

	if !index.Fresh("fresh") {
		t.Fatalf("expected one-day-old entry to be fresh")
	}
	if index.Fresh("stale") {
		t.Fatalf("expected eight-day-old entry to be stale")
	}
	if index.Fresh("unknown") {
		t.Fatalf("unknown entries must not be fresh")
	}
}

func TestLoadRebuildsIndex(t *testing.T) {
	index := NewIndex(IndexConfig{})
	index.Add("old", time.Unix(1700000000, 0))

	index.Load([]Entry{
		{ID: "item-1", Score: 864, CreatedAt: time.Unix(1700000100, 0)},
		{ID: "item-2", Score: 432, CreatedAt: time.Unix(1700000200, 0)},
	})

	if index.Len() != 2 {
		t.Fatalf("expected 2 entries after load, got %d", index.Len())
	}
	if _, ok := index.Score("old"); ok {
		t.Fatalf("load must replace previous contents")
	}
	results := index.RangeByScore(0, 1000)
	if len(results) != 2 || results[0].ID != "item-2" || results[1].ID != "item-1" {
		t.Fatalf("unexpected order after load: %+v", results)
	}
}
