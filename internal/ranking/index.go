package ranking

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
)

const (
	defaultFreshnessWindow = 7 * 24 * time.Hour
	indexBTreeDegree       = 32
)

// ErrUnknownEntry indicates the entity was never registered with the index.
var ErrUnknownEntry = errors.New("ranking: unknown entry")

// Entry is a scored entity as seen by range queries.
type Entry struct {
	ID        string
	Score     float64
	CreatedAt time.Time
}

type indexItem struct {
	score float64
	id    string
}

var _ btree.Item = indexItem{}

// Less orders items by score ascending, ties broken by identifier so
// range queries are deterministic.
func (i indexItem) Less(other btree.Item) bool {
	o := other.(indexItem)
	if i.score != o.score {
		return i.score < o.score
	}
	return i.id < o.id
}

// IndexConfig configures the score index.
type IndexConfig struct {
	FreshnessWindow time.Duration
	Clock           func() time.Time
}

// Index keeps entities ordered by score in memory. It is the serving
// structure for range queries; durability of scores belongs to the
// storage layer, which rebuilds the index through Load at startup.
// Mutations must happen only after the owning transaction has committed.
type Index struct {
	mu      sync.RWMutex
	tree    *btree.BTree
	entries map[string]*Entry
	window  time.Duration
	clock   func() time.Time
}

// NewIndex constructs an empty index.
func NewIndex(cfg IndexConfig) *Index {
	window := cfg.FreshnessWindow
	if window <= 0 {
		window = defaultFreshnessWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Index{
		tree:    btree.New(indexBTreeDegree),
		entries: make(map[string]*Entry),
		window:  window,
		clock:   clock,
	}
}

// Load replaces the index contents with the given entries.
func (x *Index) Load(entries []Entry) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.tree.Clear(false)
	x.entries = make(map[string]*Entry, len(entries))
	for _, entry := range entries {
		stored := entry
		x.entries[entry.ID] = &stored
		x.tree.ReplaceOrInsert(indexItem{score: entry.Score, id: entry.ID})
	}
}

// Add registers an entity with score zero.
func (x *Index) Add(id string, createdAt time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if existing, ok := x.entries[id]; ok {
		x.tree.Delete(indexItem{score: existing.Score, id: id})
	}
	x.entries[id] = &Entry{ID: id, Score: 0, CreatedAt: createdAt}
	x.tree.ReplaceOrInsert(indexItem{score: 0, id: id})
}

// Remove drops an entity from the index. Removing an unknown entity is a no-op.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[id]
	if !ok {
		return
	}
	x.tree.Delete(indexItem{score: entry.Score, id: id})
	delete(x.entries, id)
}

// AdjustScore atomically adds delta to the entity's score and returns the
// new score. The change is immediately visible to range queries.
func (x *Index) AdjustScore(id string, delta float64) (float64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	x.tree.Delete(indexItem{score: entry.Score, id: id})
	entry.Score += delta
	x.tree.ReplaceOrInsert(indexItem{score: entry.Score, id: id})
	return entry.Score, nil
}

// Score returns the current score for the entity.
func (x *Index) Score(id string) (float64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	entry, ok := x.entries[id]
	if !ok {
		return 0, false
	}
	return entry.Score, true
}

// RangeByScore returns entries with score in [min, max], ascending,
// ties broken by identifier.
func (x *Index) RangeByScore(min, max float64) []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var results []Entry
	x.tree.AscendGreaterOrEqual(indexItem{score: min, id: ""}, func(item btree.Item) bool {
		scored := item.(indexItem)
		if scored.score > max {
			return false
		}
		entry := x.entries[scored.id]
		results = append(results, *entry)
		return true
	})
	return results
}

// Fresh reports whether the entity's age is within the freshness window.
// Entities unknown to the index are never fresh.
func (x *Index) Fresh(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	entry, ok := x.entries[id]
	if !ok {
		return false
	}
	return x.clock().Sub(entry.CreatedAt) <= x.window
}

// Len returns the number of indexed entities.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}
