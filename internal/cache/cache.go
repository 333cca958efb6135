// Package cache holds the optimistic, identity-keyed collection of plant
// records that presentation layers observe.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/fieldmap/backend/internal/models"
)

// ChangeKind describes a cache mutation.
type ChangeKind string

const (
	ChangeReset   ChangeKind = "reset"
	ChangeUpsert  ChangeKind = "upsert"
	ChangeReplace ChangeKind = "replace"
)

// Change is delivered to listeners after every mutation.
type Change struct {
	Kind ChangeKind
	// Records holds the written records; empty for reset.
	Records []models.PlantRecord
	// ReplacedID is the provisional identity a confirmed record superseded.
	ReplacedID string
}

// Listener receives cache changes. Listeners run on the mutating goroutine,
// outside the cache lock, and must not block.
type Listener func(Change)

// Cache is a normalized collection of plant records keyed by identity.
// Upsert is the only incremental mutation, so an identity appears at most once.
type Cache struct {
	mu        sync.RWMutex
	records   map[string]models.PlantRecord
	listeners map[int]Listener
	nextID    int
	now       func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		records:   make(map[string]models.PlantRecord),
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
}

// SetAll replaces the whole collection.
func (c *Cache) SetAll(records []models.PlantRecord) {
	c.mu.Lock()
	c.records = make(map[string]models.PlantRecord, len(records))
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		c.records[r.ID] = r
	}
	c.mu.Unlock()

	c.emit(Change{Kind: ChangeReset})
}

// UpsertOne inserts or replaces a record by identity.
func (c *Cache) UpsertOne(record models.PlantRecord) {
	c.UpsertMany([]models.PlantRecord{record})
}

// UpsertMany inserts or replaces records by identity. Later entries win.
func (c *Cache) UpsertMany(records []models.PlantRecord) {
	written := make([]models.PlantRecord, 0, len(records))

	c.mu.Lock()
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		c.records[r.ID] = r
		written = append(written, r)
	}
	c.mu.Unlock()

	if len(written) > 0 {
		c.emit(Change{Kind: ChangeUpsert, Records: written})
	}
}

// Confirm swaps an optimistic record for its server-confirmed version.
// The provisional entry is removed and its CreatedAt carried over, so the
// record keeps its place in recency order.
func (c *Cache) Confirm(provisionalID string, record models.PlantRecord) models.PlantRecord {
	c.mu.Lock()
	if prev, ok := c.records[provisionalID]; ok {
		if !prev.CreatedAt.IsZero() {
			record.CreatedAt = prev.CreatedAt
		}
		if provisionalID != record.ID {
			delete(c.records, provisionalID)
		}
	} else if existing, ok := c.records[record.ID]; ok && !existing.CreatedAt.IsZero() {
		record.CreatedAt = existing.CreatedAt
	}
	c.records[record.ID] = record
	c.mu.Unlock()

	c.emit(Change{Kind: ChangeReplace, Records: []models.PlantRecord{record}, ReplacedID: provisionalID})
	return record
}

// SetState updates the sync state of one record. It reports false when the
// identity is unknown.
func (c *Cache) SetState(id string, state models.SyncState, reason string) bool {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	r.SyncState = state
	r.LastError = reason
	r.UpdatedAt = c.now()
	c.records[id] = r
	c.mu.Unlock()

	c.emit(Change{Kind: ChangeUpsert, Records: []models.PlantRecord{r}})
	return true
}

// Get returns the record for an identity.
func (c *Cache) Get(id string) (models.PlantRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	return r, ok
}

// Len returns the number of records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// SelectAll returns every record, most recently created first. Ties are
// broken by identity so the order is deterministic.
func (c *Cache) SelectAll() []models.PlantRecord {
	c.mu.RLock()
	out := make([]models.PlantRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe registers a listener and returns a function that removes it.
func (c *Cache) Subscribe(l Listener) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Cache) emit(change Change) {
	c.mu.RLock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.RUnlock()

	for _, l := range listeners {
		l(change)
	}
}
