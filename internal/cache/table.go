// Package cache holds compiled artifacts: an in-process LRU table and an
// on-disk store that publishes files by atomic rename.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/quill/internal/artifact"
)

// DefaultCapacity is the table size used when none is configured.
const DefaultCapacity = 512

// Table caches artifacts by key with LRU eviction. A capacity of zero or
// less disables eviction.
type Table struct {
	entries  map[string]*entry
	mutex    sync.RWMutex
	capacity int
	// LRU list with sentinel head and tail
	head *entry
	tail *entry

	hits      int64
	misses    int64
	sets      int64
	deletes   int64
	evictions int64
}

type entry struct {
	key        string
	value      *artifact.Artifact
	storedAt   time.Time
	accessedAt time.Time
	prev       *entry
	next       *entry
}

// Stats is a snapshot of table counters.
type Stats struct {
	Entries   int     `json:"entries" yaml:"entries"`
	Capacity  int     `json:"capacity" yaml:"capacity"`
	Hits      int64   `json:"hits" yaml:"hits"`
	Misses    int64   `json:"misses" yaml:"misses"`
	Sets      int64   `json:"sets" yaml:"sets"`
	Deletes   int64   `json:"deletes" yaml:"deletes"`
	Evictions int64   `json:"evictions" yaml:"evictions"`
	HitRate   float64 `json:"hit_rate" yaml:"hit_rate"`
}

// NewTable creates a table holding up to capacity artifacts.
func NewTable(capacity int) *Table {
	t := &Table{
		entries:  make(map[string]*entry),
		capacity: capacity,
		head:     &entry{},
		tail:     &entry{},
	}
	t.head.next = t.tail
	t.tail.prev = t.head
	return t
}

// Get returns the artifact stored under key and marks it recently used.
func (t *Table) Get(key string) (*artifact.Artifact, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.entries[key]
	if !ok {
		atomic.AddInt64(&t.misses, 1)
		return nil, false
	}
	t.moveToFront(e)
	e.accessedAt = time.Now()
	atomic.AddInt64(&t.hits, 1)
	return e.value, true
}

// Set stores a under its key, replacing any previous artifact.
func (t *Table) Set(a *artifact.Artifact) {
	key := a.Key()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := time.Now()
	if e, ok := t.entries[key]; ok {
		e.value = a
		e.storedAt = now
		e.accessedAt = now
		t.moveToFront(e)
		atomic.AddInt64(&t.sets, 1)
		return
	}

	t.evictIfNeeded()
	e := &entry{key: key, value: a, storedAt: now, accessedAt: now}
	t.entries[key] = e
	t.addToFront(e)
	atomic.AddInt64(&t.sets, 1)
}

func (t *Table) evictIfNeeded() {
	if t.capacity <= 0 {
		return
	}
	for len(t.entries) >= t.capacity && t.tail.prev != t.head {
		lru := t.tail.prev
		t.removeFromList(lru)
		delete(t.entries, lru.key)
		atomic.AddInt64(&t.evictions, 1)
	}
}

// Delete removes key and reports whether it was present.
func (t *Table) Delete(key string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	t.removeFromList(e)
	delete(t.entries, key)
	atomic.AddInt64(&t.deletes, 1)
	return true
}

// DeleteFunc removes every artifact for which match returns true and
// returns how many were removed.
func (t *Table) DeleteFunc(match func(*artifact.Artifact) bool) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	removed := 0
	for key, e := range t.entries {
		if !match(e.value) {
			continue
		}
		t.removeFromList(e)
		delete(t.entries, key)
		removed++
	}
	atomic.AddInt64(&t.deletes, int64(removed))
	return removed
}

// Clear drops every entry. Counters are kept.
func (t *Table) Clear() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.entries = make(map[string]*entry)
	t.head.next = t.tail
	t.tail.prev = t.head
}

// Len returns the number of cached artifacts.
func (t *Table) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.entries)
}

// Keys lists cached keys, most recently used first.
func (t *Table) Keys() []string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	keys := make([]string, 0, len(t.entries))
	for e := t.head.next; e != t.tail; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

// Stats returns the current counters.
func (t *Table) Stats() Stats {
	t.mutex.RLock()
	n := len(t.entries)
	t.mutex.RUnlock()

	s := Stats{
		Entries:   n,
		Capacity:  t.capacity,
		Hits:      atomic.LoadInt64(&t.hits),
		Misses:    atomic.LoadInt64(&t.misses),
		Sets:      atomic.LoadInt64(&t.sets),
		Deletes:   atomic.LoadInt64(&t.deletes),
		Evictions: atomic.LoadInt64(&t.evictions),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (t *Table) addToFront(e *entry) {
	e.prev = t.head
	e.next = t.head.next
	t.head.next.prev = e
	t.head.next = e
}

func (t *Table) removeFromList(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (t *Table) moveToFront(e *entry) {
	t.removeFromList(e)
	t.addToFront(e)
}
