// Package index implements the (id, type) -> IndexEntry map: a
// stand-alone store independent of any single partition file, so
// there is no on-disk sorted region to binary-search against. The
// default Store is an in-process, mutex-guarded structure over the
// same entries: a map by id+type, a map by id, and per-partition
// btrees (entries ordered by id+type, and ids alone for MinMaxRange).
// It keeps everything in memory; nothing is written to disk, so the
// entries do not survive a process restart.
package index

import (
	"errors"
	"sync"

	"github.com/google/btree"

	"github.com/yoxibaga/blobkeeper/merkle"
)

// ErrDuplicateEntry is returned by Add when (id, type) already exists.
// Idempotent on the replication path, fatal on the master path.
var ErrDuplicateEntry = errors.New("index: duplicate entry")

// ErrNotFound is returned by operations that require an existing entry.
var ErrNotFound = errors.New("index: entry not found")

// PartitionRef identifies a partition by disk and partition id.
type PartitionRef struct {
	Disk uint32
	ID   uint32
}

// Entry is the durable record backing one (id, type) blob variant.
type Entry struct {
	ID        uint64
	Type      int32
	Partition PartitionRef
	Offset    uint64
	Length    uint64
	CRC       uint64
	Metadata  map[string][]string
	Deleted   bool
	CreatedAt int64
}

func (e Entry) key() merkle.Elt { return merkle.Elt{ID: e.ID, Type: e.Type} }

// entryItem adapts Entry to btree.Item using the (id, type) ordering.
type entryItem struct{ e *Entry }

func (a entryItem) Less(b btree.Item) bool {
	return a.e.key().Less(b.(entryItem).e.key())
}

// Store is the (id, type) -> Entry map.
type Store interface {
	Add(e Entry) error
	GetByID(id uint64, typ int32) (Entry, bool)
	ListByID(id uint64) []Entry
	ListByPartition(p PartitionRef) []Entry
	LiveListByPartition(p PartitionRef) []Entry
	MinMaxRange(p PartitionRef) (min, max uint64, ok bool)
	SizeOfDeleted(p PartitionRef) uint64
	Delete(id uint64, typ int32) error
	Restore(e Entry) error
	// Clear removes every entry. Test-only.
	Clear()
}

type memStore struct {
	mu        sync.RWMutex
	byKey     map[merkle.Elt]*Entry
	byID      map[uint64][]*Entry
	byPart    map[PartitionRef]*btree.BTree
	idsByPart map[PartitionRef]*btree.BTree // ids only, for MinMaxRange
}

type idItem uint64

func (a idItem) Less(b btree.Item) bool { return a < b.(idItem) }

// NewMemStore returns an in-process Store.
func NewMemStore() Store {
	return &memStore{
		byKey:     make(map[merkle.Elt]*Entry),
		byID:      make(map[uint64][]*Entry),
		byPart:    make(map[PartitionRef]*btree.BTree),
		idsByPart: make(map[PartitionRef]*btree.BTree),
	}
}

func (s *memStore) Add(e Entry) error {
	if e.Length == 0 {
		return errors.New("index: length must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.key()
	if _, exists := s.byKey[key]; exists {
		return ErrDuplicateEntry
	}

	entry := e
	s.byKey[key] = &entry
	s.byID[e.ID] = append(s.byID[e.ID], &entry)

	part := s.byPart[e.Partition]
	if part == nil {
		part = btree.New(32)
		s.byPart[e.Partition] = part
	}
	part.ReplaceOrInsert(entryItem{&entry})

	ids := s.idsByPart[e.Partition]
	if ids == nil {
		ids = btree.New(32)
		s.idsByPart[e.Partition] = ids
	}
	ids.ReplaceOrInsert(idItem(e.ID))

	return nil
}

func (s *memStore) GetByID(id uint64, typ int32) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[merkle.Elt{ID: id, Type: typ}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *memStore) ListByID(id uint64) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.byID[id]
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

func (s *memStore) ListByPartition(p PartitionRef) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listByPartitionLocked(p, false)
}

func (s *memStore) LiveListByPartition(p PartitionRef) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listByPartitionLocked(p, true)
}

func (s *memStore) listByPartitionLocked(p PartitionRef, liveOnly bool) []Entry {
	part := s.byPart[p]
	if part == nil {
		return nil
	}
	var out []Entry
	part.Ascend(func(item btree.Item) bool {
		e := item.(entryItem).e
		if liveOnly && e.Deleted {
			return true
		}
		out = append(out, *e)
		return true
	})
	return out
}

func (s *memStore) MinMaxRange(p PartitionRef) (min, max uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.idsByPart[p]
	if ids == nil || ids.Len() == 0 {
		return 0, 0, false
	}
	min = uint64(ids.Min().(idItem))
	max = uint64(ids.Max().(idItem))
	return min, max, true
}

func (s *memStore) SizeOfDeleted(p PartitionRef) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part := s.byPart[p]
	if part == nil {
		return 0
	}
	var total uint64
	part.Ascend(func(item btree.Item) bool {
		e := item.(entryItem).e
		if e.Deleted {
			total += e.Length
		}
		return true
	})
	return total
}

func (s *memStore) Delete(id uint64, typ int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[merkle.Elt{ID: id, Type: typ}]
	if !ok {
		return ErrNotFound
	}
	e.Deleted = true // idempotent: setting true twice is a no-op
	return nil
}

func (s *memStore) Restore(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byKey[e.key()]
	if !ok {
		return ErrNotFound
	}
	oldPart := existing.Partition
	*existing = e
	existing.Deleted = false
	if oldPart != e.Partition {
		if part := s.byPart[oldPart]; part != nil {
			part.Delete(entryItem{existing})
		}
		if s.byPart[e.Partition] == nil {
			s.byPart[e.Partition] = btree.New(32)
		}
		s.byPart[e.Partition].ReplaceOrInsert(entryItem{existing})
		if s.idsByPart[e.Partition] == nil {
			s.idsByPart[e.Partition] = btree.New(32)
		}
		s.idsByPart[e.Partition].ReplaceOrInsert(idItem(e.ID))
	}
	return nil
}

func (s *memStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[merkle.Elt]*Entry)
	s.byID = make(map[uint64][]*Entry)
	s.byPart = make(map[PartitionRef]*btree.BTree)
	s.idsByPart = make(map[PartitionRef]*btree.BTree)
}
