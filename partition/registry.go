// Registry tracks every partition on one disk and which one is active
// for new appends, rolling over to a fresh partition once the active
// one exceeds maxSize. A disk has a single writer at any time; the
// active partition is where every new append lands, while older
// partitions stay open read-only until compaction removes them.
package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/yoxibaga/blobkeeper/merkle"
)

// Registry manages the partitions that live under one disk directory.
type Registry struct {
	disk    uint32
	dir     string
	maxSize uint64

	mu         sync.RWMutex
	partitions map[uint32]*Partition
	activeID   uint32
}

// OpenRegistry opens every existing partition file under dir (named
// partition-NNNNNNNNNN.dat) and designates the highest-numbered,
// unsealed one as active, creating a fresh partition 0 if dir is
// empty. Returns the ids whose header dirty bit was set, for the
// caller to schedule a repair/rehash pass over.
func OpenRegistry(disk uint32, dir string, maxSize uint64) (*Registry, []uint32, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("partition: mkdir %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	r := &Registry{disk: disk, dir: dir, maxSize: maxSize, partitions: make(map[uint32]*Partition)}

	var ids []uint32
	for _, e := range entries {
		var id uint32
		if _, err := fmt.Sscanf(e.Name(), "partition-%010d.dat", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var dirty []uint32
	for _, id := range ids {
		p, wasDirty, err := Open(disk, id, filepath.Join(dir, FileName(id)))
		if err != nil {
			return nil, nil, err
		}
		if p.Size() >= headerSize+1 && uint64(p.Size()) >= maxSize {
			p.Seal()
		}
		r.partitions[id] = p
		r.activeID = id
		if wasDirty {
			dirty = append(dirty, id)
		}
	}

	if len(ids) == 0 {
		p, _, err := Open(disk, 0, filepath.Join(dir, FileName(0)))
		if err != nil {
			return nil, nil, err
		}
		r.partitions[0] = p
		r.activeID = 0
	} else if r.partitions[r.activeID].Sealed() {
		if err := r.rollLocked(); err != nil {
			return nil, nil, err
		}
	}

	return r, dirty, nil
}

// Active returns the current writable partition.
func (r *Registry) Active() *Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.partitions[r.activeID]
}

// Get returns the partition with the given id, if open.
func (r *Registry) Get(id uint32) (*Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partitions[id]
	return p, ok
}

// All returns every open partition, in id order.
func (r *Registry) All() []*Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint32, 0, len(r.partitions))
	for id := range r.partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Partition, len(ids))
	for i, id := range ids {
		out[i] = r.partitions[id]
	}
	return out
}

// Append writes to the active partition, rolling over first if it
// would exceed maxSize. The returned Block carries the checksum
// computed over payload, for the caller to store alongside the index
// entry so repair's Merkle tree can detect a payload that diverges
// while keeping the same (id, type, length, offset).
func (r *Registry) Append(id uint64, typ int32, payload []byte) (block merkle.Block, disk, partID uint32, offset uint64, err error) {
	r.mu.Lock()
	active := r.partitions[r.activeID]
	if active.Size()+blockHeaderSize+uint64(len(payload)) > r.maxSize {
		if err := r.rollLocked(); err != nil {
			r.mu.Unlock()
			return merkle.Block{}, 0, 0, 0, err
		}
		active = r.partitions[r.activeID]
	}
	partID = r.activeID
	r.mu.Unlock()

	block, off, err := active.Append(id, typ, payload)
	return block, r.disk, partID, off, err
}

// Dir returns the directory this disk's partition files live under.
func (r *Registry) Dir() string { return r.dir }

// rollLocked seals the current active partition and opens the next
// one. Caller must hold r.mu.
func (r *Registry) rollLocked() error {
	if p, ok := r.partitions[r.activeID]; ok {
		p.Seal()
	}
	nextID := r.activeID + 1
	if _, exists := r.partitions[nextID]; !exists {
		p, _, err := Open(r.disk, nextID, filepath.Join(r.dir, FileName(nextID)))
		if err != nil {
			return err
		}
		r.partitions[nextID] = p
	}
	r.activeID = nextID
	return nil
}

// Remove closes and deletes the partition file for id, untracking it.
// Used by compaction once every live entry has been relocated
// elsewhere and the source file is fully dead.
func (r *Registry) Remove(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partitions[id]
	if !ok {
		return fmt.Errorf("partition: no partition %d to remove", id)
	}
	if id == r.activeID {
		return fmt.Errorf("partition: refusing to remove active partition %d", id)
	}
	path := p.Path()
	if err := p.Close(); err != nil {
		return err
	}
	delete(r.partitions, id)
	return os.Remove(path)
}

// Close closes every open partition.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, p := range r.partitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
