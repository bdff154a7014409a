// Partition is a single per-disk append-only file: a fixed header
// followed by a sequence of records. Exactly one partition per disk
// is active (open for appends) at a time; the rest are sealed and
// read-only until compaction removes them.
//
// The state machine uses a sync.Cond paired with an atomic state
// value to block readers and writers between Block and Unblock,
// rather than serializing every operation behind one lock for the
// partition's entire lifetime.
package partition

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/yoxibaga/blobkeeper/merkle"
)

// State values for Partition.state.
const (
	StateOpen    int32 = iota // normal reads and writes
	StateBlocked              // repair/compaction in progress; callers wait
	StateClosed               // file handles released, no further use
)

// Partition is one append-only partition file plus its bookkeeping.
type Partition struct {
	Disk uint32
	ID   uint32
	path string

	f    *os.File
	lock fileLock

	mu     sync.Mutex
	cond   *sync.Cond
	state  atomic.Int32
	size   uint64 // offset just past the last valid record
	sealed bool
	filter *bloom
}

// Open opens or creates the partition file at path for (disk, id). If
// the file already exists and its header's dirty bit is set, the
// caller died mid-write last time; Open still succeeds (readers must
// still see the valid prefix) but returns dirty=true so a repair task
// can schedule a rehash.
func Open(disk, id uint32, path string) (p *Partition, dirty bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("partition: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, err
	}

	p = &Partition{Disk: disk, ID: id, path: path, f: f, filter: newBloom()}
	p.cond = sync.NewCond(&p.mu)
	p.lock.setFile(f)

	if info.Size() == 0 {
		if err := writeHeader(f, header{Disk: disk, ID: id}); err != nil {
			f.Close()
			return nil, false, err
		}
		p.size = headerSize
		return p, false, nil
	}

	h, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	if h.Disk != disk || h.ID != id {
		f.Close()
		return nil, false, fmt.Errorf("%w: header (disk=%d,id=%d) != requested (disk=%d,id=%d)",
			ErrCorruptHeader, h.Disk, h.ID, disk, id)
	}

	next, err := scanRecords(f, func(offset uint64, b merkle.Block) {
		p.filter.Add(b.ID)
	})
	if err != nil {
		f.Close()
		return nil, false, err
	}
	p.size = next
	return p, h.Dirty, nil
}

// Path returns the partition's file path.
func (p *Partition) Path() string { return p.path }

// Size returns the offset just past the last valid record.
func (p *Partition) Size() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Sealed reports whether the partition has been rolled over.
func (p *Partition) Sealed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sealed
}

// Seal marks the partition closed to new appends. Already-open readers
// are unaffected.
func (p *Partition) Seal() {
	p.mu.Lock()
	p.sealed = true
	p.mu.Unlock()
}

// Block pauses readers and writers until Unblock is called.
func (p *Partition) Block() {
	p.state.Store(StateBlocked)
}

// Unblock resumes normal operation and wakes any waiters.
func (p *Partition) Unblock() {
	p.mu.Lock()
	p.state.Store(StateOpen)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Partition) waitUntilOpen() error {
	for {
		switch p.state.Load() {
		case StateClosed:
			return ErrClosed
		case StateOpen:
			return nil
		default:
			p.mu.Lock()
			if p.state.Load() == StateBlocked {
				p.cond.Wait()
			}
			p.mu.Unlock()
		}
	}
}

// Append writes one record and returns its Block descriptor and
// offset. The caller supplies id and type; CRC and length are
// computed here. Fails with ErrSealed once Seal has been called.
func (p *Partition) Append(id uint64, typ int32, payload []byte) (merkle.Block, uint64, error) {
	if len(payload) == 0 {
		return merkle.Block{}, 0, ErrEmptyPayload
	}
	if err := p.waitUntilOpen(); err != nil {
		return merkle.Block{}, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return merkle.Block{}, 0, ErrSealed
	}

	block := merkle.Block{ID: id, Type: typ, CRC: crc32Of(payload), Length: uint64(len(payload))}
	offset := p.size
	record := encodeRecord(block, payload)

	if err := setDirty(p.f, true); err != nil {
		return merkle.Block{}, 0, err
	}
	if err := p.lock.Lock(LockExclusive); err != nil {
		return merkle.Block{}, 0, err
	}
	defer p.lock.Unlock()

	if _, err := p.f.WriteAt(record, int64(offset)); err != nil {
		return merkle.Block{}, 0, fmt.Errorf("partition: append: %w", err)
	}
	if err := p.f.Sync(); err != nil {
		return merkle.Block{}, 0, fmt.Errorf("partition: sync: %w", err)
	}
	if err := setDirty(p.f, false); err != nil {
		return merkle.Block{}, 0, err
	}

	p.size = offset + uint64(len(record))
	p.filter.Add(id)
	return block, offset, nil
}

// ReadAt returns the payload bytes for the record starting at offset.
// MightContain can be checked first to skip partitions that definitely
// don't hold id.
func (p *Partition) ReadAt(offset uint64) (merkle.Block, []byte, error) {
	if err := p.waitUntilOpen(); err != nil {
		return merkle.Block{}, nil, err
	}
	return readRecordAt(p.f, offset)
}

// MightContain reports whether id could be present in this partition.
// A false result is definitive; a true result requires confirmation
// against the index.
func (p *Partition) MightContain(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter.Contains(id)
}

// Entries replays the partition and returns a merkle.Entries view
// keyed by offset, ready for Merkle tree construction.
func (p *Partition) Entries() (*merkle.Entries, error) {
	if err := p.waitUntilOpen(); err != nil {
		return nil, err
	}
	entries := merkle.NewEntries()
	_, err := scanRecords(p.f, func(offset uint64, b merkle.Block) {
		entries.Add(offset, b)
	})
	return entries, err
}

// Close releases the file handle. Safe to call once; subsequent calls
// are no-ops.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Load() == StateClosed {
		return nil
	}
	p.state.Store(StateClosed)
	p.cond.Broadcast()
	p.lock.setFile(nil)
	return p.f.Close()
}

// FileName is the canonical on-disk name for a (disk, id) partition.
func FileName(id uint32) string {
	return fmt.Sprintf("partition-%010d.dat", id)
}
