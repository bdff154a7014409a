// In-memory bloom filter over the blob ids held by one partition.
//
// Sized for ~10k entries at 1% false positive rate. Built when a
// partition is opened (by replaying its records once), maintained as
// blobs are appended, discarded on Close. Used to short-circuit "does
// this id live here" checks before touching the index store.
package partition

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Bloom filter sizing constants.
const (
	BloomSize = 11982 // bytes, ~96k bits for 10k entries at 1% FP
	BloomK    = 7     // number of hash functions
)

type bloom struct {
	bits []byte
}

// newBloom returns a zeroed bloom filter.
func newBloom() *bloom {
	return &bloom{bits: make([]byte, BloomSize)}
}

// Add inserts a blob id into the filter.
func (b *bloom) Add(id uint64) {
	for _, pos := range positions(id) {
		b.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Contains returns true if the id might be present, false if definitely absent.
func (b *bloom) Contains(id uint64) bool {
	for _, pos := range positions(id) {
		if b.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears all bits.
func (b *bloom) Reset() {
	clear(b.bits)
}

// positions returns BloomK bit positions using double hashing: two
// independent xxh3 digests (of the id bytes, and of the id bytes with
// a seed byte appended) combined the way Kirsch-Mitzenmacher double
// hashing derives k positions from two base hashes.
func positions(id uint64) [BloomK]uint {
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], id)

	a := xxh3.Hash(buf[:8])
	buf[8] = 0xa5
	b := uint(xxh3.Hash(buf[:]))

	nbits := uint(BloomSize * 8)
	var pos [BloomK]uint
	for i := range BloomK {
		pos[i] = (uint(a) + uint(i)*b) % nbits
	}
	return pos
}
