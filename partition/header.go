// Fixed-size file header for partition files: a small binary preamble
// carrying a crash-dirty bit. The bit is set before any write touches
// the file and cleared only after the write (and its fsync)
// completes, so a partition opened with the bit still set is proof a
// previous process died mid-append.
package partition

import (
	"encoding/binary"
	"fmt"
	"os"
)

const (
	headerMagic   = 0x424c4b50 // "BLKP"
	headerVersion = 1
	headerSize    = 17 // magic(4) + version(2) + disk(4) + id(4) + dirty(1) + reserved(2)
)

type header struct {
	Disk  uint32
	ID    uint32
	Dirty bool
}

func encodeHeader(h header) [headerSize]byte {
	var buf [headerSize]byte
	binary.BigEndian.PutUint32(buf[0:4], headerMagic)
	binary.BigEndian.PutUint16(buf[4:6], headerVersion)
	binary.BigEndian.PutUint32(buf[6:10], h.Disk)
	binary.BigEndian.PutUint32(buf[10:14], h.ID)
	if h.Dirty {
		buf[14] = 1
	}
	return buf
}

func decodeHeader(buf [headerSize]byte) (header, error) {
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != headerMagic {
		return header{}, ErrCorruptHeader
	}
	version := binary.BigEndian.Uint16(buf[4:6])
	if version != headerVersion {
		return header{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptHeader, version)
	}
	return header{
		Disk:  binary.BigEndian.Uint32(buf[6:10]),
		ID:    binary.BigEndian.Uint32(buf[10:14]),
		Dirty: buf[14] != 0,
	}, nil
}

func writeHeader(f *os.File, h header) error {
	buf := encodeHeader(h)
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("partition: write header: %w", err)
	}
	return f.Sync()
}

func readHeader(f *os.File) (header, error) {
	var buf [headerSize]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return header{}, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	return decodeHeader(buf)
}

func setDirty(f *os.File, dirty bool) error {
	var b [1]byte
	if dirty {
		b[0] = 1
	}
	if _, err := f.WriteAt(b[:], 14); err != nil {
		return err
	}
	return f.Sync()
}
