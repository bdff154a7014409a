// Record encoding: each appended blob is its merkle.Block descriptor
// (the same 28-byte id/type/crc/length header the Merkle tree hashes)
// immediately followed by the raw payload. Reusing Block's canonical
// encoding means a partition's on-disk record header and the bytes a
// repair cycle hashes into a tree leaf are bit-identical — there is no
// separate index-record format to keep in sync with the data format.
package partition

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/yoxibaga/blobkeeper/merkle"
)

const blockHeaderSize = 28

// encodeRecord returns the on-disk bytes for one record: block header
// followed by payload.
func encodeRecord(b merkle.Block, payload []byte) []byte {
	enc := b.Encode()
	out := make([]byte, 0, blockHeaderSize+len(payload))
	out = append(out, enc[:]...)
	out = append(out, payload...)
	return out
}

// crc32Of returns the checksum stored in a record's Block header.
func crc32Of(payload []byte) uint64 {
	return uint64(crc32.ChecksumIEEE(payload))
}

func decodeBlockHeader(buf [blockHeaderSize]byte) merkle.Block {
	var b merkle.Block
	b.ID = beUint64(buf[0:8])
	b.Type = int32(beUint32(buf[8:12]))
	b.CRC = beUint64(buf[12:20])
	b.Length = beUint64(buf[20:28])
	return b
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func beUint32(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// readRecordAt reads one record's header and payload starting at offset.
func readRecordAt(f *os.File, offset uint64) (merkle.Block, []byte, error) {
	var hbuf [blockHeaderSize]byte
	if _, err := f.ReadAt(hbuf[:], int64(offset)); err != nil {
		return merkle.Block{}, nil, fmt.Errorf("%w: header: %v", ErrCorruptRecord, err)
	}
	b := decodeBlockHeader(hbuf)
	payload := make([]byte, b.Length)
	if _, err := f.ReadAt(payload, int64(offset)+blockHeaderSize); err != nil {
		return merkle.Block{}, nil, fmt.Errorf("%w: payload: %v", ErrCorruptRecord, err)
	}
	if crc32Of(payload) != b.CRC {
		return merkle.Block{}, nil, ErrCRCMismatch
	}
	return b, payload, nil
}

// scanRecords replays every record in f starting at headerSize,
// calling fn with each record's offset and Block. Stops at EOF or the
// first malformed record, returning the offset immediately past the
// last valid record (the safe append point after a crash).
func scanRecords(f *os.File, fn func(offset uint64, b merkle.Block)) (uint64, error) {
	offset := uint64(headerSize)
	for {
		var hbuf [blockHeaderSize]byte
		_, err := f.ReadAt(hbuf[:], int64(offset))
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return offset, nil
		}
		if err != nil {
			return offset, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		b := decodeBlockHeader(hbuf)
		payload := make([]byte, b.Length)
		if _, err := f.ReadAt(payload, int64(offset)+blockHeaderSize); err != nil {
			// Truncated trailing record: the writer died before the
			// payload landed. Treat everything before it as valid.
			return offset, nil
		}
		if crc32Of(payload) != b.CRC {
			return offset, nil
		}
		fn(offset, b)
		offset += blockHeaderSize + b.Length
	}
}
