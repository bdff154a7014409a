// Wire compression for Merkle tree payloads.
//
// A tree's JSON encoding is dominated by its leaf array — at MaxLevel
// 15 that's 32768 * 16 bytes of mostly-similar hash bytes, which
// compresses well. A shared package-level zstd encoder/decoder runs at
// SpeedFastest since this runs on every repair cycle; it compresses
// tree/diff metadata only, never blob payload bytes.
package merkle

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var (
	wireEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	wireDecoder, _ = zstd.NewReader(nil)
)

// MarshalCompressed encodes and zstd-compresses a tree for RPC transport.
func (t *Tree) MarshalCompressed() ([]byte, error) {
	data, err := t.Marshal()
	if err != nil {
		return nil, err
	}
	return wireEncoder.EncodeAll(data, nil), nil
}

// UnmarshalCompressed reverses MarshalCompressed.
func UnmarshalCompressed(compressed []byte) (*Tree, error) {
	data, err := wireDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("merkle: decompress: %w", err)
	}
	return Unmarshal(data)
}
