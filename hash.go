// Digest algorithm selection for segment integrity checksums. Three
// algorithms are supported, selectable via Config.HashAlgorithm, the
// same three-way switch folio uses for its document-id hash (there:
// label -> 16 hex chars; here: arbitrary bytes -> 64-bit digest).
package silo

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Digest algorithm constants.
const (
	AlgXXHash3 = 1 // Default, fastest; also used for tracker stripe selection.
	AlgFNV1a   = 2 // No external dependencies.
	AlgBlake2b = 3 // Best distribution, used for integrity-sensitive checksums.
)

// digest64 returns a 64-bit digest of data using the given algorithm.
// Unknown algorithms fall back to xxh3.
func digest64(data []byte, alg int) uint64 {
	switch alg {
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write(data)
		return h.Sum64()
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write(data)
		sum := h.Sum(nil)
		var v uint64
		for _, b := range sum {
			v = v<<8 | uint64(b)
		}
		return v
	case AlgXXHash3:
		fallthrough
	default:
		return xxh3.Hash(data)
	}
}

// stripeOf returns the tracker lock-stripe index for a segment id.
// Always xxh3, independent of Config.HashAlgorithm: stripe selection
// is an internal implementation detail, not a durable on-disk format
// choice, so it doesn't need to be configurable.
func stripeOf(msb, lsb uint64) uint32 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], msb)
	binary.BigEndian.PutUint64(buf[8:16], lsb)
	return uint32(xxh3.Hash(buf[:]) % trackerStripes)
}
