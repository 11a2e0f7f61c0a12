// Compression for opaque BULK segment payload.
//
// A BULK segment holds nothing but binary blob bytes (spec.md §3), so
// unlike a DATA segment's tagged records there is no structure the
// reader needs to see before deciding whether to decompress. There is
// no option and no per-entry flag: Store.CreateBlob always
// zstd-compresses a blob before writing it into its BULK segment, and
// Store.ReadBlob always decompresses what it reads back.
package silo

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder — both are documented as safe for concurrent
// use. Allocated once at init because zstd encoder/decoder
// construction is expensive (internal state tables, dictionaries).
// Creating one per call would dominate the cost of compressing small
// blobs.
//
// SpeedFastest is deliberate: compression runs on every blob write
// (hot path, once per CreateBlob call) while
// decompression runs only when a BULK segment is actually read back
// (cold path, served from cache most of the time). This asymmetry
// favours encode speed over compression ratio. Do not "improve" this
// to SpeedDefault without benchmarking write throughput — the ratio
// gain is marginal for typical blob sizes but the latency cost is not.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compressBulk(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
}

func decompressBulk(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrDecompress, err)
	}
	return out, nil
}
