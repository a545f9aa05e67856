package dtx

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// The instruments server compresses large payload sections three different
// ways: a raw LZ4 block, an LZ4 frame, or its own "bv4" segmented container
// of LZ4 blocks. Decoders try all of them in that order.

const (
	lz4FrameMagic uint32 = 0x184D2204

	bv4ChunkTag      uint32 = 0x62763431 // "bv41"
	bv4LiteralTag    uint32 = 0x6276342D // "bv4-"
	bv4TerminatorTag uint32 = 0x62763424 // "bv4$"

	bv4DictWindow = 64 * 1024
)

func decompressBlock(src []byte, uncompressedLen int) ([]byte, error) {
	if uncompressedLen <= 0 {
		return nil, errors.Errorf("invalid uncompressed length %d", uncompressedLen)
	}
	dst := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 block decompression failed")
	}
	return dst[:n], nil
}

func decompressBlockWithDict(src []byte, uncompressedLen int, dict []byte) ([]byte, error) {
	if len(dict) == 0 {
		return decompressBlock(src, uncompressedLen)
	}
	dst := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlockWithDict(src, dst, dict)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func decompressFrame(src []byte) ([]byte, error) {
	if len(src) < 4 || binary.LittleEndian.Uint32(src) != lz4FrameMagic {
		return nil, errors.New("not an LZ4 frame")
	}
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("empty LZ4 frame")
	}
	return out, nil
}

type bv4Chunk struct {
	compressed   bool
	uncompressed uint32
	data         []byte
}

// parseBV4 splits a bv4 container into its chunk sequence. The first chunk
// has no tag: [u32 uncompressed][u32 compressed][bytes]. Subsequent chunks
// are tagged big-endian "bv41" (compressed), "bv4-" (literal) or "bv4$"
// (terminator).
func parseBV4(data []byte) ([]bv4Chunk, error) {
	if len(data) < 8 {
		return nil, errors.New("bv4 container too short")
	}

	var chunks []bv4Chunk
	pos := 0

	u0 := binary.LittleEndian.Uint32(data[pos:])
	c0 := binary.LittleEndian.Uint32(data[pos+4:])
	pos += 8
	if c0 == 0 || pos+int(c0) > len(data) {
		return nil, errors.New("bv4 first chunk out of bounds")
	}
	chunks = append(chunks, bv4Chunk{compressed: true, uncompressed: u0, data: data[pos : pos+int(c0)]})
	pos += int(c0)

	for pos+4 <= len(data) {
		tag := binary.BigEndian.Uint32(data[pos:])
		switch tag {
		case bv4TerminatorTag:
			return chunks, nil
		case bv4ChunkTag:
			if pos+12 > len(data) {
				return nil, errors.New("bv4 chunk header truncated")
			}
			u := binary.LittleEndian.Uint32(data[pos+4:])
			c := binary.LittleEndian.Uint32(data[pos+8:])
			pos += 12
			if c == 0 || pos+int(c) > len(data) {
				return nil, errors.New("bv4 chunk out of bounds")
			}
			chunks = append(chunks, bv4Chunk{compressed: true, uncompressed: u, data: data[pos : pos+int(c)]})
			pos += int(c)
		case bv4LiteralTag:
			if pos+8 > len(data) {
				return nil, errors.New("bv4 literal header truncated")
			}
			u := binary.LittleEndian.Uint32(data[pos+4:])
			pos += 8
			if u == 0 || pos+int(u) > len(data) {
				return nil, errors.New("bv4 literal out of bounds")
			}
			chunks = append(chunks, bv4Chunk{compressed: false, uncompressed: u, data: data[pos : pos+int(u)]})
			pos += int(u)
		default:
			return chunks, nil
		}
	}
	return chunks, nil
}

// decodeBV4 decompresses a bv4 segmented container. Compressed chunks may
// reference up to 64 KiB of previously produced output as an LZ4
// dictionary; when the per-chunk path fails, all compressed bytes are
// aggregated and decompressed in one shot.
func decodeBV4(data []byte) ([]byte, error) {
	chunks, err := parseBV4(data)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.New("empty bv4 container")
	}

	if out, err := decodeBV4Chunks(chunks); err == nil {
		return out, nil
	}
	return decodeBV4Aggregate(chunks)
}

func decodeBV4Chunks(chunks []bv4Chunk) ([]byte, error) {
	var out []byte
	for _, ch := range chunks {
		if !ch.compressed {
			out = append(out, ch.data...)
			continue
		}
		dict := out
		if len(dict) > bv4DictWindow {
			dict = dict[len(dict)-bv4DictWindow:]
		}
		dec, err := decompressBlockWithDict(ch.data, int(ch.uncompressed), dict)
		if err != nil {
			if dec, err = decompressFrame(ch.data); err != nil {
				return nil, err
			}
		}
		out = append(out, dec...)
	}
	if len(out) == 0 {
		return nil, errors.New("bv4 produced no output")
	}
	return out, nil
}

func decodeBV4Aggregate(chunks []bv4Chunk) ([]byte, error) {
	var agg []byte
	var totalU int
	for _, ch := range chunks {
		if ch.compressed {
			agg = append(agg, ch.data...)
			totalU += int(ch.uncompressed)
		}
	}
	if len(agg) == 0 {
		return nil, errors.New("bv4 has no compressed chunks")
	}

	dec, err := decompressBlock(agg, totalU)
	if err != nil {
		if dec, err = decompressFrame(agg); err != nil {
			return nil, err
		}
	}

	// Re-interleave literal chunks at their original positions.
	var out []byte
	pos := 0
	for _, ch := range chunks {
		if !ch.compressed {
			out = append(out, ch.data...)
			continue
		}
		take := int(ch.uncompressed)
		if pos+take > len(dec) {
			take = len(dec) - pos
		}
		if take <= 0 {
			break
		}
		out = append(out, dec[pos:pos+take]...)
		pos += take
	}
	if len(out) == 0 {
		return nil, errors.New("bv4 aggregate decode produced no output")
	}
	return out, nil
}
