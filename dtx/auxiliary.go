package dtx

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/blacktop/go-dtx/nskeyedarchiver"
)

// Auxiliary entries are a tagged union: a 4-byte "empty dictionary key"
// marker, a 4-byte type tag, then a tag-specific body. Scalars carry their
// value inline; everything else is an embedded keyed archive.
const (
	auxEmptyKey uint32 = 0x0A

	auxTypeString  uint32 = 0x01 // u32 length + UTF-8 (read-only; emitted as archive)
	auxTypeArchive uint32 = 0x02 // u32 length + keyed-archive bytes
	auxTypeUInt32  uint32 = 0x03
	auxTypeUInt64  uint32 = 0x06
	auxTypeNull    uint32 = 0x0A
)

// auxiliaryHeader is the 16-byte sub-header preceding the entry bytes in
// the payload section.
const (
	auxiliaryMagic        uint64 = 0x01F0
	auxiliaryHeaderLength        = 16
)

// EncodeAuxiliary serializes an argument list to entry bytes (sub-header
// excluded). Encoding cannot fail: values no tag can carry degenerate to an
// embedded keyed archive, and an unarchivable value degenerates to null.
func EncodeAuxiliary(items []nskeyedarchiver.Object) []byte {
	var out []byte
	for _, item := range items {
		out = append(out, encodeAuxEntry(item)...)
	}
	return out
}

func encodeAuxEntry(item nskeyedarchiver.Object) []byte {
	var entry [16]byte
	binary.LittleEndian.PutUint32(entry[0:], auxEmptyKey)

	switch item.Type() {
	case nskeyedarchiver.TypeNull:
		binary.LittleEndian.PutUint32(entry[4:], auxTypeNull)
		return entry[:8]
	case nskeyedarchiver.TypeInt32:
		binary.LittleEndian.PutUint32(entry[4:], auxTypeUInt32)
		binary.LittleEndian.PutUint32(entry[8:], uint32(item.Int64()))
		return entry[:12]
	case nskeyedarchiver.TypeInt64:
		binary.LittleEndian.PutUint32(entry[4:], auxTypeUInt64)
		binary.LittleEndian.PutUint64(entry[8:], uint64(item.Int64()))
		return entry[:16]
	case nskeyedarchiver.TypeUInt64:
		binary.LittleEndian.PutUint32(entry[4:], auxTypeUInt64)
		binary.LittleEndian.PutUint64(entry[8:], item.UInt64())
		return entry[:16]
	}

	archived, err := nskeyedarchiver.Archive(item)
	if err != nil {
		log.WithError(err).Warn("dtx: failed to archive auxiliary value, sending null")
		binary.LittleEndian.PutUint32(entry[4:], auxTypeNull)
		return entry[:8]
	}
	binary.LittleEndian.PutUint32(entry[4:], auxTypeArchive)
	binary.LittleEndian.PutUint32(entry[8:], uint32(len(archived)))
	return append(entry[:12], archived...)
}

// DecodeAuxiliary parses entry bytes back into an argument list. A
// truncated or unrecognized entry stops the parse; whatever decoded before
// it is returned.
func DecodeAuxiliary(data []byte) []nskeyedarchiver.Object {
	var items []nskeyedarchiver.Object
	off := 0
	for off+8 <= len(data) {
		marker := binary.LittleEndian.Uint32(data[off:])
		tag := binary.LittleEndian.Uint32(data[off+4:])
		off += 8

		if marker != auxEmptyKey {
			log.Debugf("dtx: unexpected auxiliary entry marker 0x%x at offset %d", marker, off-8)
			break
		}

		switch tag {
		case auxTypeNull:
			items = append(items, nskeyedarchiver.Null())
		case auxTypeUInt32:
			if off+4 > len(data) {
				return items
			}
			items = append(items, nskeyedarchiver.NewInt32(int32(binary.LittleEndian.Uint32(data[off:]))))
			off += 4
		case auxTypeUInt64:
			if off+8 > len(data) {
				return items
			}
			items = append(items, nskeyedarchiver.NewUInt64(binary.LittleEndian.Uint64(data[off:])))
			off += 8
		case auxTypeString, auxTypeArchive:
			if off+4 > len(data) {
				return items
			}
			length := int(binary.LittleEndian.Uint32(data[off:]))
			off += 4
			if off+length > len(data) {
				return items
			}
			body := data[off : off+length]
			off += length
			if tag == auxTypeString {
				items = append(items, nskeyedarchiver.NewString(string(body)))
				continue
			}
			obj, err := nskeyedarchiver.Unarchive(body)
			if err != nil {
				log.WithError(err).Debug("dtx: failed to unarchive auxiliary entry")
				return items
			}
			items = append(items, obj)
		default:
			log.Debugf("dtx: unknown auxiliary type tag 0x%x", tag)
			return items
		}
	}
	return items
}

// auxiliarySection wraps entry bytes with the 16-byte sub-header.
func auxiliarySection(entries []byte) []byte {
	out := make([]byte, auxiliaryHeaderLength, auxiliaryHeaderLength+len(entries))
	binary.LittleEndian.PutUint64(out[0:], auxiliaryMagic)
	binary.LittleEndian.PutUint64(out[8:], uint64(len(entries)))
	return append(out, entries...)
}
