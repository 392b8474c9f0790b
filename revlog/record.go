package revlog

import (
	"encoding/binary"

	"github.com/rcowham/vcscore/nodeid"
)

// recordSize is the fixed width of one index record (spec.md §6):
// u48 offset, u16 flags, u32 compressed-length, u32 uncompressed-length,
// i32 base-rev, i32 link-rev, i32 p1-rev, i32 p2-rev, 32-byte node.
const recordSize = 6 + 2 + 4 + 4 + 4 + 4 + 4 + 4 + 32

// nullRev is the sentinel for "no such revision" (parent of a root entry).
const nullRev = -1

// Flag bits stored in a record's 16-bit flag field.
type Flag uint16

const (
	FlagCensored Flag = 1 << 0
	FlagExtMeta  Flag = 1 << 1
	FlagBinary   Flag = 1 << 2
)

// indexRecord is the decoded form of one 64-byte index entry.
type indexRecord struct {
	offset   uint64 // 48 significant bits
	flags    Flag
	compLen  uint32
	rawLen   uint32
	baseRev  int32
	linkRev  int32
	p1Rev    int32
	p2Rev    int32
	node     nodeid.Node
}

// formatVersion names the index layout this package writes. It is not
// stored on disk: the first record's offset field holds that record's
// data offset like every other record, and Open checks no version.
const formatVersion uint64 = 1 // general-delta v1, the only mode specified here

func encodeRecord(r indexRecord) []byte {
	buf := make([]byte, recordSize)
	put48(buf[0:6], r.offset)
	binary.BigEndian.PutUint16(buf[6:8], uint16(r.flags))
	binary.BigEndian.PutUint32(buf[8:12], r.compLen)
	binary.BigEndian.PutUint32(buf[12:16], r.rawLen)
	binary.BigEndian.PutUint32(buf[16:20], uint32(r.baseRev))
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.linkRev))
	binary.BigEndian.PutUint32(buf[24:28], uint32(r.p1Rev))
	binary.BigEndian.PutUint32(buf[28:32], uint32(r.p2Rev))
	copy(buf[32:64], r.node[:])
	return buf
}

func decodeRecord(buf []byte) indexRecord {
	var r indexRecord
	r.offset = get48(buf[0:6])
	r.flags = Flag(binary.BigEndian.Uint16(buf[6:8]))
	r.compLen = binary.BigEndian.Uint32(buf[8:12])
	r.rawLen = binary.BigEndian.Uint32(buf[12:16])
	r.baseRev = int32(binary.BigEndian.Uint32(buf[16:20]))
	r.linkRev = int32(binary.BigEndian.Uint32(buf[20:24]))
	r.p1Rev = int32(binary.BigEndian.Uint32(buf[24:28]))
	r.p2Rev = int32(binary.BigEndian.Uint32(buf[28:32]))
	// the on-disk node field is 32 bytes; only the first 20 are
	// significant (spec.md §6), the rest is zero padding.
	copy(r.node[:], buf[32:32+nodeid.Size])
	return r
}

func put48(buf []byte, v uint64) {
	buf[0] = byte(v >> 40)
	buf[1] = byte(v >> 32)
	buf[2] = byte(v >> 24)
	buf[3] = byte(v >> 16)
	buf[4] = byte(v >> 8)
	buf[5] = byte(v)
}

func get48(buf []byte) uint64 {
	return uint64(buf[0])<<40 | uint64(buf[1])<<32 | uint64(buf[2])<<24 |
		uint64(buf[3])<<16 | uint64(buf[4])<<8 | uint64(buf[5])
}
