package revlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// A delta rewrites a base payload into a target payload as an ordered
// list of "replace base[start:end] with data" operations, the same
// start/end/replacement shape as the teacher's fixed-record style
// (explicit struct fields, no generic diff library in the corpus).
//
// Encoding: repeated (u32 start, u32 end, u32 len, len bytes of data),
// terminated implicitly by running off the end of the chunk.
type deltaOp struct {
	start, end uint32
	data       []byte
}

func encodeDelta(ops []deltaOp) []byte {
	var buf bytes.Buffer
	var hdr [12]byte
	for _, op := range ops {
		binary.BigEndian.PutUint32(hdr[0:4], op.start)
		binary.BigEndian.PutUint32(hdr[4:8], op.end)
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(op.data)))
		buf.Write(hdr[:])
		buf.Write(op.data)
	}
	return buf.Bytes()
}

func decodeDelta(b []byte) ([]deltaOp, error) {
	var ops []deltaOp
	for len(b) > 0 {
		if len(b) < 12 {
			return nil, fmt.Errorf("revlog: truncated delta header")
		}
		start := binary.BigEndian.Uint32(b[0:4])
		end := binary.BigEndian.Uint32(b[4:8])
		n := binary.BigEndian.Uint32(b[8:12])
		b = b[12:]
		if uint64(n) > uint64(len(b)) {
			return nil, fmt.Errorf("revlog: truncated delta body")
		}
		ops = append(ops, deltaOp{start: start, end: end, data: append([]byte(nil), b[:n]...)})
		b = b[n:]
	}
	return ops, nil
}

// applyDelta applies ops to base, producing the target payload.
func applyDelta(base []byte, ops []deltaOp) ([]byte, error) {
	var out bytes.Buffer
	pos := uint32(0)
	for _, op := range ops {
		if op.start < pos || op.end < op.start || int(op.end) > len(base) {
			return nil, fmt.Errorf("revlog: malformed delta op %+v over base of length %d", op, len(base))
		}
		out.Write(base[pos:op.start])
		out.Write(op.data)
		pos = op.end
	}
	out.Write(base[pos:])
	return out.Bytes(), nil
}

// computeDelta builds a minimal delta turning base into target. It finds
// the longest common prefix and the longest common suffix (not
// overlapping the prefix) and emits a single replace operation for the
// differing middle span — a simple, fast diff in the teacher's
// no-external-diff-library idiom, sufficient for the compressed-size
// comparison the delta-selection algorithm performs (spec.md §4.1);
// it is not a general minimal-edit-distance diff.
func computeDelta(base, target []byte) []deltaOp {
	prefix := commonPrefixLen(base, target)
	maxSuffix := len(base) - prefix
	if s := len(target) - prefix; s < maxSuffix {
		maxSuffix = s
	}
	suffix := commonSuffixLen(base[prefix:], target[prefix:], maxSuffix)

	start := uint32(prefix)
	end := uint32(len(base) - suffix)
	data := target[prefix : len(target)-suffix]
	if start == end && len(data) == 0 {
		return nil
	}
	return []deltaOp{{start: start, end: end, data: append([]byte(nil), data...)}}
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffixLen(a, b []byte, max int) int {
	i := 0
	for i < max && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}
