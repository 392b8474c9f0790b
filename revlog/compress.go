package revlog

import (
	"bytes"
	"compress/zlib"
	"io"
)

// Compression algorithm tags, stored as the first byte of a chunk
// (spec.md §4.1): zlib, "no compression", or an extension byte.
const (
	compNone byte = 'u' // uncompressed ("no compression")
	compZlib byte = 'z' // zlib
)

// compressChunk compresses raw with zlib, falling back to storing it
// verbatim (tagged compNone) when compression does not shrink it, per
// spec.md §4.1.
func compressChunk(raw []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write(raw)
	_ = w.Close()
	if buf.Len()+1 >= len(raw)+1 {
		out := make([]byte, 1+len(raw))
		out[0] = compNone
		copy(out[1:], raw)
		return out
	}
	out := make([]byte, 1+buf.Len())
	out[0] = compZlib
	copy(out[1:], buf.Bytes())
	return out
}

func decompressChunk(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	tag, body := data[0], data[1:]
	switch tag {
	case compNone:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case compZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, errUnknownCompression(tag)
	}
}

type errUnknownCompression byte

func (e errUnknownCompression) Error() string {
	return "revlog: unknown compression tag"
}
