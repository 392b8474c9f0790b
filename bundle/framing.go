// Package bundle implements the bundle v2 container format of spec.md
// §4.10/§6: a framed stream of self-describing parts (changegroup,
// obsmarkers, phase-heads, bookmarks, pushkey, check:heads, error,
// reply:*), each carrying a small parameter map and a sequence of
// length-prefixed chunks. Unknown parts marked mandatory abort the
// read; advisory ones are skipped, giving forward compatibility.
//
// Grounded on the teacher's GitParse command loop
// (`f.ReadCmd()`/`switch cmd.(type)` over libfastimport's typed command
// stream) generalized from git-fast-import's command grammar to bundle
// v2's typed, length-prefixed part/chunk grammar.
package bundle

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/rcowham/vcscore/apperr"
)

// Magic is the fixed 4-byte bundle identifier spec.md §6 mandates.
var Magic = [4]byte{'H', 'G', '2', '0'}

// Part is one self-describing section of a bundle stream.
type Part struct {
	Name      string
	ID        uint32
	Mandatory map[string]string
	Advisory  map[string]string
	Chunks    [][]byte
}

// Writer serializes a bundle v2 stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w as a bundle writer. WriteHeader must be called
// before any WritePart call, per spec.md §6's fixed framing order.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteHeader writes the magic bytes and the top-level bundle
// parameters (arbitrary key=value metadata about the whole stream,
// e.g. the source repository's required capabilities).
func (w *Writer) WriteHeader(params map[string]string) error {
	if _, err := w.w.Write(Magic[:]); err != nil {
		return err
	}
	encoded := encodeParamBlob(params)
	if err := writeU32(w.w, uint32(len(encoded))); err != nil {
		return err
	}
	_, err := w.w.Write(encoded)
	return err
}

// WritePart writes one part: a header-length prefix (spec.md §6; lets
// the reader take the whole header block off the stream before
// parsing it) followed by the header itself (name, id, parameter
// counts and entries), then its chunks, each length-prefixed, ending
// in a zero-length terminator chunk.
func (w *Writer) WritePart(p Part) error {
	nameBytes := []byte(p.Name)
	if len(nameBytes) > 255 {
		return apperr.NewInputError("bundle: part name %q exceeds 255 bytes", p.Name)
	}

	var header bytes.Buffer
	header.WriteByte(byte(len(nameBytes)))
	header.Write(nameBytes)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], p.ID)
	header.Write(idBuf[:])
	if err := writeParamSet(&header, p.Mandatory); err != nil {
		return err
	}
	if err := writeParamSet(&header, p.Advisory); err != nil {
		return err
	}

	if err := writeU32(w.w, uint32(header.Len())); err != nil {
		return err
	}
	if _, err := w.w.Write(header.Bytes()); err != nil {
		return err
	}
	for _, chunk := range p.Chunks {
		if err := writeU32(w.w, uint32(len(chunk))); err != nil {
			return err
		}
		if _, err := w.w.Write(chunk); err != nil {
			return err
		}
	}
	return writeU32(w.w, 0)
}

// WriteEnd writes the zero-length header marking the end of the part
// stream.
func (w *Writer) WriteEnd() error {
	return writeU32(w.w, 0)
}

func writeParamSet(w io.Writer, params map[string]string) error {
	if _, err := w.Write([]byte{byte(len(params))}); err != nil {
		return err
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := params[k]
		if len(k) > 255 || len(v) > 255 {
			return apperr.NewInputError("bundle: part parameter %q too long", k)
		}
		if _, err := w.Write([]byte{byte(len(k)), byte(len(v))}); err != nil {
			return err
		}
		if _, err := io.WriteString(w, k); err != nil {
			return err
		}
		if _, err := io.WriteString(w, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeParamBlob(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []byte
	for i, k := range keys {
		if i > 0 {
			out = append(out, '&')
		}
		out = append(out, k...)
		out = append(out, '=')
		out = append(out, params[k]...)
	}
	return out
}

func decodeParamBlob(data []byte) map[string]string {
	out := make(map[string]string)
	if len(data) == 0 {
		return out
	}
	for _, kv := range splitByte(data, '&') {
		idx := indexByte(kv, '=')
		if idx < 0 {
			continue
		}
		out[string(kv[:idx])] = string(kv[idx+1:])
	}
	return out
}

func splitByte(data []byte, sep byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == sep {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	out = append(out, data[start:])
	return out
}

func indexByte(data []byte, b byte) int {
	for i, c := range data {
		if c == b {
			return i
		}
	}
	return -1
}

// Reader parses a bundle v2 stream.
type Reader struct {
	r io.Reader
}

// NewReader wraps r as a bundle reader.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ReadHeader validates the magic bytes and returns the top-level
// bundle parameters.
func (r *Reader) ReadHeader() (map[string]string, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r.r, magic[:]); err != nil {
		return nil, apperr.NewIntegrityError("bundle: cannot read magic", err)
	}
	if magic != Magic {
		return nil, apperr.NewIntegrityError("bundle: bad magic bytes", nil)
	}
	n, err := readU32(r.r)
	if err != nil {
		return nil, apperr.NewIntegrityError("bundle: cannot read params length", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, apperr.NewIntegrityError("bundle: cannot read params", err)
	}
	return decodeParamBlob(buf), nil
}

// ReadPart reads the next part, or returns io.EOF when the terminating
// zero-length header is reached. The header block is read in full
// using its length prefix and then parsed; a header that does not
// parse makes ReadPart return an IntegrityError (the part is not
// skipped).
func (r *Reader) ReadPart() (*Part, error) {
	headerLen, err := readU32(r.r)
	if err != nil {
		return nil, apperr.NewIntegrityError("bundle: cannot read part header length", err)
	}
	if headerLen == 0 {
		return nil, io.EOF
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r.r, headerBuf); err != nil {
		return nil, apperr.NewIntegrityError("bundle: cannot read part header", err)
	}
	hr := bytes.NewReader(headerBuf)

	var nameLen [1]byte
	if _, err := io.ReadFull(hr, nameLen[:]); err != nil {
		return nil, apperr.NewIntegrityError("bundle: cannot read part name length", err)
	}
	nameBuf := make([]byte, nameLen[0])
	if _, err := io.ReadFull(hr, nameBuf); err != nil {
		return nil, apperr.NewIntegrityError("bundle: cannot read part name", err)
	}
	id, err := readU32(hr)
	if err != nil {
		return nil, apperr.NewIntegrityError("bundle: cannot read part id", err)
	}
	mandatory, err := readParamSet(hr)
	if err != nil {
		return nil, err
	}
	advisory, err := readParamSet(hr)
	if err != nil {
		return nil, err
	}

	p := &Part{Name: string(nameBuf), ID: id, Mandatory: mandatory, Advisory: advisory}
	for {
		chunkLen, err := readU32(r.r)
		if err != nil {
			return nil, apperr.NewIntegrityError("bundle: cannot read chunk length", err)
		}
		if chunkLen == 0 {
			break
		}
		chunk := make([]byte, chunkLen)
		if _, err := io.ReadFull(r.r, chunk); err != nil {
			return nil, apperr.NewIntegrityError("bundle: cannot read chunk", err)
		}
		p.Chunks = append(p.Chunks, chunk)
	}
	return p, nil
}

func readParamSet(r io.Reader) (map[string]string, error) {
	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, apperr.NewIntegrityError("bundle: cannot read parameter count", err)
	}
	out := make(map[string]string, count[0])
	for i := 0; i < int(count[0]); i++ {
		var lens [2]byte
		if _, err := io.ReadFull(r, lens[:]); err != nil {
			return nil, apperr.NewIntegrityError("bundle: cannot read parameter lengths", err)
		}
		kv := make([]byte, int(lens[0])+int(lens[1]))
		if _, err := io.ReadFull(r, kv); err != nil {
			return nil, apperr.NewIntegrityError("bundle: cannot read parameter", err)
		}
		out[string(kv[:lens[0]])] = string(kv[lens[0]:])
	}
	return out, nil
}
