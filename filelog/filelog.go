// Package filelog implements the per-tracked-path revlog convention of
// spec.md §4.3: one revlog per path, whose payload is the file's raw
// bytes optionally prefixed by a copy-source metadata header recording
// a rename or copy's origin path and node.
//
// Grounded on the teacher's GitFile/setDepotPaths rename/copy handling
// (main.go), replayed onto vcscore/revlog + vcscore/pathencode instead
// of the teacher's in-memory depot-path bookkeeping.
package filelog

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/h2non/filetype"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/config"
	"github.com/rcowham/vcscore/nodeid"
	"github.com/rcowham/vcscore/pathencode"
	"github.com/rcowham/vcscore/revlog"
)

// metaMarker opens and closes the optional metadata header spec.md §6
// describes: "\x01\ncopy: <path>\ncopyrev: <node-hex>\n\x01\n" followed
// by the file's raw content.
const metaMarker = "\x01\n"

// Revision is the decoded form of one filelog payload.
type Revision struct {
	Data     []byte
	CopyFrom string      // set if this revision records a copy/rename
	CopyRev  nodeid.Node // source revision's node, valid iff CopyFrom != ""
}

// Encode serializes a Revision to its on-disk payload. If the data
// itself happens to start with the metadata marker, an empty metadata
// header is still emitted so Decode can tell the two cases apart.
func Encode(r Revision) []byte {
	if r.CopyFrom == "" && !bytes.HasPrefix(r.Data, []byte(metaMarker)) {
		return r.Data
	}
	var b bytes.Buffer
	b.WriteString(metaMarker)
	if r.CopyFrom != "" {
		fmt.Fprintf(&b, "copy: %s\n", r.CopyFrom)
		fmt.Fprintf(&b, "copyrev: %s\n", r.CopyRev.String())
	}
	b.WriteString(metaMarker)
	b.Write(r.Data)
	return b.Bytes()
}

// Decode parses a filelog payload, stripping and interpreting the
// optional metadata header.
func Decode(payload []byte) (Revision, error) {
	if !bytes.HasPrefix(payload, []byte(metaMarker)) {
		return Revision{Data: payload}, nil
	}
	rest := payload[len(metaMarker):]
	end := bytes.Index(rest, []byte(metaMarker))
	if end < 0 {
		return Revision{}, apperr.NewIntegrityError("filelog: unterminated metadata header", nil)
	}
	header := rest[:end]
	data := rest[end+len(metaMarker):]
	rev := Revision{Data: data}
	for _, line := range bytes.Split(header, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		kv := bytes.SplitN(line, []byte(": "), 2)
		if len(kv) != 2 {
			continue
		}
		switch string(kv[0]) {
		case "copy":
			rev.CopyFrom = string(kv[1])
		case "copyrev":
			node, err := nodeid.Parse(string(kv[1]))
			if err != nil {
				return Revision{}, apperr.NewIntegrityError("filelog: bad copyrev", err)
			}
			rev.CopyRev = node
		}
	}
	return rev, nil
}

// Filelog wraps a *revlog.Revlog for a single tracked path.
type Filelog struct {
	Path string
	rl   *revlog.Revlog
}

// StorePath computes the on-disk index/data path stems for a tracked
// path under storeRoot ("data/" by store convention), applying
// pathencode per the repository's Windows-name policy.
func StorePath(storeRoot, path string, policy config.WindowsNamePolicy) (string, error) {
	enc, err := pathencode.Encode(path, policy)
	if err != nil {
		return "", err
	}
	return storeRoot + "/" + enc, nil
}

// Open opens (or creates) the filelog revlog for one path at the given
// index/data file stems (typically StorePath(...) + ".i" / ".d").
func Open(path string, indexPath, dataPath string) (*Filelog, error) {
	rl, err := revlog.Open(indexPath, dataPath)
	if err != nil {
		return nil, err
	}
	return &Filelog{Path: path, rl: rl}, nil
}

// Revlog exposes the underlying generic revlog.
func (f *Filelog) Revlog() *revlog.Revlog { return f.rl }

// Read decodes the revision stored at rev.
func (f *Filelog) Read(rev revlog.Rev) (Revision, error) {
	payload, err := f.rl.RequireText(rev)
	if err != nil {
		return Revision{}, err
	}
	return Decode(payload)
}

// Add appends a new file revision as a child of p1/p2, linked to the
// changeset at linkRev. Content that sniffs as a known binary type is
// flagged FlagBinary, the same check the merge engine consults (see
// merge.IsBinary) to skip straight to a conflict instead of attempting
// a textual three-way merge.
func (f *Filelog) Add(r Revision, p1, p2 revlog.Rev, linkRev revlog.Rev) (revlog.Rev, nodeid.Node, error) {
	var flags revlog.Flag
	if kind, err := filetype.Match(r.Data); err == nil && kind != filetype.Unknown {
		flags |= revlog.FlagBinary
	}
	res, err := f.rl.Append(Encode(r), p1, p2, linkRev, flags)
	if err != nil {
		return revlog.NullRev, nodeid.Null, err
	}
	return res.Rev, res.Node, nil
}

// IsBinary reports whether rev was stored with FlagBinary set.
func (f *Filelog) IsBinary(rev revlog.Rev) (bool, error) {
	flags, err := f.rl.Flags(rev)
	if err != nil {
		return false, err
	}
	return flags&revlog.FlagBinary != 0, nil
}

// Fncache records the mapping between an encoded on-disk filelog stem
// and the logical path it represents, required whenever pathencode has
// hashed-and-truncated a component (lossy, so Decode alone cannot invert
// it). Its serialized form is a flat file of one "<encoded>\t<path>\n"
// line per recorded filelog, sorted by encoded path; Serialize renders
// the whole file each time rather than appending to it.
type Fncache struct {
	mu      sync.Mutex
	entries map[string]string // encoded -> logical path
}

// NewFncache constructs an empty in-memory fncache; callers load it from
// the on-disk file with LoadFncache.
func NewFncache() *Fncache {
	return &Fncache{entries: make(map[string]string)}
}

// LoadFncache parses a serialized fncache file's content.
func LoadFncache(data []byte) *Fncache {
	fc := NewFncache()
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		parts := bytes.SplitN(line, []byte("\t"), 2)
		if len(parts) != 2 {
			continue
		}
		fc.entries[string(parts[0])] = string(parts[1])
	}
	return fc
}

// Record adds or updates an encoded-path -> logical-path mapping.
func (fc *Fncache) Record(encoded, path string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.entries[encoded] = path
}

// Lookup resolves an encoded path back to its logical path.
func (fc *Fncache) Lookup(encoded string) (string, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	p, ok := fc.entries[encoded]
	return p, ok
}

// Serialize renders the fncache back to its on-disk flat form, paths
// sorted for reproducibility.
func (fc *Fncache) Serialize() []byte {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	keys := make([]string, 0, len(fc.entries))
	for k := range fc.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&b, "%s\t%s\n", k, fc.entries[k])
	}
	return b.Bytes()
}
