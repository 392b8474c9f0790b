// Package manifest implements the manifest revlog convention of
// spec.md §4.3: each revision's payload is the sorted, flat list of
// every tracked path in the changeset paired with its filelog node and
// mode flags, plus a bounded decode cache (the manifest is read far
// more often than it is written, and full trees repeat heavily between
// adjacent revisions).
//
// Grounded on the teacher's BlobFileMatcher (main.go), which plays the
// same "which blob backs this path" role for git blobs; the sorted-line
// format and diff routine come from the general manifest design spec.md
// §4.3 and §6 describe.
package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/nodeid"
	"github.com/rcowham/vcscore/revlog"
)

// Flag marks a manifest entry's execute/symlink bit, spec.md §3.
type Flag byte

const (
	FlagNone    Flag = 0
	FlagExec    Flag = 'x'
	FlagSymlink Flag = 'l'
)

// Entry is one path's record within a manifest revision.
type Entry struct {
	Path string
	Node nodeid.Node
	Flag Flag
}

// Encode serializes entries (which must already be sorted by Path) to
// the flat manifest payload: one line per entry,
// "<path>\0<node-hex><flag-byte-or-empty>\n".
func Encode(entries []Entry) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		b.WriteString(e.Path)
		b.WriteByte(0)
		b.WriteString(e.Node.String())
		if e.Flag != FlagNone {
			b.WriteByte(byte(e.Flag))
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Decode parses a manifest payload into its sorted entry list.
func Decode(payload []byte) ([]Entry, error) {
	var entries []Entry
	lines := bytes.Split(payload, []byte("\n"))
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		nul := bytes.IndexByte(line, 0)
		if nul < 0 {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("manifest: line %d missing NUL separator", i), nil)
		}
		path := string(line[:nul])
		rest := line[nul+1:]
		var flag Flag
		hexPart := rest
		if len(rest) > 0 {
			last := rest[len(rest)-1]
			if last == byte(FlagExec) || last == byte(FlagSymlink) {
				flag = Flag(last)
				hexPart = rest[:len(rest)-1]
			}
		}
		node, err := nodeid.Parse(string(hexPart))
		if err != nil {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("manifest: line %d bad node", i), err)
		}
		entries = append(entries, Entry{Path: path, Node: node, Flag: flag})
	}
	return entries, nil
}

// Diff compares two sorted entry lists and reports, per path, whether it
// was added, removed, or changed (node or flag differs). It merge-sorts
// rather than hashing, matching the revlog convention that manifest
// lines are always lexicographically ordered.
type DiffEntry struct {
	Path     string
	Old, New *Entry // nil when the path did not exist on that side
}

func Diff(oldEntries, newEntries []Entry) []DiffEntry {
	var out []DiffEntry
	i, j := 0, 0
	for i < len(oldEntries) && j < len(newEntries) {
		o, n := oldEntries[i], newEntries[j]
		switch {
		case o.Path < n.Path:
			old := o
			out = append(out, DiffEntry{Path: o.Path, Old: &old})
			i++
		case o.Path > n.Path:
			nw := n
			out = append(out, DiffEntry{Path: n.Path, New: &nw})
			j++
		default:
			if o.Node != n.Node || o.Flag != n.Flag {
				old, nw := o, n
				out = append(out, DiffEntry{Path: o.Path, Old: &old, New: &nw})
			}
			i++
			j++
		}
	}
	for ; i < len(oldEntries); i++ {
		old := oldEntries[i]
		out = append(out, DiffEntry{Path: old.Path, Old: &old})
	}
	for ; j < len(newEntries); j++ {
		nw := newEntries[j]
		out = append(out, DiffEntry{Path: nw.Path, New: &nw})
	}
	return out
}

// SortEntries sorts entries by path in place, the order Encode requires.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}

// cacheCap bounds the number of decoded manifests kept in memory; the
// manifest revlog's delta chains mean nearby revisions share most lines,
// so a small LRU avoids re-decoding the same text repeatedly during a
// log walk or diff.
const cacheCap = 32

type cacheEntry struct {
	rev     revlog.Rev
	entries []Entry
}

// Manifest wraps a *revlog.Revlog with the sorted-entry-list convention
// and a bounded decode cache.
type Manifest struct {
	rl *revlog.Revlog

	mu    sync.Mutex
	cache []cacheEntry // most-recently-used at the end
}

// Open opens (or creates) the manifest revlog at the given paths.
func Open(indexPath, dataPath string) (*Manifest, error) {
	rl, err := revlog.Open(indexPath, dataPath)
	if err != nil {
		return nil, err
	}
	return &Manifest{rl: rl}, nil
}

// Revlog exposes the underlying generic revlog.
func (m *Manifest) Revlog() *revlog.Revlog { return m.rl }

// Read decodes the manifest entries at rev, consulting the cache first.
func (m *Manifest) Read(rev revlog.Rev) ([]Entry, error) {
	m.mu.Lock()
	for i, c := range m.cache {
		if c.rev == rev {
			m.cache = append(append(m.cache[:i], m.cache[i+1:]...), c)
			m.mu.Unlock()
			return c.entries, nil
		}
	}
	m.mu.Unlock()

	payload, err := m.rl.RequireText(rev)
	if err != nil {
		return nil, err
	}
	entries, err := Decode(payload)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache = append(m.cache, cacheEntry{rev: rev, entries: entries})
	if len(m.cache) > cacheCap {
		m.cache = m.cache[len(m.cache)-cacheCap:]
	}
	m.mu.Unlock()
	return entries, nil
}

// Add appends a new manifest revision as a child of p1/p2.
func (m *Manifest) Add(entries []Entry, p1, p2 revlog.Rev, linkRev revlog.Rev) (revlog.Rev, nodeid.Node, error) {
	SortEntries(entries)
	payload := Encode(entries)
	res, err := m.rl.Append(payload, p1, p2, linkRev, 0)
	if err != nil {
		return revlog.NullRev, nodeid.Null, err
	}
	return res.Rev, res.Node, nil
}

// Find looks up a single path's entry within a decoded manifest revision.
func Find(entries []Entry, path string) (Entry, bool) {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Path >= path })
	if idx < len(entries) && entries[idx].Path == path {
		return entries[idx], true
	}
	return Entry{}, false
}

// DirPrefix reports whether path lies within directory dir (dir must not
// have a trailing slash), used when listing a subtree of a manifest.
func DirPrefix(path, dir string) bool {
	if dir == "" {
		return true
	}
	return strings.HasPrefix(path, dir+"/")
}
