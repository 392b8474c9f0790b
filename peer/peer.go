// Package peer implements the capability interface spec.md §9's
// redesign flag replaces Mercurial's deep repo/localrepo/http-peer
// class hierarchy with: a fixed set of methods (heads, known,
// getbundle, unbundle, listkeys, pushkey) that every kind of peer —
// local, bundle-file, or (in production) HTTP/SSH — implements
// identically, so discovery and exchange code never type-switches on
// "what kind of peer is this".
//
// Grounded on the teacher's GitP4Transfer struct: one struct exposing
// a handful of capability methods with a logger and options injected,
// rather than an inheritance chain — the same shape this package
// applies to Capabilities implementations.
package peer

import (
	"bytes"
	"io"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/bundle"
	"github.com/rcowham/vcscore/nodeid"
)

// Capabilities is the full surface spec.md §9 names for a peer.
type Capabilities interface {
	// Heads returns every head node the peer currently has.
	Heads() ([]nodeid.Node, error)
	// Known reports, for each node, whether the peer already has it.
	Known(nodes []nodeid.Node) ([]bool, error)
	// GetBundle returns a bundle v2 stream containing everything
	// reachable from the peer's heads that is not reachable from
	// common.
	GetBundle(common []nodeid.Node) (io.ReadCloser, error)
	// Unbundle applies a bundle v2 stream read from r to the peer.
	Unbundle(r io.Reader) error
	// ListKeys returns every key/value pair the peer has in a pushkey
	// namespace (e.g. "bookmarks", "phases").
	ListKeys(namespace string) (map[string]string, error)
	// PushKey attempts a compare-and-swap update of one key in a
	// namespace; it reports whether the update was applied (false
	// means old did not match the peer's current value).
	PushKey(namespace, key, old, new string) (bool, error)
}

// Backend is what a live repository exposes so peer.Local can answer
// Capabilities calls without peer importing the repo package (which
// would create an import cycle, since repo constructs a Local peer
// over itself).
type Backend interface {
	HeadNodes() ([]nodeid.Node, error)
	KnownNodes(nodes []nodeid.Node) ([]bool, error)
	BuildChangegroup(common []nodeid.Node) ([]bundle.Section, error)
	ApplyChangegroup(sections []bundle.Section) error
	ListKeys(namespace string) (map[string]string, error)
	SetKey(namespace, key, old, new string) (bool, error)
}

// Local is the Capabilities implementation for same-process access to
// a repository (the common case for `vcscore push`/`pull` against a
// local path).
type Local struct {
	backend Backend
}

// NewLocal wraps backend as a Capabilities peer.
func NewLocal(backend Backend) *Local { return &Local{backend: backend} }

func (l *Local) Heads() ([]nodeid.Node, error) { return l.backend.HeadNodes() }

func (l *Local) Known(nodes []nodeid.Node) ([]bool, error) { return l.backend.KnownNodes(nodes) }

func (l *Local) GetBundle(common []nodeid.Node) (io.ReadCloser, error) {
	sections, err := l.backend.BuildChangegroup(common)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := bundle.NewWriter(&buf)
	if err := w.WriteHeader(map[string]string{"version": "02"}); err != nil {
		return nil, err
	}
	if err := w.WritePart(bundle.EncodeChangegroupPart(1, sections)); err != nil {
		return nil, err
	}
	if err := w.WriteEnd(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (l *Local) Unbundle(r io.Reader) error {
	rd := bundle.NewReader(r)
	if _, err := rd.ReadHeader(); err != nil {
		return err
	}
	reg := bundle.NewRegistry()
	reg.Register(bundle.PartChangegroup, true, func(p *bundle.Part) error {
		sections, err := bundle.DecodeChangegroupPart(p)
		if err != nil {
			return err
		}
		return l.backend.ApplyChangegroup(sections)
	})
	return bundle.Apply(rd, reg)
}

func (l *Local) ListKeys(namespace string) (map[string]string, error) {
	return l.backend.ListKeys(namespace)
}

func (l *Local) PushKey(namespace, key, old, new string) (bool, error) {
	return l.backend.SetKey(namespace, key, old, new)
}

// BundleFile is a read-only Capabilities peer over a static bundle v2
// file: GetBundle serves its fixed content regardless of the
// requested common set (it has no store to recompute a delta against),
// and Unbundle/PushKey are refused since there is nothing to write to.
type BundleFile struct {
	data         []byte
	headsCache   []nodeid.Node
	knownCache   map[nodeid.Node]bool
	parsedOnce   bool
}

// NewBundleFile wraps the raw bytes of a bundle v2 file.
func NewBundleFile(data []byte) *BundleFile {
	return &BundleFile{data: data}
}

func (b *BundleFile) parse() error {
	if b.parsedOnce {
		return nil
	}
	rd := bundle.NewReader(bytes.NewReader(b.data))
	if _, err := rd.ReadHeader(); err != nil {
		return err
	}
	known := make(map[nodeid.Node]bool)
	var heads []nodeid.Node
	for {
		part, err := rd.ReadPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if part.Name != bundle.PartChangegroup {
			continue
		}
		sections, err := bundle.DecodeChangegroupPart(part)
		if err != nil {
			return err
		}
		for _, s := range sections {
			if s.Name != bundle.SectionChangelog {
				continue
			}
			for _, e := range s.Entries {
				known[e.Node] = true
			}
			if len(s.Entries) > 0 {
				isParent := make(map[nodeid.Node]bool)
				for _, e := range s.Entries {
					isParent[e.P1] = true
					isParent[e.P2] = true
				}
				heads = heads[:0]
				for _, e := range s.Entries {
					if !isParent[e.Node] {
						heads = append(heads, e.Node)
					}
				}
			}
		}
	}
	b.knownCache = known
	b.headsCache = heads
	b.parsedOnce = true
	return nil
}

func (b *BundleFile) Heads() ([]nodeid.Node, error) {
	if err := b.parse(); err != nil {
		return nil, err
	}
	return b.headsCache, nil
}

func (b *BundleFile) Known(nodes []nodeid.Node) ([]bool, error) {
	if err := b.parse(); err != nil {
		return nil, err
	}
	out := make([]bool, len(nodes))
	for i, n := range nodes {
		out[i] = b.knownCache[n]
	}
	return out, nil
}

func (b *BundleFile) GetBundle(common []nodeid.Node) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *BundleFile) Unbundle(r io.Reader) error {
	return apperr.NewStateError("peer: bundle-file peer is read-only")
}

func (b *BundleFile) ListKeys(namespace string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (b *BundleFile) PushKey(namespace, key, old, new string) (bool, error) {
	return false, apperr.NewStateError("peer: bundle-file peer is read-only")
}

// Memory is an in-process Capabilities implementation with no backing
// store at all, used to exercise discovery and exchange logic in
// tests without standing up a full repository.
type Memory struct {
	HeadNodes  []nodeid.Node
	KnownSet   map[nodeid.Node]bool
	BundleData []byte
	Keys       map[string]map[string]string
	Unbundled  [][]byte
}

// NewMemory creates an empty in-memory peer.
func NewMemory() *Memory {
	return &Memory{KnownSet: make(map[nodeid.Node]bool), Keys: make(map[string]map[string]string)}
}

func (m *Memory) Heads() ([]nodeid.Node, error) { return m.HeadNodes, nil }

func (m *Memory) Known(nodes []nodeid.Node) ([]bool, error) {
	out := make([]bool, len(nodes))
	for i, n := range nodes {
		out[i] = m.KnownSet[n]
	}
	return out, nil
}

func (m *Memory) GetBundle(common []nodeid.Node) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.BundleData)), nil
}

func (m *Memory) Unbundle(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.Unbundled = append(m.Unbundled, data)
	return nil
}

func (m *Memory) ListKeys(namespace string) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range m.Keys[namespace] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) PushKey(namespace, key, old, new string) (bool, error) {
	ns, ok := m.Keys[namespace]
	if !ok {
		ns = make(map[string]string)
		m.Keys[namespace] = ns
	}
	if ns[key] != old {
		return false, nil
	}
	ns[key] = new
	return true, nil
}
