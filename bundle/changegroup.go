package bundle

import (
	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/nodeid"
)

// Entry is one revlog record as carried in a changegroup, per spec.md
// §4.10: (node, p1, p2, link-node, delta-base-node, delta bytes).
// LinkNode is the changelog node that introduced this entry (for
// manifest/filelog sections; equal to Node itself in the changelog
// section).
type Entry struct {
	Node          nodeid.Node
	P1, P2        nodeid.Node
	LinkNode      nodeid.Node
	DeltaBaseNode nodeid.Node
	Delta         []byte
}

// Section is one named group of entries within a changegroup:
// "" names the changelog section, "\x00manifest" the manifestlog
// section, and any other name a filelog section keyed by path.
type Section struct {
	Name    string
	Entries []Entry
}

// Reserved section names distinguishing the two unnamed changegroup
// sections from filelog sections (no tracked path can contain NUL, so
// this can never collide with a real path).
const (
	SectionChangelog = ""
	SectionManifest  = "\x00manifest"
)

const (
	chunkKindSection = 'S'
	chunkKindEntry   = 'E'
)

// EncodeChangegroupPart serializes sections (in order: changelog,
// manifest, one section per touched path) as a changegroup Part's
// chunks.
func EncodeChangegroupPart(id uint32, sections []Section) Part {
	p := Part{Name: PartChangegroup, ID: id, Mandatory: map[string]string{"version": "02"}}
	for _, s := range sections {
		nameBytes := []byte(s.Name)
		header := make([]byte, 0, 2+len(nameBytes))
		header = append(header, chunkKindSection, byte(len(nameBytes)))
		header = append(header, nameBytes...)
		p.Chunks = append(p.Chunks, header)
		for _, e := range s.Entries {
			p.Chunks = append(p.Chunks, encodeEntry(e))
		}
	}
	return p
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, 1+5*nodeid.Size+len(e.Delta))
	buf = append(buf, chunkKindEntry)
	buf = append(buf, e.Node[:]...)
	buf = append(buf, e.P1[:]...)
	buf = append(buf, e.P2[:]...)
	buf = append(buf, e.LinkNode[:]...)
	buf = append(buf, e.DeltaBaseNode[:]...)
	buf = append(buf, e.Delta...)
	return buf
}

func decodeEntry(chunk []byte) (Entry, error) {
	const fixed = 1 + 5*nodeid.Size
	if len(chunk) < fixed {
		return Entry{}, apperr.NewIntegrityError("bundle: truncated changegroup entry", nil)
	}
	var e Entry
	off := 1
	copy(e.Node[:], chunk[off:off+nodeid.Size])
	off += nodeid.Size
	copy(e.P1[:], chunk[off:off+nodeid.Size])
	off += nodeid.Size
	copy(e.P2[:], chunk[off:off+nodeid.Size])
	off += nodeid.Size
	copy(e.LinkNode[:], chunk[off:off+nodeid.Size])
	off += nodeid.Size
	copy(e.DeltaBaseNode[:], chunk[off:off+nodeid.Size])
	off += nodeid.Size
	if off < len(chunk) {
		e.Delta = append([]byte(nil), chunk[off:]...)
	}
	return e, nil
}

// DecodeChangegroupPart reconstructs the ordered sections from a
// changegroup part's chunks.
func DecodeChangegroupPart(p *Part) ([]Section, error) {
	var sections []Section
	for _, chunk := range p.Chunks {
		if len(chunk) == 0 {
			return nil, apperr.NewIntegrityError("bundle: empty changegroup chunk", nil)
		}
		switch chunk[0] {
		case chunkKindSection:
			if len(chunk) < 2 {
				return nil, apperr.NewIntegrityError("bundle: truncated section header", nil)
			}
			nameLen := int(chunk[1])
			if len(chunk) < 2+nameLen {
				return nil, apperr.NewIntegrityError("bundle: truncated section name", nil)
			}
			sections = append(sections, Section{Name: string(chunk[2 : 2+nameLen])})
		case chunkKindEntry:
			if len(sections) == 0 {
				return nil, apperr.NewIntegrityError("bundle: entry chunk before any section header", nil)
			}
			e, err := decodeEntry(chunk)
			if err != nil {
				return nil, err
			}
			last := &sections[len(sections)-1]
			last.Entries = append(last.Entries, e)
		default:
			return nil, apperr.NewIntegrityError("bundle: unknown changegroup chunk kind", nil)
		}
	}
	return sections, nil
}
