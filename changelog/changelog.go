// Package changelog implements the changeset revlog convention of
// spec.md §4.2: each revision's payload is a changeset record pointing
// at a manifest node plus the commit metadata (user, date, touched
// paths, free-form extras, description).
//
// Grounded on the teacher's GitCommit/newGitCommit/getUserFromEmail
// shapes (main.go) for the record's fields, replayed onto
// vcscore/revlog instead of the teacher's in-memory struct graph.
package changelog

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/nodeid"
	"github.com/rcowham/vcscore/revlog"
)

// Changeset is the decoded form of a changelog entry (spec.md §3).
type Changeset struct {
	Manifest nodeid.Node
	User     string
	Time     int64             // unix seconds
	TZOffset int               // seconds east of UTC, negated Mercurial-style on the wire
	Extra    map[string]string // free-form key/value metadata, e.g. "branch"
	Files    []string          // paths touched by this changeset, sorted
	Desc     string            // commit message, stored and returned verbatim
}

// defaultUser mirrors the teacher's getUserFromEmail fallback.
const defaultUser = "unknown"

// UserFromEmail derives a short user name from an email address the way
// the teacher's getUserFromEmail does: the local part before '@', or a
// fallback if the address is empty or malformed.
func UserFromEmail(email string) string {
	if email == "" {
		return defaultUser
	}
	parts := strings.SplitN(email, "@", 2)
	if parts[0] != "" {
		return parts[0]
	}
	return defaultUser
}

// Encode serializes a Changeset to its on-disk payload per spec.md §6:
//
//	<manifest-node-hex>\n
//	<user>\n
//	<time> <tzoffset> [extra-key=value ...]\n
//	<path>\n
//	...
//	\n
//	<description>
func Encode(cs Changeset) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n", cs.Manifest.String())
	fmt.Fprintf(&b, "%s\n", cs.User)
	fmt.Fprintf(&b, "%d %d", cs.Time, cs.TZOffset)
	if len(cs.Extra) > 0 {
		keys := make([]string, 0, len(cs.Extra))
		for k := range cs.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", escapeExtra(k), escapeExtra(cs.Extra[k]))
		}
	}
	b.WriteByte('\n')
	files := append([]string(nil), cs.Files...)
	sort.Strings(files)
	for _, f := range files {
		fmt.Fprintf(&b, "%s\n", f)
	}
	b.WriteByte('\n')
	b.WriteString(cs.Desc)
	return b.Bytes()
}

// Decode parses a changelog payload back into a Changeset.
func Decode(payload []byte) (Changeset, error) {
	var cs Changeset
	lines := bytes.SplitN(payload, []byte("\n\n"), 2)
	if len(lines) != 2 {
		return cs, apperr.NewIntegrityError("changelog: missing header/description separator", nil)
	}
	header := bytes.Split(lines[0], []byte("\n"))
	if len(header) < 3 {
		return cs, apperr.NewIntegrityError(fmt.Sprintf("changelog: truncated header, want at least 3 lines, got %d", len(header)), nil)
	}
	node, err := nodeid.Parse(string(header[0]))
	if err != nil {
		return cs, apperr.NewIntegrityError("changelog: bad manifest node", err)
	}
	cs.Manifest = node
	cs.User = string(header[1])

	fields := strings.Fields(string(header[2]))
	if len(fields) < 2 {
		return cs, apperr.NewIntegrityError(fmt.Sprintf("changelog: malformed date line %q", header[2]), nil)
	}
	t, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return cs, apperr.NewIntegrityError("changelog: bad time", err)
	}
	tz, err := strconv.Atoi(fields[1])
	if err != nil {
		return cs, apperr.NewIntegrityError("changelog: bad tzoffset", err)
	}
	cs.Time, cs.TZOffset = t, tz
	if len(fields) > 2 {
		cs.Extra = make(map[string]string, len(fields)-2)
		for _, kv := range fields[2:] {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				continue
			}
			cs.Extra[unescapeExtra(parts[0])] = unescapeExtra(parts[1])
		}
	}

	for _, p := range header[3:] {
		if len(p) == 0 {
			continue
		}
		cs.Files = append(cs.Files, string(p))
	}
	cs.Desc = string(lines[1])
	return cs, nil
}

func escapeExtra(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "=", "\\x3d")
	s = strings.ReplaceAll(s, " ", "\\x20")
	return s
}

func unescapeExtra(s string) string {
	s = strings.ReplaceAll(s, "\\x20", " ")
	s = strings.ReplaceAll(s, "\\x3d", "=")
	s = strings.ReplaceAll(s, "\\\\", "\\")
	return s
}

// Changelog wraps a *revlog.Revlog with the changeset encode/decode
// convention, the way spec.md §4.2 layers the changelog over the
// generic revlog.
type Changelog struct {
	rl *revlog.Revlog
}

// Open opens (or creates) the changelog revlog at the given paths.
func Open(indexPath, dataPath string) (*Changelog, error) {
	rl, err := revlog.Open(indexPath, dataPath)
	if err != nil {
		return nil, err
	}
	return &Changelog{rl: rl}, nil
}

// Revlog exposes the underlying generic revlog for dag/revset queries.
func (c *Changelog) Revlog() *revlog.Revlog { return c.rl }

// Len returns the number of changesets.
func (c *Changelog) Len() int { return c.rl.Len() }

// Node returns the node hash of rev.
func (c *Changelog) Node(rev revlog.Rev) (nodeid.Node, error) { return c.rl.Node(rev) }

// Rev looks up the rev number for a node hash.
func (c *Changelog) Rev(node nodeid.Node) (revlog.Rev, bool) { return c.rl.Rev(node) }

// Parents returns the parent revs of rev.
func (c *Changelog) Parents(rev revlog.Rev) (revlog.Rev, revlog.Rev, error) {
	return c.rl.Parents(rev)
}

// Read decodes the changeset stored at rev.
func (c *Changelog) Read(rev revlog.Rev) (Changeset, error) {
	payload, err := c.rl.RequireText(rev)
	if err != nil {
		return Changeset{}, err
	}
	return Decode(payload)
}

// Add appends a new changeset as a child of p1/p2 and returns its rev
// and node. linkRev for a changelog entry is conventionally its own rev.
func (c *Changelog) Add(cs Changeset, p1, p2 revlog.Rev) (revlog.Rev, nodeid.Node, error) {
	// A changelog entry's linkRev is conventionally its own rev; since
	// Append only assigns a new rev for genuinely new content, the next
	// free slot is exactly c.rl.Len() unless this exact node already
	// exists, in which case Append hands back its existing (also
	// self-linked) rev instead.
	nextRev := revlog.Rev(c.rl.Len())
	payload := Encode(cs)
	res, err := c.rl.Append(payload, p1, p2, nextRev, 0)
	if err != nil {
		return revlog.NullRev, nodeid.Null, err
	}
	return res.Rev, res.Node, nil
}

// Heads returns the rev numbers with no child changeset.
func (c *Changelog) Heads() []revlog.Rev { return c.rl.Heads() }
