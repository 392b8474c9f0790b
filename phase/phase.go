// Package phase implements the mutability phases of spec.md §4.8:
// every changeset is public, draft, or secret, phases only ever move in
// the public-ward direction (secret -> draft -> public, never back), and
// the store only needs to persist the roots of the draft and secret
// sets — everything else is derived by ancestry from those roots.
//
// Grounded on the teacher's journal-style flat writer, one small record
// per root as spec.md §6 describes.
package phase

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/dag"
	"github.com/rcowham/vcscore/nodeid"
)

// Phase orders from least to most mutable (Public < Draft < Secret); the
// zero value is Public so
// a freshly-initialized repository defaults to the most restrictive,
// least mutable phase rather than silently allowing rewrites.
type Phase int

const (
	Public Phase = iota
	Draft
	Secret
)

func (p Phase) String() string {
	switch p {
	case Public:
		return "public"
	case Draft:
		return "draft"
	case Secret:
		return "secret"
	default:
		return "unknown"
	}
}

// Roots is the on-disk representation: the phase roots file records one
// "<phase> <node-hex>\n" line per root. A root's phase applies to the
// root itself and every one of its descendants not already listed at (or
// below) a stricter root.
type Roots struct {
	entries []rootEntry
}

type rootEntry struct {
	phase Phase
	node  nodeid.Node
}

// Encode serializes the roots file.
func (r *Roots) Encode() []byte {
	var b bytes.Buffer
	for _, e := range r.entries {
		fmt.Fprintf(&b, "%d %s\n", e.phase, e.node.String())
	}
	return b.Bytes()
}

// Decode parses a phase-roots file.
func Decode(data []byte) (*Roots, error) {
	r := &Roots{}
	for i, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("phase: line %d malformed", i), nil)
		}
		ph, err := strconv.Atoi(fields[0])
		if err != nil || Phase(ph) < Public || Phase(ph) > Secret {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("phase: line %d bad phase %q", i, fields[0]), err)
		}
		node, err := nodeid.Parse(fields[1])
		if err != nil {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("phase: line %d bad node", i), err)
		}
		r.entries = append(r.entries, rootEntry{phase: Phase(ph), node: node})
	}
	return r, nil
}

// RootsOf returns the nodes recorded at exactly phase p.
func (r *Roots) RootsOf(p Phase) []nodeid.Node {
	var out []nodeid.Node
	for _, e := range r.entries {
		if e.phase == p {
			out = append(out, e.node)
		}
	}
	return out
}

// SetRoot replaces the root set for phase p.
func (r *Roots) SetRoot(p Phase, nodes []nodeid.Node) {
	kept := r.entries[:0:0]
	for _, e := range r.entries {
		if e.phase != p {
			kept = append(kept, e)
		}
	}
	for _, n := range nodes {
		kept = append(kept, rootEntry{phase: p, node: n})
	}
	r.entries = kept
}

// Tracker computes each rev's effective phase from the roots file: every
// rev defaults to Public, then each root's phase is propagated to its
// descendants by dag.Descendants, with stricter (higher-numbered) phases
// applied after looser ones so a Secret root always wins over a Draft
// ancestor-of-the-same-descendant conflict.
type Tracker struct {
	phaseOf map[dag.Rev]Phase
}

// NewTracker computes the per-rev phase map for the given roots, using
// nodeToRev to resolve each root's node to a local rev (roots for
// unknown nodes are skipped — they name revisions not yet pulled).
func NewTracker(g dag.Graph, roots *Roots, nodeToRev func(nodeid.Node) (dag.Rev, bool)) *Tracker {
	t := &Tracker{phaseOf: make(map[dag.Rev]Phase)}
	for _, p := range []Phase{Draft, Secret} {
		var revs []dag.Rev
		for _, n := range roots.RootsOf(p) {
			if rev, ok := nodeToRev(n); ok {
				revs = append(revs, rev)
			}
		}
		if len(revs) == 0 {
			continue
		}
		for rev := range dag.Descendants(g, revs) {
			t.phaseOf[rev] = p
		}
	}
	return t
}

// PhaseOf returns rev's effective phase (Public if not otherwise set).
func (t *Tracker) PhaseOf(rev dag.Rev) Phase {
	if p, ok := t.phaseOf[rev]; ok {
		return p
	}
	return Public
}

// CanAdvanceTo reports whether moving rev from its current phase to
// target is legal: phases only move public-ward (numerically downward),
// never back. Public is a one-way door.
func CanAdvanceTo(current, target Phase) bool {
	return target <= current
}

// Publish computes the new Draft root set after moving every rev in
// revs (and every ancestor of them) to Public: spec.md §4.8 requires
// publish to be irreversible, so this never widens the Draft or Secret
// sets, only narrows them.
func Publish(g dag.Graph, roots *Roots, nodeToRev func(nodeid.Node) (dag.Rev, bool), revToNode func(dag.Rev) (nodeid.Node, error), revs []dag.Rev) error {
	toPublish := dag.Ancestors(g, revs)
	for _, p := range []Phase{Draft, Secret} {
		var kept []nodeid.Node
		for _, n := range roots.RootsOf(p) {
			rev, ok := nodeToRev(n)
			if ok && toPublish.Has(rev) {
				continue // this root itself is being published away
			}
			kept = append(kept, n)
		}
		roots.SetRoot(p, kept)
	}
	// No new roots are added: a descendant of a removed root that lies
	// outside revs' ancestry and under no remaining root becomes Public
	// along with it.
	return nil
}
