package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeGraph is a hand-built parent table for testing, independent of revlog.
type fakeGraph map[Rev][2]Rev

func (g fakeGraph) Parents(r Rev) (Rev, Rev) {
	p, ok := g[r]
	if !ok {
		return NullRev, NullRev
	}
	return p[0], p[1]
}

func (g fakeGraph) Len() int {
	max := Rev(-1)
	for r := range g {
		if r > max {
			max = r
		}
	}
	return int(max) + 1
}

// Linear chain: 0 -> 1 -> 2 -> 3
func linearGraph() fakeGraph {
	return fakeGraph{
		0: {NullRev, NullRev},
		1: {0, NullRev},
		2: {1, NullRev},
		3: {2, NullRev},
	}
}

// Diamond: 0 -> 1, 0 -> 2, {1,2} -> 3
func diamondGraph() fakeGraph {
	return fakeGraph{
		0: {NullRev, NullRev},
		1: {0, NullRev},
		2: {0, NullRev},
		3: {1, 2},
	}
}

func TestAncestorsLinear(t *testing.T) {
	g := linearGraph()
	anc := Ancestors(g, []Rev{3})
	assert.ElementsMatch(t, []Rev{0, 1, 2, 3}, anc.Sorted())
}

func TestAncestorsDiamond(t *testing.T) {
	g := diamondGraph()
	anc := Ancestors(g, []Rev{3})
	assert.ElementsMatch(t, []Rev{0, 1, 2, 3}, anc.Sorted())
}

func TestDescendantsLinear(t *testing.T) {
	g := linearGraph()
	desc := Descendants(g, []Rev{1})
	assert.ElementsMatch(t, []Rev{1, 2, 3}, desc.Sorted())
}

func TestHeadsDiamond(t *testing.T) {
	g := diamondGraph()
	heads := Heads(g, []Rev{0, 1, 2, 3})
	assert.ElementsMatch(t, []Rev{3}, heads.Sorted())
}

func TestRootsDiamond(t *testing.T) {
	g := diamondGraph()
	roots := Roots(g, []Rev{0, 1, 2, 3})
	assert.ElementsMatch(t, []Rev{0}, roots.Sorted())
}

func TestCommonAncestorsDiamond(t *testing.T) {
	g := diamondGraph()
	ca := CommonAncestors(g, 1, 2)
	assert.ElementsMatch(t, []Rev{0}, ca.Sorted())
}

func TestCommonAncestorsSelf(t *testing.T) {
	g := linearGraph()
	ca := CommonAncestors(g, 2, 2)
	assert.ElementsMatch(t, []Rev{2}, ca.Sorted())
}

func TestHeadsOfDisjointRevs(t *testing.T) {
	g := linearGraph()
	heads := Heads(g, []Rev{0, 2})
	assert.ElementsMatch(t, []Rev{0, 2}, heads.Sorted())
}

func TestRevSetOps(t *testing.T) {
	a := NewRevSet(1, 2, 3)
	b := NewRevSet(2, 3, 4)
	assert.ElementsMatch(t, []Rev{1, 2, 3, 4}, a.Union(b).Sorted())
	assert.ElementsMatch(t, []Rev{2, 3}, a.Intersect(b).Sorted())
	assert.ElementsMatch(t, []Rev{1}, a.Subtract(b).Sorted())
}
