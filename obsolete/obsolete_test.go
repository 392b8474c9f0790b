package obsolete

import (
	"testing"

	"github.com/rcowham/vcscore/dag"
	"github.com/rcowham/vcscore/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(b byte) nodeid.Node {
	var n nodeid.Node
	n[0] = b
	return n
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Marker{
		Precursor:  node(1),
		Successors: []nodeid.Node{node(2), node(3)},
		Flags:      0,
		Date:       1700000000,
		Metadata:   map[string]string{"operation": "amend"},
	}
	encoded := Encode(m)
	got, err := DecodeAll(encoded)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.Precursor, got[0].Precursor)
	assert.Equal(t, m.Successors, got[0].Successors)
	assert.Equal(t, m.Metadata, got[0].Metadata)
}

func TestEncodeDecodePrune(t *testing.T) {
	m := Marker{Precursor: node(5), Flags: FlagPruned, Date: 1}
	got, err := DecodeAll(Encode(m))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Pruned())
	assert.Empty(t, got[0].Successors)
}

func TestDecodeAllMultipleLines(t *testing.T) {
	var buf []byte
	buf = append(buf, Encode(Marker{Precursor: node(1), Successors: []nodeid.Node{node(2)}, Date: 1})...)
	buf = append(buf, Encode(Marker{Precursor: node(2), Successors: []nodeid.Node{node(3)}, Date: 2})...)
	got, err := DecodeAll(buf)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDecodeRejectsMalformedLine(t *testing.T) {
	_, err := DecodeAll([]byte("garbage line\n"))
	assert.Error(t, err)
}

func TestIsDivergent(t *testing.T) {
	s := NewStore([]Marker{
		{Precursor: node(1), Successors: []nodeid.Node{node(2)}},
		{Precursor: node(1), Successors: []nodeid.Node{node(3)}},
	})
	assert.True(t, s.IsDivergent(node(1)))
	assert.False(t, s.IsDivergent(node(2)))
}

func TestIsDivergentAgreeingMarkersAreNotDivergent(t *testing.T) {
	s := NewStore([]Marker{
		{Precursor: node(1), Successors: []nodeid.Node{node(2), node(3)}},
		{Precursor: node(1), Successors: []nodeid.Node{node(3), node(2)}},
	})
	assert.False(t, s.IsDivergent(node(1)))
}

// fakeGraph implements NodeGraph directly for hidden-set tests: a
// precursor chain 1 -> 2 -> 3 where 3 is the visible tip; known holds
// the nodes present locally, and the tests mark every node known.
type fakeGraph struct {
	known map[nodeid.Node]bool
}

func (g *fakeGraph) Parents(n nodeid.Node) (nodeid.Node, nodeid.Node) {
	return nodeid.Null, nodeid.Null
}

func (g *fakeGraph) Known(n nodeid.Node) bool { return g.known[n] }

func TestHiddenSetChainCollapses(t *testing.T) {
	s := NewStore([]Marker{
		{Precursor: node(1), Successors: []nodeid.Node{node(2)}},
		{Precursor: node(2), Successors: []nodeid.Node{node(3)}},
	})
	g := &fakeGraph{known: map[nodeid.Node]bool{node(1): true, node(2): true, node(3): true}}
	hidden := s.HiddenSet(g, 3, 100, nil)
	_, h1 := hidden[node(1)]
	_, h2 := hidden[node(2)]
	_, h3 := hidden[node(3)]
	assert.True(t, h1)
	assert.True(t, h2)
	assert.False(t, h3, "tip of the chain must stay visible")
}

func TestHiddenSetPinOverridesHidden(t *testing.T) {
	s := NewStore([]Marker{
		{Precursor: node(1), Successors: []nodeid.Node{node(2)}},
	})
	g := &fakeGraph{known: map[nodeid.Node]bool{node(1): true, node(2): true}}
	hidden := s.HiddenSet(g, 2, 50, []nodeid.Node{node(1)})
	_, h1 := hidden[node(1)]
	assert.False(t, h1, "pinned node must not be hidden even with a marker")
}

func TestHiddenSetCacheIsReusedForSameKey(t *testing.T) {
	s := NewStore([]Marker{{Precursor: node(1), Successors: []nodeid.Node{node(2)}}})
	g := &fakeGraph{known: map[nodeid.Node]bool{node(1): true, node(2): true}}
	first := s.HiddenSet(g, 2, 10, nil)
	second := s.HiddenSet(g, 2, 10, nil)
	assert.Equal(t, first, second)
}

func TestNewNodeGraphAdapter(t *testing.T) {
	fg := fakeDagGraph{parents: map[dag.Rev][2]dag.Rev{1: {0, dag.NullRev}}}
	nodes := map[dag.Rev]nodeid.Node{0: node(10), 1: node(11)}
	revOf := func(n nodeid.Node) (dag.Rev, bool) {
		for r, nd := range nodes {
			if nd == n {
				return r, true
			}
		}
		return dag.NullRev, false
	}
	nodeOf := func(r dag.Rev) (nodeid.Node, error) { return nodes[r], nil }

	ng := NewNodeGraph(&fg, revOf, nodeOf)
	assert.True(t, ng.Known(node(11)))
	p1, p2 := ng.Parents(node(11))
	assert.Equal(t, node(10), p1)
	assert.Equal(t, nodeid.Null, p2)
}

type fakeDagGraph struct {
	parents map[dag.Rev][2]dag.Rev
}

func (g *fakeDagGraph) Parents(r dag.Rev) (dag.Rev, dag.Rev) {
	p, ok := g.parents[r]
	if !ok {
		return dag.NullRev, dag.NullRev
	}
	return p[0], p[1]
}

func (g *fakeDagGraph) Len() int { return len(g.parents) }
