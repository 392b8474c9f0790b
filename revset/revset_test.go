package revset

import (
	"testing"

	"github.com/rcowham/vcscore/dag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a small fixed repository: 0 -> 1 -> 2, with 0 -> 3 -> 2
// (diamond merging at 2), used across every revset test.
type fakeStore struct {
	parents map[dag.Rev][2]dag.Rev
	user    map[dag.Rev]string
	desc    map[dag.Rev]string
	time    map[dag.Rev]int64
}

func (s *fakeStore) Parents(r dag.Rev) (dag.Rev, dag.Rev) {
	p, ok := s.parents[r]
	if !ok {
		return dag.NullRev, dag.NullRev
	}
	return p[0], p[1]
}

func (s *fakeStore) Len() int { return len(s.parents) }

func (s *fakeStore) User(r dag.Rev) string { return s.user[r] }
func (s *fakeStore) Desc(r dag.Rev) string { return s.desc[r] }
func (s *fakeStore) Time(r dag.Rev) int64  { return s.time[r] }

func newFakeStore() *fakeStore {
	return &fakeStore{
		parents: map[dag.Rev][2]dag.Rev{
			0: {dag.NullRev, dag.NullRev},
			1: {0, dag.NullRev},
			2: {1, 3},
			3: {0, dag.NullRev},
		},
		user: map[dag.Rev]string{0: "alice", 1: "bob", 2: "alice", 3: "carol"},
		desc: map[dag.Rev]string{0: "root", 1: "add feature", 2: "merge", 3: "fix bug"},
		time: map[dag.Rev]int64{0: 100, 1: 200, 2: 400, 3: 300},
	}
}

func evalQuery(t *testing.T, q string, s Store) []dag.Rev {
	t.Helper()
	expr, err := Parse(q)
	require.NoError(t, err, "parsing %q", q)
	return expr.Eval(s).Sorted()
}

func TestSingleRev(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{1}, evalQuery(t, "1", s))
}

func TestUnion(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{0, 1}, evalQuery(t, "0 + 1", s))
}

func TestIntersect(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{1}, evalQuery(t, "(0 + 1) & (1 + 2)", s))
}

func TestSubtract(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{0}, evalQuery(t, "(0 + 1) - 1", s))
}

func TestNot(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{1, 2, 3}, evalQuery(t, "not 0", s))
}

func TestRange(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{0, 1, 2, 3}, evalQuery(t, "0::2", s))
}

func TestHeadsPredicate(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{2}, evalQuery(t, "heads(all())", s))
}

func TestRootsPredicate(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{0}, evalQuery(t, "roots(all())", s))
}

func TestAncestorsPredicate(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{0, 1, 3}, evalQuery(t, "ancestors(1+3)", s))
}

func TestParentsPredicate(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{1, 3}, evalQuery(t, "parents(2)", s))
}

func TestAuthorPredicate(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{0, 2}, evalQuery(t, "author('alice')", s))
}

func TestDescPredicate(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{1}, evalQuery(t, "desc('feature')", s))
}

func TestDatePredicateComparisons(t *testing.T) {
	s := newFakeStore()
	assert.Equal(t, []dag.Rev{2}, evalQuery(t, "date('>300')", s))
	assert.Equal(t, []dag.Rev{0}, evalQuery(t, "date('<200')", s))
	assert.Equal(t, []dag.Rev{1}, evalQuery(t, "date('200')", s))
}

func TestUnknownPredicateErrors(t *testing.T) {
	_, err := Parse("bogus(1)")
	assert.Error(t, err)
}

func TestWrongArgCountErrors(t *testing.T) {
	_, err := Parse("ancestors(1, 2)")
	assert.Error(t, err)
}

func TestUnbalancedParenErrors(t *testing.T) {
	_, err := Parse("(0 + 1")
	assert.Error(t, err)
}
