package bookmark

import (
	"testing"

	"github.com/rcowham/vcscore/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(b byte) nodeid.Node {
	var n nodeid.Node
	n[0] = b
	return n
}

func TestSetGetDelete(t *testing.T) {
	s := NewStore()
	s.Set("main", node(1))
	n, ok := s.Get("main")
	require.True(t, ok)
	assert.Equal(t, node(1), n)

	s.Delete("main")
	_, ok = s.Get("main")
	assert.False(t, ok)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore()
	s.Set("main", node(1))
	s.Set("feature", node(2))

	data, err := s.Save()
	require.NoError(t, err)

	loaded, err := Load(data)
	require.NoError(t, err)
	n, ok := loaded.Get("main")
	require.True(t, ok)
	assert.Equal(t, node(1), n)
	assert.ElementsMatch(t, []string{"feature", "main"}, loaded.Names())
}

func TestLoadEmptyFile(t *testing.T) {
	loaded, err := Load([]byte{})
	require.NoError(t, err)
	assert.Empty(t, loaded.Names())
}

func TestPointingAt(t *testing.T) {
	s := NewStore()
	s.Set("main", node(1))
	s.Set("stable", node(1))
	s.Set("feature", node(2))
	assert.Equal(t, []string{"main", "stable"}, s.PointingAt(node(1)))
	assert.Equal(t, []string{"feature"}, s.PointingAt(node(2)))
	assert.Empty(t, s.PointingAt(node(9)))
}

func TestGetUnknownBookmark(t *testing.T) {
	s := NewStore()
	_, ok := s.Get("nope")
	assert.False(t, ok)
}
