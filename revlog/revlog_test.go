package revlog

import (
	"path/filepath"
	"testing"

	"github.com/rcowham/vcscore/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRevlog(t *testing.T) *Revlog {
	dir := t.TempDir()
	rl, err := Open(filepath.Join(dir, "test.i"), filepath.Join(dir, "test.d"))
	require.NoError(t, err)
	return rl
}

func TestAppendAndText(t *testing.T) {
	rl := newTestRevlog(t)
	res, err := rl.Append([]byte("hello\n"), NullRev, NullRev, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, Rev(0), res.Rev)
	assert.False(t, res.Existing)

	text, err := rl.Text(res.Rev)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(text))
}

func TestAppendDuplicateNodeIsNoop(t *testing.T) {
	rl := newTestRevlog(t)
	r1, err := rl.Append([]byte("same"), NullRev, NullRev, 0, 0)
	require.NoError(t, err)
	r2, err := rl.Append([]byte("same"), NullRev, NullRev, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, r1.Rev, r2.Rev)
	assert.Equal(t, r1.Node, r2.Node)
	assert.True(t, r2.Existing)
	assert.Equal(t, 1, rl.Len())
}

func TestDeltaChainReconstruction(t *testing.T) {
	rl := newTestRevlog(t)
	r0, err := rl.Append([]byte("line1\n"), NullRev, NullRev, 0, 0)
	require.NoError(t, err)
	r1, err := rl.Append([]byte("line1\nline2\n"), r0.Rev, NullRev, 1, 0)
	require.NoError(t, err)
	r2, err := rl.Append([]byte("line1\nline2\nline3\n"), r1.Rev, NullRev, 2, 0)
	require.NoError(t, err)

	text2, err := rl.Text(r2.Rev)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3\n", string(text2))

	text0, err := rl.Text(r0.Rev)
	require.NoError(t, err)
	assert.Equal(t, "line1\n", string(text0))
}

func TestNodeHashVerification(t *testing.T) {
	rl := newTestRevlog(t)
	_, err := rl.Append([]byte("abc"), NullRev, NullRev, 0, 0)
	require.NoError(t, err)
	// Corrupt the stored node in-memory to simulate on-disk corruption.
	rl.records[0].node = nodeid.Node{0xFF}
	_, err = rl.Text(0)
	assert.Error(t, err)
}

func TestHeads(t *testing.T) {
	rl := newTestRevlog(t)
	r0, _ := rl.Append([]byte("a"), NullRev, NullRev, 0, 0)
	r1, _ := rl.Append([]byte("b"), r0.Rev, NullRev, 1, 0)
	_, _ = rl.Append([]byte("c"), r0.Rev, NullRev, 2, 0)

	heads := rl.Heads()
	assert.NotContains(t, heads, r0.Rev)
	assert.Contains(t, heads, r1.Rev)
	assert.Len(t, heads, 2)
}

func TestTruncateRestoresLength(t *testing.T) {
	rl := newTestRevlog(t)
	_, err := rl.Append([]byte("a"), NullRev, NullRev, 0, 0)
	require.NoError(t, err)
	idxLen, dataLen, err := rl.Lengths()
	require.NoError(t, err)

	_, err = rl.Append([]byte("b"), NullRev, NullRev, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, rl.Len())

	require.NoError(t, rl.Truncate(idxLen, dataLen))
	assert.Equal(t, 1, rl.Len())
}

func TestCensoredEntryReturnsEmptyPayload(t *testing.T) {
	rl := newTestRevlog(t)
	_, err := rl.Append([]byte("secret"), NullRev, NullRev, 0, FlagCensored)
	require.NoError(t, err)
	text, err := rl.Text(0)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestParentsMustBeLowerRev(t *testing.T) {
	rl := newTestRevlog(t)
	_, err := rl.Append([]byte("a"), Rev(5), NullRev, 0, 0)
	assert.Error(t, err)
}

func TestDeltaChainStaysWithinCap(t *testing.T) {
	rl := newTestRevlog(t)
	prev := NullRev
	payload := "x"
	for i := 0; i < 10; i++ {
		payload += "x"
		res, err := rl.Append([]byte(payload), prev, NullRev, Rev(i), 0)
		require.NoError(t, err)
		prev = res.Rev
	}
	chain, err := rl.DeltaChain(prev)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(chain), DefaultChainLenCap)
}
