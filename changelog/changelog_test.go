package changelog

import (
	"path/filepath"
	"testing"

	"github.com/rcowham/vcscore/nodeid"
	"github.com/rcowham/vcscore/revlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChangelog(t *testing.T) *Changelog {
	t.Helper()
	dir := t.TempDir()
	cl, err := Open(filepath.Join(dir, "00changelog.i"), filepath.Join(dir, "00changelog.d"))
	require.NoError(t, err)
	return cl
}

func TestUserFromEmail(t *testing.T) {
	assert.Equal(t, "alice", UserFromEmail("alice@example.com"))
	assert.Equal(t, defaultUser, UserFromEmail(""))
	assert.Equal(t, defaultUser, UserFromEmail("@example.com"))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cs := Changeset{
		Manifest: nodeid.Hash(nodeid.Null, nodeid.Null, []byte("manifest")),
		User:     "alice",
		Time:     1700000000,
		TZOffset: -3600,
		Extra:    map[string]string{"branch": "default", "note": "has space"},
		Files:    []string{"b.txt", "a.txt"},
		Desc:     "initial commit\n",
	}
	payload := Encode(cs)
	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, cs.Manifest, got.Manifest)
	assert.Equal(t, cs.User, got.User)
	assert.Equal(t, cs.Time, got.Time)
	assert.Equal(t, cs.TZOffset, got.TZOffset)
	assert.Equal(t, cs.Extra, got.Extra)
	assert.Equal(t, []string{"a.txt", "b.txt"}, got.Files)
	assert.Equal(t, cs.Desc, got.Desc)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	_, err := Decode([]byte("only-one-line"))
	assert.Error(t, err)
}

func TestAddAndReadThroughRevlog(t *testing.T) {
	cl := newTestChangelog(t)
	cs0 := Changeset{Manifest: nodeid.Null, User: "bob", Time: 1, TZOffset: 0, Desc: "root"}
	rev0, node0, err := cl.Add(cs0, revlog.NullRev, revlog.NullRev)
	require.NoError(t, err)
	assert.Equal(t, revlog.Rev(0), rev0)

	cs1 := Changeset{Manifest: nodeid.Null, User: "bob", Time: 2, TZOffset: 0, Desc: "second"}
	rev1, _, err := cl.Add(cs1, rev0, revlog.NullRev)
	require.NoError(t, err)
	assert.Equal(t, revlog.Rev(1), rev1)

	got, err := cl.Read(rev0)
	require.NoError(t, err)
	assert.Equal(t, "root", got.Desc)

	n, err := cl.Node(rev0)
	require.NoError(t, err)
	assert.Equal(t, node0, n)

	heads := cl.Heads()
	assert.ElementsMatch(t, []revlog.Rev{1}, heads)
}
