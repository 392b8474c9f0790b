package filelog

import (
	"path/filepath"
	"testing"

	"github.com/rcowham/vcscore/config"
	"github.com/rcowham/vcscore/nodeid"
	"github.com/rcowham/vcscore/revlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilelog(t *testing.T, path string) *Filelog {
	t.Helper()
	dir := t.TempDir()
	fl, err := Open(path, filepath.Join(dir, "f.i"), filepath.Join(dir, "f.d"))
	require.NoError(t, err)
	return fl
}

func TestEncodeDecodePlainData(t *testing.T) {
	r := Revision{Data: []byte("hello world")}
	payload := Encode(r)
	assert.Equal(t, "hello world", string(payload))

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, r.Data, got.Data)
	assert.Empty(t, got.CopyFrom)
}

func TestEncodeDecodeWithCopyHeader(t *testing.T) {
	src := nodeid.Hash(nodeid.Null, nodeid.Null, []byte("source"))
	r := Revision{Data: []byte("renamed content"), CopyFrom: "old/path.txt", CopyRev: src}
	payload := Encode(r)
	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, r.Data, got.Data)
	assert.Equal(t, "old/path.txt", got.CopyFrom)
	assert.Equal(t, src, got.CopyRev)
}

func TestDecodeRejectsUnterminatedHeader(t *testing.T) {
	_, err := Decode([]byte(metaMarker + "copy: x\n"))
	assert.Error(t, err)
}

func TestDataStartingWithMarkerStillRoundTrips(t *testing.T) {
	r := Revision{Data: []byte(metaMarker + "looks like a header but isn't")}
	payload := Encode(r)
	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, r.Data, got.Data)
	assert.Empty(t, got.CopyFrom)
}

func TestAddAndReadThroughRevlog(t *testing.T) {
	fl := newTestFilelog(t, "src/main.go")
	rev0, _, err := fl.Add(Revision{Data: []byte("package main")}, revlog.NullRev, revlog.NullRev, 0)
	require.NoError(t, err)

	got, err := fl.Read(rev0)
	require.NoError(t, err)
	assert.Equal(t, "package main", string(got.Data))
}

func TestAddFlagsBinaryContent(t *testing.T) {
	fl := newTestFilelog(t, "assets/logo.png")
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	rev0, _, err := fl.Add(Revision{Data: png}, revlog.NullRev, revlog.NullRev, 0)
	require.NoError(t, err)

	binary, err := fl.IsBinary(rev0)
	require.NoError(t, err)
	assert.True(t, binary)

	rev1, _, err := fl.Add(Revision{Data: []byte("package main")}, rev0, revlog.NullRev, 1)
	require.NoError(t, err)
	binary, err = fl.IsBinary(rev1)
	require.NoError(t, err)
	assert.False(t, binary)
}

func TestStorePathUsesPathEncode(t *testing.T) {
	p, err := StorePath("data", "Dir/File.TXT", config.WindowsNameWarn)
	require.NoError(t, err)
	assert.Contains(t, p, "data/")
}

func TestFncacheRoundTrip(t *testing.T) {
	fc := NewFncache()
	fc.Record("data/_file~x7f3a", "File.bin")
	fc.Record("data/other", "other.txt")

	serialized := fc.Serialize()
	reloaded := LoadFncache(serialized)

	path, ok := reloaded.Lookup("data/_file~x7f3a")
	require.True(t, ok)
	assert.Equal(t, "File.bin", path)

	_, ok = reloaded.Lookup("missing")
	assert.False(t, ok)
}
