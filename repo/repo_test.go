package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcowham/vcscore/dag"
	"github.com/rcowham/vcscore/nodeid"
	"github.com/rcowham/vcscore/peer"
	"github.com/rcowham/vcscore/revlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func revOf(t *testing.T, r *Repo, node nodeid.Node) revlog.Rev {
	t.Helper()
	rev, ok := r.Changelog().Rev(node)
	require.True(t, ok)
	return rev
}

func TestInitOpenRoundTrip(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)
	assert.Equal(t, root, r.Root())

	r2, err := Open(root)
	require.NoError(t, err)
	assert.Equal(t, root, r2.Root())
}

func TestInitRejectsExistingRepo(t *testing.T) {
	root := t.TempDir()
	_, err := Init(root, nil)
	require.NoError(t, err)

	_, err = Init(root, nil)
	assert.Error(t, err)
}

func TestCommitLinearChainAndHeads(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "hello")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	first, err := r.Commit(CommitInput{User: "alice", Desc: "first"})
	require.NoError(t, err)
	assert.False(t, first.IsNull())

	heads, err := r.HeadNodes()
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, first, heads[0])

	writeFile(t, root, "a.txt", "hello again")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	second, err := r.Commit(CommitInput{User: "alice", Desc: "second"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	heads, err = r.HeadNodes()
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, second, heads[0])

	known, err := r.KnownNodes([]nodeid.Node{first, second})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, known)

	entries, err := r.manifestEntriesAt(revOf(t, r, second))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Path)
}

func TestCommitAddModifyRemove(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "a")
	writeFile(t, root, "b.txt", "b")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	require.NoError(t, r.Dirstate().Add("b.txt"))
	_, err = r.Commit(CommitInput{User: "bob", Desc: "add two"})
	require.NoError(t, err)

	require.NoError(t, r.Dirstate().Remove("b.txt"))
	second, err := r.Commit(CommitInput{User: "bob", Desc: "remove b"})
	require.NoError(t, err)

	entries, err := r.manifestEntriesAt(revOf(t, r, second))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Path)
}

func TestVerifyCleanRepoPasses(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "hello")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	_, err = r.Commit(CommitInput{User: "alice", Desc: "first"})
	require.NoError(t, err)

	assert.NoError(t, r.Verify())
}

func TestBuildAndApplyChangegroupRoundTrip(t *testing.T) {
	srcRoot := t.TempDir()
	src, err := Init(srcRoot, nil)
	require.NoError(t, err)
	writeFile(t, srcRoot, "a.txt", "hello")
	require.NoError(t, src.Dirstate().Add("a.txt"))
	_, err = src.Commit(CommitInput{User: "alice", Desc: "first"})
	require.NoError(t, err)

	dstRoot := t.TempDir()
	dst, err := Init(dstRoot, nil)
	require.NoError(t, err)

	srcPeer := peer.NewLocal(src)
	bundleReader, err := srcPeer.GetBundle(nil)
	require.NoError(t, err)
	defer bundleReader.Close()

	dstPeer := peer.NewLocal(dst)
	require.NoError(t, dstPeer.Unbundle(bundleReader))

	dstHeads, err := dst.HeadNodes()
	require.NoError(t, err)
	srcHeads, err := src.HeadNodes()
	require.NoError(t, err)
	assert.Equal(t, srcHeads, dstHeads)
}

func TestListKeysAndSetKeyBookmarks(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "hello")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	node, err := r.Commit(CommitInput{User: "alice", Desc: "first"})
	require.NoError(t, err)

	ok, err := r.SetKey("bookmarks", "main", "", node.String())
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := r.ListKeys("bookmarks")
	require.NoError(t, err)
	assert.Equal(t, node.String(), keys["main"])

	ok, err = r.SetKey("bookmarks", "main", "wrong", "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListKeysPhasesNamespace(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)
	keys, err := r.ListKeys("phases")
	require.NoError(t, err)
	assert.NotNil(t, keys)
}

func TestListKeysUnknownNamespaceIsEmpty(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)
	keys, err := r.ListKeys("bogus")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStripRemovesTrailingCommitsAndDanglingBookmark(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "v1")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	first, err := r.Commit(CommitInput{User: "alice", Desc: "first"})
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "v2")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	second, err := r.Commit(CommitInput{User: "alice", Desc: "second"})
	require.NoError(t, err)

	ok, err := r.SetKey("bookmarks", "tip", "", second.String())
	require.NoError(t, err)
	require.True(t, ok)

	secondRev := revOf(t, r, second)
	require.NoError(t, r.Strip([]dag.Rev{dag.Rev(secondRev)}))

	heads, err := r.HeadNodes()
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, first, heads[0])

	keys, err := r.ListKeys("bookmarks")
	require.NoError(t, err)
	_, stillThere := keys["tip"]
	assert.False(t, stillThere, "bookmark pointing at a stripped node should be dropped")
}

// divergentHeads builds: base commit "a.txt" = base, then a local head
// editing one line and a second, divergent head (reached by updating
// back to base and committing from there) editing a different line —
// the same non-overlapping-edit shape as the merge package's own
// clean-auto-merge scenario, exercised here through the full
// Repo.Update plan/apply path instead of merge.Resolve3Way directly.
func divergentHeads(t *testing.T, base, local, other string) (r *Repo, localNode, otherNode nodeid.Node) {
	t.Helper()
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", base)
	require.NoError(t, r.Dirstate().Add("a.txt"))
	baseNode, err := r.Commit(CommitInput{User: "alice", Desc: "base"})
	require.NoError(t, err)

	writeFile(t, root, "a.txt", local)
	require.NoError(t, r.Dirstate().Add("a.txt"))
	localNode, err = r.Commit(CommitInput{User: "alice", Desc: "local edit"})
	require.NoError(t, err)

	baseRev := dag.Rev(revOf(t, r, baseNode))
	_, err = r.Update(context.Background(), baseRev, false)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", other)
	require.NoError(t, r.Dirstate().Add("a.txt"))
	otherNode, err = r.Commit(CommitInput{User: "bob", Desc: "other edit"})
	require.NoError(t, err)

	_, err = r.Update(context.Background(), baseRev, false)
	require.NoError(t, err)
	_, err = r.Update(context.Background(), dag.Rev(revOf(t, r, localNode)), false)
	require.NoError(t, err)

	return r, localNode, otherNode
}

func TestUpdateMovesAlongSingleLineOfHistory(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "v1")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	first, err := r.Commit(CommitInput{User: "alice", Desc: "first"})
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "v2")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	second, err := r.Commit(CommitInput{User: "alice", Desc: "second"})
	require.NoError(t, err)

	_, err = r.Update(context.Background(), dag.Rev(revOf(t, r, first)), false)
	require.NoError(t, err)

	p1, p2 := r.Dirstate().Parents()
	assert.Equal(t, first, p1)
	assert.True(t, p2.IsNull())
	content, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	_, err = r.Update(context.Background(), dag.Rev(revOf(t, r, second)), false)
	require.NoError(t, err)
	content, err = os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))
}

func TestUpdateRefusesDivergentTargetWithoutMerge(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "a\nb\nc\n")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	base, err := r.Commit(CommitInput{User: "alice", Desc: "base"})
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "A\nb\nc\n")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	_, err = r.Commit(CommitInput{User: "alice", Desc: "local"})
	require.NoError(t, err)

	_, err = r.Update(context.Background(), dag.Rev(revOf(t, r, base)), false)
	require.NoError(t, err)
	writeFile(t, root, "a.txt", "a\nb\nC\n")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	other, err := r.Commit(CommitInput{User: "bob", Desc: "other"})
	require.NoError(t, err)

	_, err = r.Update(context.Background(), dag.Rev(revOf(t, r, other)), false)
	assert.Error(t, err)
}

func TestMergeDivergentNonOverlappingEditsAutoResolves(t *testing.T) {
	r, _, otherNode := divergentHeads(t, "a\nb\nc\n", "A\nb\nc\n", "a\nb\nC\n")

	decisions, err := r.Update(context.Background(), dag.Rev(revOf(t, r, otherNode)), true)
	require.NoError(t, err)
	require.NotEmpty(t, decisions)

	content, err := os.ReadFile(filepath.Join(r.Root(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "A\nb\nC\n", string(content))

	unresolved, err := r.UnresolvedConflicts()
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	p1, p2 := r.Dirstate().Parents()
	assert.Equal(t, otherNode, p2)
	assert.False(t, p1.IsNull())

	merged, err := r.Commit(CommitInput{User: "alice", Desc: "merge"})
	require.NoError(t, err)
	assert.False(t, merged.IsNull())
}

func TestMergeOverlappingEditRecordsConflictUntilResolved(t *testing.T) {
	r, _, otherNode := divergentHeads(t, "a\nb\nc\n", "A\nb\nc\n", "B\nb\nc\n")

	_, err := r.Update(context.Background(), dag.Rev(revOf(t, r, otherNode)), true)
	require.NoError(t, err)

	unresolved, err := r.UnresolvedConflicts()
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, unresolved)

	_, err = r.Commit(CommitInput{User: "alice", Desc: "merge"})
	assert.Error(t, err, "commit must refuse while a conflict is unresolved")

	require.NoError(t, r.Resolve("a.txt"))
	unresolved, err = r.UnresolvedConflicts()
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	merged, err := r.Commit(CommitInput{User: "alice", Desc: "merge"})
	require.NoError(t, err)
	assert.False(t, merged.IsNull())
}

func TestHiddenSetPinsDirstateParent(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "v1")
	require.NoError(t, r.Dirstate().Add("a.txt"))
	_, err = r.Commit(CommitInput{User: "alice", Desc: "first"})
	require.NoError(t, err)

	hidden := r.HiddenSet()
	p1, _ := r.Dirstate().Parents()
	_, isHidden := hidden[p1]
	assert.False(t, isHidden)
}
