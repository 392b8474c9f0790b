package merge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rcowham/vcscore/config"
	"github.com/rcowham/vcscore/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func n(b byte) nodeid.Node {
	var node nodeid.Node
	node[0] = b
	return node
}

func findDecision(decisions []Decision, path string) (Decision, bool) {
	for _, d := range decisions {
		if d.Path == path {
			return d, true
		}
	}
	return Decision{}, false
}

func TestPlanAddedOnlyLocally(t *testing.T) {
	decisions := Plan(Manifest{}, Manifest{"a.txt": n(1)}, Manifest{})
	d, ok := findDecision(decisions, "a.txt")
	require.True(t, ok)
	assert.Equal(t, Keep, d.Action)
}

func TestPlanAddedOnlyRemotely(t *testing.T) {
	decisions := Plan(Manifest{}, Manifest{}, Manifest{"a.txt": n(1)})
	d, ok := findDecision(decisions, "a.txt")
	require.True(t, ok)
	assert.Equal(t, Get, d.Action)
}

func TestPlanAddedDifferentlyBothSides(t *testing.T) {
	decisions := Plan(Manifest{}, Manifest{"a.txt": n(1)}, Manifest{"a.txt": n(2)})
	d, ok := findDecision(decisions, "a.txt")
	require.True(t, ok)
	assert.Equal(t, CreateKept, d.Action)
}

func TestPlanChangedOnlyRemotely(t *testing.T) {
	decisions := Plan(Manifest{"a.txt": n(1)}, Manifest{"a.txt": n(1)}, Manifest{"a.txt": n(2)})
	d, ok := findDecision(decisions, "a.txt")
	require.True(t, ok)
	assert.Equal(t, Get, d.Action)
}

func TestPlanChangedOnlyLocally(t *testing.T) {
	decisions := Plan(Manifest{"a.txt": n(1)}, Manifest{"a.txt": n(2)}, Manifest{"a.txt": n(1)})
	d, ok := findDecision(decisions, "a.txt")
	require.True(t, ok)
	assert.Equal(t, Keep, d.Action)
}

func TestPlanChangedDifferentlyBothSides(t *testing.T) {
	decisions := Plan(Manifest{"a.txt": n(1)}, Manifest{"a.txt": n(2)}, Manifest{"a.txt": n(3)})
	d, ok := findDecision(decisions, "a.txt")
	require.True(t, ok)
	assert.Equal(t, MergeContent, d.Action)
}

func TestPlanRemovedRemotelyUnchangedLocally(t *testing.T) {
	decisions := Plan(Manifest{"a.txt": n(1)}, Manifest{"a.txt": n(1)}, Manifest{})
	d, ok := findDecision(decisions, "a.txt")
	require.True(t, ok)
	assert.Equal(t, Remove, d.Action)
}

func TestPlanChangedLocallyRemovedRemotely(t *testing.T) {
	decisions := Plan(Manifest{"a.txt": n(1)}, Manifest{"a.txt": n(2)}, Manifest{})
	d, ok := findDecision(decisions, "a.txt")
	require.True(t, ok)
	assert.Equal(t, MergeContent, d.Action)
}

func TestPlanAlreadyRemovedBothSidesProducesNoDecision(t *testing.T) {
	decisions := Plan(Manifest{"a.txt": n(1)}, Manifest{}, Manifest{})
	_, ok := findDecision(decisions, "a.txt")
	assert.False(t, ok)
}

func TestPlanUnchangedProducesNoDecision(t *testing.T) {
	decisions := Plan(Manifest{"a.txt": n(1)}, Manifest{"a.txt": n(1)}, Manifest{"a.txt": n(1)})
	assert.Empty(t, decisions)
}

func TestDetectRenamesMatchesSimilarContent(t *testing.T) {
	removed := map[string][]byte{"old/name.txt": []byte("line1\nline2\nline3\n")}
	added := map[string][]byte{"new/name.txt": []byte("line1\nline2\nline3\nline4\n")}
	matches := DetectRenames(removed, added, 50)
	require.Len(t, matches, 1)
	assert.Equal(t, "old/name.txt", matches[0].From)
	assert.Equal(t, "new/name.txt", matches[0].To)
	assert.Greater(t, matches[0].Similarity, 0.5)
}

func TestDetectRenamesRejectsBelowThreshold(t *testing.T) {
	removed := map[string][]byte{"a.txt": []byte("completely\ndifferent\ncontent\n")}
	added := map[string][]byte{"b.txt": []byte("nothing\nalike\nat\nall\n")}
	matches := DetectRenames(removed, added, 50)
	assert.Empty(t, matches)
}

func TestDetectRenamesEachSideUsedAtMostOnce(t *testing.T) {
	content := []byte("shared\nlines\nhere\n")
	removed := map[string][]byte{"a.txt": content, "b.txt": content}
	added := map[string][]byte{"c.txt": content}
	matches := DetectRenames(removed, added, 10)
	assert.Len(t, matches, 1)
}

func TestGroupDirectoryRenames(t *testing.T) {
	matches := []RenameMatch{
		{From: "old/a.txt", To: "new/a.txt", Similarity: 1},
		{From: "old/b.txt", To: "new/b.txt", Similarity: 1},
		{From: "old/c.txt", To: "new/c.txt", Similarity: 1},
	}
	grouped, ungrouped := GroupDirectoryRenames(matches)
	require.Len(t, grouped, 1)
	assert.Equal(t, DirectoryRename, grouped[0].Action)
	assert.Empty(t, ungrouped)
}

func TestGroupDirectoryRenamesLeavesSmallGroupsUngrouped(t *testing.T) {
	matches := []RenameMatch{
		{From: "old/a.txt", To: "new/a.txt", Similarity: 1},
	}
	grouped, ungrouped := GroupDirectoryRenames(matches)
	assert.Empty(t, grouped)
	assert.Len(t, ungrouped, 1)
}

func TestConflictSetResolveRequiresRecorded(t *testing.T) {
	c := NewConflictSet()
	err := c.Resolve("a.txt")
	assert.Error(t, err)
}

func TestMergeLinesNoConflictWhenOnlyOneSideChanges(t *testing.T) {
	base := []byte("1\n2\n3\n")
	local := []byte("1\n2\n3\n")
	other := []byte("1\nX\n3\n")
	merged, conflict := MergeLines(base, local, other)
	assert.False(t, conflict)
	assert.Equal(t, "1\nX\n3\n", string(merged))
}

func TestMergeLinesLocalUnchangedReturnsOther(t *testing.T) {
	// merge(A, A, X) == X
	a := []byte("1\n2\n3\n")
	x := []byte("1\n2\n3\n4\n5\n")
	merged, conflict := MergeLines(a, a, x)
	assert.False(t, conflict)
	assert.Equal(t, string(x), string(merged))
}

func TestMergeLinesLocalEqualsOtherReturnsThatContent(t *testing.T) {
	// merge(A, X, X) == X
	a := []byte("1\n2\n3\n")
	x := []byte("1\nchanged\n3\nextra\n")
	merged, conflict := MergeLines(a, x, x)
	assert.False(t, conflict)
	assert.Equal(t, string(x), string(merged))
}

func TestMergeLinesBothSidesAppendDifferentLinesCombinesBoth(t *testing.T) {
	// The merge-with-rename seed scenario's core per-file merge: base
	// has one line, local appended one line, other appended a different
	// line. Both are pure insertions at the same point so both survive.
	base := []byte("1\n")
	local := []byte("1\n2\n")
	other := []byte("1\n3\n")
	merged, conflict := MergeLines(base, local, other)
	assert.False(t, conflict)
	assert.Equal(t, "1\n2\n3\n", string(merged))
}

func TestMergeLinesConflictingEditsAreMarked(t *testing.T) {
	base := []byte("1\n2\n3\n")
	local := []byte("1\nlocal\n3\n")
	other := []byte("1\nother\n3\n")
	merged, conflict := MergeLines(base, local, other)
	assert.True(t, conflict)
	assert.Contains(t, string(merged), "<<<<<<< local")
	assert.Contains(t, string(merged), "local")
	assert.Contains(t, string(merged), "=======")
	assert.Contains(t, string(merged), "other")
	assert.Contains(t, string(merged), ">>>>>>> other")
}

func TestResolve3WayFallsBackToToolOnConflict(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "resolve.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncp \"$2\" \"$4\"\n"), 0o755))

	base := []byte("1\n2\n3\n")
	local := []byte("1\nlocal\n3\n")
	other := []byte("1\nother\n3\n")

	tool := &ToolDriver{Tool: config.MergeTool{Name: "script", Argv: []string{script, "$base", "$local", "$other", "$output"}}}
	merged, conflict, err := Resolve3Way(base, local, other, tool)
	require.NoError(t, err)
	assert.False(t, conflict)
	assert.Equal(t, string(local), string(merged))
}

func TestResolve3WayKeepsConflictMarksWithoutTool(t *testing.T) {
	base := []byte("1\n2\n3\n")
	local := []byte("1\nlocal\n3\n")
	other := []byte("1\nother\n3\n")
	merged, conflict, err := Resolve3Way(base, local, other, nil)
	require.NoError(t, err)
	assert.True(t, conflict)
	assert.Contains(t, string(merged), "<<<<<<< local")
}

func TestConflictSetRequireClean(t *testing.T) {
	c := NewConflictSet()
	c.Record("a.txt", n(1), n(2), n(3))
	assert.Error(t, c.RequireClean())

	require.NoError(t, c.Resolve("a.txt"))
	assert.NoError(t, c.RequireClean())
}

func TestConflictSetStateRoundTrip(t *testing.T) {
	c := NewConflictSet()
	c.Record("a.txt", n(1), n(2), n(3))
	c.Record("b.txt", n(4), n(5), n(6))
	require.NoError(t, c.Resolve("b.txt"))

	decoded, err := DecodeState(EncodeState(c))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, decoded.Unresolved())

	cf, ok := decoded.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, n(1), cf.Base)
	assert.Equal(t, n(2), cf.Local)
	assert.Equal(t, n(3), cf.Other)

	resolved, ok := decoded.Get("b.txt")
	require.True(t, ok)
	assert.True(t, resolved.Resolved)
}

func TestToolDriverSubstitutesPlaceholders(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(local, []byte("local content\n"), 0o644))
	d := &ToolDriver{Tool: config.MergeTool{Name: "copy-tool", Argv: []string{"cp", "$local", "$output"}}}
	err := d.Run(filepath.Join(dir, "base"), local, filepath.Join(dir, "other"), out)
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "local content\n", string(data))
}

func TestToolDriverMissingArgvErrors(t *testing.T) {
	d := &ToolDriver{Tool: config.MergeTool{Name: "broken"}}
	err := d.Run("b", "l", "o", "out")
	assert.Error(t, err)
}

func TestIsBinaryDetectsPNGMagic(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	assert.True(t, IsBinary(png))
	assert.False(t, IsBinary([]byte("line one\nline two\n")))
}

func TestRunAutoRefusesBinaryContent(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	local := filepath.Join(dir, "local")
	other := filepath.Join(dir, "other")
	out := filepath.Join(dir, "out")

	require.NoError(t, os.WriteFile(base, []byte("base"), 0o644))
	require.NoError(t, os.WriteFile(local, []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0}, 0o644))
	require.NoError(t, os.WriteFile(other, []byte("other"), 0o644))

	d := &ToolDriver{Tool: config.MergeTool{Name: "echo-tool", Argv: []string{"true"}}}
	err := d.RunAuto(base, local, other, out)
	assert.Error(t, err)
}

func TestRunAutoRunsToolForTextContent(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	local := filepath.Join(dir, "local")
	other := filepath.Join(dir, "other")
	out := filepath.Join(dir, "out")

	require.NoError(t, os.WriteFile(base, []byte("base\n"), 0o644))
	require.NoError(t, os.WriteFile(local, []byte("local\n"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("other\n"), 0o644))

	d := &ToolDriver{Tool: config.MergeTool{Name: "echo-tool", Argv: []string{"true"}}}
	err := d.RunAuto(base, local, other, out)
	assert.NoError(t, err)
}
