// Package merge implements the three-way merge and working-copy update
// engine of spec.md §4.7: given a base, local (p1), and other (p2)
// manifest, classify every path into an action (keep/get/remove/merge/
// divergent-rename/create-kept/directory-rename), detect renames by
// content similarity when a path was deleted on one side and an
// unrelated new path appeared on the other, merge content via an
// external tool when both sides changed a path differently, and record
// unresolved conflicts for the caller to resolve.
//
// Grounded on the teacher's GitFile action classification
// (modify/delete/copy/rename in main.go's gf.action switch) generalized
// from "one git action per file" to the full three-way decision table;
// rename-similarity detection is new, grounded on the shape of the
// teacher's findGitFileRename path-matching (name-keyed lookup)
// generalized to content-keyed similarity matching.
package merge

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/h2non/filetype"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/config"
	"github.com/rcowham/vcscore/nodeid"
)

// IsBinary reports whether content sniffs as a known binary type (the
// same check filelog uses to flag a revision, spec.md domain stack).
// A three-way merge of binary content can never succeed textually, so
// callers use this to skip straight to a conflict instead of invoking
// ToolDriver on content a line-oriented tool would corrupt.
func IsBinary(content []byte) bool {
	kind, err := filetype.Match(content)
	return err == nil && kind != filetype.Unknown
}

// Action is the classification spec.md §4.7 assigns to one path during
// update/merge.
type Action int

const (
	// Keep leaves the working copy's current content for this path.
	Keep Action = iota
	// Get replaces the working copy's content with the other side's.
	Get
	// Remove deletes the path from the working copy.
	Remove
	// MergeContent requires a three-way content merge (both sides
	// changed the path differently since base).
	MergeContent
	// DivergentRename records that the same base path was renamed to
	// two different destinations on the two sides; both survive and the
	// user is warned (spec.md Open Question #2's sibling case for
	// renames — never silently picked one).
	DivergentRename
	// CreateKept records that both sides independently created a path
	// with the same name but unrelated content; rather than force a
	// content merge of unrelated files, one side is kept under its
	// original name and the other is kept under a ".orig"-suffixed name.
	CreateKept
	// DirectoryRename records that an entire directory was renamed as a
	// unit on one side, derived from grouping several individual
	// RenameMatch results that share the same old-prefix -> new-prefix
	// mapping.
	DirectoryRename
)

func (a Action) String() string {
	switch a {
	case Keep:
		return "keep"
	case Get:
		return "get"
	case Remove:
		return "remove"
	case MergeContent:
		return "merge"
	case DivergentRename:
		return "divergent-rename"
	case CreateKept:
		return "create-kept"
	case DirectoryRename:
		return "directory-rename"
	default:
		return "unknown"
	}
}

// Decision is the outcome of planning a single path.
type Decision struct {
	Path   string
	Action Action
	Reason string
}

// Manifest is the minimal view Plan needs of a revision's tracked
// files: path -> content node. A missing key means the path does not
// exist in that revision.
type Manifest map[string]nodeid.Node

// Plan classifies every path across base/local/other into a Decision,
// per the three-way merge table of spec.md §4.7. Paths present
// identically in all manifests (or absent from all three) produce no
// decision.
func Plan(base, local, other Manifest) []Decision {
	paths := make(map[string]struct{})
	for p := range base {
		paths[p] = struct{}{}
	}
	for p := range local {
		paths[p] = struct{}{}
	}
	for p := range other {
		paths[p] = struct{}{}
	}

	var decisions []Decision
	for path := range paths {
		baseNode, inBase := base[path]
		localNode, inLocal := local[path]
		otherNode, inOther := other[path]

		switch {
		case !inBase && inLocal && !inOther:
			decisions = append(decisions, Decision{path, Keep, "added only locally"})
		case !inBase && !inLocal && inOther:
			decisions = append(decisions, Decision{path, Get, "added only remotely"})
		case !inBase && inLocal && inOther:
			if localNode == otherNode {
				decisions = append(decisions, Decision{path, Keep, "added identically on both sides"})
			} else {
				decisions = append(decisions, Decision{path, CreateKept, "added with different content on both sides"})
			}
		case inBase && inLocal && inOther:
			switch {
			case localNode == otherNode:
				decisions = append(decisions, Decision{path, Keep, "unchanged or changed identically"})
			case localNode == baseNode && otherNode != baseNode:
				decisions = append(decisions, Decision{path, Get, "changed only remotely"})
			case otherNode == baseNode && localNode != baseNode:
				decisions = append(decisions, Decision{path, Keep, "changed only locally"})
			default:
				decisions = append(decisions, Decision{path, MergeContent, "changed differently on both sides"})
			}
		case inBase && inLocal && !inOther:
			if localNode == baseNode {
				decisions = append(decisions, Decision{path, Remove, "removed remotely, unchanged locally"})
			} else {
				decisions = append(decisions, Decision{path, MergeContent, "changed locally, removed remotely"})
			}
		case inBase && !inLocal && inOther:
			if otherNode == baseNode {
				// already removed locally and unchanged remotely: no new action
			} else {
				decisions = append(decisions, Decision{path, MergeContent, "removed locally, changed remotely"})
			}
		case inBase && !inLocal && !inOther:
			// removed on both sides already; nothing to do
		}
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].Path < decisions[j].Path })
	return decisions
}

// RenameMatch is one candidate rename/copy detected between a path
// removed on one side and a path added on the other.
type RenameMatch struct {
	From       string
	To         string
	Similarity float64
}

// DetectRenames compares every path in removed against every path in
// added using Jaccard similarity over each file's line set, keeping
// matches at or above threshold (0-100, config.RenameThreshold's
// scale). Each removed path is matched to at most one added path (its
// best match); each added path likewise receives at most one match.
func DetectRenames(removed, added map[string][]byte, threshold int) []RenameMatch {
	type candidate struct {
		from, to string
		sim      float64
	}
	var candidates []candidate
	removedLines := make(map[string]map[string]struct{}, len(removed))
	for p, content := range removed {
		removedLines[p] = lineSet(content)
	}
	for toPath, toContent := range added {
		toLines := lineSet(toContent)
		for fromPath, fromLines := range removedLines {
			sim := jaccard(fromLines, toLines)
			if sim*100 >= float64(threshold) {
				candidates = append(candidates, candidate{fromPath, toPath, sim})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })

	usedFrom := make(map[string]bool)
	usedTo := make(map[string]bool)
	var matches []RenameMatch
	for _, c := range candidates {
		if usedFrom[c.from] || usedTo[c.to] {
			continue
		}
		usedFrom[c.from] = true
		usedTo[c.to] = true
		matches = append(matches, RenameMatch{From: c.from, To: c.to, Similarity: c.sim})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].From < matches[j].From })
	return matches
}

func lineSet(content []byte) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range bytes.Split(content, []byte("\n")) {
		set[string(line)] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for l := range a {
		if _, ok := b[l]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// GroupDirectoryRenames collapses individual RenameMatch results into
// DirectoryRename decisions when three or more renames share the same
// "old directory prefix -> new directory prefix" mapping, the signal
// that a whole directory moved rather than several unrelated files
// happening to land in a new location.
func GroupDirectoryRenames(matches []RenameMatch) (grouped []Decision, ungrouped []RenameMatch) {
	type prefixPair struct{ from, to string }
	counts := make(map[prefixPair][]RenameMatch)
	for _, m := range matches {
		fromDir := dirOf(m.From)
		toDir := dirOf(m.To)
		key := prefixPair{fromDir, toDir}
		counts[key] = append(counts[key], m)
	}
	consumed := make(map[string]bool)
	var pairs []prefixPair
	for k := range counts {
		pairs = append(pairs, k)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].from != pairs[j].from {
			return pairs[i].from < pairs[j].from
		}
		return pairs[i].to < pairs[j].to
	})
	for _, k := range pairs {
		group := counts[k]
		if k.from != "" && k.to != "" && k.from != k.to && len(group) >= 3 {
			grouped = append(grouped, Decision{
				Path:   k.from + " -> " + k.to,
				Action: DirectoryRename,
				Reason: fmt.Sprintf("%d files moved from %q to %q", len(group), k.from, k.to),
			})
			for _, m := range group {
				consumed[m.From] = true
			}
		}
	}
	for _, m := range matches {
		if !consumed[m.From] {
			ungrouped = append(ungrouped, m)
		}
	}
	return grouped, ungrouped
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// Conflict records a path that MergeContent could not resolve
// automatically (a textual merge with remaining conflict markers, or a
// binary file that differs on both sides). Base/Local/Other are the
// three input content nodes, so an interrupted merge can be resumed or
// replayed without re-walking history (spec.md §4.7 "Conflict
// recording").
type Conflict struct {
	Path               string
	Resolved           bool
	Base, Local, Other nodeid.Node
}

// ConflictSet tracks every path still needing resolution after a merge.
type ConflictSet struct {
	conflicts map[string]*Conflict
}

// NewConflictSet creates an empty set.
func NewConflictSet() *ConflictSet {
	return &ConflictSet{conflicts: make(map[string]*Conflict)}
}

// Record marks path as conflicted, keeping its three input nodes so
// `resolve` can replay the merge later.
func (c *ConflictSet) Record(path string, base, local, other nodeid.Node) {
	c.conflicts[path] = &Conflict{Path: path, Base: base, Local: local, Other: other}
}

// Get returns the recorded conflict for path, if any.
func (c *ConflictSet) Get(path string) (Conflict, bool) {
	cf, ok := c.conflicts[path]
	if !ok {
		return Conflict{}, false
	}
	return *cf, true
}

// Resolve marks path as resolved; it is an error to resolve a path that
// was never recorded as conflicted.
func (c *ConflictSet) Resolve(path string) error {
	conflict, ok := c.conflicts[path]
	if !ok {
		return apperr.NewStateError(fmt.Sprintf("merge: %q is not a recorded conflict", path))
	}
	conflict.Resolved = true
	return nil
}

// Unresolved returns every path still awaiting resolution, sorted.
func (c *ConflictSet) Unresolved() []string {
	var out []string
	for p, conflict := range c.conflicts {
		if !conflict.Resolved {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// RequireClean returns apperr.UnresolvedConflict naming every
// still-unresolved path, or nil if none remain — the gate spec.md §4.7
// requires before a merge commit is allowed to proceed.
func (c *ConflictSet) RequireClean() error {
	unresolved := c.Unresolved()
	if len(unresolved) == 0 {
		return nil
	}
	return &apperr.UnresolvedConflict{Paths: unresolved}
}

// EncodeState serializes every conflict (resolved or not) to the
// on-disk merge-state format spec.md §4.7 requires: one line per path
// with its resolved flag and three input nodes, so an interrupted merge
// can be resumed without recomputing the plan from scratch.
func EncodeState(c *ConflictSet) []byte {
	var b bytes.Buffer
	for _, path := range c.paths() {
		cf := c.conflicts[path]
		resolved := "0"
		if cf.Resolved {
			resolved = "1"
		}
		fmt.Fprintf(&b, "%s %s %s %s %s\n", resolved, cf.Base.String(), cf.Local.String(), cf.Other.String(), cf.Path)
	}
	return b.Bytes()
}

// DecodeState rebuilds a ConflictSet from its on-disk form.
func DecodeState(data []byte) (*ConflictSet, error) {
	c := NewConflictSet()
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 5)
		if len(fields) != 5 {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("merge: malformed merge-state line %q", line), nil)
		}
		base, err := nodeid.Parse(fields[1])
		if err != nil {
			return nil, apperr.NewIntegrityError("merge: bad merge-state base node", err)
		}
		local, err := nodeid.Parse(fields[2])
		if err != nil {
			return nil, apperr.NewIntegrityError("merge: bad merge-state local node", err)
		}
		other, err := nodeid.Parse(fields[3])
		if err != nil {
			return nil, apperr.NewIntegrityError("merge: bad merge-state other node", err)
		}
		c.conflicts[fields[4]] = &Conflict{
			Path: fields[4], Resolved: fields[0] == "1",
			Base: base, Local: local, Other: other,
		}
	}
	return c, nil
}

func (c *ConflictSet) paths() []string {
	out := make([]string, 0, len(c.conflicts))
	for p := range c.conflicts {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ToolDriver runs an external three-way merge tool per config.MergeTool,
// substituting $base/$local/$other/$output placeholders the way the
// teacher's config layer already parses Argv with shlex.
type ToolDriver struct {
	Tool config.MergeTool
}

// Run invokes the configured tool against the three temp-file paths and
// returns nil when the tool exits with code 0. It does not check that
// the tool wrote anything to outputPath.
func (d *ToolDriver) Run(basePath, localPath, otherPath, outputPath string) error {
	if len(d.Tool.Argv) == 0 {
		return apperr.NewStateError(fmt.Sprintf("merge: tool %q has no parsed command", d.Tool.Name))
	}
	replacer := strings.NewReplacer(
		"$base", basePath,
		"$local", localPath,
		"$other", otherPath,
		"$output", outputPath,
	)
	argv := make([]string, len(d.Tool.Argv))
	for i, a := range d.Tool.Argv {
		argv[i] = replacer.Replace(a)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return apperr.NewStateError(fmt.Sprintf("merge: tool %q failed: %v", d.Tool.Name, err))
	}
	return nil
}

// RunAuto reads local and other's content before invoking the configured
// tool, and refuses to run it when either side sniffs as binary: a
// line-oriented merge tool corrupts binary content rather than merging
// it, so binary conflicts always fall back to manual resolution.
func (d *ToolDriver) RunAuto(basePath, localPath, otherPath, outputPath string) error {
	local, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	other, err := os.ReadFile(otherPath)
	if err != nil {
		return err
	}
	if IsBinary(local) || IsBinary(other) {
		return apperr.NewStateError("merge: %s and %s differ and at least one is binary, resolve manually", localPath, otherPath)
	}
	return d.Run(basePath, localPath, otherPath, outputPath)
}

// mergeHunk is a contiguous run of base lines one side replaced with its
// own lines, derived from aligning base against that side via longest
// common subsequence. baseStart == baseEnd means a pure insertion at
// that point; otherStart == otherEnd means a pure deletion.
type mergeHunk struct {
	baseStart, baseEnd   int
	otherStart, otherEnd int
}

type lcsPair struct{ i, j int }

// lcsMatches returns the index pairs of a longest common subsequence of
// identical lines between a and b, in increasing order of both indices.
// The textbook O(len(a)*len(b)) dynamic program; fine for the line
// counts a single file revision carries.
func lcsMatches(a, b []string) []lcsPair {
	n, m := len(a), len(b)
	dp := make([][]int32, n+1)
	for i := range dp {
		dp[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			switch {
			case a[i] == b[j]:
				dp[i][j] = dp[i+1][j+1] + 1
			case dp[i+1][j] >= dp[i][j+1]:
				dp[i][j] = dp[i+1][j]
			default:
				dp[i][j] = dp[i][j+1]
			}
		}
	}
	var matches []lcsPair
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			matches = append(matches, lcsPair{i, j})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return matches
}

// diffHunks aligns a (base) against b and returns every maximal run of
// base lines that b replaced, including pure insertions and deletions.
func diffHunks(a, b []string) []mergeHunk {
	matches := lcsMatches(a, b)
	var hunks []mergeHunk
	ai, bi := 0, 0
	for _, m := range matches {
		if m.i > ai || m.j > bi {
			hunks = append(hunks, mergeHunk{ai, m.i, bi, m.j})
		}
		ai, bi = m.i+1, m.j+1
	}
	if ai < len(a) || bi < len(b) {
		hunks = append(hunks, mergeHunk{ai, len(a), bi, len(b)})
	}
	return hunks
}

func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
}

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MergeLines computes the textual three-way merge of base/local/other
// content, spec.md §4.7's per-file core operation for a MergeContent
// decision: local and other are each diffed against base, and the two
// hunk lists are walked together. A region only one side touched is
// applied directly; a region neither side touched is copied through
// unchanged; a region both sides touched is accepted without conflict
// when the resulting text is identical (including the case where both
// sides purely inserted different lines at the same point, which are
// kept in local-then-other order) and conflict-marked otherwise.
//
// TODO: a side with several smaller hunks nested inside a single larger
// hunk from the other side only has its first nested hunk considered;
// this does not affect single-edit-per-region merges.
func MergeLines(base, local, other []byte) (merged []byte, conflict bool) {
	baseLines := splitLines(base)
	localLines := splitLines(local)
	otherLines := splitLines(other)

	lh := diffHunks(baseLines, localLines)
	oh := diffHunks(baseLines, otherLines)

	var out []string
	pos, li, oi := 0, 0, 0
	for pos < len(baseLines) || li < len(lh) || oi < len(oh) {
		for li < len(lh) && lh[li].baseEnd <= pos && lh[li].baseStart < pos {
			li++
		}
		for oi < len(oh) && oh[oi].baseEnd <= pos && oh[oi].baseStart < pos {
			oi++
		}

		hasL := li < len(lh) && lh[li].baseStart <= pos
		hasO := oi < len(oh) && oh[oi].baseStart <= pos

		if !hasL && !hasO {
			next := len(baseLines)
			if li < len(lh) && lh[li].baseStart < next {
				next = lh[li].baseStart
			}
			if oi < len(oh) && oh[oi].baseStart < next {
				next = oh[oi].baseStart
			}
			out = append(out, baseLines[pos:next]...)
			pos = next
			continue
		}

		var curL, curO mergeHunk
		end := pos
		if hasL {
			curL = lh[li]
			li++
			if curL.baseEnd > end {
				end = curL.baseEnd
			}
		}
		if hasO {
			curO = oh[oi]
			oi++
			if curO.baseEnd > end {
				end = curO.baseEnd
			}
		}

		switch {
		case hasL && !hasO:
			out = append(out, localLines[curL.otherStart:curL.otherEnd]...)
		case hasO && !hasL:
			out = append(out, otherLines[curO.otherStart:curO.otherEnd]...)
		default:
			localText := localLines[curL.otherStart:curL.otherEnd]
			otherText := otherLines[curO.otherStart:curO.otherEnd]
			switch {
			case linesEqual(localText, otherText):
				out = append(out, localText...)
			case curL.baseStart == curL.baseEnd && curO.baseStart == curO.baseEnd:
				out = append(out, localText...)
				out = append(out, otherText...)
			default:
				conflict = true
				out = append(out, "<<<<<<< local")
				out = append(out, localText...)
				out = append(out, "=======")
				out = append(out, otherText...)
				out = append(out, ">>>>>>> other")
			}
		}
		if end > pos {
			pos = end
		} else {
			pos++
		}
	}
	return joinLines(out), conflict
}

// Resolve3Way computes the three-way content merge for one MergeContent
// decision (spec.md §4.7). MergeLines runs first as the default path;
// binary content and a remaining conflict both fall back to tool when
// one is configured (nil disables the fallback). The external tool's
// result is preferred over MergeLines's conflict markers when it
// succeeds; otherwise the textual result (conflict-marked if unresolved)
// is kept.
func Resolve3Way(base, local, other []byte, tool *ToolDriver) (merged []byte, conflict bool, err error) {
	if IsBinary(local) || IsBinary(other) {
		if tool == nil {
			return nil, true, nil
		}
		return resolveWithTool(base, local, other, tool)
	}
	merged, conflict = MergeLines(base, local, other)
	if !conflict || tool == nil {
		return merged, conflict, nil
	}
	toolMerged, toolConflict, toolErr := resolveWithTool(base, local, other, tool)
	if toolErr != nil {
		return merged, conflict, nil
	}
	return toolMerged, toolConflict, nil
}

func resolveWithTool(base, local, other []byte, tool *ToolDriver) ([]byte, bool, error) {
	dir, err := os.MkdirTemp("", "vcscore-merge-")
	if err != nil {
		return nil, true, err
	}
	defer os.RemoveAll(dir)
	basePath := filepath.Join(dir, "base")
	localPath := filepath.Join(dir, "local")
	otherPath := filepath.Join(dir, "other")
	outputPath := filepath.Join(dir, "output")
	if err := os.WriteFile(basePath, base, 0o644); err != nil {
		return nil, true, err
	}
	if err := os.WriteFile(localPath, local, 0o644); err != nil {
		return nil, true, err
	}
	if err := os.WriteFile(otherPath, other, 0o644); err != nil {
		return nil, true, err
	}
	if err := tool.Run(basePath, localPath, otherPath, outputPath); err != nil {
		return nil, true, err
	}
	mergedData, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, true, err
	}
	return mergedData, false, nil
}
