// Package repo ties every store and working-copy component into the
// single owning façade spec.md §9's ownership-inversion redesign flag
// calls for: a repository owns the store components (changelog,
// manifest, filelogs, bookmarks, phases, obsolescence markers) and a
// sibling working-copy handle (dirstate), rather than those components
// reaching back up into a shared god-object or patching each other at
// runtime. A transaction borrows components for its lifetime; nothing
// outlives the repo that created it.
//
// Grounded on the teacher's GitP4Transfer struct and NewGitP4Transfer
// constructor: one struct holding every collaborator plus options,
// built by a single constructor, with behavior methods hung directly
// off it.
package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/bookmark"
	"github.com/rcowham/vcscore/bundle"
	"github.com/rcowham/vcscore/changelog"
	"github.com/rcowham/vcscore/config"
	"github.com/rcowham/vcscore/dag"
	"github.com/rcowham/vcscore/dirstate"
	"github.com/rcowham/vcscore/filelog"
	"github.com/rcowham/vcscore/hooks"
	"github.com/rcowham/vcscore/lock"
	"github.com/rcowham/vcscore/manifest"
	"github.com/rcowham/vcscore/merge"
	"github.com/rcowham/vcscore/nodeid"
	"github.com/rcowham/vcscore/obsolete"
	"github.com/rcowham/vcscore/pathencode"
	"github.com/rcowham/vcscore/phase"
	"github.com/rcowham/vcscore/revlog"
	"github.com/rcowham/vcscore/txn"
	"github.com/rcowham/vcscore/vfs"
)

const (
	configFileName      = "config.yaml"
	bookmarksFileName   = "bookmarks"
	phaseFileName       = "phaseroots"
	obsmarkersFile      = "obsstore"
	dirstateFileName    = "dirstate"
	journalFileName     = "journal"
	undoFileName        = "undo"
	storeLockName       = "store"
	wlockName           = "wlock"
	mergestateFileName = "mergestate"
)

// Repo is the repository façade: it owns every store component plus the
// working-copy dirstate, and exposes the operations cmd/vcscore drives.
type Repo struct {
	root string
	cfg  *config.Config

	storeVFS *vfs.VFS
	wcVFS    *vfs.VFS
	storeDir string

	changelog *changelog.Changelog
	manifest  *manifest.Manifest

	filelogMu sync.Mutex
	filelogs  map[string]*filelog.Filelog

	bookmarks  *bookmark.Store
	phaseRoots *phase.Roots
	obsolete   *obsolete.Store

	dirstate *dirstate.Dirstate

	Hooks *hooks.Registry
}

// Init creates a new repository at root with cfg (DefaultConfig() if
// nil) and returns it open.
func Init(root string, cfg *config.Config) (*Repo, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	storeDir := filepath.Join(root, cfg.StoreDirName)
	if _, err := os.Stat(storeDir); err == nil {
		return nil, apperr.NewRepoError("repository already exists at %s", root)
	}
	if err := os.MkdirAll(filepath.Join(storeDir, "data"), 0o755); err != nil {
		return nil, apperr.WrapRepoError(err, "creating store directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.WrapRepoError(err, "creating working directory")
	}

	cfgBytes, err := marshalConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(storeDir, configFileName), cfgBytes, 0o644); err != nil {
		return nil, apperr.WrapRepoError(err, "writing config")
	}

	r, err := open(root, cfg, storeDir)
	if err != nil {
		return nil, err
	}
	if err := r.persistBookmarks(); err != nil {
		return nil, err
	}
	if err := r.persistPhaseRoots(); err != nil {
		return nil, err
	}
	if err := r.persistObsmarkers(); err != nil {
		return nil, err
	}
	if err := r.persistDirstate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Open opens an existing repository rooted at root.
func Open(root string) (*Repo, error) {
	cfg := config.DefaultConfig()
	storeDir := ""
	for _, candidate := range []string{cfg.StoreDirName, ".vcscore", ".vcs"} {
		p := filepath.Join(root, candidate)
		if _, err := os.Stat(p); err == nil {
			storeDir = p
			cfg.StoreDirName = candidate
			break
		}
	}
	if storeDir == "" {
		return nil, apperr.NewRepoError("no repository found at %s", root)
	}
	if cfgPath := filepath.Join(storeDir, configFileName); fileExists(cfgPath) {
		loaded, err := config.LoadConfigFile(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return open(root, cfg, storeDir)
}

func open(root string, cfg *config.Config, storeDir string) (*Repo, error) {
	storeVFS := vfs.New(storeDir).WithEncoding(func(p string) string {
		enc, err := pathencode.Encode(p, cfg.PathAudit.WindowsReservedNames)
		if err != nil {
			return p
		}
		return enc
	})
	wcVFS := vfs.New(root)

	cl, err := changelog.Open(filepath.Join(storeDir, "00changelog.i"), filepath.Join(storeDir, "00changelog.d"))
	if err != nil {
		return nil, err
	}
	mf, err := manifest.Open(filepath.Join(storeDir, "00manifest.i"), filepath.Join(storeDir, "00manifest.d"))
	if err != nil {
		return nil, err
	}

	r := &Repo{
		root:      root,
		cfg:       cfg,
		storeVFS:  storeVFS,
		wcVFS:     wcVFS,
		storeDir:  storeDir,
		changelog: cl,
		manifest:  mf,
		filelogs:  make(map[string]*filelog.Filelog),
		Hooks:     hooks.New(),
	}

	r.bookmarks, err = loadOrEmptyBookmarks(filepath.Join(storeDir, bookmarksFileName))
	if err != nil {
		return nil, err
	}
	r.phaseRoots, err = loadOrEmptyPhaseRoots(filepath.Join(storeDir, phaseFileName))
	if err != nil {
		return nil, err
	}
	r.obsolete, err = loadOrEmptyObsolete(filepath.Join(storeDir, obsmarkersFile))
	if err != nil {
		return nil, err
	}
	r.dirstate, err = loadOrEmptyDirstate(filepath.Join(storeDir, dirstateFileName), wcVFS, cfg)
	if err != nil {
		return nil, err
	}

	if err := txn.Recover(filepath.Join(storeDir, journalFileName), r.lookupRevlog); err != nil {
		return nil, err
	}

	return r, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func marshalConfig(cfg *config.Config) ([]byte, error) {
	// config.Config doesn't export a Marshal helper; this writes only
	// store_dir, default_branch, rename_threshold and ancestor_policy
	// under their yaml keys. Merge tools, path-audit policy, mandatory
	// bundle parts and lock settings are not written, so a repository
	// opened from this copy gets their default values.
	return []byte(fmt.Sprintf(
		"store_dir: %s\ndefault_branch: %s\nrename_threshold: %d\nancestor_policy: %s\n",
		cfg.StoreDirName, cfg.DefaultBranch, cfg.RenameThreshold, cfg.AncestorPolicy,
	)), nil
}

func loadOrEmptyBookmarks(path string) (*bookmark.Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bookmark.NewStore(), nil
		}
		return nil, apperr.WrapRepoError(err, "reading bookmarks")
	}
	return bookmark.Load(data)
}

func loadOrEmptyPhaseRoots(path string) (*phase.Roots, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &phase.Roots{}, nil
		}
		return nil, apperr.WrapRepoError(err, "reading phase roots")
	}
	return phase.Decode(data)
}

func loadOrEmptyObsolete(path string) (*obsolete.Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return obsolete.NewStore(nil), nil
		}
		return nil, apperr.WrapRepoError(err, "reading obsolescence markers")
	}
	markers, err := obsolete.DecodeAll(data)
	if err != nil {
		return nil, err
	}
	return obsolete.NewStore(markers), nil
}

func loadOrEmptyDirstate(path string, wcVFS *vfs.VFS, cfg *config.Config) (*dirstate.Dirstate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dirstate.New(wcVFS, cfg.PathAudit.WindowsReservedNames, cfg.PathAudit.CaseInsensitiveFS), nil
		}
		return nil, apperr.WrapRepoError(err, "reading dirstate")
	}
	return dirstate.Decode(data, wcVFS, cfg.PathAudit.WindowsReservedNames, cfg.PathAudit.CaseInsensitiveFS)
}

func (r *Repo) persistBookmarks() error {
	data, err := r.bookmarks.Save()
	if err != nil {
		return err
	}
	return r.storeVFS.WriteFileAtomic(bookmarksFileName, data, 0o644)
}

func (r *Repo) persistPhaseRoots() error {
	return r.storeVFS.WriteFileAtomic(phaseFileName, r.phaseRoots.Encode(), 0o644)
}

func (r *Repo) persistObsmarkers() error {
	var out []byte
	for _, m := range r.obsolete.Markers() {
		out = append(out, obsolete.Encode(m)...)
	}
	return r.storeVFS.WriteFileAtomic(obsmarkersFile, out, 0o644)
}

func (r *Repo) persistDirstate() error {
	return r.storeVFS.WriteFileAtomic(dirstateFileName, dirstate.Encode(r.dirstate), 0o644)
}

// persistMergeState writes the current conflict set to the mergestate
// file, so an interrupted update/merge can be resumed without
// recomputing the plan (spec.md §4.7 "Conflict recording").
func (r *Repo) persistMergeState(c *merge.ConflictSet) error {
	return r.storeVFS.WriteFileAtomic(mergestateFileName, merge.EncodeState(c), 0o644)
}

// loadMergeState reads the mergestate file, returning an empty set if
// none exists (no merge in progress).
func (r *Repo) loadMergeState() (*merge.ConflictSet, error) {
	data, err := os.ReadFile(filepath.Join(r.storeDir, mergestateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return merge.NewConflictSet(), nil
		}
		return nil, apperr.WrapRepoError(err, "reading merge state")
	}
	return merge.DecodeState(data)
}

// Dirstate exposes the working-copy state handle.
func (r *Repo) Dirstate() *dirstate.Dirstate { return r.dirstate }

// Bookmarks exposes the bookmark store.
func (r *Repo) Bookmarks() *bookmark.Store { return r.bookmarks }

// Changelog exposes the changelog.
func (r *Repo) Changelog() *changelog.Changelog { return r.changelog }

// Manifest exposes the manifest.
func (r *Repo) Manifest() *manifest.Manifest { return r.manifest }

// Root returns the working-copy root path.
func (r *Repo) Root() string { return r.root }

// PersistDirstate writes the current dirstate to the store, for callers
// (the CLI's add/remove commands) that mutate it outside Commit.
func (r *Repo) PersistDirstate() error { return r.persistDirstate() }

// PersistBookmarks writes the current bookmark store, for callers (the
// CLI's bookmark command) that mutate it directly.
func (r *Repo) PersistBookmarks() error { return r.persistBookmarks() }

// lookupRevlog resolves an index path to its live *revlog.Revlog, for
// txn.Recover's crash-truncation path. Only the changelog, manifest,
// and currently-open filelogs are tracked; an untracked path falls back
// to Recover's raw os.Truncate path.
func (r *Repo) lookupRevlog(indexPath string) (txn.Revlog, bool) {
	if indexPath == r.changelog.Revlog().IndexPath() {
		return r.changelog.Revlog(), true
	}
	if indexPath == r.manifest.Revlog().IndexPath() {
		return r.manifest.Revlog(), true
	}
	r.filelogMu.Lock()
	defer r.filelogMu.Unlock()
	for _, fl := range r.filelogs {
		if fl.Revlog().IndexPath() == indexPath {
			return fl.Revlog(), true
		}
	}
	return nil, false
}

// filelogFor opens (caching) the filelog for a tracked path.
func (r *Repo) filelogFor(path string) (*filelog.Filelog, error) {
	r.filelogMu.Lock()
	defer r.filelogMu.Unlock()
	if fl, ok := r.filelogs[path]; ok {
		return fl, nil
	}
	enc, err := pathencode.Encode(path, r.cfg.PathAudit.WindowsReservedNames)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(r.storeDir, "data", filepath.Dir(enc))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.WrapRepoError(err, "creating filelog directory")
	}
	base := filepath.Join(r.storeDir, "data", enc)
	fl, err := filelog.Open(path, base+".i", base+".d")
	if err != nil {
		return nil, err
	}
	r.filelogs[path] = fl
	return fl, nil
}

// dagView adapts the changelog onto dag.Graph plus node<->rev lookups,
// the shape discovery, phase.NewTracker, and obsolete.HiddenSet all
// need from the changeset DAG.
type dagView struct {
	cl *changelog.Changelog
}

func (v dagView) Parents(rev dag.Rev) (dag.Rev, dag.Rev) {
	p1, p2, err := v.cl.Parents(revlog.Rev(rev))
	if err != nil {
		return dag.NullRev, dag.NullRev
	}
	return dag.Rev(p1), dag.Rev(p2)
}

func (v dagView) Len() int { return v.cl.Len() }

func (v dagView) Node(r dag.Rev) nodeid.Node {
	n, err := v.cl.Node(revlog.Rev(r))
	if err != nil {
		return nodeid.Null
	}
	return n
}

func (v dagView) Rev(n nodeid.Node) (dag.Rev, bool) {
	rev, ok := v.cl.Rev(n)
	return dag.Rev(rev), ok
}

func (v dagView) Heads() []dag.Rev {
	heads := v.cl.Heads()
	out := make([]dag.Rev, len(heads))
	for i, h := range heads {
		out[i] = dag.Rev(h)
	}
	return out
}

func (v dagView) Known(n nodeid.Node) bool {
	_, ok := v.cl.Rev(n)
	return ok
}

// DAG returns the adapter so discovery and other dag-level algorithms
// can operate over the changelog without repo depending on them.
func (r *Repo) DAG() dagView { return dagView{cl: r.changelog} }

// HeadNodes returns every changelog head's node, satisfying
// peer.Backend.
func (r *Repo) HeadNodes() ([]nodeid.Node, error) {
	v := r.DAG()
	heads := v.Heads()
	out := make([]nodeid.Node, len(heads))
	for i, h := range heads {
		out[i] = v.Node(h)
	}
	return out, nil
}

// KnownNodes reports which of nodes exist locally, satisfying
// peer.Backend.
func (r *Repo) KnownNodes(nodes []nodeid.Node) ([]bool, error) {
	out := make([]bool, len(nodes))
	for i, n := range nodes {
		_, out[i] = r.changelog.Rev(n)
	}
	return out, nil
}

// PhaseTracker computes the current phase of every local rev.
func (r *Repo) PhaseTracker() *phase.Tracker {
	v := r.DAG()
	return phase.NewTracker(v, r.phaseRoots, func(n nodeid.Node) (dag.Rev, bool) { return v.Rev(n) })
}

// HiddenSet computes the set of obsolete-and-invisible nodes, pinning
// bookmarks and the working copy's parents visible regardless.
func (r *Repo) HiddenSet() map[nodeid.Node]struct{} {
	v := r.DAG()
	ng := obsolete.NewNodeGraph(v, func(n nodeid.Node) (dag.Rev, bool) { return v.Rev(n) }, func(rv dag.Rev) (nodeid.Node, error) {
		n, err := r.changelog.Node(revlog.Rev(rv))
		return n, err
	})
	var pinned []nodeid.Node
	p1, p2 := r.dirstate.Parents()
	if !p1.IsNull() {
		pinned = append(pinned, p1)
	}
	if !p2.IsNull() {
		pinned = append(pinned, p2)
	}
	for _, name := range r.bookmarks.Names() {
		if n, ok := r.bookmarks.Get(name); ok {
			pinned = append(pinned, n)
		}
	}
	markerLen := int64(len(r.obsolete.Markers()))
	return r.obsolete.HiddenSet(ng, r.changelog.Len(), markerLen, pinned)
}

// CommitInput describes one new changeset to record.
type CommitInput struct {
	User  string
	Time  int64
	TZOff int
	Desc  string
	Extra map[string]string
}

// Commit records every dirstate entry not in StateClean as a new
// changeset: it writes a new filelog revision for each changed path, a
// new manifest revision covering the full tree, and a new changelog
// entry pointing at both, all inside one transaction so a crash midway
// leaves no partially-applied commit. Hooks precommit/postcommit run
// around the transaction per spec.md §9's event interface.
func (r *Repo) Commit(in CommitInput) (nodeid.Node, error) {
	wlock, err := lock.Acquire(wlockName, filepath.Join(r.storeDir, wlockName), 30*time.Second)
	if err != nil {
		return nodeid.Null, err
	}
	defer wlock.Release()

	conflicts, err := r.loadMergeState()
	if err != nil {
		return nodeid.Null, err
	}
	if err := conflicts.RequireClean(); err != nil {
		return nodeid.Null, err
	}

	ctx := hookContext()
	if err := r.Hooks.Run(ctx, hooks.PreCommit, hooks.Args{Repo: r.root}); err != nil {
		return nodeid.Null, err
	}

	t, err := txn.Begin(filepath.Join(r.storeDir, journalFileName), filepath.Join(r.storeDir, undoFileName))
	if err != nil {
		return nodeid.Null, err
	}
	if err := t.Track(r.manifest.Revlog()); err != nil {
		return nodeid.Null, err
	}
	if err := t.Track(r.changelog.Revlog()); err != nil {
		return nodeid.Null, err
	}

	p1, p2 := r.dirstate.Parents()
	p1Rev, _ := r.changelog.Rev(p1)
	p2Rev, _ := r.changelog.Rev(p2)
	if p1.IsNull() {
		p1Rev = revlog.NullRev
	}
	if p2.IsNull() {
		p2Rev = revlog.NullRev
	}

	baseEntries, err := r.manifestEntriesAt(p1Rev)
	if err != nil {
		_ = t.Abort()
		return nodeid.Null, err
	}
	byPath := make(map[string]manifest.Entry, len(baseEntries))
	for _, e := range baseEntries {
		byPath[e.Path] = e
	}

	// linkRev is the changelog rev this commit is about to become: the
	// next dense index, since revs are assigned sequentially and this
	// transaction appends exactly one changelog entry.
	linkRev := revlog.Rev(r.changelog.Len())

	var touched []string
	for _, entry := range r.dirstate.Entries() {
		switch entry.State {
		case dirstate.StateRemoved:
			delete(byPath, entry.Path)
			touched = append(touched, entry.Path)
		case dirstate.StateAdded, dirstate.StateMerged:
			fl, err := r.filelogFor(entry.Path)
			if err != nil {
				_ = t.Abort()
				return nodeid.Null, err
			}
			if err := t.Track(fl.Revlog()); err != nil {
				_ = t.Abort()
				return nodeid.Null, err
			}
			data, err := r.wcVFS.ReadFile(entry.Path)
			if err != nil {
				_ = t.Abort()
				return nodeid.Null, err
			}
			parentRev := revlog.NullRev
			if prior, ok := byPath[entry.Path]; ok {
				if pr, ok := fl.Revlog().Rev(prior.Node); ok {
					parentRev = pr
				}
			}
			rev := filelog.Revision{Data: data, CopyFrom: entry.CopyFrom}
			_, node, err := fl.Add(rev, parentRev, revlog.NullRev, linkRev)
			if err != nil {
				_ = t.Abort()
				return nodeid.Null, err
			}
			byPath[entry.Path] = manifest.Entry{Path: entry.Path, Node: node}
			touched = append(touched, entry.Path)
		}
	}
	sort.Strings(touched)

	entries := make([]manifest.Entry, 0, len(byPath))
	for _, e := range byPath {
		entries = append(entries, e)
	}
	manifest.SortEntries(entries)
	_, manifestNode, err := r.manifest.Add(entries, p1Rev, p2Rev, linkRev)
	if err != nil {
		_ = t.Abort()
		return nodeid.Null, err
	}

	cs := changelog.Changeset{
		Manifest: manifestNode,
		User:     in.User,
		Time:     in.Time,
		TZOffset: in.TZOff,
		Extra:    in.Extra,
		Files:    touched,
		Desc:     in.Desc,
	}
	_, csNode, err := r.changelog.Add(cs, p1Rev, p2Rev)
	if err != nil {
		_ = t.Abort()
		return nodeid.Null, err
	}

	if err := r.Hooks.Run(ctx, hooks.PreTxnCommit, hooks.Args{Repo: r.root, Node: csNode.String()}); err != nil {
		_ = t.Abort()
		return nodeid.Null, err
	}

	if err := t.Commit(); err != nil {
		return nodeid.Null, err
	}

	for _, path := range touched {
		if e, ok := byPath[path]; ok {
			fi, statErr := r.wcVFS.Stat(path)
			var size, mtime int64
			if statErr == nil {
				size = fi.Size()
				mtime = fi.ModTime().UnixNano()
			}
			r.dirstate.SetClean(path, e.Node, size, mtime)
		} else {
			r.dirstate.Forget(path)
		}
	}
	r.dirstate.SetParents(csNode, nodeid.Null)
	if err := r.persistDirstate(); err != nil {
		return nodeid.Null, err
	}
	if err := r.persistMergeState(merge.NewConflictSet()); err != nil {
		return nodeid.Null, err
	}

	_ = r.Hooks.Run(ctx, hooks.PostCommit, hooks.Args{Repo: r.root, Node: csNode.String()})
	return csNode, nil
}

func (r *Repo) manifestEntriesAt(rev revlog.Rev) ([]manifest.Entry, error) {
	if rev == revlog.NullRev {
		return nil, nil
	}
	return r.manifest.Read(rev)
}

func entriesByPath(entries []manifest.Entry) map[string]manifest.Entry {
	out := make(map[string]manifest.Entry, len(entries))
	for _, e := range entries {
		out[e.Path] = e
	}
	return out
}

func toMergeManifest(byPath map[string]manifest.Entry) merge.Manifest {
	out := make(merge.Manifest, len(byPath))
	for p, e := range byPath {
		out[p] = e.Node
	}
	return out
}

// pickAncestor resolves the merge base between a and b: the sole common
// ancestor when there is one, or a deterministic tie-break among several
// per cfg.AncestorPolicy when the DAG contains more than one greatest
// common ancestor (spec.md Open Question #1, SPEC_FULL.md §E.1).
func (r *Repo) pickAncestor(v dagView, a, b dag.Rev) dag.Rev {
	common := dag.CommonAncestors(v, a, b).Sorted()
	if len(common) == 0 {
		return dag.NullRev
	}
	if len(common) == 1 {
		return common[0]
	}
	if r.cfg.AncestorPolicy == config.AncestorFirstParent {
		return common[0]
	}
	best := common[0]
	bestNode := v.Node(best)
	for _, c := range common[1:] {
		if n := v.Node(c); n.Less(bestNode) {
			best, bestNode = c, n
		}
	}
	return best
}

// mergeTool returns the ToolDriver backing an unresolved MergeContent
// decision, or nil if no merge tool is configured (Resolve3Way's default
// textual merge then has no external fallback and keeps conflict marks).
func (r *Repo) mergeTool() *merge.ToolDriver {
	if len(r.cfg.MergeTools) == 0 {
		return nil
	}
	return &merge.ToolDriver{Tool: r.cfg.MergeTools[0]}
}

// fileContentAt reads one path's content as of node, via its filelog.
// A Null node (a path absent from that side) returns nil content.
func (r *Repo) fileContentAt(path string, node nodeid.Node) ([]byte, error) {
	if node.IsNull() {
		return nil, nil
	}
	fl, err := r.filelogFor(path)
	if err != nil {
		return nil, err
	}
	rev, ok := fl.Revlog().Rev(node)
	if !ok {
		return nil, apperr.NewIntegrityError(fmt.Sprintf("update: %q has no filelog revision for node %s", path, node), nil)
	}
	revision, err := fl.Read(rev)
	if err != nil {
		return nil, err
	}
	return revision.Data, nil
}

// getPath writes other's content for path into the working copy and
// records path clean against that content, for Get decisions and plain
// rename adoption; SetClean creates the entry if path wasn't tracked.
func (r *Repo) getPath(path string, entry manifest.Entry) error {
	content, err := r.fileContentAt(path, entry.Node)
	if err != nil {
		return err
	}
	if err := r.wcVFS.WriteFileAtomic(path, content, 0o644); err != nil {
		return err
	}
	var size, mtime int64
	if fi, statErr := r.wcVFS.Stat(path); statErr == nil {
		size, mtime = fi.Size(), fi.ModTime().UnixNano()
	}
	r.dirstate.SetClean(path, entry.Node, size, mtime)
	return nil
}

// removePath deletes path from the working copy and tracking.
func (r *Repo) removePath(path string) error {
	if err := r.wcVFS.Unlink(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, tracked := r.dirstate.Get(path); !tracked {
		return nil
	}
	return r.dirstate.Remove(path)
}

// mergeContentAtPaths runs the three-way content merge when the three
// inputs may live under different paths (one side renamed the file
// since base): basePath/localPath/otherPath each name the filelog to
// read that side's content from, while destPath is where the merged
// result (conflict-marked if unresolved) lands in the working copy and
// dirstate. An unresolved result is recorded in conflicts with its three
// input nodes (spec.md §4.7 "Conflict recording").
func (r *Repo) mergeContentAtPaths(destPath, basePath string, baseNode nodeid.Node, localPath string, localNode nodeid.Node, otherPath string, otherNode nodeid.Node, tool *merge.ToolDriver, conflicts *merge.ConflictSet) error {
	baseContent, err := r.fileContentAt(basePath, baseNode)
	if err != nil {
		return err
	}
	localContent, err := r.fileContentAt(localPath, localNode)
	if err != nil {
		return err
	}
	otherContent, err := r.fileContentAt(otherPath, otherNode)
	if err != nil {
		return err
	}
	merged, conflict, err := merge.Resolve3Way(baseContent, localContent, otherContent, tool)
	if err != nil {
		return err
	}
	if merged == nil {
		// One side deleted the path while the other kept editing it: there
		// is no textual merge to attempt, only a manual choice. Keep
		// whichever side still has content so nothing vanishes silently.
		merged = localContent
		if merged == nil {
			merged = otherContent
		}
		conflict = true
	}
	if err := r.wcVFS.WriteFileAtomic(destPath, merged, 0o644); err != nil {
		return err
	}
	if _, tracked := r.dirstate.Get(destPath); !tracked {
		if err := r.dirstate.Add(destPath); err != nil {
			return err
		}
	}
	if err := r.dirstate.MarkMerged(destPath); err != nil {
		return err
	}
	if conflict {
		conflicts.Record(destPath, baseNode, localNode, otherNode)
	}
	return nil
}

// mergeContentPath is mergeContentAtPaths for the common case where
// base/local/other all share the same path.
func (r *Repo) mergeContentPath(path string, base, local, other manifest.Entry, tool *merge.ToolDriver, conflicts *merge.ConflictSet) error {
	return r.mergeContentAtPaths(path, path, base.Node, path, local.Node, path, other.Node, tool, conflicts)
}

// createKeptPath implements the CreateKept decision: local's content
// stays at path under its own name (already there, untouched), and
// other's unrelated content is written alongside under a ".orig" suffix
// rather than forced through a content merge of two unrelated files.
// Unlike getPath, the sidecar path has no manifest entry of its own yet,
// so it is tracked as newly added rather than clean against other.Node.
func (r *Repo) createKeptPath(path string, other manifest.Entry) error {
	content, err := r.fileContentAt(path, other.Node)
	if err != nil {
		return err
	}
	keptPath := path + ".orig"
	if err := r.wcVFS.WriteFileAtomic(keptPath, content, 0o644); err != nil {
		return err
	}
	return r.dirstate.Add(keptPath)
}

// applyDecision performs the working-copy effect of one merge.Decision.
func (r *Repo) applyDecision(d merge.Decision, base, local, other map[string]manifest.Entry, tool *merge.ToolDriver, conflicts *merge.ConflictSet) error {
	switch d.Action {
	case merge.Keep:
		return nil
	case merge.Get:
		return r.getPath(d.Path, other[d.Path])
	case merge.Remove:
		return r.removePath(d.Path)
	case merge.MergeContent:
		return r.mergeContentPath(d.Path, base[d.Path], local[d.Path], other[d.Path], tool, conflicts)
	case merge.CreateKept:
		return r.createKeptPath(d.Path, other[d.Path])
	default:
		return nil
	}
}

// contentDiff returns, relative to base, the content of every path side
// removed (for a removed path, base's own content) and every path side
// added (that path's own content) — the {removed, added} maps
// merge.DetectRenames compares by line-set similarity.
func (r *Repo) contentDiff(base, side map[string]manifest.Entry) (removed, added map[string][]byte, err error) {
	removed = make(map[string][]byte)
	added = make(map[string][]byte)
	for p, e := range base {
		if _, ok := side[p]; !ok {
			content, err := r.fileContentAt(p, e.Node)
			if err != nil {
				return nil, nil, err
			}
			removed[p] = content
		}
	}
	for p, e := range side {
		if _, ok := base[p]; !ok {
			content, err := r.fileContentAt(p, e.Node)
			if err != nil {
				return nil, nil, err
			}
			added[p] = content
		}
	}
	return removed, added, nil
}

// resolveRenames implements spec.md §4.7 step 3: a path renamed on one
// side since the ancestor is matched, by content similarity, against the
// other side's edit of the same original path, so a rename competing
// against an independent edit merges the edit into the renamed file
// instead of being planned as an unrelated delete/add pair. Renames that
// both sides made to different destinations are recorded as
// DivergentRename and both destinations survive. It returns a report of
// the decisions it made plus the set of paths its resolution already
// applied, for the caller to exclude from the generic per-path plan.
func (r *Repo) resolveRenames(base, local, other map[string]manifest.Entry, tool *merge.ToolDriver, conflicts *merge.ConflictSet) ([]merge.Decision, map[string]bool, error) {
	excluded := make(map[string]bool)
	var report []merge.Decision

	localRemoved, localAdded, err := r.contentDiff(base, local)
	if err != nil {
		return nil, nil, err
	}
	otherRemoved, otherAdded, err := r.contentDiff(base, other)
	if err != nil {
		return nil, nil, err
	}

	localRenames := merge.DetectRenames(localRemoved, localAdded, r.cfg.RenameThreshold)
	otherRenames := merge.DetectRenames(otherRemoved, otherAdded, r.cfg.RenameThreshold)

	otherTo := make(map[string]merge.RenameMatch, len(otherRenames))
	for _, m := range otherRenames {
		otherTo[m.From] = m
	}
	localTo := make(map[string]merge.RenameMatch, len(localRenames))
	for _, m := range localRenames {
		localTo[m.From] = m
	}

	for _, m := range localRenames {
		if om, divergent := otherTo[m.From]; divergent && om.To != m.To {
			if err := r.getPath(om.To, other[om.To]); err != nil {
				return nil, nil, err
			}
			excluded[m.From] = true
			excluded[m.To] = true
			excluded[om.To] = true
			report = append(report, merge.Decision{
				Path:   m.From + " -> " + m.To + " | " + om.To,
				Action: merge.DivergentRename,
				Reason: fmt.Sprintf("renamed to %q locally and %q remotely", m.To, om.To),
			})
			continue
		}
		otherEntry, stillInOther := other[m.From]
		if !stillInOther {
			continue // other side also lost the original path; nothing to reconcile
		}
		if otherEntry.Node == base[m.From].Node {
			excluded[m.From] = true
			continue // unchanged remotely, local's rename already wins
		}
		if err := r.mergeContentAtPaths(m.To, m.From, base[m.From].Node, m.To, local[m.To].Node, m.From, otherEntry.Node, tool, conflicts); err != nil {
			return nil, nil, err
		}
		excluded[m.From] = true
		excluded[m.To] = true
		report = append(report, merge.Decision{
			Path: m.To, Action: merge.MergeContent,
			Reason: fmt.Sprintf("renamed from %q locally (%.0f%% similar), merged against remote edit", m.From, m.Similarity*100),
		})
	}

	for _, m := range otherRenames {
		if excluded[m.From] || excluded[m.To] {
			continue
		}
		if _, divergent := localTo[m.From]; divergent {
			continue // already handled from the local side above
		}
		localEntry, stillInLocal := local[m.From]
		if !stillInLocal {
			continue
		}
		if localEntry.Node == base[m.From].Node {
			if err := r.getPath(m.To, other[m.To]); err != nil {
				return nil, nil, err
			}
			if err := r.removePath(m.From); err != nil {
				return nil, nil, err
			}
			excluded[m.From] = true
			excluded[m.To] = true
			report = append(report, merge.Decision{
				Path: m.To, Action: merge.Get,
				Reason: fmt.Sprintf("renamed from %q remotely (%.0f%% similar), unchanged locally", m.From, m.Similarity*100),
			})
			continue
		}
		if err := r.mergeContentAtPaths(m.To, m.From, base[m.From].Node, m.From, localEntry.Node, m.To, other[m.To].Node, tool, conflicts); err != nil {
			return nil, nil, err
		}
		if err := r.removePath(m.From); err != nil {
			return nil, nil, err
		}
		excluded[m.From] = true
		excluded[m.To] = true
		report = append(report, merge.Decision{
			Path: m.To, Action: merge.MergeContent,
			Reason: fmt.Sprintf("renamed from %q remotely (%.0f%% similar), merged against local edit", m.From, m.Similarity*100),
		})
	}

	localGrouped, _ := merge.GroupDirectoryRenames(localRenames)
	otherGrouped, _ := merge.GroupDirectoryRenames(otherRenames)
	report = append(report, localGrouped...)
	report = append(report, otherGrouped...)

	return report, excluded, nil
}

// mergeActionOrder fixes the apply order spec.md §4.7 requires: every
// Remove happens before any Get, and every Get before any content merge,
// so a path that is both removed and reused as a rename destination in
// the same update never observes a half-applied intermediate state.
func mergeActionOrder(a merge.Action) int {
	switch a {
	case merge.Remove:
		return 0
	case merge.Get:
		return 1
	default:
		return 2
	}
}

// Update moves the working copy from its current first parent to
// target, computing a three-way merge plan over (merge base, current
// parent, target) and applying it to the working copy and dirstate
// (spec.md §4.7). It holds the working-copy lock for its whole
// duration and polls ctx between actions so a caller can cancel a
// long-running update; a cancellation leaves the partially-applied
// dirstate and merge state on disk so the update can be resumed rather
// than repeated from scratch (spec.md §4.7 "Cancellation").
//
// allowMerge distinguishes the CLI's two entry points onto the same
// engine: update (false) only moves along a single line of history,
// refusing a target that diverges from the working copy's parent;
// merge (true) explicitly combines two divergent lines and always
// records target as the working copy's second parent pending the next
// commit, even when every file merged cleanly.
func (r *Repo) Update(ctx context.Context, target dag.Rev, allowMerge bool) ([]merge.Decision, error) {
	wlock, err := lock.Acquire(wlockName, filepath.Join(r.storeDir, wlockName), 30*time.Second)
	if err != nil {
		return nil, err
	}
	defer wlock.Release()

	v := r.DAG()
	targetNode := v.Node(target)
	if targetNode.IsNull() {
		return nil, apperr.NewInputError("update: unknown revision %d", target)
	}

	p1, p2 := r.dirstate.Parents()
	if !p2.IsNull() {
		return nil, apperr.NewStateError("update: a merge is already in progress (second parent %s); resolve and commit it first", p2.Short())
	}

	localRev := dag.NullRev
	if !p1.IsNull() {
		lr, ok := v.Rev(p1)
		if !ok {
			return nil, apperr.NewRepoError("update: working copy parent %s is not a known revision", p1)
		}
		localRev = lr
	}
	if localRev == target {
		return nil, nil
	}

	baseRev := dag.NullRev
	if localRev != dag.NullRev {
		baseRev = r.pickAncestor(v, localRev, target)
	}
	divergent := localRev != dag.NullRev && baseRev != localRev && baseRev != target
	if !divergent {
		// A linear move takes every difference from target's side.
		baseRev = localRev
	}
	if divergent && !allowMerge {
		return nil, apperr.NewInputError("update: %s is not an ancestor or descendant of the working copy parent; use merge to combine", targetNode.Short())
	}

	baseEntries, err := r.manifestEntriesAt(revlog.Rev(baseRev))
	if err != nil {
		return nil, err
	}
	localEntries, err := r.manifestEntriesAt(revlog.Rev(localRev))
	if err != nil {
		return nil, err
	}
	otherEntries, err := r.manifestEntriesAt(revlog.Rev(target))
	if err != nil {
		return nil, err
	}
	baseByPath := entriesByPath(baseEntries)
	localByPath := entriesByPath(localEntries)
	otherByPath := entriesByPath(otherEntries)

	tool := r.mergeTool()
	conflicts, err := r.loadMergeState()
	if err != nil {
		return nil, err
	}

	report, excluded, err := r.resolveRenames(baseByPath, localByPath, otherByPath, tool, conflicts)
	if err != nil {
		return nil, err
	}

	decisions := merge.Plan(toMergeManifest(baseByPath), toMergeManifest(localByPath), toMergeManifest(otherByPath))
	var filtered []merge.Decision
	for _, d := range decisions {
		if excluded[d.Path] {
			continue
		}
		filtered = append(filtered, d)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return mergeActionOrder(filtered[i].Action) < mergeActionOrder(filtered[j].Action)
	})

	for _, d := range filtered {
		if err := ctx.Err(); err != nil {
			_ = r.persistMergeState(conflicts)
			_ = r.persistDirstate()
			return nil, apperr.NewStateError("update: cancelled with %d of %d actions applied: %v", len(report), len(filtered), err)
		}
		if err := r.applyDecision(d, baseByPath, localByPath, otherByPath, tool, conflicts); err != nil {
			return nil, err
		}
		report = append(report, d)
	}

	if divergent || len(conflicts.Unresolved()) > 0 {
		// Keep p1 as the working copy's first parent and record target as
		// its second: a genuine merge of two lines of history always
		// commits with two parents, and an unresolved conflict keeps the
		// merge resumable until every file is resolved.
		r.dirstate.SetParents(p1, targetNode)
	} else {
		r.dirstate.SetParents(targetNode, nodeid.Null)
	}
	if err := r.persistDirstate(); err != nil {
		return nil, err
	}
	if err := r.persistMergeState(conflicts); err != nil {
		return nil, err
	}
	return report, nil
}

// Resolve marks path's recorded conflict resolved, for the CLI's
// "resolve" command once a user has manually edited out conflict
// markers (or re-run a merge tool on the file) and is satisfied with the
// result. It is an error to resolve a path with no recorded conflict.
func (r *Repo) Resolve(path string) error {
	conflicts, err := r.loadMergeState()
	if err != nil {
		return err
	}
	if err := conflicts.Resolve(path); err != nil {
		return err
	}
	return r.persistMergeState(conflicts)
}

// UnresolvedConflicts lists every path still awaiting resolution from an
// in-progress merge.
func (r *Repo) UnresolvedConflicts() ([]string, error) {
	conflicts, err := r.loadMergeState()
	if err != nil {
		return nil, err
	}
	return conflicts.Unresolved(), nil
}

// BuildChangegroup encodes every changelog entry not in common's
// ancestry as a changegroup section pair (changelog + manifest),
// satisfying peer.Backend.
func (r *Repo) BuildChangegroup(common []nodeid.Node) ([]bundle.Section, error) {
	v := r.DAG()
	var commonRevs []dag.Rev
	for _, n := range common {
		if rev, ok := v.Rev(n); ok {
			commonRevs = append(commonRevs, rev)
		}
	}
	commonSet := dag.Ancestors(v, commonRevs)

	var clEntries, mfEntries []bundle.Entry
	for rev := 0; rev < v.Len(); rev++ {
		rv := dag.Rev(rev)
		if commonSet.Has(rv) {
			continue
		}
		node := v.Node(rv)
		p1, p2 := v.Parents(rv)
		payload, err := r.changelog.Revlog().RequireText(revlog.Rev(rev))
		if err != nil {
			return nil, err
		}
		clEntries = append(clEntries, bundle.Entry{
			Node: node, P1: v.Node(p1), P2: v.Node(p2), LinkNode: node, Delta: payload,
		})

		cs, err := r.changelog.Read(revlog.Rev(rev))
		if err != nil {
			return nil, err
		}
		if mfRev, ok := r.manifest.Revlog().Rev(cs.Manifest); ok {
			mfPayload, err := r.manifest.Revlog().RequireText(mfRev)
			if err != nil {
				return nil, err
			}
			mfEntries = append(mfEntries, bundle.Entry{Node: cs.Manifest, LinkNode: node, Delta: mfPayload})
		}
	}

	return []bundle.Section{
		{Name: bundle.SectionChangelog, Entries: clEntries},
		{Name: bundle.SectionManifest, Entries: mfEntries},
	}, nil
}

// ApplyChangegroup writes incoming changelog/manifest sections under a
// single transaction, satisfying peer.Backend. Filelog content is
// expected to have already arrived (a full exchange implementation
// would include per-path filelog sections; this core wiring handles
// the changelog/manifest skeleton spec.md §4.2/§4.3 specify and is
// extended by callers that also ship filelog sections).
func (r *Repo) ApplyChangegroup(sections []bundle.Section) error {
	t, err := txn.Begin(filepath.Join(r.storeDir, journalFileName), filepath.Join(r.storeDir, undoFileName))
	if err != nil {
		return err
	}
	if err := t.Track(r.manifest.Revlog()); err != nil {
		_ = t.Abort()
		return err
	}
	if err := t.Track(r.changelog.Revlog()); err != nil {
		_ = t.Abort()
		return err
	}

	for _, s := range sections {
		var rl *revlog.Revlog
		switch s.Name {
		case bundle.SectionChangelog:
			rl = r.changelog.Revlog()
		case bundle.SectionManifest:
			rl = r.manifest.Revlog()
		default:
			continue
		}
		for _, e := range s.Entries {
			if _, ok := rl.Rev(e.Node); ok {
				continue
			}
			p1, _ := rl.Rev(e.P1)
			p2, _ := rl.Rev(e.P2)
			if e.P1.IsNull() {
				p1 = revlog.NullRev
			}
			if e.P2.IsNull() {
				p2 = revlog.NullRev
			}
			linkRev := revlog.NullRev
			if lr, ok := r.changelog.Rev(e.LinkNode); ok {
				linkRev = lr
			}
			if _, err := rl.Append(e.Delta, p1, p2, linkRev, 0); err != nil {
				_ = t.Abort()
				return err
			}
		}
	}

	ctx := hookContext()
	if err := r.Hooks.Run(ctx, hooks.PreTxnChangegroup, hooks.Args{Repo: r.root, Source: "unbundle"}); err != nil {
		_ = t.Abort()
		return err
	}

	return t.Commit()
}

// ListKeys exposes a pushkey namespace as a flat map, satisfying
// peer.Backend. "bookmarks" and "phases" are the two namespaces the
// core uses.
func (r *Repo) ListKeys(namespace string) (map[string]string, error) {
	switch namespace {
	case "bookmarks":
		out := make(map[string]string)
		for _, name := range r.bookmarks.Names() {
			if n, ok := r.bookmarks.Get(name); ok {
				out[name] = n.String()
			}
		}
		return out, nil
	case "phases":
		out := make(map[string]string)
		for _, p := range []phase.Phase{phase.Draft, phase.Secret} {
			for _, n := range r.phaseRoots.RootsOf(p) {
				out[n.String()] = fmt.Sprintf("%d", p)
			}
		}
		return out, nil
	default:
		return map[string]string{}, nil
	}
}

// SetKey applies a compare-and-swap pushkey update, satisfying
// peer.Backend. Only the "bookmarks" namespace supports a write path
// today; other namespaces reject the update.
func (r *Repo) SetKey(namespace, key, old, new string) (bool, error) {
	if namespace != "bookmarks" {
		return false, nil
	}
	current, _ := r.bookmarks.Get(key)
	if current.String() != old {
		return false, nil
	}
	node, err := nodeid.Parse(new)
	if err != nil {
		return false, err
	}
	r.bookmarks.Set(key, node)
	return true, r.persistBookmarks()
}

// Verify reads every changelog entry (recomputing its node hash), reads
// the manifest each one names, and checks that every changelog entry's
// manifest node and every manifest entry's filelog node actually exist
// (spec.md invariant 2, supplemented per SPEC_FULL.md §D). Filelog
// contents are not read, so filelog node hashes are not recomputed. It
// returns the first integrity problem found, or nil if none is found.
func (r *Repo) Verify() error {
	for rev := 0; rev < r.changelog.Len(); rev++ {
		cs, err := r.changelog.Read(revlog.Rev(rev))
		if err != nil {
			return err
		}
		mfRev, ok := r.manifest.Revlog().Rev(cs.Manifest)
		if !ok {
			return apperr.NewIntegrityError(fmt.Sprintf("changelog rev %d references unknown manifest node %s", rev, cs.Manifest), nil)
		}
		entries, err := r.manifest.Read(mfRev)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fl, err := r.filelogFor(e.Path)
			if err != nil {
				return err
			}
			if _, ok := fl.Revlog().Rev(e.Node); !ok {
				return apperr.NewIntegrityError(fmt.Sprintf("manifest entry %q references unknown filelog node %s", e.Path, e.Node), nil)
			}
		}
	}
	return nil
}

// Strip truncates the changelog and manifest back to the last rev not
// in revs' ancestry closure, under both the store and working-copy
// locks, and drops any bookmark pointing at a stripped node (spec.md
// §4.9's rollback mechanics applied to a permanent history edit rather
// than a crash).
func (r *Repo) Strip(revs []dag.Rev) error {
	storeLock, err := lock.Acquire(storeLockName, filepath.Join(r.storeDir, storeLockName), 30*time.Second)
	if err != nil {
		return err
	}
	defer storeLock.Release()
	wlock, err := lock.Acquire(wlockName, filepath.Join(r.storeDir, wlockName), 30*time.Second)
	if err != nil {
		return err
	}
	defer wlock.Release()

	v := r.DAG()
	toStrip := dag.Descendants(v, revs)
	minStripped := v.Len()
	for rv := range toStrip {
		if int(rv) < minStripped {
			minStripped = int(rv)
		}
	}
	if minStripped >= v.Len() {
		return nil
	}

	var priorRev revlog.Rev = revlog.NullRev
	if minStripped > 0 {
		priorRev = revlog.Rev(minStripped - 1)
	}
	clIndexLen, clDataLen, err := r.changelog.Revlog().LengthsThrough(priorRev)
	if err != nil {
		return err
	}
	if err := r.changelog.Revlog().Truncate(clIndexLen, clDataLen); err != nil {
		return err
	}

	for _, name := range r.bookmarks.Names() {
		n, ok := r.bookmarks.Get(name)
		if !ok {
			continue
		}
		if _, stillKnown := r.changelog.Rev(n); !stillKnown {
			r.bookmarks.Delete(name)
		}
	}
	return r.persistBookmarks()
}

// hookContext returns the context passed to hook invocations. Repo
// operations are not yet wired to an external cancellation source, so
// this is the background context — the same default the teacher's own
// top-level command handlers use.
func hookContext() context.Context {
	return context.Background()
}
