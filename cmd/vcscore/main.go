// Command vcscore is the CLI entry point: a thin kingpin-driven wrapper
// around the repo façade, one subcommand per repository-lifecycle
// operation, in the same flag/arg declaration-block style as the
// teacher's own main().
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emicklei/dot"
	"github.com/goccy/go-graphviz"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/pkg/profile"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/dag"
	"github.com/rcowham/vcscore/internal/version"
	"github.com/rcowham/vcscore/peer"
	"github.com/rcowham/vcscore/repo"
	"github.com/rcowham/vcscore/revlog"
	"github.com/rcowham/vcscore/revset"
	"github.com/rcowham/vcscore/ui"
)

var (
	app    = kingpin.New("vcscore", "Distributed version control engine.")
	debug  = app.Flag("debug", "Enable debugging level.").Short('v').Bool()
	profileMode = app.Flag("profile", "Enable CPU or memory profiling (cpu|mem).").Default("").String()
	repoPath = app.Flag("repo", "Repository root (defaults to the current directory).").Default(".").Short('R').String()

	initCmd     = app.Command("init", "Create a new repository.")
	initPath    = initCmd.Arg("path", "Directory to create the repository in.").Default(".").String()

	commitCmd  = app.Command("commit", "Record a changeset from the working copy.")
	commitUser = commitCmd.Flag("user", "Commit author.").Short('u').String()
	commitMsg  = commitCmd.Flag("message", "Commit message.").Short('m').Required().String()

	addCmd  = app.Command("add", "Mark paths as tracked, to be included in the next commit.")
	addArgs = addCmd.Arg("path", "Paths to add.").Required().Strings()

	removeCmd  = app.Command("remove", "Mark tracked paths as removed.")
	removeArgs = removeCmd.Arg("path", "Paths to remove.").Required().Strings()

	logCmd      = app.Command("log", "Show changeset history.")
	logQuery    = logCmd.Arg("revset", "Revset query (defaults to all revisions).").Default("").String()
	logGraph    = logCmd.Flag("graph", "Render the selected revisions as a Graphviz dot/PNG file.").String()

	verifyCmd = app.Command("verify", "Check repository storage integrity.")

	stripCmd  = app.Command("strip", "Permanently remove revisions and their descendants.")
	stripRevs = stripCmd.Arg("rev", "Revision numbers to strip.").Required().Ints()

	updateCmd = app.Command("update", "Move the working copy to a revision along its own line of history.")
	updateRev = updateCmd.Arg("rev", "Revision number to update to.").Required().Int()

	mergeCmd = app.Command("merge", "Merge a divergent revision into the working copy.")
	mergeRev = mergeCmd.Arg("rev", "Revision number to merge.").Required().Int()

	resolveCmd  = app.Command("resolve", "List or mark resolved the conflicted files of an in-progress merge.")
	resolvePath = resolveCmd.Arg("path", "Path to mark resolved (omit to list unresolved paths).").String()

	bookmarkCmd    = app.Command("bookmark", "List, set, or delete a bookmark.")
	bookmarkName   = bookmarkCmd.Arg("name", "Bookmark name.").String()
	bookmarkRev    = bookmarkCmd.Flag("rev", "Revision number the bookmark should point at.").Int()
	bookmarkDelete = bookmarkCmd.Flag("delete", "Delete the named bookmark.").Short('d').Bool()

	phaseCmd = app.Command("phase", "Show the phase of every local revision.")

	bundleCmd  = app.Command("bundle", "Write every local changeset to a bundle file.")
	bundleOut  = bundleCmd.Arg("file", "Output bundle path.").Required().String()

	unbundleCmd  = app.Command("unbundle", "Apply every changeset in a bundle file.")
	unbundleFile = unbundleCmd.Arg("file", "Bundle file to read.").Required().String()

	pullCmd    = app.Command("pull", "Pull changesets from another local repository.")
	pullSource = pullCmd.Arg("source", "Path to the source repository.").Required().String()

	pushCmd = app.Command("push", "Push changesets to another local repository.")
	pushDest = pushCmd.Arg("dest", "Path to the destination repository.").Required().String()

	cloneCmd  = app.Command("clone", "Clone a repository by pulling into a fresh one.")
	cloneSrc  = cloneCmd.Arg("source", "Path to the source repository.").Required().String()
	cloneDest = cloneCmd.Arg("dest", "Directory to create the clone in.").Required().String()
)

func main() {
	app.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("vcscore")).Author("vcscore")
	app.HelpFlag.Short('h')
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logrus.New()
	if *debug {
		logger.Level = logrus.DebugLevel
	}
	u := ui.New(logger)

	if *profileMode != "" {
		stopper := startProfile(*profileMode)
		defer stopper.Stop()
	}

	if err := run(cmd, u); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func startProfile(mode string) interface{ Stop() } {
	switch mode {
	case "mem":
		return profile.Start(profile.MemProfile)
	default:
		return profile.Start(profile.CPUProfile)
	}
}

func run(cmd string, u *ui.UI) error {
	switch cmd {
	case initCmd.FullCommand():
		return runInit()
	case commitCmd.FullCommand():
		return runCommit(u)
	case addCmd.FullCommand():
		return runAdd()
	case removeCmd.FullCommand():
		return runRemove()
	case logCmd.FullCommand():
		return runLog(u)
	case verifyCmd.FullCommand():
		return runVerify(u)
	case stripCmd.FullCommand():
		return runStrip(u)
	case updateCmd.FullCommand():
		return runUpdate(u)
	case mergeCmd.FullCommand():
		return runMerge(u)
	case resolveCmd.FullCommand():
		return runResolve(u)
	case bookmarkCmd.FullCommand():
		return runBookmark(u)
	case phaseCmd.FullCommand():
		return runPhase(u)
	case bundleCmd.FullCommand():
		return runBundleCreate()
	case unbundleCmd.FullCommand():
		return runUnbundle()
	case pullCmd.FullCommand():
		return runPull(*repoPath, *pullSource)
	case pushCmd.FullCommand():
		return runPush(*repoPath, *pushDest)
	case cloneCmd.FullCommand():
		return runClone()
	}
	return apperr.NewInputError("unknown command %q", cmd)
}

func runInit() error {
	_, err := repo.Init(*initPath, nil)
	return err
}

func runCommit(u *ui.UI) error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	user := *commitUser
	if user == "" {
		user = os.Getenv("USER")
	}
	node, err := r.Commit(repo.CommitInput{
		User: user,
		Time: time.Now().Unix(),
		Desc: *commitMsg,
	})
	if err != nil {
		return err
	}
	u.Status(fmt.Sprintf("committed %s", node.String()))
	return nil
}

func runAdd() error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	for _, p := range *addArgs {
		if err := r.Dirstate().Add(p); err != nil {
			return err
		}
	}
	return r.PersistDirstate()
}

func runRemove() error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	for _, p := range *removeArgs {
		if err := r.Dirstate().Remove(p); err != nil {
			return err
		}
	}
	return r.PersistDirstate()
}

// clStore adapts repo's changelog DAG view onto revset.Store.
type clStore struct {
	r *repo.Repo
}

func (s clStore) Parents(rev dag.Rev) (dag.Rev, dag.Rev) { return s.r.DAG().Parents(rev) }
func (s clStore) Len() int                               { return s.r.DAG().Len() }

func (s clStore) User(rev dag.Rev) string {
	cs, err := s.r.Changelog().Read(clRev(rev))
	if err != nil {
		return ""
	}
	return cs.User
}

func (s clStore) Desc(rev dag.Rev) string {
	cs, err := s.r.Changelog().Read(clRev(rev))
	if err != nil {
		return ""
	}
	return cs.Desc
}

func (s clStore) Time(rev dag.Rev) int64 {
	cs, err := s.r.Changelog().Read(clRev(rev))
	if err != nil {
		return 0
	}
	return cs.Time
}

func runLog(u *ui.UI) error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	store := clStore{r: r}
	var revs []dag.Rev
	if *logQuery == "" {
		for i := 0; i < store.Len(); i++ {
			revs = append(revs, dag.Rev(i))
		}
	} else {
		expr, err := revset.Parse(*logQuery)
		if err != nil {
			return err
		}
		revs = expr.Eval(store).Sorted()
	}

	for _, rv := range revs {
		node := r.DAG().Node(rv)
		cs, err := r.Changelog().Read(clRev(rv))
		if err != nil {
			return err
		}
		u.WriteBytes([]byte(fmt.Sprintf("changeset: %d:%s\nuser:      %s\ndate:      %s\nsummary:   %s\n\n",
			rv, node.String(), cs.User, time.Unix(cs.Time, 0).Format(time.RFC3339), cs.Desc)))
	}

	if *logGraph != "" {
		return writeGraph(r, revs, *logGraph)
	}
	return nil
}

func writeGraph(r *repo.Repo, revs []dag.Rev, path string) error {
	g := dot.NewGraph(dot.Directed)
	nodes := make(map[dag.Rev]dot.Node)
	for _, rv := range revs {
		n := r.DAG().Node(rv)
		label := fmt.Sprintf("%d:%s", rv, n.String()[:12])
		nodes[rv] = g.Node(label)
	}
	for _, rv := range revs {
		p1, p2 := r.DAG().Parents(rv)
		if p1 != dag.NullRev {
			if to, ok := nodes[p1]; ok {
				g.Edge(to, nodes[rv])
			}
		}
		if p2 != dag.NullRev {
			if to, ok := nodes[p2]; ok {
				g.Edge(to, nodes[rv], "merge")
			}
		}
	}

	if strings.HasSuffix(path, ".png") {
		gv := graphviz.New()
		parsed, err := graphviz.ParseBytes([]byte(g.String()))
		if err != nil {
			return err
		}
		return gv.RenderFilename(parsed, graphviz.PNG, path)
	}
	return os.WriteFile(path, []byte(g.String()), 0o644)
}

func runVerify(u *ui.UI) error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	if err := r.Verify(); err != nil {
		return err
	}
	u.Status("no integrity problems found")
	return nil
}

func runStrip(u *ui.UI) error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	revs := make([]dag.Rev, len(*stripRevs))
	for i, n := range *stripRevs {
		revs[i] = dag.Rev(n)
	}
	if err := r.Strip(revs); err != nil {
		return err
	}
	u.Status(fmt.Sprintf("stripped %d revision(s)", len(revs)))
	return nil
}

func runUpdateTo(u *ui.UI, rev int, allowMerge bool) error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	report, err := r.Update(context.Background(), dag.Rev(rev), allowMerge)
	if err != nil {
		return err
	}
	for _, d := range report {
		u.WriteBytes([]byte(fmt.Sprintf("%s: %s (%s)\n", d.Action, d.Path, d.Reason)))
	}
	unresolved, err := r.UnresolvedConflicts()
	if err != nil {
		return err
	}
	if len(unresolved) > 0 {
		u.Status(fmt.Sprintf("%d conflicting file(s), resolve before committing: %s", len(unresolved), strings.Join(unresolved, ", ")))
		return nil
	}
	u.Status(fmt.Sprintf("updated to revision %d", rev))
	return nil
}

func runUpdate(u *ui.UI) error {
	return runUpdateTo(u, *updateRev, false)
}

func runMerge(u *ui.UI) error {
	return runUpdateTo(u, *mergeRev, true)
}

func runResolve(u *ui.UI) error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	if *resolvePath == "" {
		unresolved, err := r.UnresolvedConflicts()
		if err != nil {
			return err
		}
		for _, p := range unresolved {
			u.WriteBytes([]byte(p + "\n"))
		}
		return nil
	}
	if err := r.Resolve(*resolvePath); err != nil {
		return err
	}
	u.Status(fmt.Sprintf("marked %s resolved", *resolvePath))
	return nil
}

func runBookmark(u *ui.UI) error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	if *bookmarkName == "" {
		for _, name := range r.Bookmarks().Names() {
			n, _ := r.Bookmarks().Get(name)
			u.WriteBytes([]byte(fmt.Sprintf("%s %s\n", name, n.String())))
		}
		return nil
	}
	if *bookmarkDelete {
		r.Bookmarks().Delete(*bookmarkName)
		return r.PersistBookmarks()
	}
	rev := clRev(dag.Rev(*bookmarkRev))
	node, err := r.Changelog().Node(rev)
	if err != nil {
		return err
	}
	r.Bookmarks().Set(*bookmarkName, node)
	return r.PersistBookmarks()
}

func runPhase(u *ui.UI) error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	tracker := r.PhaseTracker()
	for i := 0; i < r.DAG().Len(); i++ {
		rv := dag.Rev(i)
		u.WriteBytes([]byte(fmt.Sprintf("%d: %s\n", rv, tracker.PhaseOf(rv).String())))
	}
	return nil
}

func runBundleCreate() error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	p := peer.NewLocal(r)
	rc, err := p.GetBundle(nil)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(*bundleOut)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, rc)
	return err
}

func runUnbundle() error {
	r, err := repo.Open(*repoPath)
	if err != nil {
		return err
	}
	f, err := os.Open(*unbundleFile)
	if err != nil {
		return err
	}
	defer f.Close()
	return peer.NewLocal(r).Unbundle(f)
}

func runPull(destPath, srcPath string) error {
	dst, err := repo.Open(destPath)
	if err != nil {
		return err
	}
	src, err := repo.Open(srcPath)
	if err != nil {
		return err
	}
	srcPeer := peer.NewLocal(src)
	common, err := dst.HeadNodes()
	if err != nil {
		return err
	}
	rc, err := srcPeer.GetBundle(common)
	if err != nil {
		return err
	}
	defer rc.Close()
	return peer.NewLocal(dst).Unbundle(rc)
}

func runPush(srcPath, destPath string) error {
	return runPull(destPath, srcPath)
}

func runClone() error {
	dst, err := repo.Init(*cloneDest, nil)
	if err != nil {
		return err
	}
	src, err := repo.Open(*cloneSrc)
	if err != nil {
		return err
	}
	rc, err := peer.NewLocal(src).GetBundle(nil)
	if err != nil {
		return err
	}
	defer rc.Close()
	return peer.NewLocal(dst).Unbundle(rc)
}

func clRev(rv dag.Rev) revlog.Rev { return revlog.Rev(rv) }
