// Package discovery implements the sampled set-reconciliation
// algorithm of spec.md §4.10: find the maximal set of changesets two
// peers share without transferring full history, by repeatedly
// sampling the still-undecided region of the local DAG and asking the
// remote which of the sample it already knows.
//
// Grounded on spec.md §4.10 directly (no corpus library implements
// this; noted as a stdlib-only component in DESIGN.md). The sampling
// step deliberately avoids math/rand: a round's sample is a
// deterministic function of (seed, round number, undecided set) so a
// discovery run is exactly reproducible in tests without needing to
// run the real algorithm against a real peer.
package discovery

import (
	"sort"

	"github.com/rcowham/vcscore/dag"
	"github.com/rcowham/vcscore/nodeid"
)

// Local is the subset of the local repository's changelog discovery
// needs: the DAG itself plus node<->rev translation and head
// computation.
type Local interface {
	dag.Graph
	Node(r dag.Rev) nodeid.Node
	Rev(n nodeid.Node) (dag.Rev, bool)
	Heads() []dag.Rev
}

// Remote is the capability surface discovery needs from a peer,
// implemented concretely by the peer package.
type Remote interface {
	Heads() ([]nodeid.Node, error)
	Known(nodes []nodeid.Node) ([]bool, error)
}

// DefaultSampleSize bounds the number of nodes exchanged per round.
const DefaultSampleSize = 200

// DefaultMaxRounds bounds the algorithm's worst case; real DAGs
// converge in O(log N) rounds (spec.md §4.10), this is a safety net
// against a misbehaving peer rather than an expected limit.
const DefaultMaxRounds = 64

// Result is the outcome of a discovery run.
type Result struct {
	// Common is every local rev confirmed present on the remote.
	Common dag.RevSet
	// Missing is dag.Descendants(Common) \ Common: the revs the local
	// side must send for the remote to catch up (spec.md §4.10).
	Missing dag.RevSet
	Rounds  int
}

// Discover runs the sampled set-reconciliation protocol between local
// and remote. seed makes sampling deterministic across repeated runs
// against the same inputs (tests pass a fixed seed; callers in
// production vary it per invocation via a counter or the local tip
// node's bytes, not wall-clock time).
func Discover(local Local, remote Remote, seed int64, sampleSize int) (*Result, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	localHeadRevs := local.Heads()
	localHeadNodes := revsToNodes(local, localHeadRevs)

	remoteHeadNodes, err := remote.Heads()
	if err != nil {
		return nil, err
	}

	if sameNodeSet(localHeadNodes, remoteHeadNodes) {
		common := dag.Ancestors(local, localHeadRevs)
		return &Result{Common: common, Missing: dag.NewRevSet(), Rounds: 0}, nil
	}

	allRevs := allRevsOf(local)
	undecided := dag.NewRevSet(allRevs...)
	common := dag.NewRevSet()
	missing := dag.NewRevSet()

	round := 0
	for len(undecided) > 0 && round < DefaultMaxRounds {
		sample := selectSample(local, undecided, localHeadRevs, sampleSize, seed, round)
		if len(sample) == 0 {
			break
		}
		sampleNodes := revsToNodes(local, sample)
		known, err := remote.Known(sampleNodes)
		if err != nil {
			return nil, err
		}

		var trueRevs, falseRevs []dag.Rev
		for i, r := range sample {
			if i < len(known) && known[i] {
				trueRevs = append(trueRevs, r)
			} else {
				falseRevs = append(falseRevs, r)
			}
		}

		if len(trueRevs) > 0 {
			newCommon := dag.Ancestors(local, trueRevs)
			for r := range newCommon {
				common.Add(r)
				undecided = removeFrom(undecided, r)
			}
		}
		if len(falseRevs) > 0 {
			newMissing := dag.Descendants(local, falseRevs)
			for r := range newMissing {
				if !common.Has(r) {
					missing.Add(r)
					undecided = removeFrom(undecided, r)
				}
			}
		}
		round++
	}

	// Anything left undecided after convergence (or hitting the round
	// cap) is conservatively treated as missing: a partial
	// reconciliation must never under-report what the remote lacks.
	for r := range undecided {
		if !common.Has(r) {
			missing.Add(r)
		}
	}

	return &Result{Common: common, Missing: missing, Rounds: round}, nil
}

func allRevsOf(g dag.Graph) []dag.Rev {
	n := g.Len()
	out := make([]dag.Rev, n)
	for i := 0; i < n; i++ {
		out[i] = dag.Rev(i)
	}
	return out
}

func revsToNodes(local Local, revs []dag.Rev) []nodeid.Node {
	out := make([]nodeid.Node, len(revs))
	for i, r := range revs {
		out[i] = local.Node(r)
	}
	return out
}

func sameNodeSet(a, b []nodeid.Node) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]nodeid.Node(nil), a...)
	bs := append([]nodeid.Node(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i].Less(as[j]) })
	sort.Slice(bs, func(i, j int) bool { return bs[i].Less(bs[j]) })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func removeFrom(s dag.RevSet, r dag.Rev) dag.RevSet {
	delete(s, r)
	return s
}

// selectSample picks up to sampleSize revs from undecided: every local
// head still undecided (most informative — confirming a head confirms
// its whole ancestry), plus a deterministic stride walk over the rest
// of the undecided set so the sample still covers the ancestry
// frontier once heads are exhausted.
func selectSample(local Local, undecided dag.RevSet, heads []dag.Rev, sampleSize int, seed int64, round int) []dag.Rev {
	var sample []dag.Rev
	seen := make(map[dag.Rev]bool)

	for _, h := range heads {
		if undecided.Has(h) && !seen[h] {
			sample = append(sample, h)
			seen[h] = true
			if len(sample) >= sampleSize {
				return sample
			}
		}
	}

	rest := undecided.Sorted()
	if len(rest) == 0 {
		return sample
	}
	stride := strideFor(len(rest), sampleSize-len(sample))
	offset := int((seed + int64(round)) % int64(stride))
	if offset < 0 {
		offset += stride
	}
	for i := offset; i < len(rest) && len(sample) < sampleSize; i += stride {
		r := rest[i]
		if !seen[r] {
			sample = append(sample, r)
			seen[r] = true
		}
	}
	return sample
}

func strideFor(total, want int) int {
	if want <= 0 {
		want = 1
	}
	stride := total / want
	if stride < 1 {
		stride = 1
	}
	return stride
}
