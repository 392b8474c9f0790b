// Package revlog implements the append-only, delta-compressed,
// content-addressed log described in spec.md §4.1: the shared storage
// primitive underneath the changelog, manifestlog, and every filelog.
//
// Storage is two files: "<name>.i" (fixed-width index records) and
// "<name>.d" (compressed chunk data). Only the general-delta, split
// index/data layout is implemented; the interleaved small-revlog layout
// spec.md also allows is not.
package revlog

import (
	"fmt"
	"os"
	"sync"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/internal/workerpool"
	"github.com/rcowham/vcscore/nodeid"
)

// chunkPool bounds the concurrency of textLocked's per-chunk read and
// decompress step (spec.md §5's "workers ... read data chunks via pread
// to avoid shared cursor state"): readChunk opens its own file handle
// per call, so every chunk in a delta chain can be fetched and
// decompressed independently; only the subsequent delta application
// must stay sequential.
var (
	chunkPoolOnce sync.Once
	chunkPool     *workerpool.Pool
)

func chunkDecompressPool() *workerpool.Pool {
	chunkPoolOnce.Do(func() {
		chunkPool = workerpool.New(0, 2)
	})
	return chunkPool
}

// Rev is a dense revision number local to one revlog; it is never stable
// across clones.
type Rev int32

// NullRev is the sentinel meaning "no such revision".
const NullRev Rev = -1

// DefaultChainLenCap caps a delta chain's length, one half of the
// delta-chain bound of spec.md §4.1; the other half, total chain bytes
// capped at 4x the uncompressed payload size, is applied inline in
// chooseDelta.
const (
	DefaultChainLenCap = 128
)

// Revlog is one append-only log: the changelog, the single manifestlog,
// or one filelog per tracked path.
type Revlog struct {
	indexPath string
	dataPath  string

	mu      sync.RWMutex
	records []indexRecord
	// generalDelta is always true: it is the only mode this
	// implementation supports.
	generalDelta bool
}

// Open opens (creating if absent) the revlog rooted at indexPath/dataPath
// (conventionally "name.i"/"name.d"). A truncated trailing index record
// (shorter than recordSize) is treated as the tail of a crashed
// transaction and ignored, per spec.md §4.1 failure semantics.
func Open(indexPath, dataPath string) (*Revlog, error) {
	rl := &Revlog{indexPath: indexPath, dataPath: dataPath, generalDelta: true}
	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return rl, nil
		}
		return nil, apperr.WrapRepoError(err, "opening revlog index %s", indexPath)
	}
	n := len(data) / recordSize // truncates any short trailing record
	rl.records = make([]indexRecord, 0, n)
	for i := 0; i < n; i++ {
		rl.records = append(rl.records, decodeRecord(data[i*recordSize:(i+1)*recordSize]))
	}
	return rl, nil
}

// IndexPath returns the path of the revlog's index file, the identity a
// transaction journal records a tracked revlog under.
func (rl *Revlog) IndexPath() string { return rl.indexPath }

// DataPath returns the path of the revlog's data file.
func (rl *Revlog) DataPath() string { return rl.dataPath }

// Len returns the number of committed revisions.
func (rl *Revlog) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.records)
}

// Rev looks up the local rev number for node, returning false if absent.
func (rl *Revlog) Rev(node nodeid.Node) (Rev, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	for i, r := range rl.records {
		if r.node == node {
			return Rev(i), true
		}
	}
	return NullRev, false
}

func (rl *Revlog) checkRev(rev Rev) error {
	if rev < 0 || int(rev) >= len(rl.records) {
		return apperr.NewInputError("revlog: no such revision %d", rev)
	}
	return nil
}

// Node returns the node of rev.
func (rl *Revlog) Node(rev Rev) (nodeid.Node, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if err := rl.checkRev(rev); err != nil {
		return nodeid.Null, err
	}
	return rl.records[rev].node, nil
}

// Parents returns the (p1, p2) local rev numbers of rev; either may be
// NullRev.
func (rl *Revlog) Parents(rev Rev) (Rev, Rev, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if err := rl.checkRev(rev); err != nil {
		return NullRev, NullRev, err
	}
	r := rl.records[rev]
	return Rev(r.p1Rev), Rev(r.p2Rev), nil
}

// LinkRev returns the changelog rev that introduced rev (meaningful for
// filelogs and the manifestlog; for the changelog itself linkrev==rev).
func (rl *Revlog) LinkRev(rev Rev) (Rev, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if err := rl.checkRev(rev); err != nil {
		return NullRev, err
	}
	return Rev(rl.records[rev].linkRev), nil
}

// Flags returns the flag bits stored for rev.
func (rl *Revlog) Flags(rev Rev) (Flag, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if err := rl.checkRev(rev); err != nil {
		return 0, err
	}
	return rl.records[rev].flags, nil
}

// BaseRev returns the delta-chain base of rev.
func (rl *Revlog) BaseRev(rev Rev) (Rev, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if err := rl.checkRev(rev); err != nil {
		return NullRev, err
	}
	return Rev(rl.records[rev].baseRev), nil
}

// DeltaChain returns the ordered list of revs [base..rev] whose deltas
// reconstruct rev's payload.
func (rl *Revlog) DeltaChain(rev Rev) ([]Rev, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if err := rl.checkRev(rev); err != nil {
		return nil, err
	}
	var chain []Rev
	cur := rev
	seen := map[Rev]bool{}
	for {
		if seen[cur] {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("cyclic delta chain at rev %d", rev), nil)
		}
		seen[cur] = true
		chain = append([]Rev{cur}, chain...)
		base := Rev(rl.records[cur].baseRev)
		if base == cur {
			break // snapshot: chain terminates here
		}
		cur = base
	}
	return chain, nil
}

// AppendResult carries the outcome of Append.
type AppendResult struct {
	Rev      Rev
	Node     nodeid.Node
	Existing bool // true if the node already existed (Append was a no-op)
}

// Append hashes payload with parents p1/p2, refuses duplicate nodes
// (returning the existing rev), picks a delta representation, appends
// the index entry and chunk bytes, and returns the new rev and node
// (spec.md §4.1). p1/p2 are NullRev for a root entry.
func (rl *Revlog) Append(payload []byte, p1, p2 Rev, linkRev Rev, flags Flag) (AppendResult, error) {
	p1Node, p2Node := nodeid.Null, nodeid.Null
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if p1 != NullRev {
		if err := rl.checkRevLocked(p1); err != nil {
			return AppendResult{}, err
		}
		p1Node = rl.records[p1].node
	}
	if p2 != NullRev {
		if err := rl.checkRevLocked(p2); err != nil {
			return AppendResult{}, err
		}
		p2Node = rl.records[p2].node
	}
	node := nodeid.Hash(p1Node, p2Node, payload)
	for i, r := range rl.records {
		if r.node == node {
			return AppendResult{Rev: Rev(i), Node: node, Existing: true}, nil
		}
	}

	rev := Rev(len(rl.records))
	base, chunk := rl.chooseDelta(rev, p1, p2, payload)

	offset, err := rl.appendChunk(chunk)
	if err != nil {
		return AppendResult{}, err
	}

	rec := indexRecord{
		offset:  offset,
		flags:   flags,
		compLen: uint32(len(chunk)),
		rawLen:  uint32(len(payload)),
		baseRev: int32(base),
		linkRev: int32(linkRev),
		p1Rev:   int32(p1),
		p2Rev:   int32(p2),
		node:    node,
	}
	if err := rl.appendIndexRecord(rec); err != nil {
		return AppendResult{}, err
	}
	rl.records = append(rl.records, rec)
	return AppendResult{Rev: rev, Node: node}, nil
}

func (rl *Revlog) checkRevLocked(rev Rev) error {
	if rev < 0 || int(rev) >= len(rl.records) {
		return apperr.NewInputError("revlog: no such revision %d", rev)
	}
	return nil
}

// chooseDelta implements the candidate order and acceptance tests of
// spec.md §4.1: p1, then p2, then the previous rev, then that
// candidate's own chain base; a delta is accepted only if it is smaller
// compressed than a full snapshot and keeps the chain within bounds.
// Falling through with no accepted candidate stores a full snapshot.
func (rl *Revlog) chooseDelta(rev, p1, p2 Rev, payload []byte) (Rev, []byte) {
	fullChunk := compressChunk(payload)

	type candidate struct {
		base Rev
	}
	var candidates []candidate
	if p1 != NullRev {
		candidates = append(candidates, candidate{p1})
	}
	if p2 != NullRev {
		candidates = append(candidates, candidate{p2})
	}
	if rev > 0 {
		candidates = append(candidates, candidate{rev - 1})
	}
	if len(candidates) > 0 {
		last := candidates[len(candidates)-1]
		if cb := rl.records[last.base].baseRev; Rev(cb) != last.base {
			candidates = append(candidates, candidate{Rev(cb)})
		}
	}

	var bestBase Rev = rev
	var bestChunk = fullChunk
	bestChainLen := 1
	bestIsSnapshot := true

	for _, c := range candidates {
		baseText, err := rl.textLocked(c.base)
		if err != nil {
			continue
		}
		ops := computeDelta(baseText, payload)
		deltaChunk := compressChunk(encodeDelta(ops))
		if len(deltaChunk) >= len(fullChunk) {
			continue
		}
		chain, err := rl.deltaChainLocked(c.base)
		if err != nil {
			continue
		}
		chainLen := len(chain) + 1
		if chainLen > DefaultChainLenCap {
			continue
		}
		totalBytes := 0
		for _, r := range chain {
			totalBytes += int(rl.records[r].compLen)
		}
		totalBytes += len(deltaChunk)
		if totalBytes > 4*len(payload) {
			continue
		}
		if bestIsSnapshot || chainLen < bestChainLen {
			bestBase = c.base
			bestChunk = deltaChunk
			bestChainLen = chainLen
			bestIsSnapshot = false
		}
	}
	return bestBase, bestChunk
}

func (rl *Revlog) deltaChainLocked(rev Rev) ([]Rev, error) {
	var chain []Rev
	cur := rev
	seen := map[Rev]bool{}
	for {
		if seen[cur] {
			return nil, apperr.NewIntegrityError("cyclic delta chain", nil)
		}
		seen[cur] = true
		chain = append([]Rev{cur}, chain...)
		base := Rev(rl.records[cur].baseRev)
		if base == cur {
			break
		}
		cur = base
	}
	return chain, nil
}

// Text reconstructs the full payload of rev by walking its delta chain
// from the base snapshot forward, verifying the recomputed hash matches
// the stored node (spec.md §4.1). A FlagCensored entry returns an empty
// payload with an IntegrityError-free sentinel handled by callers that
// check Flags first.
func (rl *Revlog) Text(rev Rev) ([]byte, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if err := rl.checkRevLocked(rev); err != nil {
		return nil, err
	}
	rec := rl.records[rev]
	if rec.flags&FlagCensored != 0 {
		return nil, nil
	}
	payload, err := rl.textLocked(rev)
	if err != nil {
		return nil, err
	}
	p1Node, p2Node := nodeid.Null, nodeid.Null
	if rec.p1Rev != int32(NullRev) {
		p1Node = rl.records[rec.p1Rev].node
	}
	if rec.p2Rev != int32(NullRev) {
		p2Node = rl.records[rec.p2Rev].node
	}
	got := nodeid.Hash(p1Node, p2Node, payload)
	if got != rec.node {
		return nil, apperr.NewIntegrityError(
			fmt.Sprintf("node mismatch at rev %d: stored %s recomputed %s", rev, rec.node, got), nil)
	}
	return payload, nil
}

// RequireText is Text, except a censored entry raises an IntegrityError
// instead of silently returning an empty payload — for callers that
// demand real file bytes (spec.md §4.1).
func (rl *Revlog) RequireText(rev Rev) ([]byte, error) {
	rl.mu.RLock()
	flags, err := func() (Flag, error) {
		if err := rl.checkRevLocked(rev); err != nil {
			return 0, err
		}
		return rl.records[rev].flags, nil
	}()
	rl.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if flags&FlagCensored != 0 {
		return nil, apperr.NewIntegrityError(fmt.Sprintf("rev %d is censored", rev), nil)
	}
	return rl.Text(rev)
}

// textLocked reconstructs rev's payload without hash verification,
// for internal use by delta selection and by Text (which verifies).
func (rl *Revlog) textLocked(rev Rev) ([]byte, error) {
	chain, err := rl.deltaChainLocked(rev)
	if err != nil {
		return nil, err
	}

	raws := make([][]byte, len(chain))
	errs := make([]error, len(chain))
	if len(chain) > 1 {
		pool := chunkDecompressPool()
		var wg sync.WaitGroup
		wg.Add(len(chain))
		for i, r := range chain {
			i, r := i, r
			pool.Submit(func() {
				defer wg.Done()
				chunk, err := rl.readChunk(rl.records[r])
				if err != nil {
					errs[i] = err
					return
				}
				raw, err := decompressChunk(chunk)
				if err != nil {
					errs[i] = apperr.NewIntegrityError(fmt.Sprintf("decompressing rev %d", r), err)
					return
				}
				raws[i] = raw
			})
		}
		wg.Wait()
	} else {
		chunk, err := rl.readChunk(rl.records[chain[0]])
		if err != nil {
			return nil, err
		}
		raw, err := decompressChunk(chunk)
		if err != nil {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("decompressing rev %d", chain[0]), err)
		}
		raws[0] = raw
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	payload := raws[0]
	for idx := 1; idx < len(chain); idx++ {
		r := chain[idx]
		ops, err := decodeDelta(raws[idx])
		if err != nil {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("decoding delta at rev %d", r), err)
		}
		payload, err = applyDelta(payload, ops)
		if err != nil {
			return nil, apperr.NewIntegrityError(fmt.Sprintf("applying delta at rev %d", r), err)
		}
	}
	return payload, nil
}

func (rl *Revlog) readChunk(rec indexRecord) ([]byte, error) {
	f, err := os.Open(rl.dataPath)
	if err != nil {
		return nil, apperr.WrapRepoError(err, "opening revlog data %s", rl.dataPath)
	}
	defer f.Close()
	buf := make([]byte, rec.compLen)
	if _, err := f.ReadAt(buf, int64(rec.offset)); err != nil {
		return nil, apperr.NewIntegrityError("short read from revlog data file", err)
	}
	return buf, nil
}

func (rl *Revlog) appendChunk(chunk []byte) (uint64, error) {
	f, err := os.OpenFile(rl.dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, apperr.WrapRepoError(err, "opening revlog data %s", rl.dataPath)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	offset := uint64(info.Size())
	if _, err := f.Write(chunk); err != nil {
		return 0, err
	}
	return offset, nil
}

func (rl *Revlog) appendIndexRecord(rec indexRecord) error {
	f, err := os.OpenFile(rl.indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperr.WrapRepoError(err, "opening revlog index %s", rl.indexPath)
	}
	defer f.Close()
	_, err = f.Write(encodeRecord(rec))
	return err
}

// Lengths returns the current byte lengths of the index and data files,
// the values the transaction journal records before a writer begins
// (spec.md §4.9).
func (rl *Revlog) Lengths() (indexLen, dataLen int64, err error) {
	ii, err := os.Stat(rl.indexPath)
	if err != nil && !os.IsNotExist(err) {
		return 0, 0, err
	}
	if ii != nil {
		indexLen = ii.Size()
	}
	di, err := os.Stat(rl.dataPath)
	if err != nil && !os.IsNotExist(err) {
		return 0, 0, err
	}
	if di != nil {
		dataLen = di.Size()
	}
	return indexLen, dataLen, nil
}

// LengthsThrough returns the index/data byte lengths as of just after
// rev was appended (NullRev meaning "before the revlog held anything"),
// the boundary a history-editing operation like strip truncates back
// to. Index length is exact since every record is fixed-width; data
// length is the appended chunk's own offset plus its compressed
// length, which is exact regardless of delta-chain structure since
// chunks are never reordered.
func (rl *Revlog) LengthsThrough(rev Rev) (indexLen, dataLen int64, err error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if rev == NullRev {
		return 0, 0, nil
	}
	if err := rl.checkRevLocked(rev); err != nil {
		return 0, 0, err
	}
	rec := rl.records[rev]
	return int64(rev+1) * recordSize, int64(rec.offset) + int64(rec.compLen), nil
}

// Truncate restores the revlog to the given pre-transaction lengths,
// undoing an aborted append (spec.md §4.9). It reloads the in-memory
// record list from the truncated index.
func (rl *Revlog) Truncate(indexLen, dataLen int64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if err := os.Truncate(rl.indexPath, indexLen); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Truncate(rl.dataPath, dataLen); err != nil && !os.IsNotExist(err) {
		return err
	}
	data, err := os.ReadFile(rl.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			rl.records = nil
			return nil
		}
		return err
	}
	n := len(data) / recordSize
	rl.records = make([]indexRecord, 0, n)
	for i := 0; i < n; i++ {
		rl.records = append(rl.records, decodeRecord(data[i*recordSize:(i+1)*recordSize]))
	}
	return nil
}

// Heads returns the revs among the full [0,Len()) set that have no
// descendant within that set — the raw parent-relation head computation
// spec.md §4.1 exposes directly (composed ancestor/descendant queries
// belong to the dag package).
func (rl *Revlog) Heads() []Rev {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	hasChild := make([]bool, len(rl.records))
	for _, r := range rl.records {
		if r.p1Rev != int32(NullRev) {
			hasChild[r.p1Rev] = true
		}
		if r.p2Rev != int32(NullRev) {
			hasChild[r.p2Rev] = true
		}
	}
	var heads []Rev
	for i, used := range hasChild {
		if !used {
			heads = append(heads, Rev(i))
		}
	}
	return heads
}
