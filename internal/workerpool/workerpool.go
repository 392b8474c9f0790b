// Package workerpool wraps github.com/alitto/pond with the sizing
// convention the teacher used for its blob-save pool in main.go:
// pond.New(maxWorkers, 0, pond.MinWorkers(10)).
package workerpool

import (
	"runtime"

	"github.com/alitto/pond"
)

// Pool bounds concurrent chunk compression/decompression work so that
// bundle apply and revlog rewrite do not spawn one goroutine per entry.
type Pool struct {
	p *pond.WorkerPool
}

// New creates a pool sized like the teacher's: capped at maxWorkers (0
// means derive from GOMAXPROCS), with at least minIdle warm workers.
func New(maxWorkers, minIdle int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0) * 4
	}
	return &Pool{p: pond.New(maxWorkers, 0, pond.MinWorkers(minIdle))}
}

// Submit runs fn on the pool; it does not block unless the pool's queue
// is full.
func (p *Pool) Submit(fn func()) {
	p.p.Submit(fn)
}

// StopAndWait drains the pool and releases its workers.
func (p *Pool) StopAndWait() {
	p.p.StopAndWait()
}
