package kernels

import (
	"runtime"
	"sync"
)

// Pool is a process-wide worker pool used to partition the largest
// dimension of a kernel call (rows for GEMM, sequence positions for
// attention) across goroutines. Calls are barrier-synchronous: Run blocks
// until every partition has completed.
//
// Grounded on the teacher's goroutine-per-head fan-out in
// transformer_attention.go (attn.parallel / sync.WaitGroup), generalized
// into a reusable, explicitly lifetime-managed resource per the "Global
// state" design note rather than an ad hoc goroutine burst per call.
type Pool struct {
	mu      sync.Mutex
	n       int
	refs    int
}

var (
	globalMu   sync.Mutex
	globalPool *Pool
)

// Acquire returns the process-wide pool, creating it on first use and
// incrementing its reference count. threads <= 0 means runtime.NumCPU().
// Every asr.Load call must pair this with a Release.
func Acquire(threads int) *Pool {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalPool == nil {
		globalPool = &Pool{}
	}
	globalPool.mu.Lock()
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	globalPool.n = threads
	globalPool.refs++
	globalPool.mu.Unlock()
	return globalPool
}

// Release decrements the pool's reference count. The pool itself has no
// OS resources to tear down (goroutines are spawned per Run call), so this
// only resets bookkeeping once every context referencing it is gone.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs--
}

// SetThreads changes the partition width for future Run calls. Per
// spec.md §5, calling this during an in-flight inference is undefined
// behavior; callers must call it before the first Transcribe.
func (p *Pool) SetThreads(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p.n = n
}

// Threads returns the current partition width.
func (p *Pool) Threads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// currentPool returns the process-wide pool if asr.Load has acquired one,
// or nil before the first Acquire (e.g. in unit tests that exercise kernels
// directly without going through asr.Context).
func currentPool() *Pool {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalPool
}

// RunParallel partitions [0, total) across the process-wide pool's workers,
// falling back to a single synchronous call over the whole range when no
// pool has been acquired yet. This is the dispatch primitive GEMM's generic
// fallback and the row/head-wise kernels (softmax, RoPE, attention) use to
// honor SetThreads without every call site carrying a *Pool reference
// (spec.md §4.1: "kernels partition the largest dimension ... across
// workers").
func RunParallel(total int, fn func(start, end int)) {
	if p := currentPool(); p != nil {
		p.Run(total, fn)
		return
	}
	fn(0, total)
}

// Run partitions [0, total) into contiguous chunks, one per worker, and
// calls fn(start, end) on each from its own goroutine, joining before
// returning. No recursion into the pool: fn must not itself call Run.
func (p *Pool) Run(total int, fn func(start, end int)) {
	if total <= 0 {
		return
	}
	workers := p.Threads()
	if workers > total {
		workers = total
	}
	if workers <= 1 {
		fn(0, total)
		return
	}
	chunk := (total + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < total; start += chunk {
		end := start + chunk
		if end > total {
			end = total
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
