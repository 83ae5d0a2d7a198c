package exec

import (
	"sync"

	"github.com/faasm/wasmhost/hostconfig"
)

// OMPContext is the minimal OpenMP context §4.7 names without specifying
// further ("Prepare the OpenMP context..."): a *multi-host* level is
// built straight from the message's depth/thread fields when the caller
// already supplies omp_depth > 0 (the message arrived from another host
// already inside a parallel region); otherwise a *single-host* level is
// built around a fresh local thread pool. The OpenMP thread-pool
// scheduler's actual work-stealing/barrier semantics are out of scope per
// §1 — only the two hook points spec.md names are implemented: building
// this context, and dispatching onto it in ExecuteRemoteOMP.
type OMPContext struct {
	Depth           int32
	EffDepth        int32
	MaxActiveLevels int32
	NumThreads      int32
	ThreadNum       int32
	SingleHost      bool
	Pool            *ThreadPool
}

// PrepareContext implements §4.7's "prepare the OpenMP context" step.
func PrepareContext(cfg hostconfig.Config, msg Message) *OMPContext {
	if msg.OMPDepth > 0 {
		return &OMPContext{
			Depth:           msg.OMPDepth,
			EffDepth:        msg.OMPEffDepth,
			MaxActiveLevels: msg.OMPMaxActiveLevels,
			NumThreads:      msg.OMPNumThreads,
			ThreadNum:       msg.OMPThreadNum,
			SingleHost:      false,
		}
	}
	return &OMPContext{
		SingleHost: true,
		Pool:       NewThreadPool(cfg.OMPThreadPoolSize),
	}
}

// ThreadPool bounds concurrent OMP work to a fixed number of goroutines.
// No example repo in the retrieval pack supplies a worker-pool library
// (no errgroup/semaphore dependency appears anywhere in it), so this is
// plain channel-bounded goroutines plus a WaitGroup rather than a
// third-party pool.
type ThreadPool struct {
	sem chan struct{}
}

// NewThreadPool creates a pool that runs at most size goroutines at once.
func NewThreadPool(size int) *ThreadPool {
	if size <= 0 {
		size = 1
	}
	return &ThreadPool{sem: make(chan struct{}, size)}
}

// RunAndWait runs every task, bounded by the pool's concurrency limit,
// and blocks until all have completed.
func (p *ThreadPool) RunAndWait(tasks []func()) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		task := t
		wg.Add(1)
		p.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-p.sem }()
			task()
		}()
	}
	wg.Wait()
}
