// Package pool implements the work-stealing worker pool atop internal/deque
// (spec §4.2–§4.3): N workers, each owning a deque, stealing from random
// victims with exponential backoff on repeated misses. Scheduler policies
// (owner-push, least-loaded, priority-aware) decide where newly-ready work
// is enqueued.
//
// Grounded on internal/batch's channel-and-errgroup worker loop
// (internal/batch/batch.go's scheduler.run), generalized from a single
// shared channel to per-worker deques with stealing, per spec §4.2's
// explicit departure from that simpler design.
package pool

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgebuild/forge/internal/deque"
)

// Task is a unit of work submitted to the pool.
type Task struct {
	Run      func(ctx context.Context)
	Priority int     // higher runs first when priorities are enabled
	Critical float64 // precomputed critical-path cost
	Dependents int
	Depth    int
}

// Score implements the spec §4.3 priority formula.
func (t Task) Score() float64 {
	return 1000*float64(t.Priority) + 100*t.Critical + 10*float64(t.Dependents) - float64(t.Depth)
}

// Policy selects which worker's deque a newly produced task enters.
type Policy int

const (
	OwnerPush Policy = iota
	LeastLoaded
	PriorityAware
)

const (
	maxBackoff   = 4 * time.Millisecond
	backoffAfter = 8 // consecutive miss attempts before backing off
)

// Pool is a fixed set of workers, each with its own Chase-Lev deque.
type Pool struct {
	policy  Policy
	deques  []*deque.Deque[Task]
	started int32
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	ctx     context.Context

	// priority queues, one per level, used only under PriorityAware
	prioMu    sync.Mutex
	prioLevels map[int][]Task
}

// New constructs a pool with n workers (n<=0 defaults to logical CPU count).
func New(n int, policy Policy) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		policy:     policy,
		deques:     make([]*deque.Deque[Task], n),
		prioLevels: make(map[int][]Task),
	}
	for i := range p.deques {
		p.deques[i] = deque.New[Task]()
	}
	return p
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int { return len(p.deques) }

// Start launches the worker goroutines. ctx cancellation stops the pool;
// Shutdown blocks until every worker has drained and returned.
func (p *Pool) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.ctx = ctx
	p.cancel = cancel
	for i := range p.deques {
		i := i
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Submit enqueues a task according to the pool's policy, as would a node
// becoming ready outside of any worker's completion callback (e.g. the
// engine seeding initial ready work).
func (p *Pool) Submit(t Task) {
	if p.policy == PriorityAware {
		p.prioMu.Lock()
		p.prioLevels[t.Priority] = append(p.prioLevels[t.Priority], t)
		p.prioMu.Unlock()
		return
	}
	idx := p.chooseDeque(-1)
	p.deques[idx].PushBottom(t)
}

// SubmitFrom enqueues a task produced by the completion of work running on
// worker ownerIdx. Under OwnerPush, dependents of a just-completed task
// enter the completing worker's own deque for locality.
func (p *Pool) SubmitFrom(ownerIdx int, t Task) {
	if p.policy == OwnerPush && ownerIdx >= 0 {
		p.deques[ownerIdx].PushBottom(t)
		return
	}
	p.Submit(t)
}

func (p *Pool) chooseDeque(preferNot int) int {
	if p.policy == LeastLoaded {
		best := -1
		var bestLen int64 = -1
		for i, dq := range p.deques {
			if i == preferNot {
				continue
			}
			l := dq.Len()
			if bestLen == -1 || l < bestLen {
				bestLen = l
				best = i
			}
		}
		if best >= 0 {
			return best
		}
	}
	return rand.Intn(len(p.deques))
}

func (p *Pool) popPriority() (Task, bool) {
	p.prioMu.Lock()
	defer p.prioMu.Unlock()
	best := -1
	for level, q := range p.prioLevels {
		if len(q) == 0 {
			continue
		}
		if best == -1 || level > best {
			best = level
		}
	}
	if best == -1 {
		return Task{}, false
	}
	q := p.prioLevels[best]
	t := q[0]
	p.prioLevels[best] = q[1:]
	return t, true
}

func (p *Pool) workerLoop(ctx context.Context, idx int) {
	defer p.wg.Done()
	own := p.deques[idx]
	misses := 0
	for {
		if ctx.Err() != nil {
			return
		}
		var (
			t  Task
			ok bool
		)
		if p.policy == PriorityAware {
			t, ok = p.popPriority()
		} else {
			t, ok = own.PopBottom()
		}
		if !ok {
			t, ok = p.steal(idx)
		}
		if !ok {
			misses++
			if misses >= backoffAfter {
				shift := misses - backoffAfter
				if shift > 6 {
					shift = 6
				}
				backoff := (100 * time.Microsecond) << uint(shift)
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
			} else {
				runtime.Gosched()
			}
			continue
		}
		misses = 0
		t.Run(ctx)
	}
}

func (p *Pool) steal(ownIdx int) (Task, bool) {
	n := len(p.deques)
	if n <= 1 {
		return Task{}, false
	}
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		victim := (start + i) % n
		if victim == ownIdx {
			continue
		}
		if t, ok := p.deques[victim].Steal(); ok {
			return t, true
		}
	}
	return Task{}, false
}

// Shutdown signals every worker to stop and waits for them to drain,
// then releases deque-internal retired buffers.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	for _, dq := range p.deques {
		dq.Close()
	}
}
