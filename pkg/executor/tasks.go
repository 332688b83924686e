package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-exec/pkg/processor"
)

// taskQueue hands ready nodes to worker goroutines and detects completion.
type taskQueue struct {
	// ctx is handed to async processors; it is cancelled when the queue
	// finishes.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []*node
	numThreads   int
	idle         int
	asyncWaiting int

	// inline is set when a single goroutine drives execution and drains
	// async completions itself.
	inline bool

	threads []*threadContext

	finished  atomic.Bool
	done      chan struct{}
	asyncDone chan *node
	watchers  sync.WaitGroup
}

func newTaskQueue(ctx context.Context, numThreads int) *taskQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &taskQueue{
		ctx:        ctx,
		cancel:     cancel,
		numThreads: numThreads,
		inline:     numThreads == 1,
		done:       make(chan struct{}),
		asyncDone:  make(chan *node),
		threads:    make([]*threadContext, numThreads),
	}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.threads {
		q.threads[i] = &threadContext{num: i}
	}
	return q
}

func (q *taskQueue) thread(num int) *threadContext { return q.threads[num] }

func (q *taskQueue) fill(ready []*node) {
	q.mu.Lock()
	q.queue = append(q.queue, ready...)
	q.mu.Unlock()
}

func (q *taskQueue) isFinished() bool { return q.finished.Load() }

// finish stops every worker. Safe to call any number of times.
func (q *taskQueue) finish() {
	if !q.finished.CompareAndSwap(false, true) {
		return
	}
	close(q.done)
	q.cancel()
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *taskQueue) finishLocked() {
	if !q.finished.CompareAndSwap(false, true) {
		return
	}
	close(q.done)
	q.cancel()
	q.cond.Broadcast()
}

// tryGetTask assigns the next ready node to tc, blocking while other workers
// may still produce work. It returns without a task once the queue finished,
// or, in inline mode, when yield is set while only async nodes are pending.
func (q *taskQueue) tryGetTask(tc *threadContext, yield *atomic.Bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.finished.Load() {
			return
		}
		if q.inline {
			q.drainAsyncLocked()
		}
		if len(q.queue) > 0 {
			tc.node = q.queue[0]
			q.queue[0] = nil
			q.queue = q.queue[1:]
			return
		}
		if q.idle+1 == q.numThreads && q.asyncWaiting == 0 {
			q.finishLocked()
			return
		}

		if q.inline {
			if yield != nil && yield.Load() {
				return
			}
			q.mu.Unlock()
			select {
			case n := <-q.asyncDone:
				q.mu.Lock()
				q.asyncWaiting--
				q.queue = append(q.queue, n)
			case <-q.done:
				q.mu.Lock()
			}
			continue
		}

		q.idle++
		q.cond.Wait()
		q.idle--
	}
}

func (q *taskQueue) drainAsyncLocked() {
	for {
		select {
		case n := <-q.asyncDone:
			q.asyncWaiting--
			q.queue = append(q.queue, n)
		default:
			return
		}
	}
}

// pushTasks publishes the result of a prepare pass. The first ready node is
// kept by tc when it has nothing else to do. It reports false when an async
// node could not be scheduled.
func (q *taskQueue) pushTasks(tc *threadContext, ready, async []*node) bool {
	ok := true
	for _, n := range async {
		if !q.scheduleAsync(n) {
			ok = false
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	tc.node = nil
	if len(ready) > 0 {
		tc.node = ready[0]
		ready = ready[1:]
	}
	for _, n := range ready {
		q.queue = append(q.queue, n)
		q.cond.Signal()
	}
	return ok
}

// scheduleAsync registers the readiness future of n. Once it fires, the node
// is handed to whoever drains asyncDone.
func (q *taskQueue) scheduleAsync(n *node) bool {
	ap, ok := n.proc.(processor.AsyncProcessor)
	if !ok {
		n.exception.set(&ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "schedule", Err: ErrNotAsync})
		return false
	}
	ready, err := schedule(q.ctx, ap)
	if err != nil {
		n.exception.set(&ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "schedule", Err: err})
		return false
	}

	q.mu.Lock()
	q.asyncWaiting++
	q.mu.Unlock()

	q.watchers.Add(1)
	go func() {
		defer q.watchers.Done()
		select {
		case <-ready:
		case <-q.done:
			return
		}
		select {
		case q.asyncDone <- n:
		case <-q.done:
		}
	}()
	return true
}

func schedule(ctx context.Context, ap processor.AsyncProcessor) (ready <-chan struct{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return ap.Schedule(ctx)
}

// processAsyncTasks moves fired async nodes to the ready queue until the
// queue finishes. Used by the coordinating goroutine in multi-threaded mode.
func (q *taskQueue) processAsyncTasks() {
	for {
		select {
		case n := <-q.asyncDone:
			q.mu.Lock()
			q.asyncWaiting--
			q.queue = append(q.queue, n)
			q.cond.Signal()
			q.mu.Unlock()
		case <-q.done:
			return
		}
	}
}

// wait blocks until every async watcher exited. Call after finish.
func (q *taskQueue) wait() { q.watchers.Wait() }

func (q *taskQueue) firstThreadException() error {
	for _, tc := range q.threads {
		if err := tc.exception.get(); err != nil {
			return err
		}
	}
	return nil
}
