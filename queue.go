package multiauth

import "sync"

// Executor runs callbacks in the context that owns published state
type Executor interface {
	Dispatch(fn func())
}

// InlineExecutor runs callbacks immediately on the calling goroutine
type InlineExecutor struct{}

func (InlineExecutor) Dispatch(fn func()) { fn() }

// MainQueue is a serial FIFO executor backed by a single goroutine.
// Everything dispatched to it runs in order and never concurrently, which is
// what observers of published state rely on.
type MainQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewMainQueue starts the queue goroutine
func NewMainQueue() *MainQueue {
	q := &MainQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *MainQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}

// Dispatch enqueues fn. Calls after Close are dropped.
func (q *MainQueue) Dispatch(fn func()) {
	q.enqueue(fn)
}

func (q *MainQueue) enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return true
}

// Sync blocks until everything dispatched before the call has run.
// Must not be called from the queue itself.
func (q *MainQueue) Sync() {
	ch := make(chan struct{})
	if !q.enqueue(func() { close(ch) }) {
		<-q.done
		return
	}
	<-ch
}

// Close runs the remaining tasks and stops the queue
func (q *MainQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
