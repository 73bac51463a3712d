// Package scheduler provides a FIFO work queue with a fixed concurrency
// limit, used to keep a large file's chunk uploads from saturating the
// connection pool.
package scheduler

import "sync"

// DefaultConcurrency is the number of tasks admitted to run at once.
const DefaultConcurrency = 2

// Scheduler admits queued tasks in submission order, at most N concurrently.
// A task's outcome never blocks admission of later tasks; error handling
// belongs to the submitted closure.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	workers sync.WaitGroup
}

// New creates a scheduler running at most concurrency tasks at once.
func New(concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	s := &Scheduler{}
	s.cond = sync.NewCond(&s.mu)

	s.workers.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go s.worker()
	}
	return s
}

func (s *Scheduler) worker() {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		task()
	}
}

// Submit queues a task. It returns immediately; the task runs once a worker
// is free. Submitting after Close is a no-op.
func (s *Scheduler) Submit(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
}

// Close stops admission, waits for queued and running tasks to finish, and
// returns once all workers have exited.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.workers.Wait()
}
